package repository

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/errutil"
)

// Upstream reads thumbnails from another imgprefetch server, so several
// clients can share one warmed disk tier.
type Upstream struct {
	BaseURL string
	Client  *http.Client
}

func NewUpstream(baseURL string, client *http.Client) *Upstream {
	if client == nil {
		client = http.DefaultClient
	}
	return &Upstream{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Client:  client,
	}
}

func (r *Upstream) url(sizeClass int, resource string) string {
	q := url.Values{}
	q.Set("path", resource)
	q.Set("size", strconv.Itoa(sizeClass))
	return r.BaseURL + "/thumbnail?" + q.Encode()
}

// Exists checks for the thumbnail with a HEAD request.
func (r *Upstream) Exists(ctx context.Context, sizeClass int, resource string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, r.url(sizeClass, resource), nil)
	if err != nil {
		return false, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return false, err
	}
	defer errutil.LogClose(resp.Body, "Failed to close upstream body")
	return resp.StatusCode == http.StatusOK, nil
}

func (r *Upstream) Get(ctx context.Context, sizeClass int, resource string) (*imgprefetch.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url(sizeClass, resource), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer errutil.LogClose(resp.Body, "Failed to close upstream body")

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, resource)
	default:
		return nil, &imgprefetch.HTTPStatusError{StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	width, _ := strconv.Atoi(resp.Header.Get(imgprefetch.HeaderImageWidth))
	height, _ := strconv.Atoi(resp.Header.Get(imgprefetch.HeaderImageHeight))
	return &imgprefetch.Image{
		Data:   data,
		Width:  width,
		Height: height,
		Format: imgprefetch.FormatFromMIME(resp.Header.Get("Content-Type")),
	}, nil
}
