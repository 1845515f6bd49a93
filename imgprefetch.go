package imgprefetch

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/shogo82148/go-sfv"
)

// ServerEnv names the environment variable holding the image service base URLs.
const ServerEnv = "IMGPREFETCH_SERVER"

// Response headers carrying the dimensions of a binary image payload.
const (
	HeaderImageWidth  = "X-Image-Width"
	HeaderImageHeight = "X-Image-Height"
)

var (
	// ErrServiceFailure is returned when the image service answers with success=false.
	ErrServiceFailure = errors.New("image service reported failure")

	// ErrAllServersFailed is returned when no configured server could serve the request.
	ErrAllServersFailed = errors.New("all servers failed")

	// ErrNoServers is returned when the client has no server to talk to.
	ErrNoServers = errors.New("no image servers configured")

	// ErrInvalidDataURL is returned when a legacy response carries a malformed data URL.
	ErrInvalidDataURL = errors.New("invalid data url")
)

// HTTPStatusError is returned when a server responds with a non-200 status code.
type HTTPStatusError struct {
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

// Client talks to one or more replicas of the image-processing service.
// Servers are tried in order until one succeeds.
type Client struct {
	HTTP    *http.Client
	Servers []string
}

// NewClient creates a Client. A nil servers list is read from ServerEnv.
func NewClient(client *http.Client, servers []string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	if servers == nil {
		servers = ServersFromEnv()
	}
	return &Client{
		HTTP:    client,
		Servers: servers,
	}
}

// ParseServers decodes a structured-field list of server URLs.
func ParseServers(value string) ([]string, error) {
	if value == "" {
		return nil, nil
	}
	list, err := sfv.DecodeList([]string{value})
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, item := range list {
		if s, ok := item.Value.(string); ok {
			servers = append(servers, s)
		}
	}
	return servers, nil
}

// ServersFromEnv reads ServerEnv. Parse failures are logged and yield nil.
func ServersFromEnv() []string {
	servers, err := ParseServers(os.Getenv(ServerEnv))
	if err != nil {
		errutil.LogMsg(err, "Failed to parse "+ServerEnv)
		return nil
	}
	return servers
}

type thumbnailRequest struct {
	ImagePath string `json:"image_path"`
	Size      int    `json:"size"`
}

type batchThumbnailRequest struct {
	ImagePaths []string `json:"image_paths"`
	Size       int      `json:"size"`
}

type fullImageRequest struct {
	ImagePath string `json:"image_path"`
	MaxSize   int    `json:"max_size"`
}

type imageInfoRequest struct {
	ImagePath string `json:"image_path"`
}

type scanFolderRequest struct {
	FolderPath string `json:"folder_path"`
	Recursive  bool   `json:"recursive"`
}

type imageResult struct {
	Success bool   `json:"success"`
	DataURL string `json:"data_url"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
	Error   string `json:"error"`
}

type batchThumbnailResult struct {
	Success        bool                   `json:"success"`
	Thumbnails     map[string]imageResult `json:"thumbnails"`
	TotalProcessed int                    `json:"total_processed"`
	Error          string                 `json:"error"`
}

// ThumbnailBatch is the outcome of FetchThumbnails. Every requested path
// is in exactly one of the two maps.
type ThumbnailBatch struct {
	Images map[string]*Image
	Failed map[string]error
}

type imageInfoResult struct {
	Success bool `json:"success"`
	Metadata
	Error string `json:"error"`
}

type scanResult struct {
	Success    bool   `json:"success"`
	Images     []File `json:"images"`
	TotalCount int    `json:"total_count"`
	Error      string `json:"error"`
}

// FetchThumbnail returns a thumbnail whose longest side is at most size.
//
// The binary endpoint is preferred. Servers that predate it (404/405) are
// asked through the legacy data URL endpoint, which decodes to the same Image.
func (c *Client) FetchThumbnail(ctx context.Context, path string, size int) (*Image, error) {
	var img *Image
	err := c.each(ctx, func(base string) error {
		var err error
		img, err = c.thumbnailBinary(ctx, base, path, size)
		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) && (statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusMethodNotAllowed) {
			img, err = c.postImage(ctx, base+"/thumbnail", thumbnailRequest{ImagePath: path, Size: size})
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// FetchThumbnails asks for the thumbnails of paths in a single request
// through the legacy data URL batch endpoint. A failed path is reported in
// Failed and does not fail the batch.
func (c *Client) FetchThumbnails(ctx context.Context, paths []string, size int) (*ThumbnailBatch, error) {
	var res batchThumbnailResult
	err := c.each(ctx, func(base string) error {
		res = batchThumbnailResult{}
		if err := c.postJSON(ctx, base+"/batch-thumbnails", batchThumbnailRequest{ImagePaths: paths, Size: size}, &res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%w: %s", ErrServiceFailure, res.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	batch := &ThumbnailBatch{
		Images: make(map[string]*Image, len(paths)),
		Failed: make(map[string]error),
	}
	for _, path := range paths {
		r, ok := res.Thumbnails[path]
		switch {
		case !ok:
			batch.Failed[path] = fmt.Errorf("%w: no result for %s", ErrServiceFailure, path)
		case !r.Success:
			batch.Failed[path] = fmt.Errorf("%w: %s", ErrServiceFailure, r.Error)
		default:
			img, err := r.image()
			if err != nil {
				batch.Failed[path] = err
				continue
			}
			batch.Images[path] = img
		}
	}
	return batch, nil
}

// FetchFullImage returns the image bounded by maxDim on its longest side.
// maxDim == 0 asks for native resolution.
func (c *Client) FetchFullImage(ctx context.Context, path string, maxDim int) (*Image, error) {
	var img *Image
	err := c.each(ctx, func(base string) error {
		var err error
		img, err = c.postImage(ctx, base+"/full-image", fullImageRequest{ImagePath: path, MaxSize: maxDim})
		return err
	})
	if err != nil {
		return nil, err
	}
	return img, nil
}

// FetchMetadata returns dimensions and format information for path.
func (c *Client) FetchMetadata(ctx context.Context, path string) (*Metadata, error) {
	var res imageInfoResult
	err := c.each(ctx, func(base string) error {
		res = imageInfoResult{}
		if err := c.postJSON(ctx, base+"/image-info", imageInfoRequest{ImagePath: path}, &res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%w: %s", ErrServiceFailure, res.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	md := res.Metadata
	return &md, nil
}

// ScanFolder lists the image files of folder, sorted by name by the service.
func (c *Client) ScanFolder(ctx context.Context, folder string, recursive bool) ([]File, error) {
	var res scanResult
	err := c.each(ctx, func(base string) error {
		res = scanResult{}
		if err := c.postJSON(ctx, base+"/scan-folder", scanFolderRequest{FolderPath: folder, Recursive: recursive}, &res); err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("%w: %s", ErrServiceFailure, res.Error)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res.Images, nil
}

// Health checks that at least one server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.each(ctx, func(base string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return err
		}
		defer errutil.LogClose(resp.Body, "Failed to close response body")
		if resp.StatusCode != http.StatusOK {
			return &HTTPStatusError{StatusCode: resp.StatusCode}
		}
		return nil
	})
}

func (c *Client) each(ctx context.Context, fn func(base string) error) error {
	if len(c.Servers) == 0 {
		return ErrNoServers
	}
	var lastErr error
	for _, server := range c.Servers {
		lastErr = fn(strings.TrimRight(server, "/"))
		if lastErr == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		errutil.LogMsg(lastErr, "Image server request failed", "server", server)
	}
	return fmt.Errorf("%w: %w", ErrAllServersFailed, lastErr)
}

func (c *Client) thumbnailBinary(ctx context.Context, base, path string, size int) (*Image, error) {
	resp, err := c.post(ctx, base+"/thumbnail-binary", thumbnailRequest{ImagePath: path, Size: size})
	if err != nil {
		return nil, err
	}
	defer errutil.LogClose(resp.Body, "Failed to close response body")

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	width, _ := strconv.Atoi(resp.Header.Get(HeaderImageWidth))
	height, _ := strconv.Atoi(resp.Header.Get(HeaderImageHeight))
	return &Image{
		Data:   data,
		Width:  width,
		Height: height,
		Format: FormatFromMIME(resp.Header.Get("Content-Type")),
	}, nil
}

func (c *Client) postImage(ctx context.Context, url string, body any) (*Image, error) {
	var res imageResult
	if err := c.postJSON(ctx, url, body, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("%w: %s", ErrServiceFailure, res.Error)
	}
	return res.image()
}

func (r imageResult) image() (*Image, error) {
	data, mime, err := DecodeDataURL(r.DataURL)
	if err != nil {
		return nil, err
	}
	return &Image{
		Data:   data,
		Width:  r.Width,
		Height: r.Height,
		Format: FormatFromMIME(mime),
	}, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body, out any) error {
	resp, err := c.post(ctx, url, body)
	if err != nil {
		return err
	}
	defer errutil.LogClose(resp.Body, "Failed to close response body")
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", url, err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		errutil.LogClose(resp.Body, "Failed to close response body")
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// DecodeDataURL decodes a base64 data URL and returns its bytes and MIME type.
func DecodeDataURL(s string) ([]byte, string, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, "", ErrInvalidDataURL
	}
	meta, encoded, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", ErrInvalidDataURL
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return nil, "", fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURL)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidDataURL, err)
	}
	return data, mime, nil
}

// FormatFromMIME returns the subtype of an image/* MIME type, or "".
func FormatFromMIME(mime string) string {
	mime, _, _ = strings.Cut(mime, ";")
	if f, ok := strings.CutPrefix(strings.TrimSpace(mime), "image/"); ok {
		return f
	}
	return ""
}
