package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/preload"
	"github.com/lucasew/imgprefetch/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loader struct {
	mu    sync.Mutex
	calls []cache.Key
	fail  error
	gate  chan struct{}
}

func (l *loader) load(ctx context.Context, key cache.Key) (*imgprefetch.Image, error) {
	l.mu.Lock()
	l.calls = append(l.calls, key)
	gate := l.gate
	l.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if l.fail != nil {
		return nil, l.fail
	}
	return &imgprefetch.Image{Data: []byte("jpeg:" + key.Resource), Width: 640, Height: 480, Format: "jpeg"}, nil
}

func (l *loader) Calls() []cache.Key {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]cache.Key(nil), l.calls...)
}

type metadata struct{}

func (metadata) ImageMetadata(ctx context.Context, path string) (*imgprefetch.Metadata, error) {
	if path == "/broken.jpg" {
		return nil, errors.New("decode failed")
	}
	return &imgprefetch.Metadata{Width: 4000, Height: 3000, Channels: 3, Format: "JPEG", SizeBytes: 42}, nil
}

func setup(t *testing.T, thumbs, full *loader) (*Handler, *scheduler.Scheduler) {
	thumbStore := cache.New(cache.Config{Name: "thumbnails", Capacity: 10})
	fullStore := cache.New(cache.Config{Name: "viewer", Capacity: 10})
	sched := scheduler.New(scheduler.Config{MaxConcurrency: 1}, map[scheduler.Kind]scheduler.Route{
		scheduler.Thumbnail: {Store: thumbStore, Load: thumbs.load},
		scheduler.Full:      {Store: fullStore, Load: full.load},
	})
	t.Cleanup(sched.Close)
	pre := preload.New(sched, fullStore, scheduler.Full, 2)
	return New(sched, thumbStore, fullStore, pre, metadata{}, 300), sched
}

func TestHandler_Thumbnail(t *testing.T) {
	thumbs := &loader{}
	h, _ := setup(t, thumbs, &loader{})

	t.Run("Miss Then Hit", func(t *testing.T) {
		for _, want := range []string{"MISS", "HIT"} {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thumbnail?path=/p/a.jpg", nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "jpeg:/p/a.jpg", rec.Body.String())
			assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
			assert.Equal(t, "640", rec.Header().Get(imgprefetch.HeaderImageWidth))
			assert.Equal(t, "480", rec.Header().Get(imgprefetch.HeaderImageHeight))
			assert.Equal(t, want, rec.Header().Get("X-Cache"))
		}
		assert.Equal(t, []cache.Key{{Resource: "/p/a.jpg", SizeClass: 300}}, thumbs.Calls())
	})

	t.Run("Head Only Checks Memory", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/thumbnail?path=/p/a.jpg", nil))
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/thumbnail?path=/p/other.jpg", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Len(t, thumbs.Calls(), 1)
	})

	t.Run("Only Grid Size Is Loaded", func(t *testing.T) {
		before := len(thumbs.Calls())

		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thumbnail?path=/p/a.jpg&size=600", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodHead, "/thumbnail?path=/p/a.jpg&size=600", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		assert.Len(t, thumbs.Calls(), before)
		assert.False(t, h.Thumbnails.Contains(cache.Key{Resource: "/p/a.jpg", SizeClass: 600}))

		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thumbnail?path=/p/a.jpg&size=300", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "300", rec.Header().Get("X-Size-Class"))
		assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))
	})

	t.Run("Bad Requests", func(t *testing.T) {
		for _, target := range []string{"/thumbnail", "/thumbnail?path=/a&size=x", "/thumbnail?path=/a&size=-1"} {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code, target)
		}
	})
}

func TestHandler_ThumbnailFailure(t *testing.T) {
	h, _ := setup(t, &loader{fail: errors.New("service down")}, &loader{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thumbnail?path=/p/a.jpg", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "service down")
	assert.False(t, h.Thumbnails.Contains(cache.Key{Resource: "/p/a.jpg", SizeClass: 300}))
}

func TestHandler_Full(t *testing.T) {
	full := &loader{}
	h, _ := setup(t, &loader{}, full)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/full?path=/p/a.jpg&width=2560&height=1440", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5120", rec.Header().Get("X-Size-Class"))
	assert.Equal(t, []cache.Key{{Resource: "/p/a.jpg", SizeClass: 5120}}, full.Calls())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/full?path=/p/a.jpg&width=0&height=1440", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_Preload(t *testing.T) {
	full := &loader{gate: make(chan struct{})}
	h, sched := setup(t, &loader{}, full)
	defer close(full.gate)

	var paths []string
	for i := range 20 {
		paths = append(paths, "/p/"+string(rune('a'+i))+".jpg")
	}
	body, err := json.Marshal(PreloadRequest{Paths: paths, Index: 5, Direction: 1, Width: 1280, Height: 800})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/preload", strings.NewReader(string(body))))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var res PreloadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, preload.FloorSizeClass, res.SizeClass)
	assert.Equal(t, []int{6, 7, 8, 9, 4, 3}, res.Queued)

	st := sched.Stats()
	assert.Equal(t, 1, st.InFlight)
	assert.Equal(t, 5, st.QueuedBackground)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/preload", strings.NewReader(`{"paths":["a"],"index":3}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandler_InfoAndStats(t *testing.T) {
	h, _ := setup(t, &loader{}, &loader{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info?path=/p/a.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var md imgprefetch.Metadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &md))
	assert.Equal(t, 4000, md.Width)
	assert.Equal(t, int64(42), md.SizeBytes)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/info?path=/broken.jpg", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/thumbnail?path=/p/a.jpg", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(1), st.Scheduler.Dispatched)
	assert.Equal(t, 1, st.Thumbnails.Entries)
	assert.Equal(t, "viewer", st.Full.Name)
}
