// Package handler exposes the prefetch engine over HTTP for a UI front-end.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/preload"
	"github.com/lucasew/imgprefetch/internal/scheduler"
)

// MetadataSource answers image metadata lookups.
type MetadataSource interface {
	ImageMetadata(ctx context.Context, path string) (*imgprefetch.Metadata, error)
}

// Handler serves:
//
//	GET  /thumbnail?path=P[&size=N]      thumbnail, loaded only at the grid size class
//	GET  /full?path=P&width=W&height=H   full image sized for the display
//	POST /preload                        queue background loads around an index
//	GET  /info?path=P                    image metadata
//	GET  /stats                          scheduler and cache counters
type Handler struct {
	Scheduler     *scheduler.Scheduler
	Thumbnails    *cache.Store
	Full          *cache.Store
	Preloader     *preload.Preloader
	Metadata      MetadataSource
	ThumbnailSize int

	mux *http.ServeMux
}

func New(sched *scheduler.Scheduler, thumbs, full *cache.Store, pre *preload.Preloader, md MetadataSource, thumbnailSize int) *Handler {
	h := &Handler{
		Scheduler:     sched,
		Thumbnails:    thumbs,
		Full:          full,
		Preloader:     pre,
		Metadata:      md,
		ThumbnailSize: thumbnailSize,
		mux:           http.NewServeMux(),
	}
	h.mux.HandleFunc("GET /thumbnail", h.thumbnail)
	h.mux.HandleFunc("GET /full", h.full)
	h.mux.HandleFunc("POST /preload", h.preload)
	h.mux.HandleFunc("GET /info", h.info)
	h.mux.HandleFunc("GET /stats", h.stats)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) thumbnail(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	size := h.ThumbnailSize
	if s := r.URL.Query().Get("size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid size", http.StatusBadRequest)
			return
		}
		size = n
	}
	key := cache.Key{Resource: path, SizeClass: size}

	// HEAD only answers for what is already resident. Other size classes
	// than the grid's are never loaded on demand.
	if r.Method == http.MethodHead || size != h.ThumbnailSize {
		if !h.Thumbnails.Contains(key) {
			http.Error(w, fmt.Sprintf("Thumbnail not found at size %d (grid size is %d)", size, h.ThumbnailSize), http.StatusNotFound)
			return
		}
	}
	h.serve(w, r, scheduler.Thumbnail, key)
}

func (h *Handler) full(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	path := q.Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	width, errW := strconv.Atoi(q.Get("width"))
	height, errH := strconv.Atoi(q.Get("height"))
	if errW != nil || errH != nil || width <= 0 || height <= 0 {
		http.Error(w, "width and height must be positive integers", http.StatusBadRequest)
		return
	}
	h.serve(w, r, scheduler.Full, cache.Key{Resource: path, SizeClass: preload.SizeClass(width, height)})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, kind scheduler.Kind, key cache.Key) {
	future := h.Scheduler.Enqueue(scheduler.Request{Kind: kind, Key: key, Priority: scheduler.Immediate})
	res, err := future.Wait(r.Context())
	if err != nil {
		// The client went away. The load still completes into the cache.
		slog.Debug("Request abandoned", "key", key.String(), "error", err)
		return
	}
	if res.Err != nil {
		status := http.StatusBadGateway
		if errors.Is(res.Err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		slog.Warn("Load failed", "kind", kind, "key", key.String(), "error", res.Err)
		http.Error(w, fmt.Sprintf("Failed to load: %v", res.Err), status)
		return
	}

	contentType := http.DetectContentType(res.Payload)
	if res.Metadata.Format != "" {
		contentType = "image/" + res.Metadata.Format
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Payload)))
	w.Header().Set(imgprefetch.HeaderImageWidth, strconv.Itoa(res.Metadata.Width))
	w.Header().Set(imgprefetch.HeaderImageHeight, strconv.Itoa(res.Metadata.Height))
	w.Header().Set("X-Size-Class", strconv.Itoa(key.SizeClass))
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if res.FromCache {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(res.Payload); err != nil {
		slog.Debug("Failed to write response", "key", key.String(), "error", err)
	}
}

// PreloadRequest is the body of POST /preload.
type PreloadRequest struct {
	Paths     []string `json:"paths"`
	Index     int      `json:"index"`
	Direction int      `json:"direction"`
	Width     int      `json:"width"`
	Height    int      `json:"height"`
}

type PreloadResponse struct {
	SizeClass int   `json:"size_class"`
	Queued    []int `json:"queued"`
}

func (h *Handler) preload(w http.ResponseWriter, r *http.Request) {
	var req PreloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if req.Index < 0 || req.Index >= len(req.Paths) {
		http.Error(w, "index out of range", http.StatusBadRequest)
		return
	}
	sizeClass := preload.SizeClass(req.Width, req.Height)
	queued := h.Preloader.Preload(imgprefetch.Paths(req.Paths), req.Index, preload.Normalize(req.Direction), sizeClass)
	if queued == nil {
		queued = []int{}
	}
	writeJSON(w, http.StatusAccepted, PreloadResponse{SizeClass: sizeClass, Queued: queued})
}

func (h *Handler) info(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		http.Error(w, "missing path", http.StatusBadRequest)
		return
	}
	md, err := h.Metadata.ImageMetadata(r.Context(), path)
	if err != nil {
		slog.Warn("Metadata lookup failed", "path", path, "error", err)
		http.Error(w, fmt.Sprintf("Failed to load metadata: %v", err), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// Stats is the body of GET /stats.
type Stats struct {
	Scheduler  scheduler.Stats `json:"scheduler"`
	Thumbnails cache.Stats     `json:"thumbnails"`
	Full       cache.Stats     `json:"full"`
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Stats{
		Scheduler:  h.Scheduler.Stats(),
		Thumbnails: h.Thumbnails.Stats(),
		Full:       h.Full.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
