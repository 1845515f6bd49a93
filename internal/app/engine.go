// Package app assembles the prefetch engine from its configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/db"
	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/lucasew/imgprefetch/internal/eviction"
	_ "github.com/lucasew/imgprefetch/internal/eviction/lru"
	"github.com/lucasew/imgprefetch/internal/eviction/policy"
	"github.com/lucasew/imgprefetch/internal/eviction/policy/maxbytes"
	"github.com/lucasew/imgprefetch/internal/eviction/policy/minfree"
	"github.com/lucasew/imgprefetch/internal/fetcher"
	"github.com/lucasew/imgprefetch/internal/grid"
	"github.com/lucasew/imgprefetch/internal/httpclient"
	"github.com/lucasew/imgprefetch/internal/preload"
	"github.com/lucasew/imgprefetch/internal/repository"
	"github.com/lucasew/imgprefetch/internal/resource"
	"github.com/lucasew/imgprefetch/internal/scheduler"
	"github.com/lucasew/imgprefetch/internal/viewer"
)

// Engine owns the caches, the scheduler and the collaborators behind them.
// Presenters created from it share its caches and concurrency budget.
type Engine struct {
	Config    Config
	Client    *imgprefetch.Client
	Service   *fetcher.Service
	Thumbs    *cache.Store
	Full      *cache.Store
	Scheduler *scheduler.Scheduler
	Preloader *preload.Preloader

	ThumbMeter *resource.Meter
	FullMeter  *resource.Meter

	db     *db.DB
	cancel context.CancelFunc
}

// NewEngine builds an Engine. Close releases everything it opened.
func NewEngine(cfg Config) (*Engine, error) {
	servers, err := imgprefetch.ParseServers(cfg.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server list: %w", err)
	}
	if len(servers) == 0 {
		return nil, imgprefetch.ErrNoServers
	}
	upstreams, err := imgprefetch.ParseServers(cfg.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream list: %w", err)
	}
	httpClient := httpclient.NewClient(cfg.CACertFile, cfg.FetchTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		Config:     cfg,
		Client:     imgprefetch.NewClient(httpClient, servers),
		ThumbMeter: &resource.Meter{},
		FullMeter:  &resource.Meter{},
		cancel:     cancel,
	}

	var local *repository.Local
	var metadata fetcher.MetadataStore
	if cfg.CacheDir != "" {
		local, err = e.openDiskTier(ctx, cfg)
		if err != nil {
			e.Close()
			return nil, err
		}
		dbPath := filepath.Join(cfg.CacheDir, "metadata.db")
		e.db, err = db.Open(dbPath)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to open database at %s: %w", dbPath, err)
		}
		metadata = e.db
	}

	var upstreamRepos []repository.Repository
	for _, u := range upstreams {
		upstreamRepos = append(upstreamRepos, repository.NewUpstream(u, httpClient))
	}
	e.Service = fetcher.New(e.Client, local, upstreamRepos, metadata)

	if e.Thumbs, err = newStore(cfg.EvictionStrategy, cache.Config{
		Name:      "thumbnails",
		Capacity:  cfg.GridCacheEntries,
		MaxBytes:  cfg.GridCacheBytes,
		OnRelease: releaseLogger(e.ThumbMeter),
	}); err != nil {
		e.Close()
		return nil, err
	}
	if e.Full, err = newStore(cfg.EvictionStrategy, cache.Config{
		Name:      "viewer",
		Capacity:  cfg.ViewerCacheEntries,
		MaxBytes:  cfg.ViewerCacheBytes,
		OnRelease: releaseLogger(e.FullMeter),
	}); err != nil {
		e.Close()
		return nil, err
	}

	e.Scheduler = scheduler.New(scheduler.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		FetchTimeout:   cfg.FetchTimeout,
		BackgroundRate: cfg.BackgroundRate,
	}, map[scheduler.Kind]scheduler.Route{
		scheduler.Thumbnail: {Store: e.Thumbs, Load: e.Service.LoadThumbnail, Meter: e.ThumbMeter, Validate: imgprefetch.Validate},
		scheduler.Full:      {Store: e.Full, Load: e.Service.LoadFull, Meter: e.FullMeter, Validate: imgprefetch.Validate},
	})
	e.Preloader = preload.New(e.Scheduler, e.Full, scheduler.Full, cfg.PreloadDistance)

	slog.Info("Engine ready",
		"servers", servers,
		"upstreams", upstreams,
		"cache_dir", cfg.CacheDir,
		"max_concurrency", cfg.MaxConcurrency,
		"thumbnail_size", cfg.ThumbnailSize,
	)
	return e, nil
}

func (e *Engine) openDiskTier(ctx context.Context, cfg Config) (*repository.Local, error) {
	strat, err := eviction.GetStrategy(cfg.EvictionStrategy)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize eviction strategy: %w", err)
	}

	thumbDir := filepath.Join(cfg.CacheDir, "thumbnails")
	var policies []policy.Policy
	if cfg.DiskCacheSize > 0 {
		slog.Info("Adding MaxBytes policy", "max_size", cfg.DiskCacheSize)
		policies = append(policies, &maxbytes.Policy{MaxBytes: cfg.DiskCacheSize})
	}
	if cfg.MinFreeSpace > 0 {
		slog.Info("Adding MinFreeSpace policy", "min_free", cfg.MinFreeSpace)
		policies = append(policies, &minfree.Policy{Path: cfg.CacheDir, MinFreeBytes: cfg.MinFreeSpace})
	}
	if len(policies) == 0 {
		slog.Info("No disk eviction policies configured (unlimited cache)")
	}

	mgr := eviction.NewManager(policies, cfg.EvictionInterval, strat)
	local := repository.NewLocal(thumbDir, mgr)
	local.Validate = imgprefetch.Validate
	mgr.SetStore(local)
	errutil.LogMsg(mgr.LoadInitialState(), "Failed to load initial cache state")
	go mgr.Start(ctx)
	return local, nil
}

func newStore(strategy string, cfg cache.Config) (*cache.Store, error) {
	strat, err := eviction.GetStrategy(strategy)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s cache: %w", cfg.Name, err)
	}
	cfg.Strategy = strat
	return cache.New(cfg), nil
}

func releaseLogger(meter *resource.Meter) cache.ReleaseFunc {
	return func(e *cache.Entry) {
		slog.Debug("Releasing entry", "key", e.Key.String(), "bytes", e.Payload.Size(), "live_bytes", meter.Bytes())
	}
}

// NewGrid creates a thumbnail grid presenter for a container of the given width.
func (e *Engine) NewGrid(width float64) *grid.Presenter {
	return grid.New(grid.Config{
		SizeClass: e.Config.ThumbnailSize,
		Width:     width,
		Margin:    e.Config.ProximityMargin,
	}, e.Thumbs, e.Scheduler)
}

// NewViewer creates a full-screen viewer for the given surface.
func (e *Engine) NewViewer(surface viewer.Surface) *viewer.Viewer {
	return viewer.New(viewer.Config{
		Surface:            surface,
		ThumbnailSizeClass: e.Config.ThumbnailSize,
	}, e.Scheduler, e.Thumbs, e.Preloader)
}

// Close stops the scheduler, releases every cached payload and closes the
// stores. It is safe to call on a partially built Engine.
func (e *Engine) Close() error {
	if e.Scheduler != nil {
		e.Scheduler.Close()
	}
	if e.Thumbs != nil {
		e.Thumbs.Clear()
	}
	if e.Full != nil {
		e.Full.Clear()
	}
	e.cancel()
	if e.db != nil {
		return e.db.Close()
	}
	return nil
}
