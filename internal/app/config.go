package app

import (
	"time"

	"github.com/lucasew/imgprefetch/internal/grid"
	"github.com/lucasew/imgprefetch/internal/httpclient"
	"github.com/lucasew/imgprefetch/internal/preload"
	"github.com/lucasew/imgprefetch/internal/scheduler"
)

// Config holds every engine setting. Field tags match the CLI flag names so
// viper can unmarshal flags, environment and config file alike.
type Config struct {
	// Server is a structured-field list of image service URLs.
	Server     string `mapstructure:"server"`
	Upstream   string `mapstructure:"upstream"`
	CACertFile string `mapstructure:"ca-cert"`

	// CacheDir enables the disk thumbnail tier and the metadata store.
	CacheDir         string        `mapstructure:"cache-dir"`
	DiskCacheSize    int64         `mapstructure:"disk-cache-size"`
	MinFreeSpace     int64         `mapstructure:"min-free-space"`
	EvictionInterval time.Duration `mapstructure:"eviction-interval"`
	EvictionStrategy string        `mapstructure:"eviction-strategy"`

	ThumbnailSize      int   `mapstructure:"thumbnail-size"`
	GridCacheEntries   int   `mapstructure:"grid-cache-entries"`
	GridCacheBytes     int64 `mapstructure:"grid-cache-bytes"`
	ViewerCacheEntries int   `mapstructure:"viewer-cache-entries"`
	ViewerCacheBytes   int64 `mapstructure:"viewer-cache-bytes"`

	MaxConcurrency  int           `mapstructure:"max-concurrency"`
	FetchTimeout    time.Duration `mapstructure:"fetch-timeout"`
	BackgroundRate  float64       `mapstructure:"background-rate"`
	PreloadDistance int           `mapstructure:"preload-distance"`
	ProximityMargin float64       `mapstructure:"proximity-margin"`
}

func DefaultConfig() Config {
	return Config{
		DiskCacheSize:      512 << 20,
		EvictionInterval:   time.Minute,
		EvictionStrategy:   "lru",
		ThumbnailSize:      grid.DefaultSizeClass,
		GridCacheEntries:   500,
		ViewerCacheEntries: 12,
		MaxConcurrency:     scheduler.DefaultMaxConcurrency,
		FetchTimeout:       httpclient.DefaultTimeout,
		PreloadDistance:    preload.DefaultDistance,
		ProximityMargin:    grid.DefaultMargin,
	}
}
