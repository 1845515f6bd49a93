package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasew/imgprefetch/internal/app"
	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/lucasew/imgprefetch/internal/eviction"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "imgprefetch",
	Short: "Prefetching image cache for large photo collections",
	Long: `imgprefetch sits between an image browser and its image-processing service.
It schedules thumbnail and full-image loads under a concurrency cap, keeps
bounded in-memory and on-disk caches, and prefetches around the image being viewed.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if _, printErr := fmt.Fprintln(os.Stderr, err); printErr != nil {
			errutil.ReportError(printErr, "Failed to print error to stderr")
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := app.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.imgprefetch.yaml)")
	flags.String("log-level", "info", "Log level (debug, info, warn, error)")
	flags.String("log-format", "text", "Log format (text, json)")

	flags.String("server", "", "Image service base URLs as a structured-field list (env IMGPREFETCH_SERVER)")
	flags.String("upstream", "", "Peer imgprefetch servers to read thumbnails from, as a structured-field list")
	flags.String("ca-cert", "", "PEM bundle trusted in addition to the system pool")
	flags.String("cache-dir", defaultCacheDir(), "Directory for the disk thumbnail tier and metadata (empty disables)")
	flags.Int64("disk-cache-size", defaults.DiskCacheSize, "Max disk thumbnail tier size in bytes (0 for unlimited)")
	flags.Int64("min-free-space", defaults.MinFreeSpace, "Min free disk space in bytes")
	flags.Duration("eviction-interval", defaults.EvictionInterval, "Interval to check the disk tier for evictions")
	flags.String("eviction-strategy", defaults.EvictionStrategy, "Eviction strategy to use ("+strings.Join(eviction.Names(), ", ")+")")
	flags.Int("thumbnail-size", defaults.ThumbnailSize, "Size class every thumbnail is fetched at")
	flags.Int("grid-cache-entries", defaults.GridCacheEntries, "Thumbnails kept in memory")
	flags.Int64("grid-cache-bytes", defaults.GridCacheBytes, "Thumbnail memory budget in bytes (0 for entry count only)")
	flags.Int("viewer-cache-entries", defaults.ViewerCacheEntries, "Full images kept in memory")
	flags.Int64("viewer-cache-bytes", defaults.ViewerCacheBytes, "Full image memory budget in bytes (0 for entry count only)")
	flags.Int("max-concurrency", defaults.MaxConcurrency, "Loads in flight at once")
	flags.Duration("fetch-timeout", defaults.FetchTimeout, "Timeout of a single load")
	flags.Float64("background-rate", defaults.BackgroundRate, "Max background loads started per second (0 for unlimited)")
	flags.Int("preload-distance", defaults.PreloadDistance, "Neighbours preloaded behind the viewer (twice as many ahead)")
	flags.Float64("proximity-margin", defaults.ProximityMargin, "Pixels outside the viewport where grid loading starts")

	flags.VisitAll(func(f *pflag.Flag) {
		if f.Name != "config" {
			mustBindPFlag(f.Name, f)
		}
	})
}

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		errutil.ReportError(err, "Failed to bind flag", "flag", key)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigName(".imgprefetch")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("IMGPREFETCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			errutil.LogMsg(err, "Failed to read config file")
		}
		return
	}
	slog.Debug("Using config file", "path", viper.ConfigFileUsed())
}

func loadConfig() (app.Config, error) {
	cfg := app.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode configuration: %w", err)
	}
	return cfg, nil
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "imgprefetch")
}

func setupLogger(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch format {
	case "text", "":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
