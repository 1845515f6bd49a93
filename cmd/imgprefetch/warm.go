package main

import (
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/app"
	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/lucasew/imgprefetch/internal/grid"
	"github.com/lucasew/imgprefetch/internal/visibility"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// warmWidth is the virtual grid width used while warming.
const warmWidth = 1920

var warmCmd = &cobra.Command{
	Use:   "warm <folder>...",
	Short: "Fetch every thumbnail of the given folders into the disk tier",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		recursive, err := cmd.Flags().GetBool("recursive")
		if err != nil {
			errutil.ReportError(err, "Failed to get recursive flag")
			os.Exit(1)
		}
		cfg, err := loadConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}
		if cfg.CacheDir == "" {
			slog.Warn("No cache dir configured, thumbnails will only be kept in memory")
		}
		engine, err := app.NewEngine(cfg)
		if err != nil {
			slog.Error("Failed to initialize engine", "error", err)
			os.Exit(1)
		}
		defer func() { errutil.LogMsg(engine.Close(), "Failed to close engine") }()

		scanned := make([][]imgprefetch.File, len(args))
		g, ctx := errgroup.WithContext(cmd.Context())
		g.SetLimit(4)
		for i, folder := range args {
			g.Go(func() error {
				files, err := engine.Client.ScanFolder(ctx, folder, recursive)
				if err != nil {
					return fmt.Errorf("failed to scan %s: %w", folder, err)
				}
				scanned[i] = files
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			slog.Error("Scan failed", "error", err)
			os.Exit(1)
		}

		var paths imgprefetch.Paths
		for _, files := range scanned {
			paths = append(paths, imgprefetch.FilesToPaths(files)...)
		}
		slog.Info("Warming thumbnails", "folders", len(args), "images", len(paths))

		bar := progressbar.NewOptions(
			len(paths),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("warming"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
					errutil.LogMsg(err, "Failed to print newline to stderr")
				}
			}),
		)

		batchFailed, err := engine.Service.WarmThumbnails(cmd.Context(), paths, cfg.ThumbnailSize)
		if err != nil {
			errutil.LogMsg(err, "Batch warm failed, falling back to single requests")
		}
		for path, err := range batchFailed {
			slog.Debug("Batch thumbnail failed", "path", path, "error", err)
		}

		var failed atomic.Int64
		presenter := engine.NewGrid(warmWidth)
		presenter.OnChange(func(c grid.Cell) {
			switch c.State {
			case grid.Ready:
				errutil.LogMsg(bar.Add(1), "Failed to update progress")
			case grid.Error:
				failed.Add(1)
				errutil.LogMsg(bar.Add(1), "Failed to update progress")
			}
		})
		presenter.Render(paths)
		for _, c := range presenter.Cells() {
			if c.State == grid.Ready {
				errutil.LogMsg(bar.Add(1), "Failed to update progress")
			}
		}

		_, height := presenter.Layout()
		presenter.Scroll(visibility.Rect{W: warmWidth, H: height})
		presenter.Wait()

		stats := engine.Scheduler.Stats()
		slog.Info("Warm complete", "images", len(paths), "failed", failed.Load(), "dispatched", stats.Dispatched)
		if failed.Load() > 0 {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(warmCmd)
	warmCmd.Flags().BoolP("recursive", "r", false, "Scan sub folders too")
}
