package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lucasew/imgprefetch/internal/app"
	"github.com/lucasew/imgprefetch/internal/cache"
	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/lucasew/imgprefetch/internal/preload"
	"github.com/lucasew/imgprefetch/internal/scheduler"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Fetch a thumbnail or full image through the caches",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		full, err := cmd.Flags().GetBool("full")
		if err != nil {
			errutil.ReportError(err, "Failed to get full flag")
			os.Exit(1)
		}
		maxDim, err := cmd.Flags().GetInt("max-dim")
		if err != nil {
			errutil.ReportError(err, "Failed to get max-dim flag")
			os.Exit(1)
		}
		output, err := cmd.Flags().GetString("output")
		if err != nil {
			errutil.ReportError(err, "Failed to get output flag")
			os.Exit(1)
		}

		cfg, err := loadConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}
		engine, err := app.NewEngine(cfg)
		if err != nil {
			errutil.ReportError(err, "Failed to initialize engine")
			os.Exit(1)
		}
		defer func() { errutil.LogMsg(engine.Close(), "Failed to close engine") }()

		req := scheduler.Request{
			Kind:     scheduler.Thumbnail,
			Key:      cache.Key{Resource: args[0], SizeClass: cfg.ThumbnailSize},
			Priority: scheduler.Immediate,
		}
		if full {
			req.Kind = scheduler.Full
			req.Key.SizeClass = maxDim
		}
		res, err := engine.Scheduler.Enqueue(req).Wait(cmd.Context())
		if err == nil {
			err = res.Err
		}
		if err != nil {
			errutil.ReportError(err, "Fetch failed", "path", args[0])
			os.Exit(1)
		}

		var out io.Writer = os.Stdout
		if output != "" {
			file, err := os.Create(output)
			if err != nil {
				errutil.ReportError(err, "Failed to create output file")
				os.Exit(1)
			}
			defer func() {
				errutil.LogMsg(file.Close(), "Failed to close output file")
			}()
			out = file
		}

		bar := progressbar.NewOptions64(
			int64(len(res.Payload)),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription(fmt.Sprintf("%dx%d", res.Metadata.Width, res.Metadata.Height)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(10),
			progressbar.OptionThrottle(65*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				if _, err := fmt.Fprint(os.Stderr, "\n"); err != nil {
					errutil.LogMsg(err, "Failed to print newline to stderr")
				}
			}),
		)
		if _, err := io.Copy(io.MultiWriter(out, bar), bytes.NewReader(res.Payload)); err != nil {
			errutil.ReportError(err, "Failed to write image")
			if output != "" {
				errutil.LogMsg(os.Remove(output), "Failed to remove output file after failed write", "path", output)
			}
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(getCmd)
	getCmd.Flags().Bool("full", false, "Fetch the full image instead of the thumbnail")
	getCmd.Flags().Int("max-dim", preload.FloorSizeClass, "Longest side of the full image (0 for native resolution)")
	getCmd.Flags().StringP("output", "o", "", "Output file")
}
