package main

import (
	"encoding/json"
	"os"

	"github.com/lucasew/imgprefetch"
	"github.com/lucasew/imgprefetch/internal/app"
	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info <path>...",
	Short: "Print image metadata as JSON",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
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

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		for _, path := range args {
			md, err := engine.Service.ImageMetadata(cmd.Context(), path)
			if err != nil {
				errutil.ReportError(err, "Metadata lookup failed", "path", path)
				os.Exit(1)
			}
			if err := enc.Encode(struct {
				Path string `json:"path"`
				*imgprefetch.Metadata
			}{path, md}); err != nil {
				errutil.ReportError(err, "Failed to write metadata")
				os.Exit(1)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
