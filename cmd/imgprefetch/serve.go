package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lucasew/imgprefetch/internal/app"
	"github.com/lucasew/imgprefetch/internal/errutil"
	"github.com/lucasew/imgprefetch/internal/handler"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve cached thumbnails and full images over HTTP",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig()
		if err != nil {
			errutil.ReportError(err, "Invalid configuration")
			os.Exit(1)
		}
		engine, err := app.NewEngine(cfg)
		if err != nil {
			slog.Error("Failed to initialize engine", "error", err)
			os.Exit(1)
		}
		defer func() { errutil.LogMsg(engine.Close(), "Failed to close engine") }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errutil.LogMsg(engine.Client.Health(ctx), "Image service is not healthy yet")

		h := handler.New(engine.Scheduler, engine.Thumbs, engine.Full, engine.Preloader, engine.Service, cfg.ThumbnailSize)
		addr := fmt.Sprintf(":%d", viper.GetInt("port"))
		server := &http.Server{
			Addr:              addr,
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errutil.LogMsg(server.Shutdown(shutdownCtx), "Failed to shut down server")
		}()

		slog.Info("Starting server", "addr", addr, "cache_dir", cfg.CacheDir)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			return
		}
		slog.Info("Server stopped")
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to run the server on")
	mustBindPFlag("port", serveCmd.Flags().Lookup("port"))
}
