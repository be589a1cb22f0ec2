// Command migrated runs the migration daemon: the token-gated HTTP API that
// remote environments export from, import into and pull media through.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/soltura/migrate/internal/app"
	"github.com/soltura/migrate/internal/config"
	"github.com/soltura/migrate/internal/logging"
	"github.com/soltura/migrate/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx := context.Background()
	backends, err := app.Build(ctx, cfg)
	if err != nil {
		slog.Error("building backends", "error", err)
		os.Exit(1)
	}
	defer backends.Close(ctx)

	api := server.New(server.Options{
		Registry:    backends.Registry,
		Store:       backends.Store,
		Media:       backends.Media,
		Ledger:      backends.Ledger,
		Archives:    backends.Archives,
		Environment: cfg.Environment,
	})

	srv := &http.Server{
		Addr:        cfg.Listen,
		Handler:     api.Router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		slog.Info("starting migration daemon", "listen", cfg.Listen, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
}
