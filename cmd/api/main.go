package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/your-org/mediaflow/internal/api"
	"github.com/your-org/mediaflow/internal/api/ws"
	"github.com/your-org/mediaflow/internal/app"
	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/observability"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("starting mediaflow API service", "port", cfg.Server.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		slog.Error("init services", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	// WebSocket hub fed by pipeline events
	hub := ws.NewHub(logger)
	go hub.Run(ctx)
	if err := hub.Relay(ctx, a.Broker); err != nil {
		slog.Warn("subscribe to pipeline events", "error", err)
	}

	router := api.NewRouter(api.RouterConfig{
		APIKey:    cfg.Server.APIKey,
		Ledger:    a.Ledger,
		Pipeline:  a.Coordinator,
		Scanner:   a.Scanner,
		Root:      a.Root,
		Index:     a.Index,
		Clusterer: a.Clusterer,
		Notifier:  a.Router,
		Hub:       hub,
		Checks:    a.Checks,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down API server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("API server stopped")
}
