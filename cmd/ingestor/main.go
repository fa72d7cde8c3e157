package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/your-org/mediaflow/internal/app"
	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/observability"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	metricsAddr := flag.String("metrics-addr", ":8083", "metrics listen address")
	once := flag.Bool("once", false, "scan the content root once and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting mediaflow ingestor", "root", cfg.Content.Root, "interval", cfg.Content.ScanInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		slog.Error("init services", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if *once {
		stats, err := a.Scanner.Scan(ctx, "", nil)
		if err != nil {
			slog.Error("scan failed", "error", err)
			os.Exit(1)
		}
		slog.Info("scan complete", "seen", stats.Seen, "known", stats.Known, "failed", stats.Failed)
		return
	}

	go app.ServeMetrics(*metricsAddr, logger)

	done := make(chan struct{})
	go func() {
		a.Scanner.Run(ctx, cfg.Content.ScanInterval)
		close(done)
	}()

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down ingestor...")
	cancel()
	<-done
	slog.Info("ingestor stopped")
}
