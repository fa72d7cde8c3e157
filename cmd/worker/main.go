package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/your-org/mediaflow/internal/app"
	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/observability"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	poolsFlag := flag.String("pools", "", "comma separated pool tags to consume (overrides queue.pools)")
	workers := flag.Int("workers", 0, "concurrent handlers per queue (overrides queue.workers)")
	sweep := flag.Bool("sweep", true, "periodically re-drive stalled records")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg.Logging.Level, cfg.Logging.Format)

	pools := cfg.Queue.Pools
	if *poolsFlag != "" {
		pools = nil
		for _, p := range strings.Split(*poolsFlag, ",") {
			if p = strings.TrimSpace(p); p != "" {
				pools = append(pools, p)
			}
		}
	}
	if *workers <= 0 {
		*workers = cfg.Queue.Workers
	}

	slog.Info("starting mediaflow worker",
		"pools", pools,
		"workers", *workers,
		"detector", cfg.Detector.Backend,
		"cpu_cores", runtime.NumCPU(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, logger, app.Options{Pools: pools})
	if err != nil {
		slog.Error("init services", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Serve(ctx, pools, *workers); err != nil {
		slog.Error("start consumers", "error", err)
		os.Exit(1)
	}

	go app.ServeMetrics(fmt.Sprintf(":%d", cfg.Server.MetricsPort), logger)
	go a.ReportDepth(ctx, 10*time.Second)
	if *sweep {
		go a.Coordinator.RunSweeper(ctx, cfg.Pipeline.SweepInterval)
	}
	if cfg.Clustering.Interval > 0 {
		go a.RunClustering(ctx, cfg.Clustering.Interval)
	}

	// Wait for shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down worker...")
	cancel()
	time.Sleep(2 * time.Second)
	slog.Info("worker stopped")
}
