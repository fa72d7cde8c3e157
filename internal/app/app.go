// Package app assembles the ledger, broker, identity index and pipeline from
// configuration. Every binary builds its process from here.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/mediaflow/internal/api/handlers"
	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/contentroot"
	"github.com/your-org/mediaflow/internal/hashing"
	"github.com/your-org/mediaflow/internal/identity"
	"github.com/your-org/mediaflow/internal/inference"
	"github.com/your-org/mediaflow/internal/ingest"
	"github.com/your-org/mediaflow/internal/mediaio"
	"github.com/your-org/mediaflow/internal/metadata"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/pipeline"
	"github.com/your-org/mediaflow/internal/queue"
	"github.com/your-org/mediaflow/internal/storage"
	"github.com/your-org/mediaflow/internal/vision"
)

type Options struct {
	// Pools are the pool tags this process consumes. Only the collaborators
	// the stages on those queues call are built: the detector for detect and
	// harvest, the captioner for caption, the metadata writer for finalize.
	// Processes that only ingest or serve the API leave it empty.
	Pools []string
}

type App struct {
	Config      *config.Config
	Log         *slog.Logger
	Ledger      storage.Ledger
	Broker      queue.Broker
	Router      *queue.Router
	Root        *contentroot.Root
	Index       *identity.Index
	Clusterer   *identity.Clusterer
	Coordinator *pipeline.Coordinator
	Scanner     *ingest.Scanner
	// Checks are the dependencies readiness probes ping.
	Checks map[string]handlers.Pinger

	closers []func()
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config: cfg,
		Log:    logger,
		Checks: make(map[string]handlers.Pinger),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	var err error
	a.Root, err = contentroot.New(cfg.Content.Root)
	if err != nil {
		return nil, err
	}

	a.Ledger, err = storage.Open(ctx, cfg.Database, cfg.Identity.Dimension)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.closers = append(a.closers, a.Ledger.Close)
	a.Checks[cfg.Database.Driver] = a.Ledger

	a.Broker, err = OpenBroker(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Broker.Close)
	a.Checks[cfg.Queue.Backend] = a.Broker

	a.Router, err = queue.NewRouter(a.Broker, cfg.Queue.Routes, logger)
	if err != nil {
		return nil, err
	}

	cache, err := a.artifactStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Index = identity.NewIndex(a.Ledger, cache, identity.Options{
		Threshold:          cfg.Identity.Threshold,
		Dimension:          cfg.Identity.Dimension,
		EpochCheckInterval: cfg.Identity.EpochCheckInterval,
		Logger:             logger,
	})
	a.Clusterer = identity.NewClusterer(a.Ledger, a.Index, cfg.Clustering, cfg.Identity.Dimension, logger)

	ffmpeg := mediaio.NewFFmpeg(cfg.Content.FFmpegPath, cfg.Content.FFprobePath, cfg.Content.MaxFrameWidth)
	deps := pipeline.Deps{
		Ledger: a.Ledger,
		Router: a.Router,
		Root:   a.Root,
		Hasher: hashing.New(ffmpeg),
		Index:  a.Index,
		Logger: logger,
	}
	if err := a.wireStages(ctx, &deps, ffmpeg, a.stagesFor(opts.Pools)); err != nil {
		return nil, err
	}
	a.Coordinator = pipeline.New(deps, cfg.Pipeline)
	a.Scanner = ingest.NewScanner(a.Root, a.Ledger, a.Coordinator, cfg.Content, logger)
	ready = true
	return a, nil
}

// OpenBroker connects the queue backend named by the configuration.
func OpenBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (queue.Broker, error) {
	switch cfg.Queue.Backend {
	case "nats":
		b, err := queue.NewNATSBroker(cfg.NATS, cfg.Queue, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %w", err)
		}
		if err := b.EnsureStream(ctx); err != nil {
			b.Close()
			return nil, fmt.Errorf("ensure nats stream: %w", err)
		}
		return b, nil
	case "asynq":
		b, err := queue.NewAsynqBroker(ctx, cfg.Redis, cfg.Queue, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		return b, nil
	case "memory":
		return queue.NewMemoryBroker(cfg.Queue.MaxDeliver, logger), nil
	default:
		return nil, fmt.Errorf("unsupported queue backend %q", cfg.Queue.Backend)
	}
}

func (a *App) artifactStore(ctx context.Context) (identity.ArtifactStore, error) {
	cfg := a.Config
	switch cfg.Identity.CacheBackend {
	case "dir":
		store, err := storage.NewDirStore(cfg.Identity.CacheDir)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "minio":
		store, err := storage.NewMinIOStore(cfg.MinIO, cfg.Identity.CachePrefix)
		if err != nil {
			return nil, fmt.Errorf("connect to minio: %w", err)
		}
		if err := store.EnsureBucket(ctx); err != nil {
			a.Log.Warn("ensure minio bucket", "error", err)
		}
		a.Checks["minio"] = store
		return store, nil
	default:
		return nil, nil
	}
}

// stagesFor resolves pool tags to the stages routed onto their queues.
func (a *App) stagesFor(pools []string) map[queue.Stage]bool {
	stages := make(map[queue.Stage]bool)
	for _, pool := range pools {
		for _, stage := range a.Router.StagesOn(a.Config.Queue.QueueForPool(pool)) {
			stages[stage] = true
		}
	}
	return stages
}

func (a *App) wireStages(ctx context.Context, deps *pipeline.Deps, ffmpeg *mediaio.FFmpeg, stages map[queue.Stage]bool) error {
	cfg := a.Config
	if stages[queue.StageDetect] || stages[queue.StageHarvest] {
		detector, err := a.detector(ffmpeg)
		if err != nil {
			return err
		}
		deps.Detector = detector
	}

	if stages[queue.StageCaption] {
		captioner, err := inference.NewCaptionClient(cfg.Captioner.URL, cfg.Captioner.Timeout, a.Log)
		if err != nil {
			return fmt.Errorf("captioner: %w", err)
		}
		a.Checks["captioner"] = captioner
		deps.Captioner = captioner
	}

	if stages[queue.StageFinalize] {
		writer := metadata.NewExifTool(cfg.Metadata, a.Log)
		if err := writer.Check(ctx); err != nil {
			a.Log.Warn("metadata writes will be retried until exiftool is installed", "error", err)
		}
		deps.Writer = writer
	}
	return nil
}

func (a *App) detector(ffmpeg *mediaio.FFmpeg) (pipeline.Detector, error) {
	cfg := a.Config.Detector
	remote := func() (*inference.DetectClient, error) {
		d, err := inference.NewDetectClient(cfg.URL, cfg.Timeout, a.Log)
		if err != nil {
			return nil, fmt.Errorf("detector: %w", err)
		}
		a.Checks["detector"] = d
		return d, nil
	}
	local := func() (*vision.FaceDetector, error) {
		destroy, err := vision.InitRuntime(cfg.ONNXLibrary)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, destroy)
		fd, err := vision.NewFaceDetector(cfg, ffmpeg, a.Log)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, fd.Close)
		return fd, nil
	}

	switch cfg.Backend {
	case "http":
		return remote()
	case "onnx":
		return local()
	case "combined":
		objects, err := remote()
		if err != nil {
			return nil, err
		}
		faces, err := local()
		if err != nil {
			return nil, err
		}
		return inference.Combined{Objects: objects, Faces: faces}, nil
	default:
		return nil, fmt.Errorf("unsupported detector backend %q", cfg.Backend)
	}
}

// Serve starts consumers for every queue named by pools, dispatching to the
// pipeline stage handlers.
func (a *App) Serve(ctx context.Context, pools []string, workers int) error {
	mux := queue.NewMux()
	a.Coordinator.Register(mux)
	for _, pool := range pools {
		q := a.Config.Queue.QueueForPool(pool)
		if err := a.Broker.Consume(ctx, q, workers, mux.Serve); err != nil {
			return fmt.Errorf("consume %s: %w", q, err)
		}
		a.Log.Info("consuming queue", "pool", pool, "queue", q, "workers", workers)
	}
	return nil
}

// ReportDepth periodically publishes the depth of every routed queue.
func (a *App) ReportDepth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range a.Router.Queues() {
				depth, err := a.Broker.Depth(ctx, q)
				if err == nil {
					observability.QueueDepth.WithLabelValues(q).Set(float64(depth))
				}
			}
		}
	}
}

// RunClustering re-clusters every interval until ctx is cancelled.
func (a *App) RunClustering(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := a.Clusterer.ClusterAll(ctx)
			switch {
			case errors.Is(err, identity.ErrClusteringInProgress):
				a.Log.Info("clustering skipped, another pass is running")
			case err != nil:
				a.Log.Error("scheduled clustering failed", "error", err)
			default:
				a.Router.Notify(ctx, queue.NewEvent(queue.EventClusteringFinished, "", res))
			}
		}
	}
}

// ServeMetrics runs the side listener workers and the ingestor expose.
func ServeMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server error", "error", err)
	}
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
