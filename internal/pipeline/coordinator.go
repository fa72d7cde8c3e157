// Package pipeline drives each content hash through detection, captioning and
// the metadata write. The two stages complete independently; whichever
// completion observes its sibling already done triggers finalize.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/contentroot"
	"github.com/your-org/mediaflow/internal/hashing"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/queue"
	"github.com/your-org/mediaflow/internal/storage"
)

// Deps holds the handles a worker process owns. Collaborators a process does
// not run may be nil; the matching handlers then refuse their messages.
type Deps struct {
	Ledger    storage.Ledger
	Router    *queue.Router
	Root      *contentroot.Root
	Hasher    Hasher
	Detector  Detector
	Captioner Captioner
	Writer    MetadataWriter
	Index     IdentityIndex
	Logger    *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type Coordinator struct {
	Deps
	cfg config.PipelineConfig
	log *slog.Logger
}

func New(deps Deps, cfg config.PipelineConfig) *Coordinator {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 30 * time.Minute
	}
	if cfg.FallbackKeyword == "" {
		cfg.FallbackKeyword = "needs_review"
	}
	return &Coordinator{
		Deps: deps,
		cfg:  cfg,
		log:  observability.WithComponent(deps.Logger, "pipeline"),
	}
}

// Register wires every stage handler into mux.
func (c *Coordinator) Register(mux *queue.Mux) {
	mux.Handle(queue.StageDetect, c.instrument(queue.StageDetect, c.HandleDetect))
	mux.Handle(queue.StageCaption, c.instrument(queue.StageCaption, c.HandleCaption))
	mux.Handle(queue.StageHarvest, c.instrument(queue.StageHarvest, c.HandleHarvest))
	mux.Handle(queue.StageSaveFaces, c.instrument(queue.StageSaveFaces, c.HandleSaveFaces))
	mux.Handle(queue.StageFinalize, c.instrument(queue.StageFinalize, c.HandleFinalize))
}

func (c *Coordinator) instrument(stage queue.Stage, h queue.Handler) queue.Handler {
	return func(ctx context.Context, msg queue.Message) error {
		start := time.Now()
		err := h(ctx, msg)
		observability.StageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
		outcome := "ok"
		switch {
		case queue.IsPermanent(err):
			outcome = "dropped"
		case err != nil:
			outcome = "retry"
		}
		observability.StageOutcomes.WithLabelValues(string(stage), outcome).Inc()
		return err
	}
}

func (c *Coordinator) staleBefore() time.Time {
	return c.Now().Add(-c.cfg.StaleAfter)
}

type IngestOutcome string

const (
	IngestNew       IngestOutcome = "new"
	IngestRequeued  IngestOutcome = "requeued"
	IngestRevived   IngestOutcome = "revived"
	IngestMoved     IngestOutcome = "moved"
	IngestUnchanged IngestOutcome = "unchanged"
	IngestInvalid   IngestOutcome = "invalid"
)

type IngestResult struct {
	ContentHash string        `json:"content_hash"`
	SourcePath  string        `json:"source_path"`
	Outcome     IngestOutcome `json:"outcome"`
}

// Ingest fingerprints a file under the content root and registers it. Only
// new, still pending or revived records are routed to detection; a known hash
// just has its path updated. Hash failures are returned as *hashing.HashError
// and are terminal for the file.
func (c *Coordinator) Ingest(ctx context.Context, absPath string) (IngestResult, error) {
	rel, err := c.Root.Rel(absPath)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{SourcePath: rel}

	fp, err := c.Hasher.Hash(ctx, absPath)
	if err != nil {
		if hashing.IsHashError(err) {
			res.Outcome = IngestInvalid
			observability.FilesIngested.WithLabelValues(string(IngestInvalid)).Inc()
			c.log.Warn("file rejected", "path", rel, "error", err)
		}
		return res, err
	}
	res.ContentHash = fp.Hash

	reg, err := c.Ledger.Register(ctx, fp.Hash, rel)
	if err != nil {
		return res, err
	}

	rec := reg.Record
	switch {
	case reg.Created:
		res.Outcome = IngestNew
	case rec.Status == models.StatusSkipped:
		revived, err := c.Ledger.ReviveSkipped(ctx, fp.Hash)
		if err != nil {
			return res, err
		}
		if !revived {
			res.Outcome = IngestUnchanged
			break
		}
		res.Outcome = IngestRevived
	case rec.Status == models.StatusPending && rec.DetectionStatus == models.StagePending:
		res.Outcome = IngestRequeued
	case reg.Moved:
		res.Outcome = IngestMoved
	default:
		res.Outcome = IngestUnchanged
	}
	observability.FilesIngested.WithLabelValues(string(res.Outcome)).Inc()

	switch res.Outcome {
	case IngestNew, IngestRequeued, IngestRevived:
		if err := c.Router.Route(ctx, queue.StageDetect, queue.Payload{ContentHash: fp.Hash, SourcePath: rel}); err != nil {
			// The record stays PENDING; the sweep re-drives it.
			return res, err
		}
		c.log.Info("media registered", "hash", fp.Hash, "path", rel, "kind", fp.Kind, "outcome", res.Outcome)
	case IngestMoved:
		c.log.Info("media moved", "hash", fp.Hash, "path", rel)
	}
	return res, nil
}

// Harvest registers a file and queues a faces-only pass over it.
func (c *Coordinator) Harvest(ctx context.Context, absPath string) (IngestResult, error) {
	rel, err := c.Root.Rel(absPath)
	if err != nil {
		return IngestResult{}, err
	}
	fp, err := c.Hasher.Hash(ctx, absPath)
	if err != nil {
		return IngestResult{SourcePath: rel, Outcome: IngestInvalid}, err
	}
	reg, err := c.Ledger.Register(ctx, fp.Hash, rel)
	if err != nil {
		return IngestResult{}, err
	}
	outcome := IngestUnchanged
	if reg.Created {
		outcome = IngestNew
	}
	if err := c.Router.Route(ctx, queue.StageHarvest, queue.Payload{ContentHash: fp.Hash, SourcePath: rel}); err != nil {
		return IngestResult{}, err
	}
	return IngestResult{ContentHash: fp.Hash, SourcePath: rel, Outcome: outcome}, nil
}

// load fetches the record a message refers to and resolves its local path.
func (c *Coordinator) load(ctx context.Context, msg queue.Message) (*models.MediaRecord, string, error) {
	rec, err := c.Ledger.Get(ctx, msg.Payload.ContentHash)
	if err != nil {
		return nil, "", err
	}
	if rec == nil {
		return nil, "", queue.Permanent(fmt.Errorf("media %s not found", msg.Payload.ContentHash))
	}
	path, err := c.Root.Abs(rec.SourcePath)
	if err != nil {
		return nil, "", queue.Permanent(err)
	}
	return rec, path, nil
}

// skipMissing parks a record whose file vanished between ingest and a stage.
// A later scan that finds the content again revives it.
func (c *Coordinator) skipMissing(ctx context.Context, rec *models.MediaRecord, stage models.Stage, err error) (bool, error) {
	if !errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	c.log.Warn("media file missing, skipping", "hash", rec.ContentHash, "path", rec.SourcePath, "stage", stage)
	if err := c.Ledger.MarkSkipped(ctx, rec.ContentHash, "file missing during "+string(stage)); err != nil {
		return true, err
	}
	c.Router.Notify(ctx, queue.NewEvent(queue.EventMediaSkipped, rec.ContentHash, map[string]string{"path": rec.SourcePath}))
	return true, nil
}

// release hands a claimed stage back after a retryable failure.
func (c *Coordinator) release(ctx context.Context, hash string, stage models.Stage, cause error) error {
	// The handler context may already be cancelled.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.Ledger.ReleaseStage(rctx, hash, stage); err != nil {
		c.log.Error("release stage", "hash", hash, "stage", stage, "error", err)
	}
	return cause
}
