package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/queue"
)

// ErrNotFinalizable is returned by Refinalize for records whose stages have
// not both completed, or that are already complete.
var ErrNotFinalizable = errors.New("media is not ready for finalize")

func (c *Coordinator) HandleFinalize(ctx context.Context, msg queue.Message) error {
	if c.Writer == nil {
		return queue.Permanent(errors.New("no metadata writer configured for this worker"))
	}
	_, err := c.Finalize(ctx, msg.Payload.ContentHash)
	return err
}

type FinalizeOutcome string

const (
	FinalizeCompleted FinalizeOutcome = "completed"
	FinalizeFailed    FinalizeOutcome = "failed"
	FinalizeSkipped   FinalizeOutcome = "skipped"
)

// Finalize merges the stored stage results and writes them into the file.
// The claim makes concurrent or redelivered calls no-ops; a failed write
// leaves the record in ERROR_METADATA, from where it can be finalized again.
func (c *Coordinator) Finalize(ctx context.Context, hash string) (FinalizeOutcome, error) {
	claimed, err := c.Ledger.ClaimFinalize(ctx, hash, c.staleBefore())
	if err != nil {
		return "", err
	}
	if !claimed {
		c.log.Debug("finalize not claimable", "hash", hash)
		observability.FinalizeOutcomes.WithLabelValues(string(FinalizeSkipped)).Inc()
		return FinalizeSkipped, nil
	}

	rec, err := c.Ledger.Get(ctx, hash)
	if err != nil {
		return "", c.releaseFinalize(ctx, hash, err)
	}
	if rec == nil {
		return "", queue.Permanent(fmt.Errorf("media %s not found", hash))
	}

	narrative := Narrative(rec.Caption)
	keywords := MergeKeywords(rec.Detection, rec.Caption, c.cfg.FallbackKeyword, c.cfg.MaxKeywords)

	path, err := c.Root.Abs(rec.SourcePath)
	if err == nil {
		err = c.Writer.Write(ctx, path, narrative, keywords)
	}
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, ErrUnavailable) {
			return "", c.releaseFinalize(ctx, hash, err)
		}
		if ferr := c.Ledger.FailFinalize(ctx, hash, err.Error()); ferr != nil {
			return "", ferr
		}
		observability.FinalizeOutcomes.WithLabelValues(string(FinalizeFailed)).Inc()
		c.log.Error("metadata write failed", "hash", hash, "path", rec.SourcePath, "error", err)
		c.Router.Notify(ctx, queue.NewEvent(queue.EventMediaFailed, hash, map[string]string{
			"path":  rec.SourcePath,
			"error": err.Error(),
		}))
		return FinalizeFailed, nil
	}

	done, err := c.Ledger.CompleteFinalize(ctx, hash, narrative, keywords)
	if err != nil {
		return "", err
	}
	if !done {
		return FinalizeSkipped, nil
	}
	observability.FinalizeOutcomes.WithLabelValues(string(FinalizeCompleted)).Inc()
	c.log.Info("media completed", "hash", hash, "path", rec.SourcePath, "keywords", len(keywords))
	c.Router.Notify(ctx, queue.NewEvent(queue.EventMediaCompleted, hash, map[string]any{
		"path":     rec.SourcePath,
		"keywords": keywords,
	}))
	return FinalizeCompleted, nil
}

func (c *Coordinator) releaseFinalize(ctx context.Context, hash string, cause error) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.Ledger.ReleaseFinalize(rctx, hash); err != nil {
		c.log.Error("release finalize", "hash", hash, "error", err)
	}
	return cause
}

// Refinalize queues finalize for a record whose stages are complete but whose
// metadata write failed or never ran.
func (c *Coordinator) Refinalize(ctx context.Context, hash string) error {
	rec, err := c.Ledger.Get(ctx, hash)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("media %s: %w", hash, ErrNotFinalizable)
	}
	if !rec.Joined() || rec.Status == models.StatusCompleted || rec.Status == models.StatusSkipped {
		return fmt.Errorf("media %s in %s: %w", hash, rec.Status, ErrNotFinalizable)
	}
	return c.Router.Route(ctx, queue.StageFinalize, queue.Payload{ContentHash: hash})
}

// RefinalizeFailed queues finalize for up to limit ERROR_METADATA records.
func (c *Coordinator) RefinalizeFailed(ctx context.Context, limit int) (int, error) {
	records, err := c.Ledger.ListByStatus(ctx, models.StatusErrorMetadata, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		if err := c.Router.Route(ctx, queue.StageFinalize, queue.Payload{ContentHash: rec.ContentHash}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
