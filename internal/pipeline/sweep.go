package pipeline

import (
	"context"
	"time"

	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/queue"
)

// NextStage decides what a non-terminal record needs next. ok is false for
// terminal records.
func NextStage(rec *models.MediaRecord) (queue.Stage, bool) {
	if rec.Status.Terminal() {
		return "", false
	}
	switch {
	case rec.Joined():
		return queue.StageFinalize, true
	case rec.DetectionStatus != models.StageCompleted:
		return queue.StageDetect, true
	default:
		return queue.StageCaption, true
	}
}

type SweepResult struct {
	Examined    int `json:"examined"`
	Requeued    int `json:"requeued"`
	Deferred    int `json:"deferred"`
	Refinalized int `json:"refinalized"`
}

// Sweep re-drives records untouched for longer than the stale window: stages
// abandoned by crashed workers, lost enqueues and lost finalize triggers.
// Records whose next queue still holds messages are left alone, since their
// message may simply not have been picked up yet. ERROR_METADATA records get
// one more finalize attempt per stale window.
func (c *Coordinator) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	records, err := c.Ledger.ListIdle(ctx, c.staleBefore(), c.cfg.SweepBatch)
	if err != nil {
		return res, err
	}

	busy := make(map[string]bool)
	broker := c.Router.Broker()
	for i := range records {
		rec := &records[i]
		res.Examined++
		stage, ok := NextStage(rec)
		if !ok {
			continue
		}
		q := c.Router.QueueFor(stage)
		isBusy, seen := busy[q]
		if !seen {
			depth, err := broker.Depth(ctx, q)
			isBusy = err != nil || depth > 0
			busy[q] = isBusy
			if err == nil {
				observability.QueueDepth.WithLabelValues(q).Set(float64(depth))
			}
		}
		if isBusy && !stalled(rec, c.staleBefore()) {
			res.Deferred++
			continue
		}

		payload := queue.Payload{ContentHash: rec.ContentHash, SourcePath: rec.SourcePath}
		if stage == queue.StageCaption {
			payload.Detection = rec.Detection
		}
		if err := c.Router.Route(ctx, stage, payload); err != nil {
			return res, err
		}
		res.Requeued++
		observability.SweepRequeued.Inc()
		c.log.Info("sweep requeued", "hash", rec.ContentHash, "stage", stage, "status", rec.Status)
	}

	failed, err := c.Ledger.ListByStatus(ctx, models.StatusErrorMetadata, c.cfg.SweepBatch)
	if err != nil {
		return res, err
	}
	before := c.staleBefore()
	for _, rec := range failed {
		if !rec.LastUpdated.Before(before) {
			continue
		}
		if err := c.Router.Route(ctx, queue.StageFinalize, queue.Payload{ContentHash: rec.ContentHash}); err != nil {
			return res, err
		}
		res.Refinalized++
		observability.SweepRequeued.Inc()
		c.log.Info("sweep retrying metadata write", "hash", rec.ContentHash, "error", rec.ErrorMessage)
	}
	return res, nil
}

// stalled reports a stage or finalize claim held past the stale window,
// meaning its worker died and no message will finish it.
func stalled(rec *models.MediaRecord, before time.Time) bool {
	for _, t := range []*time.Time{rec.DetectionStarted, rec.CaptionStarted, rec.FinalizeClaimedAt} {
		if t != nil && t.Before(before) {
			return true
		}
	}
	return false
}

// RunSweeper sweeps every interval until ctx is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.Sweep(ctx)
			if err != nil {
				c.log.Error("sweep failed", "error", err)
				continue
			}
			if res.Requeued > 0 || res.Deferred > 0 || res.Refinalized > 0 {
				c.log.Info("sweep finished", "examined", res.Examined, "requeued", res.Requeued,
					"deferred", res.Deferred, "refinalized", res.Refinalized)
			}
		}
	}
}
