package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/queue"
)

// HandleDetect runs the detector, resolves faces against the identity index
// and completes the detection sub-stage.
func (c *Coordinator) HandleDetect(ctx context.Context, msg queue.Message) error {
	if c.Detector == nil {
		return queue.Permanent(errors.New("no detector configured for this worker"))
	}
	rec, path, err := c.load(ctx, msg)
	if err != nil {
		return err
	}
	hash := rec.ContentHash
	if rec.DetectionStatus == models.StageCompleted {
		c.log.Debug("detection already complete", "hash", hash)
		return nil
	}

	ok, err := c.Ledger.BeginStage(ctx, hash, models.StageDetection, c.staleBefore())
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug("detection claimed elsewhere or record terminal", "hash", hash, "status", rec.Status)
		return nil
	}

	det, err := c.Detector.Detect(ctx, path)
	if err != nil {
		if skipped, serr := c.skipMissing(ctx, rec, models.StageDetection, err); skipped {
			return serr
		}
		if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return c.release(ctx, hash, models.StageDetection, fmt.Errorf("detect %s: %w", hash, err))
		}
		c.log.Warn("detection failed, continuing without it", "hash", hash, "error", err)
		det = &Detection{Status: "failed"}
	}

	result, unmatched, err := c.resolveFaces(ctx, hash, det)
	if err != nil {
		return c.release(ctx, hash, models.StageDetection, err)
	}
	if len(unmatched) > 0 {
		// Face rows are keyed by (hash, face_index), so a redelivered save is a no-op.
		if err := c.Router.Route(ctx, queue.StageSaveFaces, queue.Payload{ContentHash: hash, Faces: unmatched}); err != nil {
			return c.release(ctx, hash, models.StageDetection, err)
		}
	}

	sr, err := c.Ledger.CompleteStage(ctx, hash, models.StageDetection, result)
	if err != nil {
		return c.release(ctx, hash, models.StageDetection, err)
	}
	if !sr.Applied {
		return nil
	}
	c.log.Info("detection complete", "hash", hash, "objects", len(result.Objects), "faces", result.FaceCount,
		"new_faces", result.NewFaces, "known_people", result.KnownPeople)

	if sr.Joined {
		return c.Router.Route(ctx, queue.StageFinalize, queue.Payload{ContentHash: hash})
	}
	return c.Router.Route(ctx, queue.StageCaption, queue.Payload{ContentHash: hash, SourcePath: rec.SourcePath, Detection: result})
}

// resolveFaces searches every face in the identity index. Matched faces are
// re-observations and only contribute their identity's name; unmatched faces
// are returned for insertion as unassigned.
func (c *Coordinator) resolveFaces(ctx context.Context, hash string, det *Detection) (*models.DetectionResult, []models.FaceRecord, error) {
	result := &models.DetectionResult{
		Status:    det.Status,
		Kind:      det.Kind,
		Objects:   det.Objects,
		FaceCount: len(det.Faces),
	}
	if result.Status == "" {
		result.Status = "ok"
	}

	var (
		clusters  []int64
		unmatched []models.FaceRecord
	)
	for i, f := range det.Faces {
		if c.Index != nil {
			if m, ok := c.Index.Search(ctx, f.Embedding); ok {
				clusters = append(clusters, m.ClusterID)
				observability.FacesObserved.WithLabelValues("matched").Inc()
				continue
			}
		}
		observability.FacesObserved.WithLabelValues("new").Inc()
		unmatched = append(unmatched, models.FaceRecord{
			ContentHash: hash,
			FaceIndex:   i,
			Embedding:   f.Embedding,
			ClusterID:   models.UnassignedCluster,
		})
	}
	result.NewFaces = len(unmatched)

	if len(clusters) > 0 {
		names, err := c.Ledger.IdentityNames(ctx, clusters)
		if err != nil {
			return nil, nil, err
		}
		result.KnownPeople = knownPeople(names)
	}
	return result, unmatched, nil
}

// knownPeople lists the distinct operator-assigned names, sorted.
func knownPeople(names map[int64]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, name := range names {
		if !(models.Identity{DisplayName: name}).Named() {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// HandleCaption runs the captioner with whatever detection context is
// available and completes the caption sub-stage.
func (c *Coordinator) HandleCaption(ctx context.Context, msg queue.Message) error {
	if c.Captioner == nil {
		return queue.Permanent(errors.New("no captioner configured for this worker"))
	}
	rec, path, err := c.load(ctx, msg)
	if err != nil {
		return err
	}
	hash := rec.ContentHash
	if rec.CaptionStatus == models.StageCompleted {
		c.log.Debug("caption already complete", "hash", hash)
		return nil
	}

	ok, err := c.Ledger.BeginStage(ctx, hash, models.StageCaption, c.staleBefore())
	if err != nil {
		return err
	}
	if !ok {
		c.log.Debug("caption claimed elsewhere or record terminal", "hash", hash, "status", rec.Status)
		return nil
	}

	detection := msg.Payload.Detection
	if detection == nil {
		detection = rec.Detection
	}

	result, err := c.Captioner.Caption(ctx, path, detection)
	if err != nil {
		if skipped, serr := c.skipMissing(ctx, rec, models.StageCaption, err); skipped {
			return serr
		}
		if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return c.release(ctx, hash, models.StageCaption, fmt.Errorf("caption %s: %w", hash, err))
		}
		c.log.Warn("caption failed, degrading to empty result", "hash", hash, "error", err)
		result = &models.CaptionResult{Degraded: true}
	}
	if result == nil {
		result = &models.CaptionResult{Degraded: true}
	}

	sr, err := c.Ledger.CompleteStage(ctx, hash, models.StageCaption, result)
	if err != nil {
		return c.release(ctx, hash, models.StageCaption, err)
	}
	if !sr.Applied {
		return nil
	}
	c.log.Info("caption complete", "hash", hash, "keywords", len(result.Keywords), "degraded", result.Degraded)

	if sr.Joined {
		return c.Router.Route(ctx, queue.StageFinalize, queue.Payload{ContentHash: hash})
	}
	return nil
}

// HandleSaveFaces inserts unmatched faces carried in the payload.
func (c *Coordinator) HandleSaveFaces(ctx context.Context, msg queue.Message) error {
	faces := msg.Payload.Faces
	if len(faces) == 0 {
		return nil
	}
	for i := range faces {
		faces[i].ContentHash = msg.Payload.ContentHash
		faces[i].ClusterID = models.UnassignedCluster
	}
	n, err := c.Ledger.InsertFaces(ctx, faces)
	if err != nil {
		return err
	}
	c.log.Debug("faces saved", "hash", msg.Payload.ContentHash, "inserted", n, "received", len(faces))
	return nil
}

// HandleHarvest is a faces-only pass that leaves stage statuses untouched.
func (c *Coordinator) HandleHarvest(ctx context.Context, msg queue.Message) error {
	if c.Detector == nil {
		return queue.Permanent(errors.New("no detector configured for this worker"))
	}
	rec, path, err := c.load(ctx, msg)
	if err != nil {
		return err
	}
	det, err := c.Detector.Detect(ctx, path)
	if err != nil {
		if errors.Is(err, ErrUnavailable) || ctx.Err() != nil {
			return err
		}
		return queue.Permanent(fmt.Errorf("harvest %s: %w", rec.ContentHash, err))
	}
	result, unmatched, err := c.resolveFaces(ctx, rec.ContentHash, det)
	if err != nil {
		return err
	}
	c.log.Info("faces harvested", "hash", rec.ContentHash, "faces", result.FaceCount, "new_faces", len(unmatched))
	if len(unmatched) == 0 {
		return nil
	}
	return c.Router.Route(ctx, queue.StageSaveFaces, queue.Payload{ContentHash: rec.ContentHash, Faces: unmatched})
}
