package inference

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/pipeline"
)

// DetectClient calls the object and face detection service.
type DetectClient struct {
	c *client
}

func NewDetectClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*DetectClient, error) {
	c, err := newClient("detector", baseURL, timeout, logger)
	if err != nil {
		return nil, err
	}
	return &DetectClient{c: c}, nil
}

type detectRequest struct {
	Path string `json:"path"`
}

type detectResponse struct {
	Status  string                  `json:"status"`
	IsVideo bool                    `json:"is_video"`
	Objects []string                `json:"objects"`
	Faces   []pipeline.DetectedFace `json:"faces"`
}

func (d *DetectClient) Detect(ctx context.Context, path string) (*pipeline.Detection, error) {
	var resp detectResponse
	if err := d.c.post(ctx, "/detect", detectRequest{Path: path}, &resp); err != nil {
		return nil, err
	}
	out := &pipeline.Detection{
		Status:  resp.Status,
		Kind:    models.KindImage,
		Objects: resp.Objects,
	}
	if resp.IsVideo {
		out.Kind = models.KindVideo
	}
	// Faces without an embedding cannot be matched or clustered.
	for _, f := range resp.Faces {
		if len(f.Embedding) > 0 {
			out.Faces = append(out.Faces, f)
		}
	}
	return out, nil
}

func (d *DetectClient) Ping(ctx context.Context) error {
	return d.c.ping(ctx)
}

// Combined takes object labels from one detector and faces from another,
// typically the detection service plus local ONNX face models.
type Combined struct {
	Objects pipeline.Detector
	Faces   pipeline.Detector
}

func (c Combined) Detect(ctx context.Context, path string) (*pipeline.Detection, error) {
	var objects, faces *pipeline.Detection
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		objects, err = c.Objects.Detect(gctx, path)
		return err
	})
	g.Go(func() error {
		var err error
		faces, err = c.Faces.Detect(gctx, path)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := *objects
	out.Faces = faces.Faces
	if faces.Kind != "" {
		out.Kind = faces.Kind
	}
	return &out, nil
}
