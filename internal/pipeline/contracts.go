package pipeline

import (
	"context"
	"errors"

	"github.com/your-org/mediaflow/internal/hashing"
	"github.com/your-org/mediaflow/internal/identity"
	"github.com/your-org/mediaflow/internal/models"
)

// ErrUnavailable marks collaborator failures worth retrying later (service
// down, timeout). The stage is released and the message redelivered.
var ErrUnavailable = errors.New("collaborator unavailable")

type DetectedFace struct {
	Embedding []float32 `json:"embedding"`
	Score     float32   `json:"score"`
}

// Detection is what a Detector reports for one file.
type Detection struct {
	Status  string           `json:"status"`
	Kind    models.MediaKind `json:"kind"`
	Objects []string         `json:"objects"`
	Faces   []DetectedFace   `json:"faces"`
}

type Detector interface {
	Detect(ctx context.Context, path string) (*Detection, error)
}

// Captioner describes a file. detection may be nil when the caption runs
// before or without the detection result.
type Captioner interface {
	Caption(ctx context.Context, path string, detection *models.DetectionResult) (*models.CaptionResult, error)
}

// MetadataWriter embeds narrative and keywords into the file. Writing the
// same content twice must leave the file unchanged.
type MetadataWriter interface {
	Write(ctx context.Context, path, narrative string, keywords []string) error
}

type Hasher interface {
	Hash(ctx context.Context, path string) (hashing.Fingerprint, error)
}

type IdentityIndex interface {
	Search(ctx context.Context, embedding []float32) (identity.Match, bool)
}
