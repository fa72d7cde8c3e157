package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/models"
)

var (
	ErrIdentityNotFound = errors.New("identity not found")
	ErrEmptyName        = errors.New("display name is empty")
	// ErrIdentityEpochChanged means a merge or another write-back committed
	// after the clustering pass read its embeddings. The pass must be re-run.
	ErrIdentityEpochChanged = errors.New("identity epoch changed during clustering")
)

const (
	identityEpochKey = "identity_epoch"
	// retiredClusterKey holds the highest cluster id ever merged away, so new
	// clusters never reuse it.
	retiredClusterKey = "retired_cluster_id"
)

// Ledger is the authoritative store for media records, faces and identities.
// Every status transition is a single guarded update so concurrent workers
// cannot both win the same transition.
type Ledger interface {
	// Register inserts a PENDING record for an unknown hash. For a known hash
	// only source_path changes.
	Register(ctx context.Context, hash, sourcePath string) (RegisterResult, error)
	Get(ctx context.Context, hash string) (*models.MediaRecord, error)
	FindByPath(ctx context.Context, sourcePath string) (*models.MediaRecord, error)
	// ReviveSkipped moves a SKIPPED record back to PENDING.
	ReviveSkipped(ctx context.Context, hash string) (bool, error)

	// BeginStage moves a sub-stage to PROCESSING when it is PENDING, or PROCESSING
	// but started before staleBefore. Terminal records are never re-entered.
	BeginStage(ctx context.Context, hash string, stage models.Stage, staleBefore time.Time) (bool, error)
	// CompleteStage stores the stage result and reports whether this write is the
	// one that completed both sub-stages.
	CompleteStage(ctx context.Context, hash string, stage models.Stage, result any) (StageResult, error)
	ReleaseStage(ctx context.Context, hash string, stage models.Stage) error

	ClaimFinalize(ctx context.Context, hash string, staleBefore time.Time) (bool, error)
	CompleteFinalize(ctx context.Context, hash, narrative string, keywords []string) (bool, error)
	FailFinalize(ctx context.Context, hash, reason string) error
	ReleaseFinalize(ctx context.Context, hash string) error
	MarkSkipped(ctx context.Context, hash, reason string) error

	// ListIdle returns non-terminal records untouched since before, oldest first.
	ListIdle(ctx context.Context, before time.Time, limit int) ([]models.MediaRecord, error)
	ListByStatus(ctx context.Context, status models.OverallStatus, limit int) ([]models.MediaRecord, error)
	Stats(ctx context.Context) (*models.Stats, error)

	// InsertFaces bulk-inserts faces; rows already present for (content_hash, face_index)
	// are left untouched.
	InsertFaces(ctx context.Context, faces []models.FaceRecord) (int, error)
	// ScanEmbeddings streams every face ordered by face_id. fn must not call back
	// into the ledger.
	ScanEmbeddings(ctx context.Context, fn func(models.FaceRecord) error) error
	FaceWatermark(ctx context.Context) (models.FaceWatermark, error)
	// ApplyClusters writes a full clustering result in one transaction, creates
	// missing identities, prunes empty unnamed ones and bumps the identity epoch.
	// It returns ErrIdentityEpochChanged without writing when the epoch is no
	// longer the one the assignments were computed at. The count is the number
	// of faces whose cluster actually changed.
	ApplyClusters(ctx context.Context, epoch int64, assignments []models.ClusterAssignment) (int, error)
	MaxClusterID(ctx context.Context) (int64, error)

	ListIdentities(ctx context.Context) ([]models.Identity, error)
	GetIdentity(ctx context.Context, clusterID int64) (*models.Identity, error)
	ListFaces(ctx context.Context, clusterID int64, limit int) ([]models.FaceView, error)
	IdentityNames(ctx context.Context, clusterIDs []int64) (map[int64]string, error)
	// RenameIdentity renames in place, or merges into the identity already holding name.
	RenameIdentity(ctx context.Context, clusterID int64, name string) (RenameResult, error)
	IdentityEpoch(ctx context.Context) (int64, error)

	Ping(ctx context.Context) error
	Close()
}

type RegisterResult struct {
	Record  *models.MediaRecord
	Created bool
	Moved   bool
}

type StageResult struct {
	// Applied is false when the stage was already complete (redelivery).
	Applied bool
	// Joined is true for exactly one completion per record.
	Joined bool
}

type RenameResult struct {
	ClusterID  int64 `json:"cluster_id"`
	Merged     bool  `json:"merged"`
	FacesMoved int   `json:"faces_moved"`
}

// Open picks the ledger backend named by the configuration.
func Open(ctx context.Context, cfg config.DatabaseConfig, dim int) (Ledger, error) {
	switch cfg.Driver {
	case "sqlite":
		return OpenSQLite(ctx, cfg.SQLitePath, dim)
	case "postgres", "":
		return NewPostgresStore(ctx, cfg, dim)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

type stageColumns struct {
	status  string
	started string
	data    string
	sibling string
	overall models.OverallStatus
}

func columnsFor(stage models.Stage) (stageColumns, error) {
	switch stage {
	case models.StageDetection:
		return stageColumns{"detection_status", "detection_started_at", "detection_data", "caption_status", models.StatusProcessingDetection}, nil
	case models.StageCaption:
		return stageColumns{"caption_status", "caption_started_at", "caption_data", "detection_status", models.StatusProcessingVLM}, nil
	default:
		return stageColumns{}, fmt.Errorf("unknown stage %q", stage)
	}
}
