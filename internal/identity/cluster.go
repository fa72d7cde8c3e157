package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/storage"
)

// ErrClusteringInProgress is returned when another pass holds the lock.
var ErrClusteringInProgress = errors.New("clustering already in progress")

const (
	MethodAuto   = "auto"
	MethodDBSCAN = "dbscan"
	MethodKMeans = "kmeans"
)

// passAttempts bounds how often a pass is recomputed when identities change
// underneath it.
const passAttempts = 3

// ClusterStore is the part of the ledger a clustering pass reads and rewrites.
type ClusterStore interface {
	ScanEmbeddings(ctx context.Context, fn func(models.FaceRecord) error) error
	ApplyClusters(ctx context.Context, epoch int64, assignments []models.ClusterAssignment) (int, error)
	MaxClusterID(ctx context.Context) (int64, error)
	IdentityEpoch(ctx context.Context) (int64, error)
}

type Result struct {
	Clusters int           `json:"clusters"`
	Faces    int           `json:"faces"`
	Updated  int           `json:"updated"`
	Method   string        `json:"method"`
	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Clusterer runs full re-clustering passes. One pass at a time per process,
// and one per host when a lock file is configured.
type Clusterer struct {
	store ClusterStore
	index *Index
	cfg   config.ClusteringConfig
	dim   int
	log   *slog.Logger

	mu   sync.Mutex
	lock *flock.Flock
}

func NewClusterer(store ClusterStore, index *Index, cfg config.ClusteringConfig, dim int, logger *slog.Logger) *Clusterer {
	c := &Clusterer{
		store: store,
		index: index,
		cfg:   cfg,
		dim:   dim,
		log:   observability.WithComponent(logger, "clustering"),
	}
	if cfg.LockFile != "" {
		c.lock = flock.New(cfg.LockFile)
	}
	return c
}

// Running reports whether this process is currently inside a pass.
func (c *Clusterer) Running() bool {
	if c.mu.TryLock() {
		c.mu.Unlock()
		return false
	}
	return true
}

// ClusterAll re-clusters every stored embedding, keeps existing identity ids
// stable where clusters persist, and leaves no face unassigned.
func (c *Clusterer) ClusterAll(ctx context.Context) (Result, error) {
	if !c.mu.TryLock() {
		return Result{}, ErrClusteringInProgress
	}
	defer c.mu.Unlock()

	if c.lock != nil {
		locked, err := c.lock.TryLock()
		if err != nil {
			return Result{}, fmt.Errorf("acquire clustering lock: %w", err)
		}
		if !locked {
			return Result{}, ErrClusteringInProgress
		}
		defer c.lock.Unlock()
	}

	start := time.Now()
	var (
		res Result
		err error
	)
	for attempt := 1; attempt <= passAttempts; attempt++ {
		res, err = c.run(ctx)
		res.Attempts = attempt
		if !errors.Is(err, storage.ErrIdentityEpochChanged) {
			break
		}
		c.log.Info("identities changed during clustering, recomputing", "attempt", attempt)
	}
	res.Duration = time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	observability.ClusteringRuns.WithLabelValues(res.Method, outcome).Inc()
	observability.ClusteringDuration.Observe(res.Duration.Seconds())
	if err != nil {
		return res, err
	}

	c.log.Info("clustering complete",
		"faces", res.Faces,
		"clusters", res.Clusters,
		"updated", res.Updated,
		"method", res.Method,
		"duration", res.Duration,
	)
	return res, nil
}

func (c *Clusterer) run(ctx context.Context) (Result, error) {
	var (
		faceIDs  []int64
		previous []int64
		vectors  [][]float32
	)
	epoch, err := c.store.IdentityEpoch(ctx)
	if err != nil {
		return Result{}, err
	}
	err = c.store.ScanEmbeddings(ctx, func(f models.FaceRecord) error {
		if len(f.Embedding) != c.dim {
			return nil
		}
		faceIDs = append(faceIDs, f.FaceID)
		previous = append(previous, f.ClusterID)
		vectors = append(vectors, normalized(f.Embedding))
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan embeddings: %w", err)
	}

	method := c.method(len(vectors))
	res := Result{Faces: len(vectors), Method: method}
	if len(vectors) == 0 {
		return res, nil
	}

	var labels []int
	switch method {
	case MethodKMeans:
		labels = kmeans(ctx, vectors, c.k(len(vectors)), c.cfg.MaxIter)
	default:
		labels, err = dbscan(ctx, vectors, c.cfg.Eps, c.cfg.MinSamples)
		if err != nil {
			return res, fmt.Errorf("dbscan: %w", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	labels = promoteNoise(labels)

	maxID, err := c.store.MaxClusterID(ctx)
	if err != nil {
		return res, err
	}
	ids := reconcile(labels, previous, maxID)

	assignments := make([]models.ClusterAssignment, len(faceIDs))
	distinct := make(map[int64]struct{})
	for i, faceID := range faceIDs {
		id := ids[labels[i]]
		assignments[i] = models.ClusterAssignment{FaceID: faceID, ClusterID: id}
		distinct[id] = struct{}{}
	}
	res.Clusters = len(distinct)

	res.Updated, err = c.store.ApplyClusters(ctx, epoch, assignments)
	if err != nil {
		return res, fmt.Errorf("apply clusters: %w", err)
	}

	if c.index != nil {
		c.index.Invalidate()
		if err := c.index.Rebuild(ctx); err != nil {
			// The ledger is already consistent; the next search rebuilds.
			c.log.Warn("rebuild identity index after clustering", "error", err)
		}
	}
	return res, nil
}

func (c *Clusterer) method(n int) string {
	switch c.cfg.Method {
	case MethodDBSCAN, MethodKMeans:
		return c.cfg.Method
	}
	if c.cfg.KMeansAbove > 0 && n > c.cfg.KMeansAbove {
		return MethodKMeans
	}
	return MethodDBSCAN
}

func (c *Clusterer) k(n int) int {
	k := c.cfg.K
	if k <= 0 {
		k = isqrt(n / 2)
	}
	return max(1, min(k, n))
}

func isqrt(n int) int {
	r := 0
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}

// promoteNoise gives each noise point (-1) its own label so that every face
// ends up in some identity.
func promoteNoise(labels []int) []int {
	next := 0
	for _, l := range labels {
		if l >= next {
			next = l + 1
		}
	}
	out := make([]int, len(labels))
	for i, l := range labels {
		if l < 0 {
			l = next
			next++
		}
		out[i] = l
	}
	return out
}
