// Package identity resolves faces to identities: a flat inner-product index
// over ledger embeddings for incremental matching, and the batch clustering
// job that creates the identities in the first place.
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
)

// parallelSearchAbove is the index size from which searches are split across CPUs.
const parallelSearchAbove = 16384

// EmbeddingSource is the authoritative face store the index is derived from.
type EmbeddingSource interface {
	ScanEmbeddings(ctx context.Context, fn func(models.FaceRecord) error) error
	IdentityEpoch(ctx context.Context) (int64, error)
	FaceWatermark(ctx context.Context) (models.FaceWatermark, error)
}

// ArtifactStore persists the index cache files.
type ArtifactStore interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Save(ctx context.Context, name string, data []byte) error
}

type Options struct {
	Threshold float64
	Dimension int
	// EpochCheckInterval bounds how often Search asks the ledger whether
	// cluster assignments changed elsewhere. Zero checks on every search.
	EpochCheckInterval time.Duration
	Logger             *slog.Logger
}

type Match struct {
	FaceID     int64   `json:"face_id"`
	ClusterID  int64   `json:"cluster_id"`
	Similarity float32 `json:"similarity"`
}

// snapshot is an immutable build of the index. Position i of every slice
// describes the same face.
type snapshot struct {
	dim      int
	epoch    int64
	faces    models.FaceWatermark
	buildID  [16]byte
	vectors  []float32
	faceIDs  []int64
	clusters []int64
}

func (s *snapshot) size() int {
	return len(s.faceIDs)
}

// Index is read-only for searches; rebuilds replace the whole snapshot.
type Index struct {
	src   EmbeddingSource
	store ArtifactStore
	opts  Options
	log   *slog.Logger

	snap      atomic.Pointer[snapshot]
	stale     atomic.Bool
	lastCheck atomic.Int64
	group     singleflight.Group
	now       func() time.Time
}

func NewIndex(src EmbeddingSource, store ArtifactStore, opts Options) *Index {
	if opts.Threshold <= 0 {
		opts.Threshold = 0.7
	}
	if opts.Dimension <= 0 {
		opts.Dimension = 512
	}
	return &Index{
		src:   src,
		store: store,
		opts:  opts,
		log:   observability.WithComponent(opts.Logger, "identity-index"),
		now:   time.Now,
	}
}

func (x *Index) Threshold() float64 {
	return x.opts.Threshold
}

// Size returns the number of indexed embeddings, zero before the first build.
func (x *Index) Size() int {
	if s := x.snap.Load(); s != nil {
		return s.size()
	}
	return 0
}

// Invalidate forces the next search to rebuild from the ledger.
func (x *Index) Invalidate() {
	x.stale.Store(true)
}

// Search returns the nearest indexed face when it is at least Threshold
// similar and already belongs to an identity. Index failures are logged and
// reported as no match.
func (x *Index) Search(ctx context.Context, embedding []float32) (Match, bool) {
	if len(embedding) != x.opts.Dimension {
		x.log.Warn("search embedding has wrong dimension", "got", len(embedding), "want", x.opts.Dimension)
		return Match{}, false
	}
	s, err := x.current(ctx)
	if err != nil {
		x.log.Warn("identity index unavailable", "error", err)
		return Match{}, false
	}
	pos, sim := s.nearest(ctx, normalized(embedding))
	if pos < 0 || float64(sim) < x.opts.Threshold {
		return Match{}, false
	}
	cluster := s.clusters[pos]
	if cluster == models.UnassignedCluster {
		return Match{}, false
	}
	return Match{FaceID: s.faceIDs[pos], ClusterID: cluster, Similarity: sim}, true
}

// Rebuild scans the ledger, swaps in the new snapshot and persists it.
func (x *Index) Rebuild(ctx context.Context) error {
	x.stale.Store(true)
	_, err := x.load(ctx, false)
	return err
}

func (x *Index) current(ctx context.Context) (*snapshot, error) {
	s := x.snap.Load()
	if s != nil && !x.stale.Load() {
		if !x.epochCheckDue() {
			return s, nil
		}
		epoch, err := x.src.IdentityEpoch(ctx)
		if err != nil {
			// Keep serving the last good snapshot.
			x.log.Warn("read identity epoch", "error", err)
			return s, nil
		}
		if epoch == s.epoch {
			return s, nil
		}
		x.log.Info("identity epoch advanced, rebuilding index", "built_at", s.epoch, "current", epoch)
		x.stale.Store(true)
	}
	return x.load(ctx, s == nil)
}

func (x *Index) epochCheckDue() bool {
	now := x.now().UnixNano()
	last := x.lastCheck.Load()
	if x.opts.EpochCheckInterval > 0 && now-last < int64(x.opts.EpochCheckInterval) {
		return false
	}
	return x.lastCheck.CompareAndSwap(last, now)
}

// load collapses concurrent rebuild requests into one. The cached artifacts
// are only consulted on the first load of the process.
func (x *Index) load(ctx context.Context, tryCache bool) (*snapshot, error) {
	v, err, _ := x.group.Do("load", func() (any, error) {
		if s := x.snap.Load(); s != nil && !x.stale.Load() {
			return s, nil
		}
		epoch, err := x.src.IdentityEpoch(ctx)
		if err != nil {
			return nil, fmt.Errorf("read identity epoch: %w", err)
		}
		faces, err := x.src.FaceWatermark(ctx)
		if err != nil {
			return nil, fmt.Errorf("read face watermark: %w", err)
		}

		if tryCache && x.store != nil {
			s, err := x.loadCache(ctx, epoch, faces)
			if err == nil {
				x.install(s, "cache")
				return s, nil
			}
			x.log.Info("identity index cache unusable, rebuilding", "reason", err)
		}

		s, err := x.build(ctx, epoch, faces)
		if err != nil {
			return nil, err
		}
		x.install(s, "ledger")
		x.persist(ctx, s)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (x *Index) install(s *snapshot, source string) {
	x.snap.Store(s)
	x.stale.Store(false)
	x.lastCheck.Store(x.now().UnixNano())
	observability.IndexSize.Set(float64(s.size()))
	observability.IndexBuilds.WithLabelValues(source).Inc()
	x.log.Info("identity index loaded", "source", source, "size", s.size(), "epoch", s.epoch)
}

func (x *Index) build(ctx context.Context, epoch int64, faces models.FaceWatermark) (*snapshot, error) {
	dim := x.opts.Dimension
	s := &snapshot{dim: dim, epoch: epoch, faces: faces, buildID: newBuildID()}
	skipped := 0
	err := x.src.ScanEmbeddings(ctx, func(f models.FaceRecord) error {
		if len(f.Embedding) != dim {
			skipped++
			return nil
		}
		s.vectors = append(s.vectors, normalized(f.Embedding)...)
		s.faceIDs = append(s.faceIDs, f.FaceID)
		s.clusters = append(s.clusters, f.ClusterID)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan embeddings: %w", err)
	}
	if skipped > 0 {
		x.log.Warn("skipped embeddings with wrong dimension", "count", skipped)
	}
	return s, nil
}

func (x *Index) loadCache(ctx context.Context, epoch int64, faces models.FaceWatermark) (*snapshot, error) {
	indexData, err := x.store.Load(ctx, IndexArtifact)
	if err != nil {
		return nil, err
	}
	mapData, err := x.store.Load(ctx, MapArtifact)
	if err != nil {
		return nil, err
	}
	s, err := decodeArtifacts(indexData, mapData, x.opts.Dimension)
	if err != nil {
		return nil, err
	}
	if s.epoch != epoch {
		return nil, fmt.Errorf("cache built at epoch %d, ledger is at %d", s.epoch, epoch)
	}
	if s.faces != faces {
		return nil, fmt.Errorf("cache built over %d faces (max id %d), ledger has %d (max id %d)",
			s.faces.Count, s.faces.MaxID, faces.Count, faces.MaxID)
	}
	return s, nil
}

func (x *Index) persist(ctx context.Context, s *snapshot) {
	if x.store == nil {
		return
	}
	indexData, mapData, err := encodeArtifacts(s)
	if err != nil {
		x.log.Warn("encode identity index cache", "error", err)
		return
	}
	if err := x.store.Save(ctx, IndexArtifact, indexData); err != nil {
		x.log.Warn("save identity index cache", "error", err)
		return
	}
	if err := x.store.Save(ctx, MapArtifact, mapData); err != nil {
		x.log.Warn("save identity id map", "error", err)
	}
}

// nearest returns the position and similarity of the best match, or -1.
func (s *snapshot) nearest(ctx context.Context, q []float32) (int, float32) {
	n := s.size()
	if n == 0 {
		return -1, 0
	}
	if n < parallelSearchAbove {
		return s.scan(q, 0, n)
	}

	workers := runtime.GOMAXPROCS(0)
	chunk := (n + workers - 1) / workers
	type best struct {
		pos int
		sim float32
	}
	results := make([]best, workers)
	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo, hi := w*chunk, min((w+1)*chunk, n)
		if lo >= hi {
			results[w] = best{pos: -1}
			continue
		}
		g.Go(func() error {
			pos, sim := s.scan(q, lo, hi)
			results[w] = best{pos, sim}
			return nil
		})
	}
	_ = g.Wait()

	bestPos, bestSim := -1, float32(-2)
	for _, r := range results {
		if r.pos >= 0 && (r.sim > bestSim || (r.sim == bestSim && r.pos < bestPos)) {
			bestPos, bestSim = r.pos, r.sim
		}
	}
	return bestPos, bestSim
}

func (s *snapshot) scan(q []float32, lo, hi int) (int, float32) {
	bestPos, bestSim := -1, float32(-2)
	for i := lo; i < hi; i++ {
		sim := dot(q, s.vectors[i*s.dim:(i+1)*s.dim])
		if sim > bestSim {
			bestPos, bestSim = i, sim
		}
	}
	return bestPos, bestSim
}

// IsCorrupt reports whether err came from artifact verification.
func IsCorrupt(err error) bool {
	return errors.Is(err, errCorruptArtifact)
}
