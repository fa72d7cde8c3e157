package identity

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/storage"
	"github.com/your-org/mediaflow/internal/testsupport"
)

type countingSource struct {
	EmbeddingSource
	scans int
}

func (c *countingSource) ScanEmbeddings(ctx context.Context, fn func(models.FaceRecord) error) error {
	c.scans++
	return c.EmbeddingSource.ScanEmbeddings(ctx, fn)
}

func seedFaces(t *testing.T, store storage.Ledger, hash string, faces ...models.FaceRecord) {
	t.Helper()
	ctx := context.Background()
	if _, err := store.Register(ctx, hash, "/photos/"+hash+".jpg"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	for i := range faces {
		faces[i].ContentHash = hash
		faces[i].FaceIndex = i
	}
	if _, err := store.InsertFaces(ctx, faces); err != nil {
		t.Fatalf("InsertFaces failed: %v", err)
	}
}

func newTestIndex(src EmbeddingSource, store ArtifactStore) *Index {
	return NewIndex(src, store, Options{Threshold: 0.7, Dimension: testsupport.Dim})
}

func TestSearchMatchesAssignedFaceAboveThreshold(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	seedFaces(t, ledger, "aaaa", models.FaceRecord{Embedding: testsupport.Unit(0, 0, nil), ClusterID: 7})

	idx := newTestIndex(ledger, nil)
	query := testsupport.Blend(testsupport.Unit(0, 0, nil), testsupport.Unit(1, 0, nil), 0.95)

	m, ok := idx.Search(context.Background(), query)
	if !ok {
		t.Fatal("expected a match")
	}
	if m.ClusterID != 7 {
		t.Errorf("cluster: got %d, want 7", m.ClusterID)
	}
	if m.Similarity < 0.949 || m.Similarity > 0.951 {
		t.Errorf("similarity: got %f, want ~0.95", m.Similarity)
	}
}

func TestSearchNoMatch(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	seedFaces(t, ledger, "aaaa",
		models.FaceRecord{Embedding: testsupport.Unit(0, 0, nil), ClusterID: 3},
		models.FaceRecord{Embedding: testsupport.Unit(2, 0, nil), ClusterID: models.UnassignedCluster},
	)
	idx := newTestIndex(ledger, nil)
	ctx := context.Background()

	tests := []struct {
		name  string
		query []float32
	}{
		{"below threshold", testsupport.Blend(testsupport.Unit(0, 0, nil), testsupport.Unit(1, 0, nil), 0.5)},
		{"nearest face unassigned", testsupport.Unit(2, 0, nil)},
		{"wrong dimension", []float32{1, 0, 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if m, ok := idx.Search(ctx, tt.query); ok {
				t.Errorf("expected no match, got %+v", m)
			}
		})
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := newTestIndex(testsupport.NewLedger(t), nil)
	if _, ok := idx.Search(context.Background(), testsupport.Unit(0, 0, nil)); ok {
		t.Error("empty index must not match")
	}
	if idx.Size() != 0 {
		t.Errorf("size: got %d, want 0", idx.Size())
	}
}

func TestSearchFollowsIdentityEpoch(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	seedFaces(t, ledger, "aaaa", models.FaceRecord{Embedding: testsupport.Unit(0, 0, nil), ClusterID: models.UnassignedCluster})
	idx := newTestIndex(ledger, nil)
	ctx := context.Background()

	if _, ok := idx.Search(ctx, testsupport.Unit(0, 0, nil)); ok {
		t.Fatal("unassigned face must not match")
	}

	var faceID int64
	err := ledger.ScanEmbeddings(ctx, func(f models.FaceRecord) error {
		faceID = f.FaceID
		return nil
	})
	if err != nil {
		t.Fatalf("ScanEmbeddings failed: %v", err)
	}
	testsupport.AssignClusters(t, ledger, models.ClusterAssignment{FaceID: faceID, ClusterID: 9})

	m, ok := idx.Search(ctx, testsupport.Unit(0, 0, nil))
	if !ok || m.ClusterID != 9 {
		t.Fatalf("after reassignment: got %+v ok=%v, want cluster 9", m, ok)
	}
}

func TestIndexCacheRoundTrip(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	rng := rand.New(rand.NewSource(1))
	seedFaces(t, ledger, "aaaa",
		models.FaceRecord{Embedding: testsupport.Unit(0, 0.05, rng), ClusterID: 1},
		models.FaceRecord{Embedding: testsupport.Unit(3, 0.05, rng), ClusterID: 2},
	)
	dir := t.TempDir()
	artifacts, err := storage.NewDirStore(dir)
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}
	ctx := context.Background()

	first := &countingSource{EmbeddingSource: ledger}
	if _, ok := newTestIndex(first, artifacts).Search(ctx, testsupport.Unit(3, 0, nil)); !ok {
		t.Fatal("expected a match from the ledger build")
	}
	if first.scans != 1 {
		t.Fatalf("first build scans: got %d, want 1", first.scans)
	}

	second := &countingSource{EmbeddingSource: ledger}
	idx := newTestIndex(second, artifacts)
	m, ok := idx.Search(ctx, testsupport.Unit(3, 0, nil))
	if !ok || m.ClusterID != 2 {
		t.Fatalf("cached search: got %+v ok=%v, want cluster 2", m, ok)
	}
	if second.scans != 0 {
		t.Errorf("cache load should not scan the ledger, scanned %d times", second.scans)
	}
	if idx.Size() != 2 {
		t.Errorf("size: got %d, want 2", idx.Size())
	}
}

func TestIndexCacheIgnoredAfterFacesAdded(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	near := testsupport.Blend(testsupport.Unit(0, 0, nil), testsupport.Unit(1, 0, nil), 0.9)
	seedFaces(t, ledger, "aaaa", models.FaceRecord{Embedding: near, ClusterID: 1})
	artifacts, err := storage.NewDirStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewDirStore failed: %v", err)
	}
	ctx := context.Background()
	if err := newTestIndex(ledger, artifacts).Rebuild(ctx); err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	// A closer face saved without a cluster leaves the identity epoch alone.
	seedFaces(t, ledger, "bbbb", models.FaceRecord{Embedding: testsupport.Unit(0, 0, nil), ClusterID: models.UnassignedCluster})

	src := &countingSource{EmbeddingSource: ledger}
	idx := newTestIndex(src, artifacts)
	if m, ok := idx.Search(ctx, testsupport.Unit(0, 0, nil)); ok {
		t.Fatalf("unassigned nearest face must shadow the cached match, got %+v", m)
	}
	if src.scans != 1 {
		t.Errorf("expected a ledger rebuild, scans=%d", src.scans)
	}
	if idx.Size() != 2 {
		t.Errorf("size: got %d, want 2", idx.Size())
	}
}

func TestIndexRejectsBadCache(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	seedFaces(t, ledger, "aaaa", models.FaceRecord{Embedding: testsupport.Unit(0, 0, nil), ClusterID: 4})
	ctx := context.Background()

	tests := []struct {
		name    string
		corrupt func(t *testing.T, dir string, artifacts *storage.DirStore)
	}{
		{"flipped byte", func(t *testing.T, dir string, _ *storage.DirStore) {
			p := filepath.Join(dir, IndexArtifact)
			data, err := os.ReadFile(p)
			if err != nil {
				t.Fatalf("read artifact: %v", err)
			}
			data[len(data)-6] ^= 0xff
			if err := os.WriteFile(p, data, 0o644); err != nil {
				t.Fatalf("write artifact: %v", err)
			}
		}},
		{"missing id map", func(t *testing.T, _ string, artifacts *storage.DirStore) {
			if err := artifacts.Delete(ctx, MapArtifact); err != nil {
				t.Fatalf("delete artifact: %v", err)
			}
		}},
		{"unpaired files", func(t *testing.T, _ string, artifacts *storage.DirStore) {
			other := &snapshot{dim: testsupport.Dim, buildID: newBuildID(), vectors: testsupport.Unit(1, 0, nil), faceIDs: []int64{99}, clusters: []int64{5}}
			_, mapData, err := encodeArtifacts(other)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if err := artifacts.Save(ctx, MapArtifact, mapData); err != nil {
				t.Fatalf("save: %v", err)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			artifacts, err := storage.NewDirStore(dir)
			if err != nil {
				t.Fatalf("NewDirStore failed: %v", err)
			}
			if err := newTestIndex(ledger, artifacts).Rebuild(ctx); err != nil {
				t.Fatalf("Rebuild failed: %v", err)
			}
			tt.corrupt(t, dir, artifacts)

			src := &countingSource{EmbeddingSource: ledger}
			m, ok := newTestIndex(src, artifacts).Search(ctx, testsupport.Unit(0, 0, nil))
			if !ok || m.ClusterID != 4 {
				t.Fatalf("got %+v ok=%v, want cluster 4", m, ok)
			}
			if src.scans != 1 {
				t.Errorf("expected a ledger rebuild, scans=%d", src.scans)
			}
		})
	}
}

func TestDecodeArtifactsValidation(t *testing.T) {
	s := &snapshot{
		dim:      2,
		epoch:    3,
		faces:    models.FaceWatermark{Count: 2, MaxID: 11},
		buildID:  newBuildID(),
		vectors:  []float32{1, 0, 0, 1},
		faceIDs:  []int64{10, 11},
		clusters: []int64{1, models.UnassignedCluster},
	}
	indexData, mapData, err := encodeArtifacts(s)
	if err != nil {
		t.Fatalf("encodeArtifacts failed: %v", err)
	}

	got, err := decodeArtifacts(indexData, mapData, 2)
	if err != nil {
		t.Fatalf("decodeArtifacts failed: %v", err)
	}
	if got.epoch != 3 || got.faces != s.faces || got.clusters[1] != models.UnassignedCluster || got.faceIDs[1] != 11 {
		t.Errorf("decoded snapshot mismatch: %+v", got)
	}

	if _, err := decodeArtifacts(indexData, mapData, 4); !IsCorrupt(err) {
		t.Errorf("dimension mismatch: got %v, want corrupt artifact", err)
	}
	if _, err := decodeArtifacts(mapData, indexData, 2); !IsCorrupt(err) {
		t.Errorf("swapped files: got %v, want corrupt artifact", err)
	}
	if _, err := decodeArtifacts(indexData[:10], mapData, 2); !IsCorrupt(err) {
		t.Errorf("truncated: got %v, want corrupt artifact", err)
	}
}

type failingSource struct{}

func (failingSource) ScanEmbeddings(context.Context, func(models.FaceRecord) error) error {
	return errors.New("database is gone")
}

func (failingSource) IdentityEpoch(context.Context) (int64, error) {
	return 0, nil
}

func (failingSource) FaceWatermark(context.Context) (models.FaceWatermark, error) {
	return models.FaceWatermark{}, nil
}

func TestSearchTreatsIndexErrorsAsNoMatch(t *testing.T) {
	idx := newTestIndex(failingSource{}, nil)
	if _, ok := idx.Search(context.Background(), testsupport.Unit(0, 0, nil)); ok {
		t.Error("index failure must be reported as no match")
	}
	if err := idx.Rebuild(context.Background()); err == nil {
		t.Error("Rebuild should surface the scan error")
	}
}

func TestNearestParallelAgreesWithScan(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	n := parallelSearchAbove + 123
	s := &snapshot{dim: testsupport.Dim}
	for i := 0; i < n; i++ {
		s.vectors = append(s.vectors, testsupport.Unit(i, 0.5, rng)...)
		s.faceIDs = append(s.faceIDs, int64(i))
		s.clusters = append(s.clusters, int64(i%10))
	}
	for q := 0; q < 5; q++ {
		query := testsupport.Unit(q, 0.3, rng)
		wantPos, wantSim := s.scan(query, 0, n)
		gotPos, gotSim := s.nearest(context.Background(), query)
		if gotSim != wantSim {
			t.Errorf("query %d: parallel %d/%f, serial %d/%f", q, gotPos, gotSim, wantPos, wantSim)
		}
	}
}
