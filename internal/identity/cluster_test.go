package identity

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/gofrs/flock"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/storage"
	"github.com/your-org/mediaflow/internal/testsupport"
)

func clusteringConfig(t *testing.T) config.ClusteringConfig {
	return config.ClusteringConfig{
		Method:      MethodAuto,
		Eps:         0.45,
		MinSamples:  3,
		KMeansAbove: 1000,
		MaxIter:     50,
		LockFile:    filepath.Join(t.TempDir(), "clustering.lock"),
	}
}

// seedGroups stores three tight groups of five faces plus one loner.
func seedGroups(t *testing.T, ledger storage.Ledger) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	for g, axis := range []int{0, 2, 4} {
		var faces []models.FaceRecord
		for i := 0; i < 5; i++ {
			faces = append(faces, models.FaceRecord{Embedding: testsupport.Unit(axis, 0.02, rng), ClusterID: models.UnassignedCluster})
		}
		seedFaces(t, ledger, string(rune('a'+g))+"000", faces...)
	}
	seedFaces(t, ledger, "z000", models.FaceRecord{Embedding: testsupport.Unit(6, 0, nil), ClusterID: models.UnassignedCluster})
}

func assignments(t *testing.T, ledger storage.Ledger) map[int64]int64 {
	t.Helper()
	out := make(map[int64]int64)
	err := ledger.ScanEmbeddings(context.Background(), func(f models.FaceRecord) error {
		out[f.FaceID] = f.ClusterID
		return nil
	})
	if err != nil {
		t.Fatalf("ScanEmbeddings failed: %v", err)
	}
	return out
}

func TestClusterAllAssignsEveryFace(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	seedGroups(t, ledger)
	ctx := context.Background()

	idx := newTestIndex(ledger, nil)
	c := NewClusterer(ledger, idx, clusteringConfig(t), testsupport.Dim, nil)
	res, err := c.ClusterAll(ctx)
	if err != nil {
		t.Fatalf("ClusterAll failed: %v", err)
	}
	if res.Method != MethodDBSCAN {
		t.Errorf("method: got %s, want dbscan", res.Method)
	}
	if res.Faces != 16 || res.Clusters != 4 {
		t.Errorf("got %d faces in %d clusters, want 16 in 4", res.Faces, res.Clusters)
	}

	sizes := make(map[int64]int)
	for faceID, cluster := range assignments(t, ledger) {
		if cluster == models.UnassignedCluster {
			t.Errorf("face %d still unassigned", faceID)
		}
		sizes[cluster]++
	}

	identities, err := ledger.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities failed: %v", err)
	}
	if len(identities) != len(sizes) {
		t.Fatalf("identities: got %d, want %d", len(identities), len(sizes))
	}
	for _, ident := range identities {
		if ident.FaceCount != sizes[ident.ClusterID] {
			t.Errorf("identity %d: face count %d, want %d", ident.ClusterID, ident.FaceCount, sizes[ident.ClusterID])
		}
		if ident.DisplayName != models.DefaultDisplayName {
			t.Errorf("identity %d: name %q, want %q", ident.ClusterID, ident.DisplayName, models.DefaultDisplayName)
		}
	}

	// The index is rebuilt, so a group member now resolves.
	if m, ok := idx.Search(ctx, testsupport.Unit(2, 0, nil)); !ok || sizes[m.ClusterID] != 5 {
		t.Errorf("post-clustering search: got %+v ok=%v", m, ok)
	}
}

func TestClusterAllIsStable(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	seedGroups(t, ledger)
	ctx := context.Background()
	c := NewClusterer(ledger, nil, clusteringConfig(t), testsupport.Dim, nil)

	if _, err := c.ClusterAll(ctx); err != nil {
		t.Fatalf("first ClusterAll failed: %v", err)
	}
	before := assignments(t, ledger)

	if _, err := ledger.RenameIdentity(ctx, before[1], "Alice"); err != nil {
		t.Fatalf("RenameIdentity failed: %v", err)
	}

	if _, err := c.ClusterAll(ctx); err != nil {
		t.Fatalf("second ClusterAll failed: %v", err)
	}
	after := assignments(t, ledger)
	if !reflect.DeepEqual(before, after) {
		t.Errorf("re-clustering changed assignments:\nbefore %v\nafter  %v", before, after)
	}

	ident, err := ledger.GetIdentity(ctx, before[1])
	if err != nil || ident == nil {
		t.Fatalf("GetIdentity: %v %v", ident, err)
	}
	if ident.DisplayName != "Alice" {
		t.Errorf("name lost across re-clustering: %q", ident.DisplayName)
	}
}

func TestClusterAllNewFacesJoinExistingIdentity(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	seedGroups(t, ledger)
	ctx := context.Background()
	c := NewClusterer(ledger, nil, clusteringConfig(t), testsupport.Dim, nil)

	if _, err := c.ClusterAll(ctx); err != nil {
		t.Fatalf("ClusterAll failed: %v", err)
	}
	before := assignments(t, ledger)

	rng := rand.New(rand.NewSource(9))
	seedFaces(t, ledger, "n000", models.FaceRecord{Embedding: testsupport.Unit(0, 0.02, rng), ClusterID: models.UnassignedCluster})

	if _, err := c.ClusterAll(ctx); err != nil {
		t.Fatalf("ClusterAll failed: %v", err)
	}
	after := assignments(t, ledger)
	for faceID, cluster := range before {
		if after[faceID] != cluster {
			t.Errorf("face %d moved from %d to %d", faceID, cluster, after[faceID])
		}
	}
	var newest int64
	for faceID := range after {
		newest = max(newest, faceID)
	}
	if after[newest] != before[1] {
		t.Errorf("new face landed in %d, want %d", after[newest], before[1])
	}
}

// mergeAfterScan merges one identity into another right after the first
// embedding scan returns, the way a rename arriving mid-pass would.
type mergeAfterScan struct {
	storage.Ledger
	from int64
	name string
	done bool
	err  error
}

func (m *mergeAfterScan) ScanEmbeddings(ctx context.Context, fn func(models.FaceRecord) error) error {
	if err := m.Ledger.ScanEmbeddings(ctx, fn); err != nil {
		return err
	}
	if !m.done {
		m.done = true
		_, m.err = m.Ledger.RenameIdentity(ctx, m.from, m.name)
	}
	return nil
}

func TestClusterAllKeepsMergeMadeDuringPass(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	seedGroups(t, ledger)
	ctx := context.Background()

	if _, err := NewClusterer(ledger, nil, clusteringConfig(t), testsupport.Dim, nil).ClusterAll(ctx); err != nil {
		t.Fatalf("ClusterAll failed: %v", err)
	}
	before := assignments(t, ledger)
	a, b := before[1], before[6]
	if _, err := ledger.RenameIdentity(ctx, b, "Bob"); err != nil {
		t.Fatalf("RenameIdentity failed: %v", err)
	}

	store := &mergeAfterScan{Ledger: ledger, from: a, name: "Bob"}
	res, err := NewClusterer(store, nil, clusteringConfig(t), testsupport.Dim, nil).ClusterAll(ctx)
	if err != nil {
		t.Fatalf("ClusterAll failed: %v", err)
	}
	if store.err != nil {
		t.Fatalf("merge failed: %v", store.err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts: got %d, want 2", res.Attempts)
	}

	for faceID, cluster := range assignments(t, ledger) {
		if cluster == a {
			t.Errorf("face %d points at merged-away cluster %d", faceID, a)
		}
	}
	if ident, _ := ledger.GetIdentity(ctx, a); ident != nil {
		t.Errorf("merged-away identity recreated: %+v", ident)
	}
	bob, err := ledger.GetIdentity(ctx, b)
	if err != nil || bob == nil || bob.DisplayName != "Bob" {
		t.Errorf("merge target lost: %+v %v", bob, err)
	}
}

func TestClusterAllRejectsConcurrentRuns(t *testing.T) {
	ledger := testsupport.NewLedger(t)
	cfg := clusteringConfig(t)
	ctx := context.Background()

	t.Run("same process", func(t *testing.T) {
		c := NewClusterer(ledger, nil, cfg, testsupport.Dim, nil)
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.Running() {
			t.Error("Running should report the held pass")
		}
		if _, err := c.ClusterAll(ctx); !errors.Is(err, ErrClusteringInProgress) {
			t.Errorf("got %v, want ErrClusteringInProgress", err)
		}
	})

	t.Run("other holder of the lock file", func(t *testing.T) {
		other := flock.New(cfg.LockFile)
		locked, err := other.TryLock()
		if err != nil || !locked {
			t.Fatalf("TryLock: %v %v", locked, err)
		}
		defer other.Unlock()

		c := NewClusterer(ledger, nil, cfg, testsupport.Dim, nil)
		if _, err := c.ClusterAll(ctx); !errors.Is(err, ErrClusteringInProgress) {
			t.Errorf("got %v, want ErrClusteringInProgress", err)
		}
	})
}

func TestClusterAllEmpty(t *testing.T) {
	c := NewClusterer(testsupport.NewLedger(t), nil, clusteringConfig(t), testsupport.Dim, nil)
	res, err := c.ClusterAll(context.Background())
	if err != nil {
		t.Fatalf("ClusterAll failed: %v", err)
	}
	if res.Faces != 0 || res.Clusters != 0 {
		t.Errorf("got %+v, want empty result", res)
	}
}

func TestKMeansSeparatesGroups(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	var vectors [][]float32
	for _, axis := range []int{1, 3, 5} {
		for i := 0; i < 10; i++ {
			vectors = append(vectors, normalized(testsupport.Unit(axis, 0.02, rng)))
		}
	}
	labels := kmeans(context.Background(), vectors, 3, 50)
	for g := 0; g < 3; g++ {
		for i := 1; i < 10; i++ {
			if labels[g*10+i] != labels[g*10] {
				t.Fatalf("group %d split: %v", g, labels)
			}
		}
	}
	if labels[0] == labels[10] || labels[10] == labels[20] || labels[0] == labels[20] {
		t.Errorf("groups merged: %v", labels)
	}
}

func TestDBSCANNoise(t *testing.T) {
	vectors := [][]float32{
		{1, 0}, {0.99, 0.141}, {0.98, 0.199},
		{0, 1},
	}
	for i := range vectors {
		vectors[i] = normalized(vectors[i])
	}
	labels, err := dbscan(context.Background(), vectors, 0.1, 3)
	if err != nil {
		t.Fatalf("dbscan failed: %v", err)
	}
	if want := []int{0, 0, 0, noise}; !reflect.DeepEqual(labels, want) {
		t.Errorf("labels: got %v, want %v", labels, want)
	}
	if got := promoteNoise(labels); !reflect.DeepEqual(got, []int{0, 0, 0, 1}) {
		t.Errorf("promoteNoise: got %v", got)
	}
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name     string
		labels   []int
		previous []int64
		maxID    int64
		want     map[int]int64
	}{
		{
			name:     "fresh ledger",
			labels:   []int{0, 0, 1},
			previous: []int64{-1, -1, -1},
			maxID:    -1,
			want:     map[int]int64{0: 1, 1: 2},
		},
		{
			name:     "labels swap but ids persist",
			labels:   []int{1, 1, 0, 0},
			previous: []int64{5, 5, 8, 8},
			maxID:    8,
			want:     map[int]int64{1: 5, 0: 8},
		},
		{
			name:     "split keeps id on the larger half",
			labels:   []int{0, 0, 0, 1, 1},
			previous: []int64{4, 4, 4, 4, 4},
			maxID:    4,
			want:     map[int]int64{0: 4, 1: 5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reconcile(tt.labels, tt.previous, tt.maxID)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}
