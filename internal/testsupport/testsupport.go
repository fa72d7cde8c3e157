// Package testsupport builds throwaway fixtures for package tests.
package testsupport

import (
	"context"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/storage"
)

// Dim is the embedding size used by test fixtures.
const Dim = 8

// NewLedger opens a fresh SQLite ledger under t.TempDir.
func NewLedger(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), Dim)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

// Clock is a manually advanced time source.
type Clock struct {
	T time.Time
}

func NewClock() *Clock {
	return &Clock{T: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	return c.T
}

func (c *Clock) Advance(d time.Duration) {
	c.T = c.T.Add(d)
}

// Unit returns a normalized vector of length Dim pointing mostly along axis,
// perturbed by jitter.
func Unit(axis int, jitter float64, rng *rand.Rand) []float32 {
	v := make([]float32, Dim)
	v[axis%Dim] = 1
	if rng != nil && jitter > 0 {
		for i := range v {
			v[i] += float32(rng.NormFloat64() * jitter)
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

// Blend returns the normalized mix a*cos + b*sin, giving a controllable cosine
// similarity to a when a and b are orthogonal unit vectors.
func Blend(a, b []float32, cos float64) []float32 {
	sin := math.Sqrt(1 - cos*cos)
	out := make([]float32, len(a))
	for i := range a {
		out[i] = float32(float64(a[i])*cos + float64(b[i])*sin)
	}
	return out
}

// AssignClusters writes assignments at the ledger's current identity epoch.
func AssignClusters(t *testing.T, ledger storage.Ledger, assignments ...models.ClusterAssignment) int {
	t.Helper()
	ctx := context.Background()
	epoch, err := ledger.IdentityEpoch(ctx)
	if err != nil {
		t.Fatalf("IdentityEpoch failed: %v", err)
	}
	n, err := ledger.ApplyClusters(ctx, epoch, assignments)
	if err != nil {
		t.Fatalf("ApplyClusters failed: %v", err)
	}
	return n
}
