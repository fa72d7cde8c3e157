package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/your-org/mediaflow/internal/api/handlers"
	"github.com/your-org/mediaflow/internal/api/ws"
	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/contentroot"
	"github.com/your-org/mediaflow/internal/hashing"
	"github.com/your-org/mediaflow/internal/identity"
	"github.com/your-org/mediaflow/internal/ingest"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/pipeline"
	"github.com/your-org/mediaflow/internal/queue"
	"github.com/your-org/mediaflow/internal/storage"
	"github.com/your-org/mediaflow/internal/testsupport"
	"github.com/your-org/mediaflow/pkg/dto"
)

type fakePipeline struct {
	mu       sync.Mutex
	ingested []string
	errs     map[string]error
}

func (f *fakePipeline) Ingest(_ context.Context, p string) (pipeline.IngestResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingested = append(f.ingested, p)
	if err := f.errs[filepath.Base(p)]; err != nil {
		return pipeline.IngestResult{}, err
	}
	return pipeline.IngestResult{ContentHash: "h-" + filepath.Base(p), SourcePath: filepath.Base(p), Outcome: pipeline.IngestNew}, nil
}

func (f *fakePipeline) Refinalize(_ context.Context, hash string) error {
	if hash == "busy" {
		return fmt.Errorf("media %s: %w", hash, pipeline.ErrNotFinalizable)
	}
	return nil
}

func (f *fakePipeline) RefinalizeFailed(context.Context, int) (int, error) {
	return 2, nil
}

func (f *fakePipeline) Sweep(context.Context) (pipeline.SweepResult, error) {
	return pipeline.SweepResult{Examined: 1, Requeued: 1}, nil
}

type fakeScanner struct {
	err  error
	dirs []string
}

func (f *fakeScanner) Start(_ context.Context, dir string, _ func(ingest.Stats, error)) error {
	f.dirs = append(f.dirs, dir)
	return f.err
}

type failingCheck struct{}

func (failingCheck) Ping(context.Context) error { return errors.New("connection refused") }

type busyClusterer struct{}

func (busyClusterer) ClusterAll(context.Context) (identity.Result, error) {
	return identity.Result{}, identity.ErrClusteringInProgress
}
func (busyClusterer) Running() bool { return true }

type env struct {
	router   *gin.Engine
	ledger   *storage.SQLiteStore
	pipeline *fakePipeline
	scanner  *fakeScanner
	index    *identity.Index
	root     *contentroot.Root

	mu     sync.Mutex
	events []string
}

func newEnv(t *testing.T, mutate func(*RouterConfig)) *env {
	t.Helper()
	ledger := testsupport.NewLedger(t)
	root, err := contentroot.New(t.TempDir())
	if err != nil {
		t.Fatalf("contentroot.New failed: %v", err)
	}
	broker := queue.NewMemoryBroker(3, nil)
	qr, err := queue.NewRouter(broker, nil, nil)
	if err != nil {
		t.Fatalf("NewRouter failed: %v", err)
	}
	index := identity.NewIndex(ledger, nil, identity.Options{Threshold: 0.7, Dimension: testsupport.Dim})
	clusterer := identity.NewClusterer(ledger, index, config.ClusteringConfig{
		Method:      identity.MethodAuto,
		Eps:         0.45,
		MinSamples:  3,
		KMeansAbove: 1000,
		MaxIter:     50,
	}, testsupport.Dim, nil)

	e := &env{
		ledger:   ledger,
		pipeline: &fakePipeline{},
		scanner:  &fakeScanner{},
		index:    index,
		root:     root,
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	_ = broker.SubscribeEvents(ctx, func(ev queue.Event) {
		e.mu.Lock()
		e.events = append(e.events, ev.Type)
		e.mu.Unlock()
	})

	cfg := RouterConfig{
		Ledger:    ledger,
		Pipeline:  e.pipeline,
		Scanner:   e.scanner,
		Root:      root,
		Index:     index,
		Clusterer: clusterer,
		Notifier:  qr,
		Hub:       ws.NewHub(nil),
		Checks:    map[string]handlers.Pinger{"ledger": ledger, "broker": broker},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	e.router = NewRouter(cfg)
	return e
}

func (e *env) do(t *testing.T, method, target string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, target, err, w.Body.String())
		}
	}
	return w.Code
}

func (e *env) eventTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.events...)
}

func TestHealthAndReadiness(t *testing.T) {
	e := newEnv(t, nil)
	if code := e.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Errorf("healthz: got %d", code)
	}
	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if code := e.do(t, http.MethodGet, "/readyz", nil, &ready); code != http.StatusOK || ready.Checks["ledger"] != "ok" {
		t.Errorf("readyz: got %d %+v", code, ready)
	}

	down := newEnv(t, func(cfg *RouterConfig) {
		cfg.Checks["captioner"] = failingCheck{}
	})
	if code := down.do(t, http.MethodGet, "/readyz", nil, nil); code != http.StatusServiceUnavailable {
		t.Errorf("readyz with failing check: got %d", code)
	}
}

func TestAPIKeyGuardsV1(t *testing.T) {
	e := newEnv(t, func(cfg *RouterConfig) { cfg.APIKey = "k" })
	if code := e.do(t, http.MethodGet, "/v1/stats", nil, nil); code != http.StatusUnauthorized {
		t.Errorf("without key: got %d", code)
	}
	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	req.Header.Set("X-API-Key", "k")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: got %d", w.Code)
	}
	if code := e.do(t, http.MethodGet, "/healthz", nil, nil); code != http.StatusOK {
		t.Errorf("healthz must stay open: got %d", code)
	}
}

func TestMediaEndpoints(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	if _, err := e.ledger.Register(ctx, "h1", "a.jpg"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var rec models.MediaRecord
	if code := e.do(t, http.MethodGet, "/v1/media/h1", nil, &rec); code != http.StatusOK || rec.SourcePath != "a.jpg" {
		t.Errorf("get: got %d %+v", code, rec)
	}
	if code := e.do(t, http.MethodGet, "/v1/media/nope", nil, nil); code != http.StatusNotFound {
		t.Errorf("get missing: got %d", code)
	}

	var list dto.MediaListResponse
	if code := e.do(t, http.MethodGet, "/v1/media?status=PENDING", nil, &list); code != http.StatusOK || list.Total != 1 {
		t.Errorf("list: got %d %+v", code, list)
	}
	if code := e.do(t, http.MethodGet, "/v1/media?status=BOGUS", nil, nil); code != http.StatusBadRequest {
		t.Errorf("list with bad status: got %d", code)
	}
	if code := e.do(t, http.MethodGet, "/v1/media", nil, nil); code != http.StatusBadRequest {
		t.Errorf("list without status: got %d", code)
	}

	var stats models.Stats
	if code := e.do(t, http.MethodGet, "/v1/stats", nil, &stats); code != http.StatusOK || stats.Total != 1 {
		t.Errorf("stats: got %d %+v", code, stats)
	}
}

func TestIngestEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	e.pipeline.errs = map[string]error{
		"gone.jpg":  fmt.Errorf("stat: %w", fs.ErrNotExist),
		"empty.jpg": &hashing.HashError{Path: "empty.jpg", Reason: "empty file"},
		"far.jpg":   contentroot.ErrOutsideRoot,
	}

	tests := []struct {
		path string
		want int
	}{
		{"2024/a.jpg", http.StatusCreated},
		{"gone.jpg", http.StatusNotFound},
		{"empty.jpg", http.StatusUnprocessableEntity},
		{"/elsewhere/far.jpg", http.StatusBadRequest},
		{"", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if code := e.do(t, http.MethodPost, "/v1/ingest", dto.IngestRequest{Path: tt.path}, nil); code != tt.want {
				t.Errorf("got %d, want %d", code, tt.want)
			}
		})
	}

	want := filepath.Join(e.root.Dir(), "2024", "a.jpg")
	if len(e.pipeline.ingested) == 0 || e.pipeline.ingested[0] != want {
		t.Errorf("relative paths resolve against the root: got %v, want %s", e.pipeline.ingested, want)
	}
}

func TestRefinalizeAndSweep(t *testing.T) {
	e := newEnv(t, nil)
	if code := e.do(t, http.MethodPost, "/v1/media/h1/finalize", nil, nil); code != http.StatusAccepted {
		t.Errorf("refinalize: got %d", code)
	}
	if code := e.do(t, http.MethodPost, "/v1/media/busy/finalize", nil, nil); code != http.StatusConflict {
		t.Errorf("refinalize not ready: got %d", code)
	}
	var requeued dto.RequeueResponse
	if code := e.do(t, http.MethodPost, "/v1/refinalize?limit=10", nil, &requeued); code != http.StatusAccepted || requeued.Queued != 2 {
		t.Errorf("refinalize failed: got %d %+v", code, requeued)
	}
	var sweep pipeline.SweepResult
	if code := e.do(t, http.MethodPost, "/v1/sweep", nil, &sweep); code != http.StatusOK || sweep.Requeued != 1 {
		t.Errorf("sweep: got %d %+v", code, sweep)
	}
}

func TestScanEndpoint(t *testing.T) {
	e := newEnv(t, nil)
	if code := e.do(t, http.MethodPost, "/v1/scan", dto.ScanRequest{Dir: "2024"}, nil); code != http.StatusAccepted {
		t.Errorf("scan: got %d", code)
	}
	if want := filepath.Join(e.root.Dir(), "2024"); len(e.scanner.dirs) != 1 || e.scanner.dirs[0] != want {
		t.Errorf("scan dir: got %v, want %s", e.scanner.dirs, want)
	}
	if code := e.do(t, http.MethodPost, "/v1/scan", nil, nil); code != http.StatusAccepted {
		t.Errorf("scan without body: got %d", code)
	}

	e.scanner.err = ingest.ErrScanRunning
	if code := e.do(t, http.MethodPost, "/v1/scan", nil, nil); code != http.StatusConflict {
		t.Errorf("scan while running: got %d", code)
	}
}

func seedTwoPeople(t *testing.T, ledger storage.Ledger) {
	t.Helper()
	ctx := context.Background()
	rng := rand.New(rand.NewSource(11))
	for g, axis := range []int{0, 3} {
		hash := fmt.Sprintf("p%d", g)
		if _, err := ledger.Register(ctx, hash, hash+".jpg"); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		var faces []models.FaceRecord
		for i := 0; i < 5; i++ {
			faces = append(faces, models.FaceRecord{
				ContentHash: hash,
				FaceIndex:   i,
				Embedding:   testsupport.Unit(axis, 0.02, rng),
				ClusterID:   models.UnassignedCluster,
			})
		}
		if _, err := ledger.InsertFaces(ctx, faces); err != nil {
			t.Fatalf("InsertFaces failed: %v", err)
		}
	}
}

func TestIdentityLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	seedTwoPeople(t, e.ledger)

	var res identity.Result
	if code := e.do(t, http.MethodPost, "/v1/clustering/run?wait=true", nil, &res); code != http.StatusOK || res.Clusters != 2 {
		t.Fatalf("clustering: got %d %+v", code, res)
	}
	var idx dto.IndexResponse
	if code := e.do(t, http.MethodGet, "/v1/index", nil, &idx); code != http.StatusOK || idx.Size != 10 {
		t.Errorf("index: got %d %+v", code, idx)
	}

	var list dto.IdentityListResponse
	if code := e.do(t, http.MethodGet, "/v1/identities", nil, &list); code != http.StatusOK || list.Total != 2 {
		t.Fatalf("identities: got %d %+v", code, list)
	}
	first, second := list.Identities[0].ClusterID, list.Identities[1].ClusterID

	var detail dto.IdentityResponse
	if code := e.do(t, http.MethodGet, fmt.Sprintf("/v1/identities/%d?faces=2", first), nil, &detail); code != http.StatusOK {
		t.Fatalf("identity: got %d", code)
	}
	if detail.FaceCount != 5 || len(detail.Faces) != 2 {
		t.Errorf("identity detail: %+v", detail)
	}

	var renamed storage.RenameResult
	if code := e.do(t, http.MethodPost, fmt.Sprintf("/v1/identities/%d/name", first), dto.RenameRequest{Name: "Alice"}, &renamed); code != http.StatusOK || renamed.Merged {
		t.Fatalf("rename: got %d %+v", code, renamed)
	}
	if code := e.do(t, http.MethodPost, fmt.Sprintf("/v1/identities/%d/name", second), dto.RenameRequest{Name: "Alice"}, &renamed); code != http.StatusOK {
		t.Fatalf("merge: got %d", code)
	}
	if !renamed.Merged || renamed.ClusterID != first || renamed.FacesMoved != 5 {
		t.Errorf("merge result: %+v", renamed)
	}
	if code := e.do(t, http.MethodGet, fmt.Sprintf("/v1/identities/%d", second), nil, nil); code != http.StatusNotFound {
		t.Errorf("merged identity should be gone: got %d", code)
	}

	// The merge invalidated the index; the next search sees the new owner.
	m, ok := e.index.Search(context.Background(), testsupport.Unit(3, 0, nil))
	if !ok || m.ClusterID != first {
		t.Errorf("search after merge: %+v ok=%v", m, ok)
	}

	want := []string{queue.EventClusteringFinished, queue.EventIdentityRenamed, queue.EventIdentityRenamed}
	got := e.eventTypes()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("events: got %v, want %v", got, want)
	}
}

func TestIdentityErrors(t *testing.T) {
	e := newEnv(t, nil)
	seedTwoPeople(t, e.ledger)
	if code := e.do(t, http.MethodPost, "/v1/clustering/run?wait=true", nil, nil); code != http.StatusOK {
		t.Fatalf("clustering: got %d", code)
	}
	var list dto.IdentityListResponse
	e.do(t, http.MethodGet, "/v1/identities", nil, &list)
	id := list.Identities[0].ClusterID

	tests := []struct {
		name   string
		target string
		body   any
		want   int
	}{
		{"unknown identity", "/v1/identities/999/name", dto.RenameRequest{Name: "Bob"}, http.StatusNotFound},
		{"blank name", fmt.Sprintf("/v1/identities/%d/name", id), dto.RenameRequest{Name: "   "}, http.StatusBadRequest},
		{"missing name", fmt.Sprintf("/v1/identities/%d/name", id), map[string]string{}, http.StatusBadRequest},
		{"bad id", "/v1/identities/abc/name", dto.RenameRequest{Name: "Bob"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := e.do(t, http.MethodPost, tt.target, tt.body, nil); code != tt.want {
				t.Errorf("got %d, want %d", code, tt.want)
			}
		})
	}
	if code := e.do(t, http.MethodGet, "/v1/identities/999", nil, nil); code != http.StatusNotFound {
		t.Errorf("get unknown: got %d", code)
	}
}

func TestClusteringConflict(t *testing.T) {
	e := newEnv(t, func(cfg *RouterConfig) { cfg.Clusterer = busyClusterer{} })
	if code := e.do(t, http.MethodPost, "/v1/clustering/run", nil, nil); code != http.StatusConflict {
		t.Errorf("got %d, want 409", code)
	}
}
