package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/your-org/mediaflow/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLitePath = filepath.Join(dir, "ledger.db")
	cfg.Queue.Backend = "memory"
	cfg.Content.Root = dir
	cfg.Identity.CacheBackend = "none"
	cfg.Clustering.LockFile = filepath.Join(dir, "clustering.lock")
	// Neither the runtime nor the models exist here, so building the local
	// detector would fail.
	cfg.Detector.Backend = "onnx"
	cfg.Detector.ONNXLibrary = filepath.Join(dir, "no-such-onnxruntime.so")
	cfg.Detector.ModelsDir = filepath.Join(dir, "models")
	cfg.Captioner.URL = "http://127.0.0.1:1"
	cfg.Metadata.ExiftoolPath = filepath.Join(dir, "no-such-exiftool")
	config.SetDefaults(cfg)
	return cfg
}

func TestNewBuildsOnlyWhatPoolsNeed(t *testing.T) {
	tests := []struct {
		name     string
		pools    []string
		routes   map[string]string
		detector string
		detect   bool
		caption  bool
		writer   bool
	}{
		{name: "api process", pools: nil},
		{name: "caption pool skips local detector", pools: []string{"caption"}, caption: true},
		{name: "detection pool", pools: []string{"detection"}, detector: "http", detect: true},
		{name: "harvest pool", pools: []string{"harvest"}, detector: "http", detect: true},
		{name: "ledger pool", pools: []string{"ledger"}, writer: true},
		{name: "rerouted caption", pools: []string{"gpu"}, routes: map[string]string{"caption": "gpu"}, caption: true},
		{name: "all pools", pools: []string{"detection", "caption", "harvest", "ledger"}, detector: "http", detect: true, caption: true, writer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Queue.Routes = tt.routes
			if tt.detector != "" {
				cfg.Detector.Backend = tt.detector
				cfg.Detector.URL = "http://127.0.0.1:1"
			}

			a, err := New(context.Background(), cfg, nil, Options{Pools: tt.pools})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer a.Close()

			c := a.Coordinator
			if got := c.Detector != nil; got != tt.detect {
				t.Errorf("detector built: got %v, want %v", got, tt.detect)
			}
			if got := c.Captioner != nil; got != tt.caption {
				t.Errorf("captioner built: got %v, want %v", got, tt.caption)
			}
			if got := c.Writer != nil; got != tt.writer {
				t.Errorf("metadata writer built: got %v, want %v", got, tt.writer)
			}
			if _, ok := a.Checks["captioner"]; ok != tt.caption {
				t.Errorf("captioner readiness check registered: %v", ok)
			}
			if _, ok := a.Checks["sqlite"]; !ok {
				t.Error("ledger readiness check missing")
			}
		})
	}
}

func TestNewFailsWhenPoolNeedsMissingDetector(t *testing.T) {
	cfg := testConfig(t)
	cfg.Detector.Backend = "http"
	cfg.Detector.URL = ""
	if _, err := New(context.Background(), cfg, nil, Options{Pools: []string{"detection"}}); err == nil {
		t.Fatal("expected error for detection pool without a detector url")
	}
}
