package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
database:
  driver: sqlite
  sqlite_path: /tmp/ledger.db
queue:
  backend: memory
  pools: [detection]
identity:
  threshold: 0.65
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MF_CONTENT_ROOT", "/srv/photos")
	t.Setenv("MF_POOLS", "caption, ledger")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Database.Driver != "sqlite" {
		t.Fatalf("expected sqlite driver, got %q", cfg.Database.Driver)
	}
	if cfg.Identity.Threshold != 0.65 {
		t.Fatalf("expected threshold 0.65, got %v", cfg.Identity.Threshold)
	}
	if cfg.Content.Root != "/srv/photos" {
		t.Fatalf("expected env content root, got %q", cfg.Content.Root)
	}
	if len(cfg.Queue.Pools) != 2 || cfg.Queue.Pools[0] != "caption" || cfg.Queue.Pools[1] != "ledger" {
		t.Fatalf("unexpected pools %v", cfg.Queue.Pools)
	}
	if cfg.Pipeline.FallbackKeyword != "needs_review" {
		t.Fatalf("expected fallback keyword default, got %q", cfg.Pipeline.FallbackKeyword)
	}
	if cfg.Pipeline.StaleAfter != 30*time.Minute {
		t.Fatalf("unexpected stale window %v", cfg.Pipeline.StaleAfter)
	}
	if cfg.Clustering.Eps != 0.45 || cfg.Clustering.MinSamples != 3 {
		t.Fatalf("unexpected clustering defaults eps=%v min=%d", cfg.Clustering.Eps, cfg.Clustering.MinSamples)
	}
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"database", func(c *Config) { c.Database.Driver = "mysql" }},
		{"queue", func(c *Config) { c.Queue.Backend = "kafka" }},
		{"cache", func(c *Config) { c.Identity.CacheBackend = "s3" }},
		{"clustering", func(c *Config) { c.Clustering.Method = "hdbscan" }},
		{"threshold", func(c *Config) { c.Identity.Threshold = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			SetDefaults(cfg)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestQueueForPool(t *testing.T) {
	q := QueueConfig{PoolQueues: map[string]string{"heavy-caption": "caption"}}
	if got := q.QueueForPool("heavy-caption"); got != "caption" {
		t.Fatalf("expected caption, got %q", got)
	}
	if got := q.QueueForPool("detection"); got != "detection" {
		t.Fatalf("expected detection, got %q", got)
	}
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{Host: "db", Port: 5432, Name: "mf", User: "u", Password: "p"}
	if got := d.DSN(); got != "postgres://u:p@db:5432/mf?sslmode=disable" {
		t.Fatalf("assembled dsn: got %q", got)
	}
	d.URL = "postgres://other/mf"
	if got := d.DSN(); got != d.URL {
		t.Fatalf("url should win, got %q", got)
	}
}
