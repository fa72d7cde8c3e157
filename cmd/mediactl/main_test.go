package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "media")
	if err := os.MkdirAll(root, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	cfg := fmt.Sprintf(`database:
  driver: sqlite
  sqlite_path: %s
queue:
  backend: memory
content:
  root: %s
identity:
  cache_backend: none
clustering:
  lock_file: %s
`, filepath.Join(dir, "ledger.db"), root, filepath.Join(dir, "clustering.lock"))
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStatsOnEmptyLedger(t *testing.T) {
	cfg := writeConfig(t)
	out, err := run(t, "--config", cfg, "stats")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if !strings.Contains(out, "Media") || !strings.Contains(out, "Identities") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestIdentityCommandsOnEmptyLedger(t *testing.T) {
	cfg := writeConfig(t)
	if _, err := run(t, "--config", cfg, "identities"); err != nil {
		t.Fatalf("identities failed: %v", err)
	}
	if _, err := run(t, "--config", cfg, "rename", "7", "Alice"); err == nil {
		t.Error("renaming an unknown identity should fail")
	}
	out, err := run(t, "--config", cfg, "cluster")
	if err != nil {
		t.Fatalf("cluster failed: %v", err)
	}
	if !strings.Contains(out, "Clustered 0 faces") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestMissingConfigFails(t *testing.T) {
	if _, err := run(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "stats"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]column{textCol("Name"), numCol("Faces")}, [][]string{{"Alice", "12"}, {"Unknown"}, {"Bob", "3", "extra"}})
	for _, want := range []string{"Name", "Faces", "Alice", "12", "Unknown", "Bob"} {
		if !strings.Contains(out, want) {
			t.Errorf("table missing %q:\n%s", want, out)
		}
	}
	for _, bad := range []string{"<nil>", "extra", "NAME"} {
		if strings.Contains(out, bad) {
			t.Errorf("table should not contain %q:\n%s", bad, out)
		}
	}
	if renderTable(nil, nil) != "" {
		t.Error("no columns should render nothing")
	}
}
