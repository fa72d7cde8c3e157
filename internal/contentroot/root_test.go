package contentroot

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestRelAbsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	root, err := New(dir)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	local := filepath.Join(dir, "2024", "trip", "IMG_0001.jpg")
	rel, err := root.Rel(local)
	if err != nil {
		t.Fatalf("Rel failed: %v", err)
	}
	if rel != "2024/trip/IMG_0001.jpg" {
		t.Fatalf("unexpected rel path %q", rel)
	}

	other, err := New(filepath.Join(t.TempDir(), "mnt"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	abs, err := other.Abs(rel)
	if err != nil {
		t.Fatalf("Abs failed: %v", err)
	}
	if abs != filepath.Join(other.Dir(), "2024", "trip", "IMG_0001.jpg") {
		t.Fatalf("unexpected abs path %q", abs)
	}
}

func TestRelRejectsOutsideRoot(t *testing.T) {
	root, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, err := root.Rel(filepath.Join(root.Dir(), "..", "elsewhere.jpg")); !errors.Is(err, ErrOutsideRoot) {
		t.Fatalf("expected ErrOutsideRoot, got %v", err)
	}
}

func TestAbsCannotEscape(t *testing.T) {
	root, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	abs, err := root.Abs("../../etc/passwd")
	if err != nil {
		t.Fatalf("Abs failed: %v", err)
	}
	if abs != filepath.Join(root.Dir(), "etc", "passwd") {
		t.Fatalf("path escaped root: %q", abs)
	}
}
