// Package contentroot maps between absolute paths on this node and the
// root-relative paths stored in the ledger.
package contentroot

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

var ErrOutsideRoot = errors.New("path outside content root")

type Root struct {
	dir string
}

func New(dir string) (*Root, error) {
	if dir == "" {
		return nil, errors.New("content root not configured")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve content root: %w", err)
	}
	return &Root{dir: filepath.Clean(abs)}, nil
}

func (r *Root) Dir() string {
	return r.dir
}

// Rel converts a local path to the slash-separated form stored in the ledger.
func (r *Root) Rel(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	rel, err := filepath.Rel(r.dir, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, p)
	}
	return filepath.ToSlash(rel), nil
}

// Abs resolves a stored relative path against this node's mount.
func (r *Root) Abs(rel string) (string, error) {
	clean := path.Clean("/" + rel)
	if clean == "/" {
		return "", fmt.Errorf("%w: empty path", ErrOutsideRoot)
	}
	return filepath.Join(r.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
