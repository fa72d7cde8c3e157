// Package ingest walks the content root and feeds media files into the
// pipeline.
package ingest

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/contentroot"
	"github.com/your-org/mediaflow/internal/hashing"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/pipeline"
)

// ErrScanRunning is returned when a scan is already walking the root.
var ErrScanRunning = errors.New("scan already running")

type Ingester interface {
	Ingest(ctx context.Context, absPath string) (pipeline.IngestResult, error)
}

type PathLookup interface {
	FindByPath(ctx context.Context, sourcePath string) (*models.MediaRecord, error)
}

type Stats struct {
	Seen     int                            `json:"seen"`
	Known    int                            `json:"known"`
	Failed   int                            `json:"failed"`
	Outcomes map[pipeline.IngestOutcome]int `json:"outcomes"`
	Duration time.Duration                  `json:"duration"`
}

// Scanner finds supported files under the content root. Files whose path is
// already recorded and that have not been modified since are skipped without
// hashing.
type Scanner struct {
	root     *contentroot.Root
	lookup   PathLookup
	ingester Ingester
	exts     map[string]bool
	skip     map[string]bool
	log      *slog.Logger

	running sync.Mutex
}

func NewScanner(root *contentroot.Root, lookup PathLookup, ingester Ingester, cfg config.ContentConfig, logger *slog.Logger) *Scanner {
	s := &Scanner{
		root:     root,
		lookup:   lookup,
		ingester: ingester,
		exts:     make(map[string]bool),
		skip:     make(map[string]bool),
		log:      observability.WithComponent(logger, "scanner"),
	}
	for _, ext := range append(append([]string{}, cfg.ImageExts...), cfg.VideoExts...) {
		s.exts[strings.ToLower(ext)] = true
	}
	for _, dir := range cfg.SkipDirs {
		s.skip[dir] = true
	}
	return s
}

// Files lists supported files under dir, or under the whole root when dir is
// empty.
func (s *Scanner) Files(ctx context.Context, dir string) ([]string, error) {
	start, err := s.start(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	err = filepath.WalkDir(start, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			s.log.Warn("walk error", "path", p, "error", err)
			if d != nil && d.IsDir() && p != start {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := d.Name()
		if d.IsDir() {
			if p != start && (s.skip[name] || strings.HasPrefix(name, ".")) {
				return fs.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && !strings.HasPrefix(name, "._") && s.exts[strings.ToLower(filepath.Ext(name))] {
			files = append(files, p)
		}
		return nil
	})
	return files, err
}

func (s *Scanner) start(dir string) (string, error) {
	if dir == "" {
		return s.root.Dir(), nil
	}
	if _, err := s.root.Rel(dir); err != nil {
		return "", err
	}
	return filepath.Abs(dir)
}

// Scan ingests every new or changed file under dir. progress, when set, is
// called once per file.
func (s *Scanner) Scan(ctx context.Context, dir string, progress func(path string)) (Stats, error) {
	if !s.running.TryLock() {
		return Stats{}, ErrScanRunning
	}
	defer s.running.Unlock()
	return s.scan(ctx, dir, progress)
}

// Start claims the scanner and walks dir in the background. done, when set,
// receives the result.
func (s *Scanner) Start(ctx context.Context, dir string, done func(Stats, error)) error {
	if _, err := s.start(dir); err != nil {
		return err
	}
	if !s.running.TryLock() {
		return ErrScanRunning
	}
	go func() {
		defer s.running.Unlock()
		stats, err := s.scan(ctx, dir, nil)
		if err != nil {
			s.log.Error("background scan failed", "dir", dir, "error", err)
		}
		if done != nil {
			done(stats, err)
		}
	}()
	return nil
}

func (s *Scanner) scan(ctx context.Context, dir string, progress func(path string)) (Stats, error) {
	started := time.Now()
	stats := Stats{Outcomes: make(map[pipeline.IngestOutcome]int)}
	files, err := s.Files(ctx, dir)
	if err != nil {
		return stats, err
	}
	for _, p := range files {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Seen++
		s.one(ctx, p, &stats)
		if progress != nil {
			progress(p)
		}
	}
	stats.Duration = time.Since(started)
	s.log.Info("scan finished", "dir", dir, "seen", stats.Seen, "known", stats.Known,
		"failed", stats.Failed, "new", stats.Outcomes[pipeline.IngestNew], "duration", stats.Duration)
	return stats, nil
}

func (s *Scanner) one(ctx context.Context, p string, stats *Stats) {
	known, err := s.unchanged(ctx, p)
	if err != nil {
		s.log.Warn("path lookup failed", "path", p, "error", err)
	}
	if known {
		stats.Known++
		return
	}
	res, err := s.ingester.Ingest(ctx, p)
	if err != nil {
		if hashing.IsHashError(err) {
			stats.Outcomes[pipeline.IngestInvalid]++
			return
		}
		stats.Failed++
		s.log.Error("ingest failed", "path", p, "error", err)
		return
	}
	stats.Outcomes[res.Outcome]++
}

// unchanged reports whether the ledger already holds p and the file has not
// been modified since the record was last written.
func (s *Scanner) unchanged(ctx context.Context, p string) (bool, error) {
	rel, err := s.root.Rel(p)
	if err != nil {
		return false, err
	}
	rec, err := s.lookup.FindByPath(ctx, rel)
	if err != nil || rec == nil || rec.Status == models.StatusSkipped {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return false, err
	}
	return !info.ModTime().After(rec.LastUpdated), nil
}

// Run scans the whole root every interval until ctx is cancelled.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	scan := func() {
		if _, err := s.Scan(ctx, "", nil); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("scan failed", "error", err)
		}
	}
	scan()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scan()
		}
	}
}
