// Package metadata embeds narratives and keywords into media files with
// exiftool.
package metadata

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/pipeline"
)

var commandContext = exec.CommandContext

// searchKeywords is how many keywords lead the indexed description.
const searchKeywords = 5

type ExifTool struct {
	bin     string
	timeout time.Duration
	dryRun  bool
	log     *slog.Logger
}

func NewExifTool(cfg config.MetadataConfig, logger *slog.Logger) *ExifTool {
	bin := cfg.ExiftoolPath
	if bin == "" {
		bin = "exiftool"
	}
	return &ExifTool{
		bin:     bin,
		timeout: cfg.Timeout,
		dryRun:  cfg.DryRun,
		log:     observability.WithComponent(logger, "metadata"),
	}
}

// Args builds the exiftool invocation. The full narrative goes to
// IPTC:UsageTerms; the description fields lead with the top keywords so
// photo library search indexes them first. Subjects are cleared before being
// re-added, so repeating a write leaves the file unchanged.
func Args(path, narrative string, keywords []string) []string {
	top := keywords[:min(len(keywords), searchKeywords)]
	description := strings.Join(top, ", ")
	if narrative != "" {
		if description != "" {
			description += ". "
		}
		description += narrative
	}

	args := []string{
		"-overwrite_original",
		"-P",
		"-m",
		"-charset", "iptc=UTF8",
		"-IPTC:UsageTerms=" + narrative,
		"-XMP-dc:Description=" + description,
		"-IPTC:Caption-Abstract=" + description,
		"-XMP-dc:Subject=",
	}
	for _, kw := range keywords {
		args = append(args, "-XMP-dc:Subject+="+kw)
	}
	return append(args, "--", path)
}

func (e *ExifTool) Write(ctx context.Context, path, narrative string, keywords []string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	args := Args(path, narrative, keywords)
	if e.dryRun {
		e.log.Info("dry run: metadata not written", "path", path, "keywords", keywords)
		return nil
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	start := time.Now()
	cmd := commandContext(ctx, e.bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// The target was just stat'ed, so a missing file here is the binary.
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("exiftool: %w: %w", pipeline.ErrUnavailable, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("exiftool %s: %w: %w", path, pipeline.ErrUnavailable, ctx.Err())
		}
		return fmt.Errorf("exiftool %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}
	observability.InferenceDuration.WithLabelValues("metadata_write").Observe(time.Since(start).Seconds())
	e.log.Debug("metadata written", "path", path, "keywords", len(keywords), "narrative_len", len(narrative))
	return nil
}

// Check verifies the exiftool binary runs.
func (e *ExifTool) Check(ctx context.Context) error {
	out, err := commandContext(ctx, e.bin, "-ver").Output()
	if err != nil {
		return fmt.Errorf("exiftool not available: %w", err)
	}
	e.log.Debug("exiftool found", "version", strings.TrimSpace(string(out)))
	return nil
}
