// Package hashing computes content fingerprints that survive metadata rewrites.
package hashing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"os/exec"
	"strings"

	"github.com/corona10/goimagehash"
	"github.com/disintegration/imaging"

	"github.com/your-org/mediaflow/internal/mediaio"
	"github.com/your-org/mediaflow/internal/models"
)

// HashError marks a file that can never be fingerprinted. Callers treat it as a
// terminal per-file failure.
type HashError struct {
	Path   string
	Reason string
	Err    error
}

func (e *HashError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hash %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("hash %s: %s", e.Path, e.Reason)
}

func (e *HashError) Unwrap() error {
	return e.Err
}

// IsHashError reports whether err is a terminal fingerprinting failure.
func IsHashError(err error) bool {
	var he *HashError
	return errors.As(err, &he)
}

// FrameSource gives access to decoded video frames.
type FrameSource interface {
	Duration(ctx context.Context, path string) (float64, error)
	FrameAt(ctx context.Context, path string, ts float64) ([]byte, error)
}

type Fingerprint struct {
	Hash string
	Kind models.MediaKind
}

type Hasher struct {
	frames FrameSource
}

func New(frames FrameSource) *Hasher {
	return &Hasher{frames: frames}
}

// Hash fingerprints the decoded visual content of path. Images hash their pixels;
// videos hash the frame at the temporal midpoint.
func (h *Hasher) Hash(ctx context.Context, path string) (Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return Fingerprint{}, &HashError{Path: path, Reason: "is a directory"}
	}
	if info.Size() == 0 {
		return Fingerprint{}, &HashError{Path: path, Reason: "empty file"}
	}

	kind, err := mediaio.Classify(path)
	if err != nil {
		return Fingerprint{}, err
	}

	var img image.Image
	switch kind {
	case models.KindVideo:
		img, err = h.midFrame(ctx, path)
	default:
		img, err = mediaio.DecodeImage(path)
		if err != nil {
			err = &HashError{Path: path, Reason: "undecodable image", Err: err}
		}
	}
	if err != nil {
		return Fingerprint{}, err
	}

	sum, err := Image(img)
	if err != nil {
		return Fingerprint{}, &HashError{Path: path, Reason: "perceptual hash", Err: err}
	}
	return Fingerprint{Hash: sum, Kind: kind}, nil
}

func (h *Hasher) midFrame(ctx context.Context, path string) (image.Image, error) {
	if h.frames == nil {
		return nil, errors.New("no frame source configured for video")
	}
	duration, err := h.frames.Duration(ctx, path)
	if err != nil {
		if isInfraError(ctx, err) {
			return nil, err
		}
		return nil, &HashError{Path: path, Reason: "unreadable video", Err: err}
	}
	if duration <= 0 {
		return nil, &HashError{Path: path, Reason: "zero-duration video"}
	}

	frame, err := h.frames.FrameAt(ctx, path, duration/2)
	if err != nil {
		if isInfraError(ctx, err) {
			return nil, err
		}
		return nil, &HashError{Path: path, Reason: "undecodable video frame", Err: err}
	}
	img, err := imaging.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, &HashError{Path: path, Reason: "undecodable video frame", Err: err}
	}
	return img, nil
}

// Image returns the hex perceptual hash of an already decoded image.
func Image(img image.Image) (string, error) {
	ph, err := goimagehash.ExtPerceptionHash(img, 16, 16)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, word := range ph.GetHash() {
		fmt.Fprintf(&b, "%016x", word)
	}
	return b.String(), nil
}

func isInfraError(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, exec.ErrNotFound)
}
