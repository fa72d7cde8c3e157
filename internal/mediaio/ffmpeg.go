package mediaio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoFrames is returned when ffmpeg produced no decodable frame.
var ErrNoFrames = errors.New("no frames decoded")

// FrameCallback is called for each extracted JPEG frame with its timestamp in seconds.
type FrameCallback func(ts float64, frameData []byte) error

// FFmpeg wraps the ffmpeg and ffprobe binaries for file-based frame access.
type FFmpeg struct {
	Bin      string
	ProbeBin string
	MaxWidth int
}

func NewFFmpeg(bin, probeBin string, maxWidth int) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if probeBin == "" {
		probeBin = "ffprobe"
	}
	return &FFmpeg{Bin: bin, ProbeBin: probeBin, MaxWidth: maxWidth}
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Duration  string `json:"duration"`
	} `json:"streams"`
}

// Duration returns the container duration in seconds. Files without a video
// stream report zero.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ProbeBin,
		"-v", "error",
		"-show_entries", "format=duration:stream=codec_type,duration",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe %s: %w: %s", path, err, strings.TrimSpace(stderr.String()))
	}

	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return 0, fmt.Errorf("parse ffprobe output: %w", err)
	}

	hasVideo := false
	streamDuration := 0.0
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		hasVideo = true
		if d, err := strconv.ParseFloat(s.Duration, 64); err == nil && d > streamDuration {
			streamDuration = d
		}
	}
	if !hasVideo {
		return 0, nil
	}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil && d > 0 {
		return d, nil
	}
	return streamDuration, nil
}

// FrameAt decodes the single frame at ts seconds as JPEG.
func (f *FFmpeg) FrameAt(ctx context.Context, path string, ts float64) ([]byte, error) {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", path,
		"-frames:v", "1",
	}
	args = append(args, f.scaleArgs("")...)
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, f.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg frame at %.3fs: %w: %s", ts, err, strings.TrimSpace(stderr.String()))
	}

	var frame []byte
	err = readJPEGFrames(ctx, bytes.NewReader(out), func(_ float64, data []byte) error {
		if frame == nil {
			frame = data
		}
		return nil
	}, 0)
	if err != nil {
		return nil, err
	}
	return frame, nil
}

// SampleFrames decodes one frame every interval seconds and calls callback for each.
// It blocks until the file is exhausted or the context is cancelled.
func (f *FFmpeg) SampleFrames(ctx context.Context, path string, interval float64, callback FrameCallback) error {
	if interval <= 0 {
		interval = 1
	}
	fps := "fps=1/" + strconv.FormatFloat(interval, 'f', -1, 64)

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
		"-i", path,
	}
	args = append(args, f.scaleArgs(fps)...)
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "3",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, f.Bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Debug("ffmpeg stderr", "path", path, "output", scanner.Text())
		}
	}()

	if err := readJPEGFrames(ctx, stdout, callback, interval); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read frames: %w", err)
	}
	return cmd.Wait()
}

func (f *FFmpeg) scaleArgs(filter string) []string {
	if f.MaxWidth > 0 {
		scale := fmt.Sprintf("scale='min(%d,iw)':-2", f.MaxWidth)
		if filter != "" {
			filter += "," + scale
		} else {
			filter = scale
		}
	}
	if filter == "" {
		return nil
	}
	return []string{"-vf", filter}
}

// SampleInterval picks the frame sampling interval for a clip: sparse for long
// videos, dense for short ones.
func SampleInterval(duration float64) float64 {
	switch {
	case duration > 30:
		return 5
	case duration > 5:
		return 2
	default:
		return 1
	}
}

// readJPEGFrames reads a stream of concatenated JPEG images. Frame timestamps
// are derived from the sampling interval.
func readJPEGFrames(ctx context.Context, r io.Reader, callback FrameCallback, interval float64) error {
	reader := bufio.NewReaderSize(r, 512*1024)
	framesRead := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// JPEG start marker: FF D8
		if err := findJPEGStart(reader); err != nil {
			if err == io.EOF {
				if framesRead > 0 {
					return nil
				}
				return ErrNoFrames
			}
			return err
		}

		frameData, err := readUntilJPEGEnd(reader)
		if err != nil {
			if err == io.EOF && framesRead > 0 {
				return nil
			}
			if err == io.EOF {
				return ErrNoFrames
			}
			return err
		}

		ts := float64(framesRead) * interval
		framesRead++
		if err := callback(ts, frameData); err != nil {
			return err
		}
	}
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		if len(data) > 32*1024*1024 {
			return nil, fmt.Errorf("jpeg frame too large: %d bytes", len(data))
		}
	}
}
