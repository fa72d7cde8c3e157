// Package vision runs local ONNX face detection (SCRFD) and identity
// embedding (ArcFace) over images and sampled video frames.
package vision

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/your-org/mediaflow/internal/config"
	"github.com/your-org/mediaflow/internal/mediaio"
	"github.com/your-org/mediaflow/internal/models"
	"github.com/your-org/mediaflow/internal/observability"
	"github.com/your-org/mediaflow/internal/pipeline"
)

// InitRuntime loads the ONNX Runtime shared library. The returned func tears
// the environment down.
func InitRuntime(libPath string) (func(), error) {
	if libPath == "" {
		libPath = defaultLibrary()
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("init onnx runtime: %w", err)
	}
	return func() { _ = ort.DestroyEnvironment() }, nil
}

func defaultLibrary() string {
	switch runtime.GOOS {
	case "windows":
		return "onnxruntime.dll"
	case "darwin":
		return "libonnxruntime.dylib"
	default:
		return "libonnxruntime.so"
	}
}

// FrameSampler is the video access the detector needs.
type FrameSampler interface {
	Duration(ctx context.Context, path string) (float64, error)
	SampleFrames(ctx context.Context, path string, interval float64, callback mediaio.FrameCallback) error
}

// FaceDetector finds faces and their embeddings in a media file. It
// implements pipeline.Detector without object labels.
type FaceDetector struct {
	mu     sync.Mutex
	det    *scrfd
	emb    *arcface
	frames FrameSampler
	dedup  float32
	log    *slog.Logger
}

func NewFaceDetector(cfg config.DetectorConfig, frames FrameSampler, logger *slog.Logger) (*FaceDetector, error) {
	log := observability.WithComponent(logger, "vision")

	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "w600k_r50.onnx")

	log.Info("loading detection model", "path", detPath)
	det, err := newSCRFD(detPath, float32(cfg.DetectionThreshold), nil)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}
	log.Info("loading embedding model", "path", embPath)
	emb, err := newArcFace(embPath, nil)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	return &FaceDetector{
		det:    det,
		emb:    emb,
		frames: frames,
		dedup:  float32(cfg.DedupThreshold),
		log:    log,
	}, nil
}

func (f *FaceDetector) Detect(ctx context.Context, path string) (*pipeline.Detection, error) {
	kind, err := mediaio.Classify(path)
	if err != nil {
		return nil, err
	}
	out := &pipeline.Detection{Status: "ok", Kind: kind}

	if kind == models.KindImage {
		img, err := imaging.Open(path, imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("open image: %w", err)
		}
		out.Faces, err = f.faces(img)
		return out, err
	}

	if f.frames == nil {
		return nil, fmt.Errorf("video %s: no frame sampler configured", path)
	}
	duration, err := f.frames.Duration(ctx, path)
	if err != nil {
		return nil, err
	}
	err = f.frames.SampleFrames(ctx, path, mediaio.SampleInterval(duration), func(ts float64, data []byte) error {
		img, err := imaging.Decode(bytes.NewReader(data))
		if err != nil {
			f.log.Debug("skip undecodable frame", "path", path, "ts", ts, "error", err)
			return nil
		}
		faces, err := f.faces(img)
		if err != nil {
			return err
		}
		out.Faces = mergeFaces(out.Faces, faces, f.dedup)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// faces detects and embeds every face in img.
func (f *FaceDetector) faces(img image.Image) ([]pipeline.DetectedFace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := time.Now()
	chw, scale := letterbox(img)
	boxes, err := f.det.detect(chw, scale)
	if err != nil {
		return nil, err
	}
	observability.InferenceDuration.WithLabelValues("face_detect").Observe(time.Since(start).Seconds())

	var out []pipeline.DetectedFace
	for _, b := range boxes {
		if b.width() < minFaceSidePixel || b.height() < minFaceSidePixel {
			continue
		}
		crop := cropFace(img, b.BBox)
		if crop == nil {
			continue
		}
		start = time.Now()
		vec, err := f.emb.embed(toCHW(imaging.Resize(crop, arcfaceInput, arcfaceInput, imaging.Linear), 127.5, 127.5))
		if err != nil {
			return nil, err
		}
		observability.InferenceDuration.WithLabelValues("face_embed").Observe(time.Since(start).Seconds())
		out = append(out, pipeline.DetectedFace{Embedding: vec, Score: b.Confidence})
	}
	return out, nil
}

// Close releases both ONNX sessions.
func (f *FaceDetector) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.det.Close()
	f.emb.Close()
}

// mergeFaces appends faces from a new frame, dropping any too similar to a
// face already kept. Only the first sighting of a person in a clip is kept.
func mergeFaces(kept, next []pipeline.DetectedFace, threshold float32) []pipeline.DetectedFace {
outer:
	for _, face := range next {
		for _, k := range kept {
			if cosine(face.Embedding, k.Embedding) > threshold {
				continue outer
			}
		}
		kept = append(kept, face)
	}
	return kept
}

// letterbox scales img into the top-left of a square detector input, keeping
// its aspect ratio. scale maps source pixels to input pixels.
func letterbox(img image.Image) ([]float32, float32) {
	b := img.Bounds()
	scale := min(float32(scrfdInput)/float32(b.Dx()), float32(scrfdInput)/float32(b.Dy()))
	w := max(1, int(float32(b.Dx())*scale))
	h := max(1, int(float32(b.Dy())*scale))
	canvas := imaging.New(scrfdInput, scrfdInput, color.Black)
	canvas = imaging.Paste(canvas, imaging.Resize(img, w, h, imaging.Linear), image.Pt(0, 0))
	return toCHW(canvas, 127.5, 128), scale
}

// toCHW lays out RGB planes as (pixel - mean) / std.
func toCHW(img *image.NRGBA, mean, std float32) []float32 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			out[i] = (float32(row[x*4]) - mean) / std
			out[plane+i] = (float32(row[x*4+1]) - mean) / std
			out[2*plane+i] = (float32(row[x*4+2]) - mean) / std
		}
	}
	return out
}

// cropFace cuts the box out of img with 10% padding on every side.
func cropFace(img image.Image, box [4]float32) *image.NRGBA {
	padW := (box[2] - box[0]) * 0.1
	padH := (box[3] - box[1]) * 0.1
	r := image.Rect(int(box[0]-padW), int(box[1]-padH), int(box[2]+padW), int(box[3]+padH)).
		Add(img.Bounds().Min).
		Intersect(img.Bounds())
	if r.Empty() {
		return nil
	}
	return imaging.Crop(img, r)
}
