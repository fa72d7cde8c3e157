package hashing

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/your-org/mediaflow/internal/models"
)

func testImage(invert bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 96, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 96; x++ {
			v := uint8((x*5 + y*3) % 256)
			if (x/16+y/16)%2 == 0 {
				v = 255 - v
			}
			if invert {
				v = 255 - v
			}
			img.Set(x, y, color.RGBA{R: v, G: v / 2, B: 255 - v, A: 255})
		}
	}
	return img
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func encodePNG(t *testing.T, img image.Image, level png.CompressionLevel) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: level}
	if err := enc.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func encodeJPEG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

// withAPP1 inserts an EXIF-style segment right after the SOI marker, the way
// metadata writers rewrite files in place.
func withAPP1(data []byte, payload string) []byte {
	body := append([]byte("Exif\x00\x00"), []byte(payload)...)
	n := len(body) + 2
	seg := []byte{0xFF, 0xE1, byte(n >> 8), byte(n)}
	seg = append(seg, body...)
	out := append([]byte{}, data[:2]...)
	out = append(out, seg...)
	return append(out, data[2:]...)
}

func TestHashIgnoresEncodingAndMetadata(t *testing.T) {
	dir := t.TempDir()
	h := New(nil)
	ctx := context.Background()

	img := testImage(false)
	fast := writeFile(t, dir, "a.png", encodePNG(t, img, png.BestSpeed))
	best := writeFile(t, dir, "renamed-copy.png", encodePNG(t, img, png.BestCompression))

	fa, err := h.Hash(ctx, fast)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	fb, err := h.Hash(ctx, best)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if fa.Hash != fb.Hash {
		t.Fatalf("identical pixels hashed differently: %s vs %s", fa.Hash, fb.Hash)
	}
	if fa.Kind != models.KindImage {
		t.Fatalf("expected image kind, got %q", fa.Kind)
	}

	raw := encodeJPEG(t, img)
	plain := writeFile(t, dir, "x.jpg", raw)
	tagged := writeFile(t, dir, "x-tagged.jpg", withAPP1(raw, "A dog in a yard. dog, yard"))
	fp, err := h.Hash(ctx, plain)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	ft, err := h.Hash(ctx, tagged)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if fp.Hash != ft.Hash {
		t.Fatalf("metadata rewrite changed hash: %s vs %s", fp.Hash, ft.Hash)
	}

	other := writeFile(t, dir, "other.png", encodePNG(t, testImage(true), png.DefaultCompression))
	fo, err := h.Hash(ctx, other)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if fo.Hash == fa.Hash {
		t.Fatalf("different content produced the same hash %s", fo.Hash)
	}
}

func TestHashErrors(t *testing.T) {
	dir := t.TempDir()
	h := New(nil)
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty.jpg", nil},
		{"garbage.jpg", []byte("this is not an image at all")},
		{"truncated.png", encodePNG(t, testImage(false), png.DefaultCompression)[:40]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name, tt.data)
			_, err := h.Hash(ctx, path)
			if !IsHashError(err) {
				t.Fatalf("expected HashError, got %v", err)
			}
		})
	}
}

func TestHashMissingFileIsNotTerminal(t *testing.T) {
	_, err := New(nil).Hash(context.Background(), filepath.Join(t.TempDir(), "gone.jpg"))
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if IsHashError(err) {
		t.Fatalf("missing file must not be a HashError: %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected not-exist error, got %v", err)
	}
}

type fakeFrames struct {
	duration float64
	frame    []byte
	askedAt  float64
}

func (f *fakeFrames) Duration(context.Context, string) (float64, error) {
	return f.duration, nil
}

func (f *fakeFrames) FrameAt(_ context.Context, _ string, ts float64) ([]byte, error) {
	f.askedAt = ts
	return f.frame, nil
}

// mp4Header is enough of an ISO BMFF ftyp box for content sniffing.
var mp4Header = []byte{0x00, 0x00, 0x00, 0x18, 'f', 't', 'y', 'p', 'i', 's', 'o', 'm', 0x00, 0x00, 0x02, 0x00, 'i', 's', 'o', 'm', 'm', 'p', '4', '1'}

func TestHashVideoUsesMidpointFrame(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	img := testImage(false)
	frame := encodeJPEG(t, img)

	frames := &fakeFrames{duration: 12, frame: frame}
	video := writeFile(t, dir, "clip.mp4", mp4Header)
	fv, err := New(frames).Hash(ctx, video)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if frames.askedAt != 6 {
		t.Fatalf("expected midpoint 6s, got %v", frames.askedAt)
	}
	if fv.Kind != models.KindVideo {
		t.Fatalf("expected video kind, got %q", fv.Kind)
	}

	still := writeFile(t, dir, "still.jpg", frame)
	fs, err := New(nil).Hash(ctx, still)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if fs.Hash != fv.Hash {
		t.Fatalf("video frame and identical still hashed differently")
	}
}

func TestHashZeroDurationVideo(t *testing.T) {
	video := writeFile(t, t.TempDir(), "zero.mp4", mp4Header)
	_, err := New(&fakeFrames{duration: 0}).Hash(context.Background(), video)
	if !IsHashError(err) {
		t.Fatalf("expected HashError, got %v", err)
	}
}
