package vision

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/disintegration/imaging"

	"github.com/your-org/mediaflow/internal/pipeline"
)

func TestIoU(t *testing.T) {
	tests := []struct {
		name string
		a, b [4]float32
		want float32
	}{
		{"identical", [4]float32{0, 0, 10, 10}, [4]float32{0, 0, 10, 10}, 1},
		{"disjoint", [4]float32{0, 0, 10, 10}, [4]float32{20, 20, 30, 30}, 0},
		{"touching", [4]float32{0, 0, 10, 10}, [4]float32{10, 0, 20, 10}, 0},
		{"half overlap", [4]float32{0, 0, 10, 10}, [4]float32{5, 0, 15, 10}, 50.0 / 150.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := iou(tt.a, tt.b); math.Abs(float64(got-tt.want)) > 1e-6 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNMSKeepsMostConfident(t *testing.T) {
	boxes := []faceBox{
		{BBox: [4]float32{0, 0, 10, 10}, Confidence: 0.6},
		{BBox: [4]float32{1, 1, 11, 11}, Confidence: 0.9},
		{BBox: [4]float32{50, 50, 60, 60}, Confidence: 0.7},
	}
	kept := nms(boxes, nmsIoUThreshold)
	if len(kept) != 2 {
		t.Fatalf("kept %d boxes, want 2", len(kept))
	}
	if kept[0].Confidence != 0.9 || kept[1].Confidence != 0.7 {
		t.Errorf("unexpected survivors: %+v", kept)
	}
}

func TestDecodeStride(t *testing.T) {
	const stride = 32
	cells := scrfdInput / stride
	n := cells * cells * anchorsPerCell
	scores := make([]float32, n)
	boxes := make([]float32, n*4)
	landmarks := make([]float32, n*10)

	// Second anchor of the cell at column 3, row 2.
	idx := (2*cells+3)*anchorsPerCell + 1
	scores[idx] = 0.8
	copy(boxes[idx*4:], []float32{1, 1, 1, 1})

	got := decodeStride(nil, stride, scores, boxes, landmarks, 0.5, 2)
	if len(got) != 1 {
		t.Fatalf("decoded %d boxes, want 1", len(got))
	}
	// Anchor (96, 64) in input pixels, +-32, halved back to source pixels.
	want := [4]float32{32, 16, 64, 48}
	if got[0].BBox != want {
		t.Errorf("box: got %v, want %v", got[0].BBox, want)
	}
	if got[0].Landmarks[0] != [2]float32{48, 32} {
		t.Errorf("landmark: got %v", got[0].Landmarks[0])
	}
}

func TestLetterboxScale(t *testing.T) {
	img := imaging.New(1280, 640, color.White)
	chw, scale := letterbox(img)
	if scale != 0.5 {
		t.Fatalf("scale: got %v, want 0.5", scale)
	}
	if len(chw) != 3*scrfdInput*scrfdInput {
		t.Fatalf("tensor size: %d", len(chw))
	}
	plane := scrfdInput * scrfdInput
	white := (255 - 127.5) / 128
	black := (0 - 127.5) / 128
	if got := chw[10*scrfdInput+10]; math.Abs(float64(got)-white) > 1e-3 {
		t.Errorf("image area: got %v, want %v", got, white)
	}
	if got := chw[plane+(600*scrfdInput)+10]; math.Abs(float64(got)-black) > 1e-3 {
		t.Errorf("padding area: got %v, want %v", got, black)
	}
}

func TestToCHWPlanes(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.Set(0, 0, color.NRGBA{R: 255, A: 255})
	img.Set(1, 0, color.NRGBA{B: 255, A: 255})
	got := toCHW(img, 0, 255)
	want := []float32{1, 0, 0, 0, 0, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestCropFace(t *testing.T) {
	img := imaging.New(100, 100, color.White)
	crop := cropFace(img, [4]float32{10, 10, 60, 60})
	if crop == nil || crop.Bounds().Dx() != 60 || crop.Bounds().Dy() != 60 {
		t.Fatalf("padded crop: %v", crop.Bounds())
	}
	edge := cropFace(img, [4]float32{80, 80, 120, 120})
	if edge == nil || edge.Bounds().Dx() != 24 {
		t.Fatalf("clamped crop: %v", edge)
	}
	if cropFace(img, [4]float32{200, 200, 220, 220}) != nil {
		t.Error("crop outside image should be nil")
	}
}

func TestMergeFacesDropsRepeats(t *testing.T) {
	a := []float32{1, 0, 0}
	b := []float32{0, 1, 0}
	nearA := []float32{0.96, 0.28, 0}
	kept := mergeFaces(nil, []pipeline.DetectedFace{{Embedding: a}}, 0.6)
	kept = mergeFaces(kept, []pipeline.DetectedFace{{Embedding: nearA}, {Embedding: b}}, 0.6)
	if len(kept) != 2 {
		t.Fatalf("kept %d faces, want 2", len(kept))
	}
	if kept[1].Embedding[1] != 1 {
		t.Errorf("wrong face kept: %v", kept[1].Embedding)
	}
}
