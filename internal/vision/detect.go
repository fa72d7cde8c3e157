package vision

import (
	"cmp"
	"fmt"
	"slices"

	ort "github.com/yalue/onnxruntime_go"
)

// faceBox is one face found by SCRFD, in source image pixels.
type faceBox struct {
	BBox       [4]float32 // x1, y1, x2, y2
	Confidence float32
	Landmarks  [5][2]float32
}

func (b faceBox) width() float32  { return b.BBox[2] - b.BBox[0] }
func (b faceBox) height() float32 { return b.BBox[3] - b.BBox[1] }

const (
	scrfdInput       = 640
	anchorsPerCell   = 2
	nmsIoUThreshold  = 0.4
	minFaceSidePixel = 20
)

var scrfdStrides = [3]int{8, 16, 32}

// det_10g output names, grouped as scores, boxes and landmarks per stride.
var scrfdOutputs = [3][3]string{
	{"448", "471", "494"},
	{"451", "474", "497"},
	{"454", "477", "500"},
}

// scrfd runs the det_10g face detector. Not safe for concurrent use.
type scrfd struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	scores    [3]*ort.Tensor[float32]
	boxes     [3]*ort.Tensor[float32]
	landmarks [3]*ort.Tensor[float32]
	threshold float32
}

func newSCRFD(modelPath string, threshold float32, opts *ort.SessionOptions) (*scrfd, error) {
	d := &scrfd{threshold: threshold}
	var err error
	d.input, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, scrfdInput, scrfdInput))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	var names []string
	var outputs []ort.Value
	groups := [3]*[3]*ort.Tensor[float32]{&d.scores, &d.boxes, &d.landmarks}
	widths := [3]int64{1, 4, 10}
	for g, group := range groups {
		for s, stride := range scrfdStrides {
			cells := int64(scrfdInput/stride) * int64(scrfdInput/stride) * anchorsPerCell
			t, err := ort.NewEmptyTensor[float32](ort.NewShape(cells, widths[g]))
			if err != nil {
				d.Close()
				return nil, fmt.Errorf("create output tensor %s: %w", scrfdOutputs[g][s], err)
			}
			group[s] = t
			names = append(names, scrfdOutputs[g][s])
			outputs = append(outputs, t)
		}
	}

	d.session, err = ort.NewAdvancedSession(modelPath,
		[]string{"input.1"}, names,
		[]ort.Value{d.input}, outputs, opts)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("create detector session: %w", err)
	}
	return d, nil
}

// detect runs the model on a CHW tensor of the letterboxed image and maps
// boxes back by scale.
func (d *scrfd) detect(chw []float32, scale float32) ([]faceBox, error) {
	copy(d.input.GetData(), chw)
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run detection: %w", err)
	}
	var found []faceBox
	for s, stride := range scrfdStrides {
		found = decodeStride(found, stride, d.scores[s].GetData(), d.boxes[s].GetData(),
			d.landmarks[s].GetData(), d.threshold, scale)
	}
	return nms(found, nmsIoUThreshold), nil
}

// decodeStride turns anchor-relative distances at one stride into boxes.
func decodeStride(dst []faceBox, stride int, scores, boxes, landmarks []float32, threshold, scale float32) []faceBox {
	cells := scrfdInput / stride
	st := float32(stride)
	for idx, score := range scores {
		if score < threshold {
			continue
		}
		cell := idx / anchorsPerCell
		ax := float32(cell%cells) * st
		ay := float32(cell/cells) * st

		b := faceBox{Confidence: score}
		b.BBox = [4]float32{
			(ax - boxes[idx*4]*st) / scale,
			(ay - boxes[idx*4+1]*st) / scale,
			(ax + boxes[idx*4+2]*st) / scale,
			(ay + boxes[idx*4+3]*st) / scale,
		}
		for l := range b.Landmarks {
			b.Landmarks[l] = [2]float32{
				(ax + landmarks[idx*10+l*2]*st) / scale,
				(ay + landmarks[idx*10+l*2+1]*st) / scale,
			}
		}
		dst = append(dst, b)
	}
	return dst
}

func (d *scrfd) Close() {
	if d.session != nil {
		d.session.Destroy()
	}
	if d.input != nil {
		d.input.Destroy()
	}
	for _, group := range [][3]*ort.Tensor[float32]{d.scores, d.boxes, d.landmarks} {
		for _, t := range group {
			if t != nil {
				t.Destroy()
			}
		}
	}
}

// nms keeps the most confident box of every overlapping group.
func nms(boxes []faceBox, threshold float32) []faceBox {
	slices.SortFunc(boxes, func(a, b faceBox) int {
		return cmp.Compare(b.Confidence, a.Confidence)
	})
	var kept []faceBox
next:
	for _, b := range boxes {
		for _, k := range kept {
			if iou(b.BBox, k.BBox) > threshold {
				continue next
			}
		}
		kept = append(kept, b)
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	w := min(a[2], b[2]) - max(a[0], b[0])
	h := min(a[3], b[3]) - max(a[1], b[1])
	if w <= 0 || h <= 0 {
		return 0
	}
	inter := w * h
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
