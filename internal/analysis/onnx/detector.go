package onnx

import (
	"fmt"
	"image"
	"sort"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"
)

// UltraFace RFB-320 defaults.
const (
	detectorWidth   = 320
	detectorHeight  = 240
	detectorAnchors = 4420
	nmsIoU          = 0.3
)

type candidate struct {
	box   image.Rectangle
	score float32
}

// detector finds face boxes with an UltraFace-style model: scores 1xNx2
// (background, face) and boxes 1xNx4 as normalized corners.
type detector struct {
	session   *ort.AdvancedSession
	input     *ort.Tensor[float32]
	scores    *ort.Tensor[float32]
	boxes     *ort.Tensor[float32]
	threshold float32
	maxFaces  int
}

func newDetector(modelPath string, threshold float32, maxFaces int) (*detector, error) {
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, detectorHeight, detectorWidth))
	if err != nil {
		return nil, fmt.Errorf("failed to create detector input tensor: %w", err)
	}
	scores, err := ort.NewEmptyTensor[float32](ort.NewShape(1, detectorAnchors, 2))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create detector scores tensor: %w", err)
	}
	boxes, err := ort.NewEmptyTensor[float32](ort.NewShape(1, detectorAnchors, 4))
	if err != nil {
		input.Destroy()
		scores.Destroy()
		return nil, fmt.Errorf("failed to create detector boxes tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"input"}, []string{"scores", "boxes"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{scores, boxes},
		nil)
	if err != nil {
		input.Destroy()
		scores.Destroy()
		boxes.Destroy()
		return nil, fmt.Errorf("failed to create detector session: %w", err)
	}

	return &detector{
		session:   session,
		input:     input,
		scores:    scores,
		boxes:     boxes,
		threshold: threshold,
		maxFaces:  maxFaces,
	}, nil
}

func (d *detector) detect(img image.Image) ([]image.Rectangle, error) {
	copy(d.input.GetData(), detectorInput(img))
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("detector inference failed: %w", err)
	}

	cands := decodeDetections(d.scores.GetData(), d.boxes.GetData(), d.threshold, img.Bounds())
	cands = nms(cands, nmsIoU)
	if d.maxFaces > 0 && len(cands) > d.maxFaces {
		cands = cands[:d.maxFaces]
	}

	regions := make([]image.Rectangle, len(cands))
	for i, c := range cands {
		regions[i] = c.box
	}
	return regions, nil
}

func (d *detector) close() {
	for _, t := range []*ort.Tensor[float32]{d.input, d.scores, d.boxes} {
		if t != nil {
			t.Destroy()
		}
	}
	if d.session != nil {
		d.session.Destroy()
	}
}

// detectorInput resizes img to the detector resolution, CHW, normalized as
// (v - 127) / 128.
func detectorInput(img image.Image) []float32 {
	resized := resize.Resize(detectorWidth, detectorHeight, img, resize.Bilinear)
	b := resized.Bounds()
	plane := detectorWidth * detectorHeight
	data := make([]float32, 3*plane)
	for y := 0; y < detectorHeight; y++ {
		for x := 0; x < detectorWidth; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*detectorWidth + x
			data[i] = (float32(r>>8) - 127) / 128
			data[plane+i] = (float32(g>>8) - 127) / 128
			data[2*plane+i] = (float32(bl>>8) - 127) / 128
		}
	}
	return data
}

// decodeDetections keeps anchors whose face score passes threshold and maps
// their normalized boxes onto bounds.
func decodeDetections(scores, boxes []float32, threshold float32, bounds image.Rectangle) []candidate {
	n := len(scores) / 2
	if m := len(boxes) / 4; m < n {
		n = m
	}
	w, h := float32(bounds.Dx()), float32(bounds.Dy())

	var out []candidate
	for i := 0; i < n; i++ {
		score := scores[2*i+1]
		if score < threshold {
			continue
		}
		box := image.Rect(
			bounds.Min.X+int(boxes[4*i]*w),
			bounds.Min.Y+int(boxes[4*i+1]*h),
			bounds.Min.X+int(boxes[4*i+2]*w),
			bounds.Min.Y+int(boxes[4*i+3]*h),
		).Intersect(bounds)
		if box.Empty() {
			continue
		}
		out = append(out, candidate{box: box, score: score})
	}
	return out
}

// nms is greedy non-maximum suppression. The result is sorted by score.
func nms(cands []candidate, threshold float64) []candidate {
	sorted := make([]candidate, len(cands))
	copy(sorted, cands)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })

	var kept []candidate
	for _, c := range sorted {
		overlaps := false
		for _, k := range kept {
			if iou(c.box, k.box) > threshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, c)
		}
	}
	return kept
}

func iou(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()+b.Dx()*b.Dy()) - ia
	if union <= 0 {
		return 0
	}
	return ia / union
}
