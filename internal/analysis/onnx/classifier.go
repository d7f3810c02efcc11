package onnx

import (
	"encoding/json"
	"fmt"
	"image"
	"math"
	"os"
	"strings"

	"github.com/nfnt/resize"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/satindergrewal/moodlens/internal/analysis"
)

// Metadata describes the classifier model. It is stored as JSON next to the
// .onnx file.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Grayscale   bool     `json:"grayscale"`
	// Normalize is applied per channel after scaling pixels to [0,1].
	Normalize  *Normalization `json:"normalize,omitempty"`
	InputName  string         `json:"input_name,omitempty"`
	OutputName string         `json:"output_name,omitempty"`
}

type Normalization struct {
	Mean []float32 `json:"mean"`
	Std  []float32 `json:"std"`
}

func loadMetadata(path string) (Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}
	var md Metadata
	if err := json.Unmarshal(raw, &md); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	if md.InputName == "" {
		md.InputName = "input"
	}
	if md.OutputName == "" {
		md.OutputName = "output"
	}
	if err := md.validate(); err != nil {
		return Metadata{}, err
	}
	return md, nil
}

func (m Metadata) channels() int {
	if m.Grayscale {
		return 1
	}
	return 3
}

func (m Metadata) validate() error {
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata: image_size must be positive")
	}
	if len(m.Classes) == 0 {
		return fmt.Errorf("metadata: no classes")
	}
	seen := make(map[string]bool, len(m.Classes))
	for _, c := range m.Classes {
		label := strings.ToLower(c)
		if label == "" {
			return fmt.Errorf("metadata: empty class name")
		}
		if seen[label] {
			return fmt.Errorf("metadata: duplicate class %q", c)
		}
		seen[label] = true
	}
	want := int64(m.channels() * m.ImageSize * m.ImageSize)
	if got := volume(m.InputShape); got != want {
		return fmt.Errorf("metadata: input_shape %v holds %d values, image needs %d", m.InputShape, got, want)
	}
	if got := volume(m.OutputShape); got != int64(len(m.Classes)) {
		return fmt.Errorf("metadata: output_shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	if n := m.Normalize; n != nil && (len(n.Mean) != m.channels() || len(n.Std) != m.channels()) {
		return fmt.Errorf("metadata: normalize needs %d mean and std values", m.channels())
	}
	return nil
}

func volume(shape []int64) int64 {
	if len(shape) == 0 {
		return 0
	}
	v := int64(1)
	for _, d := range shape {
		v *= d
	}
	return v
}

// classifier runs the emotion model on a single face crop.
type classifier struct {
	session      *ort.AdvancedSession
	metadata     Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func newClassifier(modelPath, metadataPath string) (*classifier, error) {
	md, err := loadMetadata(metadataPath)
	if err != nil {
		return nil, err
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(md.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(md.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{md.InputName}, []string{md.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create classifier session: %w", err)
	}

	return &classifier{
		session:      session,
		metadata:     md,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

func (c *classifier) classify(face image.Image) (analysis.Scores, error) {
	copy(c.inputTensor.GetData(), preprocess(face, c.metadata))
	if err := c.session.Run(); err != nil {
		return nil, fmt.Errorf("classifier inference failed: %w", err)
	}
	return toScores(c.outputTensor.GetData(), c.metadata.Classes), nil
}

func (c *classifier) close() {
	if c.inputTensor != nil {
		c.inputTensor.Destroy()
	}
	if c.outputTensor != nil {
		c.outputTensor.Destroy()
	}
	if c.session != nil {
		c.session.Destroy()
	}
}

// preprocess resizes img to the model's square input and lays it out CHW,
// scaled to [0,1] and optionally normalized.
func preprocess(img image.Image, md Metadata) []float32 {
	size := uint(md.ImageSize)
	resized := resize.Resize(size, size, img, resize.Lanczos3)

	b := resized.Bounds()
	width, height := b.Dx(), b.Dy()
	plane := width * height
	data := make([]float32, md.channels()*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			rf, gf, bf := float32(r)/65535, float32(g)/65535, float32(bl)/65535

			i := y*width + x
			if md.Grayscale {
				data[i] = 0.299*rf + 0.587*gf + 0.114*bf
				continue
			}
			data[i] = rf
			data[plane+i] = gf
			data[2*plane+i] = bf
		}
	}

	if n := md.Normalize; n != nil {
		for ch := 0; ch < md.channels(); ch++ {
			std := n.Std[ch]
			if std == 0 {
				std = 1
			}
			for i := ch * plane; i < (ch+1)*plane; i++ {
				data[i] = (data[i] - n.Mean[ch]) / std
			}
		}
	}
	return data
}

// toScores maps raw model output onto lower-case labels. Logits are turned
// into probabilities with softmax unless they already form a distribution.
func toScores(out []float32, classes []string) analysis.Scores {
	n := len(classes)
	if len(out) < n {
		n = len(out)
	}
	probs := make([]float64, n)
	sum := 0.0
	isDist := true
	for i := 0; i < n; i++ {
		probs[i] = float64(out[i])
		sum += probs[i]
		if probs[i] < 0 || probs[i] > 1 {
			isDist = false
		}
	}
	if !isDist || math.Abs(sum-1) > 1e-3 {
		probs = softmax(probs)
	}

	scores := make(analysis.Scores, n)
	for i := 0; i < n; i++ {
		scores[strings.ToLower(classes[i])] = probs[i]
	}
	return scores
}

func softmax(xs []float64) []float64 {
	out := make([]float64, len(xs))
	if len(xs) == 0 {
		return out
	}
	max := xs[0]
	for _, x := range xs[1:] {
		if x > max {
			max = x
		}
	}
	sum := 0.0
	for i, x := range xs {
		out[i] = math.Exp(x - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
