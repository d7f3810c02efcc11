// Package onnx implements analysis.Analyzer on ONNX Runtime: an optional
// face detector followed by an emotion classifier on each face crop.
package onnx

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/frame"
)

type Config struct {
	// Library is the path to the onnxruntime shared library. Empty uses the
	// platform default lookup.
	Library            string
	DetectorModel      string
	DetectorThreshold  float32
	ClassifierModel    string
	ClassifierMetadata string
	MaxFaces           int
}

// Analyzer owns the ONNX sessions. Sessions reuse their tensors, so calls
// are serialized.
type Analyzer struct {
	mu         sync.Mutex
	detector   *detector
	classifier *classifier
	logger     *zap.Logger
}

var _ analysis.Analyzer = (*Analyzer)(nil)

// NewAnalyzer initializes the runtime and loads the models. Any failure here
// is fatal for the caller.
func NewAnalyzer(cfg Config, logger *zap.Logger) (*Analyzer, error) {
	if cfg.Library != "" {
		ort.SetSharedLibraryPath(cfg.Library)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	cls, err := newClassifier(cfg.ClassifierModel, cfg.ClassifierMetadata)
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}

	a := &Analyzer{classifier: cls, logger: logger.With(zap.String("stage", "inference"))}
	if cfg.DetectorModel != "" {
		det, err := newDetector(cfg.DetectorModel, cfg.DetectorThreshold, cfg.MaxFaces)
		if err != nil {
			cls.close()
			ort.DestroyEnvironment()
			return nil, err
		}
		a.detector = det
	}

	a.logger.Info("emotion models loaded",
		zap.String("classifier", cfg.ClassifierModel),
		zap.Strings("classes", cls.metadata.Classes),
		zap.Bool("detector", a.detector != nil),
	)
	return a, nil
}

// DetectAndClassify returns one Face per detected face. Without a detector
// model the whole frame is classified as a single face.
func (a *Analyzer) DetectAndClassify(ctx context.Context, f *frame.Frame) ([]analysis.Face, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img := f.Image()

	a.mu.Lock()
	defer a.mu.Unlock()

	regions := []image.Rectangle{img.Bounds()}
	if a.detector != nil {
		var err error
		if regions, err = a.detector.detect(img); err != nil {
			return nil, err
		}
		if len(regions) == 0 {
			return nil, analysis.ErrNoFace
		}
	}

	faces := make([]analysis.Face, 0, len(regions))
	for _, r := range regions {
		scores, err := a.classifier.classify(crop(img, r))
		if err != nil {
			return nil, err
		}
		faces = append(faces, analysis.Face{Region: r, Scores: scores})
	}
	return faces, nil
}

// Close releases sessions and the runtime environment.
func (a *Analyzer) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.detector != nil {
		a.detector.close()
	}
	a.classifier.close()
	return ort.DestroyEnvironment()
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func crop(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(subImager); ok {
		return s.SubImage(r.Intersect(img.Bounds()))
	}
	return img
}
