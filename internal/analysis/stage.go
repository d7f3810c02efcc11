package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/frame"
	"github.com/satindergrewal/moodlens/internal/metrics"
)

// ErrNoFace is returned by an Analyzer when the frame contains no face.
var ErrNoFace = errors.New("no face detected")

// Analyzer detects faces in a frame and classifies each one.
type Analyzer interface {
	DetectAndClassify(ctx context.Context, f *frame.Frame) ([]Face, error)
	Close() error
}

// Stage runs an Analyzer and never lets its failures escape: every frame
// yields a Result.
type Stage struct {
	analyzer Analyzer
	logger   *zap.Logger
}

// NewStage wraps analyzer.
func NewStage(analyzer Analyzer, logger *zap.Logger) *Stage {
	return &Stage{
		analyzer: analyzer,
		logger:   logger.With(zap.String("stage", "inference")),
	}
}

// Analyze runs detection and classification on f. Analyzer errors and panics
// produce a Result with zero faces.
func (s *Stage) Analyze(ctx context.Context, f *frame.Frame) *Result {
	ctx, span := otel.Tracer("analysis").Start(ctx, "analysis.Analyze",
		trace.WithAttributes(attribute.Int64("frame.seq", int64(f.Seq))))
	defer span.End()

	start := time.Now()
	faces, err := s.detect(ctx, f)
	metrics.InferenceDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		reason := "error"
		if errors.Is(err, ErrNoFace) {
			reason = "no_face"
			s.logger.Debug("no face in frame", zap.Uint64("seq", f.Seq))
		} else {
			s.logger.Warn("analysis failed, emitting empty result", zap.Uint64("seq", f.Seq), zap.Error(err))
			span.RecordError(err)
		}
		metrics.AnalysisFailuresTotal.WithLabelValues(reason).Inc()
		faces = nil
	}

	span.SetAttributes(attribute.Int("faces", len(faces)))
	return NewResult(f, true, faces)
}

// PassThrough wraps a frame that was sampled out of analysis.
func (s *Stage) PassThrough(f *frame.Frame) *Result {
	return NewResult(f, false, nil)
}

func (s *Stage) detect(ctx context.Context, f *frame.Frame) (faces []Face, err error) {
	defer func() {
		if p := recover(); p != nil {
			faces, err = nil, fmt.Errorf("analyzer panic: %v", p)
		}
	}()
	return s.analyzer.DetectAndClassify(ctx, f)
}
