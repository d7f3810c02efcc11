package analysis

import (
	"image"
	"sort"
	"time"

	"github.com/satindergrewal/moodlens/internal/frame"
)

// Labels are the emotion categories in the order the bundled classifier emits them.
var Labels = []string{"angry", "disgust", "fear", "happy", "sad", "surprise", "neutral"}

// Scores maps an emotion label to a confidence in [0,1].
type Scores map[string]float64

// Face is one detected face with its emotion scores.
type Face struct {
	Region image.Rectangle `json:"region"`
	Scores Scores          `json:"emotions"`
}

// Dominant returns the highest scoring label. Ties go to the label that sorts first.
func (f Face) Dominant() (string, float64) {
	labels := make([]string, 0, len(f.Scores))
	for l := range f.Scores {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	best, conf := "", -1.0
	for _, l := range labels {
		if c := f.Scores[l]; c > conf {
			best, conf = l, c
		}
	}
	if best == "" {
		return "", 0
	}
	return best, conf
}

// Result is the analysis of exactly one frame. Results are shared by every
// queue consumer and must be treated as read-only.
type Result struct {
	Seq       uint64
	Timestamp time.Time
	// Analyzed is false for frames that were sampled out and only carry pixels
	// for presentation.
	Analyzed bool
	Faces    []Face
	// Frame is the source frame, kept for rendering.
	Frame *frame.Frame
}

// NewResult builds a Result from f, deep-copying faces and clamping scores into [0,1].
func NewResult(f *frame.Frame, analyzed bool, faces []Face) *Result {
	r := &Result{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Analyzed:  analyzed,
		Frame:     f,
	}
	if len(faces) > 0 {
		r.Faces = make([]Face, len(faces))
		for i, face := range faces {
			scores := make(Scores, len(face.Scores))
			for l, c := range face.Scores {
				scores[l] = clamp(c)
			}
			r.Faces[i] = Face{Region: face.Region, Scores: scores}
		}
	}
	return r
}

// Dominant returns the face whose dominant emotion is the most confident.
func (r *Result) Dominant() (Face, bool) {
	if len(r.Faces) == 0 {
		return Face{}, false
	}
	best, bestConf := 0, -1.0
	for i, f := range r.Faces {
		if _, c := f.Dominant(); c > bestConf {
			best, bestConf = i, c
		}
	}
	return r.Faces[best], true
}

func clamp(c float64) float64 {
	switch {
	case c != c: // NaN
		return 0
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
