// Package journal keeps a persistent, append-only history of detections and
// screenshots.
package journal

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/moodlens/internal/analysis"
)

// Store is a journal backend. Implementations must be safe for concurrent use:
// the journal consumer appends records while the preview appends screenshots.
type Store interface {
	Append(ctx context.Context, rec Record) error
	AppendScreenshot(ctx context.Context, shot Screenshot) error
	Close() error
}

// Box is a face region in frame pixels.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

func boxOf(r image.Rectangle) Box {
	return Box{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// FaceEntry is one face of a record.
type FaceEntry struct {
	Region     Box             `json:"region"`
	Label      string          `json:"label"`
	Confidence float64         `json:"confidence"`
	Emotions   analysis.Scores `json:"emotions"`
}

// Record is one analyzed frame. The top-level fields describe the dominant face.
type Record struct {
	ID         uuid.UUID       `json:"id"`
	Session    string          `json:"session"`
	Seq        uint64          `json:"seq"`
	Timestamp  time.Time       `json:"timestamp"`
	Label      string          `json:"dominant_emotion"`
	Confidence float64         `json:"confidence"`
	Region     Box             `json:"region"`
	Emotions   analysis.Scores `json:"all_emotions"`
	Faces      []FaceEntry     `json:"faces"`
}

// NewRecord builds the record for r. It returns false when r was not
// analyzed or holds no face.
func NewRecord(session string, r *analysis.Result) (Record, bool) {
	if r == nil || !r.Analyzed {
		return Record{}, false
	}
	dom, ok := r.Dominant()
	if !ok {
		return Record{}, false
	}

	label, conf := dom.Dominant()
	rec := Record{
		ID:         uuid.New(),
		Session:    session,
		Seq:        r.Seq,
		Timestamp:  r.Timestamp,
		Label:      label,
		Confidence: conf,
		Region:     boxOf(dom.Region),
		Emotions:   dom.Scores,
		Faces:      make([]FaceEntry, len(r.Faces)),
	}
	for i, f := range r.Faces {
		l, c := f.Dominant()
		rec.Faces[i] = FaceEntry{Region: boxOf(f.Region), Label: l, Confidence: c, Emotions: f.Scores}
	}
	return rec, true
}

// Screenshot references a stored preview image.
type Screenshot struct {
	ID        uuid.UUID `json:"id"`
	Session   string    `json:"session"`
	Timestamp time.Time `json:"timestamp"`
	Location  string    `json:"location"`
}

// NewScreenshot builds a screenshot reference with a fresh ID.
func NewScreenshot(session string, ts time.Time, location string) Screenshot {
	return Screenshot{ID: uuid.New(), Session: session, Timestamp: ts, Location: location}
}

// NopStore discards everything.
type NopStore struct{}

func (NopStore) Append(context.Context, Record) error               { return nil }
func (NopStore) AppendScreenshot(context.Context, Screenshot) error { return nil }
func (NopStore) Close() error                                       { return nil }
