package present

import (
	"fmt"

	"gocv.io/x/gocv"

	"github.com/satindergrewal/moodlens/internal/frame"
)

// Renderer draws overlays and encodes preview frames.
type Renderer interface {
	Render(f *frame.Frame, ov Overlay) (*frame.Frame, error)
	Encoder
}

// Encoder turns a frame into JPEG bytes.
type Encoder interface {
	Encode(f *frame.Frame) ([]byte, error)
}

// CVRenderer draws with OpenCV.
type CVRenderer struct {
	// Quality is the JPEG quality, 1-100.
	Quality int
}

// Render returns a new frame with ov drawn over f. f is not modified.
func (r CVRenderer) Render(f *frame.Frame, ov Overlay) (*frame.Frame, error) {
	mat, err := toMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	for _, rect := range ov.Rects {
		gocv.Rectangle(&mat, rect.Bounds, rect.Color, rect.Thickness)
	}
	for _, t := range ov.Texts {
		gocv.PutTextWithParams(&mat, t.Value, t.Origin, gocv.FontHersheySimplex, t.Scale, t.Color, t.Thickness, gocv.LineAA, false)
	}

	out, err := frame.New(mat.Cols(), mat.Rows(), mat.Channels(), mat.ToBytes())
	if err != nil {
		return nil, err
	}
	return out.Stamp(f.Seq, f.Timestamp), nil
}

// Encode compresses f as JPEG.
func (r CVRenderer) Encode(f *frame.Frame) ([]byte, error) {
	mat, err := toMat(f)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	quality := r.Quality
	if quality <= 0 || quality > 100 {
		quality = 90
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{int(gocv.IMWriteJpegQuality), quality})
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	return append([]byte(nil), buf.GetBytes()...), nil
}

// toMat copies f into a Mat the caller owns.
func toMat(f *frame.Frame) (gocv.Mat, error) {
	var typ gocv.MatType
	switch f.Channels {
	case 1:
		typ = gocv.MatTypeCV8UC1
	case 3:
		typ = gocv.MatTypeCV8UC3
	case 4:
		typ = gocv.MatTypeCV8UC4
	default:
		return gocv.Mat{}, fmt.Errorf("unsupported channel count %d", f.Channels)
	}

	view, err := gocv.NewMatFromBytes(f.Height, f.Width, typ, f.Pix)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("wrap frame: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}
