package frame

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"
)

// ErrUnavailable is returned by a Source when the capture device is missing,
// disconnected, or returned no data.
var ErrUnavailable = errors.New("capture device unavailable")

// Frame is one captured image. Pix is row-major, BGR-interleaved for three
// channels or grey for one. A Frame must not be modified after New returns.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	Width     int
	Height    int
	Channels  int
	Pix       []byte
}

// Source produces frames on demand.
type Source interface {
	// Next blocks until a frame is captured. Device failures wrap ErrUnavailable.
	Next(ctx context.Context) (*Frame, error)
	Close() error
}

// New copies pix into a new Frame after checking its dimensions.
func New(width, height, channels int, pix []byte) (*Frame, error) {
	f := &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      append([]byte(nil), pix...),
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Validate reports whether the buffer length matches the frame geometry.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", f.Width, f.Height)
	}
	if f.Channels != 1 && f.Channels != 3 {
		return fmt.Errorf("unsupported channel count %d", f.Channels)
	}
	if want := f.Width * f.Height * f.Channels; len(f.Pix) != want {
		return fmt.Errorf("pixel buffer is %d bytes, want %d", len(f.Pix), want)
	}
	return nil
}

// Stamp returns a shallow copy carrying the given sequence and capture time.
// Pix is shared, which is safe because frames are immutable.
func (f *Frame) Stamp(seq uint64, ts time.Time) *Frame {
	c := *f
	c.Seq = seq
	c.Timestamp = ts
	return &c
}

// Mirror returns a horizontally flipped copy.
func (f *Frame) Mirror() *Frame {
	out := *f
	out.Pix = make([]byte, len(f.Pix))
	stride := f.Width * f.Channels
	for y := 0; y < f.Height; y++ {
		row := f.Pix[y*stride : (y+1)*stride]
		dst := out.Pix[y*stride : (y+1)*stride]
		for x := 0; x < f.Width; x++ {
			src := row[x*f.Channels : (x+1)*f.Channels]
			copy(dst[(f.Width-1-x)*f.Channels:], src)
		}
	}
	return &out
}

// Bounds returns the frame rectangle.
func (f *Frame) Bounds() image.Rectangle {
	return image.Rect(0, 0, f.Width, f.Height)
}

// Image converts the frame to RGBA for decoders and resamplers that work on
// image.Image.
func (f *Frame) Image() image.Image {
	img := image.NewRGBA(f.Bounds())
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := (y*f.Width + x) * f.Channels
			var c color.RGBA
			if f.Channels == 1 {
				g := f.Pix[i]
				c = color.RGBA{R: g, G: g, B: g, A: 0xff}
			} else {
				c = color.RGBA{R: f.Pix[i+2], G: f.Pix[i+1], B: f.Pix[i], A: 0xff}
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}
