package present

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"

	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/frame"
	"github.com/satindergrewal/moodlens/internal/stream"
)

const mjpegBoundary = "frame"

// MJPEGDisplay serves the rendered preview as multipart/x-mixed-replace.
// Frames are only encoded while someone is watching.
type MJPEGDisplay struct {
	encoder     Encoder
	broadcaster *stream.Broadcaster[[]byte]
	logger      *zap.Logger

	mu     sync.Mutex
	latest *frame.Frame
}

func NewMJPEGDisplay(enc Encoder, logger *zap.Logger) *MJPEGDisplay {
	return &MJPEGDisplay{
		encoder:     enc,
		broadcaster: stream.NewBroadcaster[[]byte](2),
		logger:      logger.With(zap.String("handler", "preview-mjpeg")),
	}
}

func (d *MJPEGDisplay) Show(f *frame.Frame) error {
	d.mu.Lock()
	d.latest = f
	d.mu.Unlock()

	if d.broadcaster.ListenerCount() == 0 {
		return nil
	}
	jpg, err := d.encoder.Encode(f)
	if err != nil {
		return err
	}
	d.broadcaster.Publish(jpg)
	return nil
}

func (d *MJPEGDisplay) Poll() Action { return ActionNone }
func (d *MJPEGDisplay) Close() error { return nil }

// Viewers returns the number of connected clients.
func (d *MJPEGDisplay) Viewers() int {
	return d.broadcaster.ListenerCount()
}

func (d *MJPEGDisplay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	mw := multipart.NewWriter(w)
	if err := mw.SetBoundary(mjpegBoundary); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")

	listener := d.broadcaster.Subscribe()
	defer d.broadcaster.Unsubscribe(listener)
	d.logger.Info("viewer connected", zap.Int("viewers", d.broadcaster.ListenerCount()))
	defer d.logger.Info("viewer disconnected")

	d.mu.Lock()
	latest := d.latest
	d.mu.Unlock()
	if latest != nil {
		if jpg, err := d.encoder.Encode(latest); err == nil {
			if writePart(mw, jpg) != nil {
				return
			}
			flusher.Flush()
		}
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-listener.Done():
			return
		case jpg := <-listener.C:
			if err := writePart(mw, jpg); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writePart(mw *multipart.Writer, jpg []byte) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":   {"image/jpeg"},
		"Content-Length": {fmt.Sprint(len(jpg))},
	})
	if err != nil {
		return err
	}
	_, err = part.Write(jpg)
	return err
}
