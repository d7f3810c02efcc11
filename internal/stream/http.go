package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strconv"

	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/audio"
)

// PCMBuffer is the per-listener backlog for speech frames, about 3 seconds.
const PCMBuffer = 150

// MP3Bitrate is the default bitrate of the MP3 speech stream, in kbit/s.
const MP3Bitrate = 64

// mp3Args makes FFmpeg read raw speech PCM on stdin and write low-latency
// MP3 on stdout.
func mp3Args(kbps int) []string {
	return []string{
		"-f", "s16le",
		"-ar", strconv.Itoa(audio.SampleRate),
		"-ac", strconv.Itoa(audio.Channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", strconv.Itoa(kbps) + "k",
		"-f", "mp3",
		"-fflags", "nobuffer",
		"-flush_packets", "1",
		"-loglevel", "error",
		"pipe:1",
	}
}

// HTTPHandler serves the speech stream as chunked MP3, one FFmpeg encoder
// per connection.
type HTTPHandler struct {
	broadcaster *Broadcaster[[]int16]
	logger      *zap.Logger
	// Bitrate in kbit/s, MP3Bitrate when zero.
	Bitrate int
}

// NewHTTPHandler creates an HTTP stream handler.
func NewHTTPHandler(b *Broadcaster[[]int16], logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{broadcaster: b, logger: logger.With(zap.String("handler", "speech-mp3"))}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	kbps := h.Bitrate
	if kbps <= 0 {
		kbps = MP3Bitrate
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", mp3Args(kbps)...)
	stdin, stdout, err := pipes(cmd)
	if err != nil {
		h.logger.Error("start mp3 encoder", zap.Error(err))
		http.Error(w, "encoder unavailable", http.StatusServiceUnavailable)
		return
	}
	defer cmd.Wait()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Connection", "close")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("ICY-Name", "moodlens speech")

	listener := h.broadcaster.Subscribe()
	defer h.broadcaster.Unsubscribe(listener)
	h.logger.Info("listener connected", zap.Int("listeners", h.broadcaster.ListenerCount()))

	go func() {
		defer stdin.Close()
		if err := feedPCM(ctx, listener, stdin); err != nil {
			h.logger.Debug("mp3 encoder input closed", zap.Error(err))
		}
	}()

	n, err := io.Copy(flushWriter{w, flusher}, stdout)
	if err != nil && ctx.Err() == nil {
		h.logger.Warn("mp3 stream", zap.Error(err))
	}
	h.logger.Info("listener disconnected", zap.Int64("bytes", n))
}

func pipes(cmd *exec.Cmd) (io.WriteCloser, io.ReadCloser, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("ffmpeg start: %w", err)
	}
	return stdin, stdout, nil
}

// feedPCM writes every frame the listener receives to w until the listener
// is dropped, ctx ends or a write fails.
func feedPCM(ctx context.Context, l *Listener[[]int16], w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.Done():
			return nil
		case frame, ok := <-l.C:
			if !ok {
				return nil
			}
			if _, err := w.Write(audio.SamplesToBytes(frame)); err != nil {
				return err
			}
		}
	}
}

// flushWriter pushes every chunk to the client as soon as it is written.
type flushWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if n > 0 {
		fw.f.Flush()
	}
	return n, err
}
