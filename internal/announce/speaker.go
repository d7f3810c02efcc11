package announce

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/satindergrewal/moodlens/internal/audio"
)

// ErrSpeechBusy is returned when the stream player has no room for another utterance.
var ErrSpeechBusy = errors.New("speech stream queue is full")

// EspeakSpeaker speaks on the local audio device.
type EspeakSpeaker struct {
	Engine string // espeak-ng by default
	Rate   int    // words per minute
}

func (e EspeakSpeaker) Speak(ctx context.Context, a Announcement) error {
	cmd := exec.CommandContext(ctx, engineOr(e.Engine), "-s", strconv.Itoa(rateOr(e.Rate)), a.Text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return commandError(err, &stderr)
	}
	return nil
}

// StreamSpeaker synthesizes speech to WAV and plays it into the PCM pipeline
// that feeds browser listeners.
type StreamSpeaker struct {
	Engine   string
	Rate     int
	Fade     time.Duration
	Pipeline *audio.Pipeline
}

func (s StreamSpeaker) Speak(ctx context.Context, a Announcement) error {
	wav, err := Synthesize(ctx, s.Engine, s.Rate, a.Text)
	if err != nil {
		return err
	}
	samples, err := audio.DecodeBytes(ctx, wav)
	if err != nil {
		return err
	}

	fade := s.Fade
	if fade <= 0 {
		fade = 10 * time.Millisecond
	}
	u := audio.Utterance{
		ID:      uuid.NewString(),
		Text:    a.Text,
		Label:   a.Label,
		Samples: audio.FadeEdges(samples, fade),
	}
	if !s.Pipeline.Enqueue(u) {
		return ErrSpeechBusy
	}
	return nil
}

// Interrupt drops queued utterances and stops the one playing.
func (s StreamSpeaker) Interrupt() {
	if s.Pipeline != nil {
		s.Pipeline.Clear()
	}
}

// Synthesize runs the speech engine and returns the WAV it writes to stdout.
func Synthesize(ctx context.Context, engine string, wpm int, text string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, engineOr(engine), "-s", strconv.Itoa(rateOr(wpm)), "--stdout", text)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, commandError(err, &stderr)
	}
	if len(out) == 0 {
		return nil, errors.New("speech engine produced no audio")
	}
	return out, nil
}

// MultiSpeaker speaks through every speaker in order and joins their errors.
type MultiSpeaker []Speaker

func (m MultiSpeaker) Speak(ctx context.Context, a Announcement) error {
	var errs []error
	for _, s := range m {
		if err := s.Speak(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Interrupt forwards to every speaker that can be interrupted.
func (m MultiSpeaker) Interrupt() {
	for _, s := range m {
		if i, ok := s.(Interrupter); ok {
			i.Interrupt()
		}
	}
}

// NopSpeaker discards announcements.
type NopSpeaker struct{}

func (NopSpeaker) Speak(context.Context, Announcement) error { return nil }

func engineOr(engine string) string {
	if engine == "" {
		return "espeak-ng"
	}
	return engine
}

func rateOr(wpm int) int {
	if wpm <= 0 {
		return 150
	}
	return wpm
}

func commandError(err error, stderr *bytes.Buffer) error {
	if msg := strings.TrimSpace(stderr.String()); msg != "" {
		return fmt.Errorf("%w: %s", err, msg)
	}
	return err
}
