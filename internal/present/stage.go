// Package present renders the live preview: the newest frame with the most
// recent analysis drawn over it.
package present

import (
	"context"
	"errors"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/frame"
	"github.com/satindergrewal/moodlens/internal/journal"
	"github.com/satindergrewal/moodlens/internal/queue"
	"github.com/satindergrewal/moodlens/internal/snapshot"
)

var (
	ErrNoFrame             = errors.New("no frame rendered yet")
	ErrScreenshotsDisabled = errors.New("screenshots are disabled")
	ErrStopped             = errors.New("preview stopped")
)

// VoiceToggle is the announcement control the preview can flip.
type VoiceToggle interface {
	ToggleVoice() bool
	VoiceEnabled() bool
}

// CameraState reports whether capture is running.
type CameraState interface {
	Running() bool
}

type Options struct {
	Tick        time.Duration
	Session     string
	Voice       VoiceToggle
	Camera      CameraState
	Screenshots snapshot.Store
	Journal     journal.Store
	// WriteTimeout bounds saving one screenshot and its journal entry.
	WriteTimeout time.Duration
	// OnQuit is called when the user asks to quit from the display.
	OnQuit func()
}

type shotReply struct {
	location string
	err      error
}

// Stage is the presentation consumer. It polls the queue on a fixed tick so
// the display keeps pumping events even when no results arrive.
type Stage struct {
	queue    *queue.Queue
	id       string
	display  Display
	renderer Renderer
	opts     Options
	logger   *zap.Logger

	shots chan chan shotReply
	done  chan struct{}

	latest   *analysis.Result
	overlay  *analysis.Result
	rendered *frame.Frame
	dirty    bool
	stopped  bool

	subscribed bool
}

func NewStage(q *queue.Queue, id string, display Display, renderer Renderer, opts Options, logger *zap.Logger) *Stage {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Millisecond
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	return &Stage{
		queue:    q,
		id:       id,
		display:  display,
		renderer: renderer,
		opts:     opts,
		logger:   logger.With(zap.String("stage", "presentation")),
		shots:    make(chan chan shotReply),
		done:     make(chan struct{}),
	}
}

// Subscribe registers the stage with the queue ahead of Run, so no result
// pushed in between is missed.
func (s *Stage) Subscribe() error {
	if err := s.queue.Subscribe(s.id); err != nil {
		return err
	}
	s.subscribed = true
	return nil
}

// Run renders until end of stream, ctx cancellation or a quit action. It
// subscribes first unless Subscribe was already called.
func (s *Stage) Run(ctx context.Context) error {
	defer close(s.done)

	if !s.subscribed {
		if err := s.Subscribe(); err != nil {
			return err
		}
	}
	defer s.queue.Unsubscribe(s.id)

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-s.shots:
			loc, err := s.screenshot(ctx)
			reply <- shotReply{location: loc, err: err}
			continue
		case <-ticker.C:
		}

		eos := s.drain()
		if stopped := s.cameraStopped(); stopped != s.stopped {
			s.stopped = stopped
			s.dirty = true
		}
		if s.dirty {
			s.render()
		}

		switch a := s.display.Poll(); a {
		case ActionQuit:
			s.logger.Info("quit requested")
			if s.opts.OnQuit != nil {
				s.opts.OnQuit()
			}
			return nil
		case ActionToggleVoice:
			s.toggleVoice()
		case ActionScreenshot:
			if _, err := s.screenshot(ctx); err != nil {
				s.logger.Warn("screenshot failed", zap.Error(err))
			}
		}

		if eos {
			s.logger.Debug("end of stream")
			return nil
		}
	}
}

// Screenshot asks the running stage to save the current preview and waits
// for the stored location.
func (s *Stage) Screenshot(ctx context.Context) (string, error) {
	reply := make(chan shotReply, 1)
	select {
	case s.shots <- reply:
	case <-s.done:
		return "", ErrStopped
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-reply:
		return r.location, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// drain takes every pending result. It reports whether the stream ended.
func (s *Stage) drain() bool {
	for {
		r, err := s.queue.TryPop(s.id)
		switch {
		case err == nil:
			if r.Frame != nil {
				s.latest = r
				s.dirty = true
			}
			if r.Analyzed {
				s.overlay = r
				s.dirty = true
			}
		case errors.Is(err, queue.ErrEndOfStream):
			return true
		default:
			return false
		}
	}
}

func (s *Stage) render() {
	if s.latest == nil {
		return
	}
	s.dirty = false

	f := s.latest.Frame
	size := image.Pt(f.Width, f.Height)
	ov := Layout(s.overlay, size, s.voiceOn())
	if s.stopped {
		ov.Texts = append(ov.Texts, StoppedBanner(size))
	}
	out, err := s.renderer.Render(f, ov)
	if err != nil {
		s.logger.Warn("render failed", zap.Uint64("seq", f.Seq), zap.Error(err))
		return
	}
	s.rendered = out
	if err := s.display.Show(out); err != nil {
		s.logger.Warn("display failed", zap.Error(err))
	}
}

func (s *Stage) cameraStopped() bool {
	return s.opts.Camera != nil && !s.opts.Camera.Running()
}

func (s *Stage) voiceOn() bool {
	return s.opts.Voice != nil && s.opts.Voice.VoiceEnabled()
}

func (s *Stage) toggleVoice() {
	if s.opts.Voice == nil {
		return
	}
	on := s.opts.Voice.ToggleVoice()
	s.logger.Info("voice toggled", zap.Bool("enabled", on))
	s.dirty = true
}

func (s *Stage) screenshot(ctx context.Context) (string, error) {
	if s.opts.Screenshots == nil {
		return "", ErrScreenshotsDisabled
	}
	if s.rendered == nil {
		return "", ErrNoFrame
	}

	jpg, err := s.renderer.Encode(s.rendered)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	defer cancel()

	ts := time.Now()
	loc, err := s.opts.Screenshots.Save(ctx, ts, jpg)
	if err != nil {
		return "", err
	}
	s.logger.Info("screenshot saved", zap.String("location", loc))

	if s.opts.Journal != nil {
		if err := s.opts.Journal.AppendScreenshot(ctx, journal.NewScreenshot(s.opts.Session, ts, loc)); err != nil {
			s.logger.Warn("journal screenshot failed", zap.Error(err))
		}
	}
	return loc, nil
}
