// Package announce speaks confident emotion detections, rate limited per
// label so a persistent expression is not repeated.
package announce

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/metrics"
)

// Announcement is one message handed to a Speaker.
type Announcement struct {
	Label      string
	Confidence float64
	Timestamp  time.Time
	Text       string
}

// Speaker delivers an announcement. It may block until speech finishes.
type Speaker interface {
	Speak(ctx context.Context, a Announcement) error
}

// Interrupter is implemented by speakers that keep playing after Speak
// returns and can be silenced.
type Interrupter interface {
	Interrupt()
}

type Config struct {
	// MinConfidence is the lowest dominant confidence that is spoken.
	MinConfidence float64
	// LabelInterval is the minimum gap between two announcements of the
	// same label, measured on result timestamps.
	LabelInterval time.Duration
	// Cooldown is the minimum gap between any two announcements. Zero disables it.
	Cooldown time.Duration
	Enabled  bool
}

// Message renders the spoken text for label at confidence in [0,1].
func Message(label string, confidence float64) string {
	return fmt.Sprintf("You seem %s with %d percent confidence", label, int(math.Round(confidence*100)))
}

// Stage is the announcement consumer. Handle runs on the consumer loop and
// never blocks on speech: utterances go to a one-slot mailbox drained by Run.
type Stage struct {
	speaker Speaker
	cfg     Config
	logger  *zap.Logger

	enabled atomic.Bool

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	last     time.Time
	spoken   bool

	box       *mailbox
	announced atomic.Uint64

	speechMu     sync.Mutex
	cancelSpeech context.CancelFunc
}

func NewStage(speaker Speaker, cfg Config, logger *zap.Logger) *Stage {
	s := &Stage{
		speaker:  speaker,
		cfg:      cfg,
		logger:   logger.With(zap.String("stage", "announce")),
		limiters: make(map[string]*rate.Limiter),
		box:      newMailbox(),
	}
	s.enabled.Store(cfg.Enabled)
	return s
}

// VoiceEnabled reports whether announcements are spoken.
func (s *Stage) VoiceEnabled() bool {
	return s.enabled.Load()
}

// SetVoice turns announcements on or off. Turning voice off also silences
// whatever is being spoken.
func (s *Stage) SetVoice(on bool) {
	if s.enabled.Swap(on) != on {
		s.voiceChanged(on)
	}
}

// ToggleVoice flips the voice switch and returns the new state.
func (s *Stage) ToggleVoice() bool {
	for {
		old := s.enabled.Load()
		if s.enabled.CompareAndSwap(old, !old) {
			s.voiceChanged(!old)
			return !old
		}
	}
}

func (s *Stage) voiceChanged(on bool) {
	s.logger.Info("voice toggled", zap.Bool("enabled", on))
	if on {
		return
	}
	s.box.drop()
	s.speechMu.Lock()
	if s.cancelSpeech != nil {
		s.cancelSpeech()
	}
	s.speechMu.Unlock()
	if i, ok := s.speaker.(Interrupter); ok {
		i.Interrupt()
	}
}

// Announced returns the number of announcements handed to the speaker.
func (s *Stage) Announced() uint64 {
	return s.announced.Load()
}

// Handle decides whether r is worth announcing.
func (s *Stage) Handle(_ context.Context, r *analysis.Result) error {
	if !r.Analyzed || !s.enabled.Load() {
		return nil
	}
	face, ok := r.Dominant()
	if !ok {
		return nil
	}
	label, conf := face.Dominant()
	if label == "" || conf < s.cfg.MinConfidence {
		return nil
	}
	if !s.allow(label, r.Timestamp) {
		return nil
	}

	a := Announcement{
		Label:      label,
		Confidence: conf,
		Timestamp:  r.Timestamp,
		Text:       Message(label, conf),
	}
	if s.box.put(a) {
		s.logger.Debug("pending announcement replaced", zap.String("emotion", label))
	}
	s.announced.Add(1)
	metrics.AnnouncementsTotal.WithLabelValues(label).Inc()
	return nil
}

// allow applies the global cooldown first, then the label's limiter, so a
// result held back by the cooldown does not spend the label's token.
func (s *Stage) allow(label string, ts time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.spoken && s.cfg.Cooldown > 0 && ts.Sub(s.last) < s.cfg.Cooldown {
		return false
	}
	if !s.limiterFor(label).AllowN(ts, 1) {
		return false
	}
	s.last = ts
	s.spoken = true
	return true
}

func (s *Stage) limiterFor(label string) *rate.Limiter {
	if l, ok := s.limiters[label]; ok {
		return l
	}
	limit := rate.Inf
	if s.cfg.LabelInterval > 0 {
		limit = rate.Every(s.cfg.LabelInterval)
	}
	l := rate.NewLimiter(limit, 1)
	s.limiters[label] = l
	return l
}

// Run speaks queued announcements until Close is called and the mailbox is
// empty, or ctx is cancelled. Speaker errors are counted and dropped.
func (s *Stage) Run(ctx context.Context) {
	for {
		a, ok := s.box.take(ctx)
		if !ok {
			return
		}
		if err := s.speak(ctx, a); err != nil {
			// A killed speech process does not report context.Canceled.
			if ctx.Err() == nil && !s.enabled.Load() {
				s.logger.Debug("speech interrupted", zap.String("emotion", a.Label))
				continue
			}
			metrics.SpeechFailuresTotal.Inc()
			s.logger.Warn("speech failed", zap.String("emotion", a.Label), zap.Error(err))
			continue
		}
		s.logger.Info("announced", zap.String("emotion", a.Label), zap.Float64("confidence", a.Confidence))
	}
}

// speak runs the speaker under a context that muting the voice cancels.
func (s *Stage) speak(ctx context.Context, a Announcement) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.speechMu.Lock()
	s.cancelSpeech = cancel
	s.speechMu.Unlock()
	defer func() {
		s.speechMu.Lock()
		s.cancelSpeech = nil
		s.speechMu.Unlock()
	}()

	return s.speaker.Speak(ctx, a)
}

// Close lets Run finish the pending announcement and return.
func (s *Stage) Close() {
	s.box.close()
}

// mailbox holds at most one announcement. A newer one replaces it.
type mailbox struct {
	mu      sync.Mutex
	pending *Announcement
	closed  bool
	notify  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// put stores a and reports whether it replaced an unspoken announcement.
func (m *mailbox) put(a Announcement) bool {
	m.mu.Lock()
	replaced := m.pending != nil
	if !m.closed {
		m.pending = &a
	}
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return replaced
}

func (m *mailbox) take(ctx context.Context) (Announcement, bool) {
	for {
		m.mu.Lock()
		if m.pending != nil {
			a := *m.pending
			m.pending = nil
			m.mu.Unlock()
			return a, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return Announcement{}, false
		}

		select {
		case <-m.notify:
		case <-ctx.Done():
			return Announcement{}, false
		}
	}
}

// drop discards the pending announcement.
func (m *mailbox) drop() {
	m.mu.Lock()
	m.pending = nil
	m.mu.Unlock()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}
