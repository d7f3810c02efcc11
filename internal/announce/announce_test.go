package announce

import (
	"context"
	"errors"
	"image"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
)

var t0 = time.Date(2026, 1, 17, 14, 25, 3, 0, time.UTC)

func result(at time.Duration, analyzed bool, scores analysis.Scores) *analysis.Result {
	r := &analysis.Result{Timestamp: t0.Add(at), Analyzed: analyzed}
	if scores != nil {
		r.Faces = []analysis.Face{{Region: image.Rect(0, 0, 10, 10), Scores: scores}}
	}
	return r
}

func newTestStage(cfg Config) *Stage {
	cfg.Enabled = true
	return NewStage(NopSpeaker{}, cfg, zap.NewNop())
}

// pending returns the queued announcement without waiting.
func pending(s *Stage) (Announcement, bool) {
	s.box.mu.Lock()
	defer s.box.mu.Unlock()
	if s.box.pending == nil {
		return Announcement{}, false
	}
	a := *s.box.pending
	s.box.pending = nil
	return a, true
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "You seem happy with 87 percent confidence", Message("happy", 0.873))
	assert.Equal(t, "You seem sad with 100 percent confidence", Message("sad", 1))
}

func TestHandleFilters(t *testing.T) {
	tests := []struct {
		name string
		r    *analysis.Result
		want bool
	}{
		{"confident", result(0, true, analysis.Scores{"happy": 0.9, "sad": 0.1}), true},
		{"at threshold", result(0, true, analysis.Scores{"happy": 0.7}), true},
		{"below threshold", result(0, true, analysis.Scores{"happy": 0.69, "sad": 0.31}), false},
		{"not analyzed", result(0, false, analysis.Scores{"happy": 0.9}), false},
		{"no face", result(0, true, nil), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStage(Config{MinConfidence: 0.7, LabelInterval: time.Second})
			require.NoError(t, s.Handle(context.Background(), tt.r))
			_, ok := pending(s)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestHandleVoiceDisabled(t *testing.T) {
	s := newTestStage(Config{MinConfidence: 0.5})
	s.SetVoice(false)
	require.NoError(t, s.Handle(context.Background(), result(0, true, analysis.Scores{"happy": 1})))
	_, ok := pending(s)
	assert.False(t, ok)

	assert.True(t, s.ToggleVoice())
	require.NoError(t, s.Handle(context.Background(), result(time.Second, true, analysis.Scores{"happy": 1})))
	a, ok := pending(s)
	require.True(t, ok)
	assert.Equal(t, "You seem happy with 100 percent confidence", a.Text)
	assert.Equal(t, uint64(1), s.Announced())
}

func TestLabelInterval(t *testing.T) {
	s := newTestStage(Config{MinConfidence: 0.5, LabelInterval: 10 * time.Second})
	ctx := context.Background()
	happy := analysis.Scores{"happy": 0.9}
	sad := analysis.Scores{"sad": 0.9}

	steps := []struct {
		at     time.Duration
		scores analysis.Scores
		want   bool
	}{
		{0, happy, true},
		{time.Second, happy, false},
		{2 * time.Second, sad, true},
		{9 * time.Second, happy, false},
		{10 * time.Second, happy, true},
		{11 * time.Second, sad, false},
		{12 * time.Second, sad, true},
	}
	for _, st := range steps {
		require.NoError(t, s.Handle(ctx, result(st.at, true, st.scores)))
		_, ok := pending(s)
		assert.Equal(t, st.want, ok, "at %s", st.at)
	}
}

func TestCooldownAcrossLabels(t *testing.T) {
	s := newTestStage(Config{MinConfidence: 0.5, LabelInterval: 10 * time.Second, Cooldown: 3 * time.Second})
	ctx := context.Background()

	require.NoError(t, s.Handle(ctx, result(0, true, analysis.Scores{"happy": 0.9})))
	_, ok := pending(s)
	require.True(t, ok)

	require.NoError(t, s.Handle(ctx, result(2*time.Second, true, analysis.Scores{"sad": 0.9})))
	_, ok = pending(s)
	assert.False(t, ok, "sad inside global cooldown")

	// the cooldown must not have spent sad's token
	require.NoError(t, s.Handle(ctx, result(3*time.Second, true, analysis.Scores{"sad": 0.9})))
	_, ok = pending(s)
	assert.True(t, ok)
}

func TestLabelIntervalNeverViolated(t *testing.T) {
	const interval = 5 * time.Second
	s := newTestStage(Config{MinConfidence: 0, LabelInterval: interval})
	rng := rand.New(rand.NewSource(7))
	labels := []string{"happy", "sad", "angry"}

	last := map[string]time.Time{}
	ts := t0
	for i := 0; i < 2000; i++ {
		ts = ts.Add(time.Duration(rng.Intn(700)) * time.Millisecond)
		label := labels[rng.Intn(len(labels))]
		require.NoError(t, s.Handle(context.Background(), &analysis.Result{
			Timestamp: ts,
			Analyzed:  true,
			Faces:     []analysis.Face{{Scores: analysis.Scores{label: 0.9}}},
		}))
		a, ok := pending(s)
		if !ok {
			continue
		}
		if prev, seen := last[a.Label]; seen {
			require.GreaterOrEqual(t, a.Timestamp.Sub(prev), interval, "label %s", a.Label)
		}
		last[a.Label] = a.Timestamp
	}
	assert.Len(t, last, len(labels))
}

func TestMailboxReplacesPending(t *testing.T) {
	m := newMailbox()
	assert.False(t, m.put(Announcement{Label: "happy"}))
	assert.True(t, m.put(Announcement{Label: "sad"}))

	a, ok := m.take(context.Background())
	require.True(t, ok)
	assert.Equal(t, "sad", a.Label)

	m.close()
	_, ok = m.take(context.Background())
	assert.False(t, ok)
}

func TestMailboxTakeCancelled(t *testing.T) {
	m := newMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok := m.take(ctx)
	assert.False(t, ok)
}

type recordingSpeaker struct {
	mu     sync.Mutex
	spoken []Announcement
	err    error
}

func (r *recordingSpeaker) Speak(_ context.Context, a Announcement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spoken = append(r.spoken, a)
	return r.err
}

func (r *recordingSpeaker) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spoken)
}

func TestRunSpeaksAndDrainsOnClose(t *testing.T) {
	sp := &recordingSpeaker{}
	s := NewStage(sp, Config{Enabled: true, MinConfidence: 0.5}, zap.NewNop())

	require.NoError(t, s.Handle(context.Background(), result(0, true, analysis.Scores{"happy": 0.9})))
	s.Close()

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	require.Equal(t, 1, sp.count())
	assert.Equal(t, "happy", sp.spoken[0].Label)
}

func TestRunSurvivesSpeakerErrors(t *testing.T) {
	sp := &recordingSpeaker{err: errors.New("no audio device")}
	s := NewStage(sp, Config{Enabled: true, MinConfidence: 0.5}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	require.NoError(t, s.Handle(ctx, result(0, true, analysis.Scores{"happy": 0.9})))
	require.Eventually(t, func() bool { return sp.count() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.Handle(ctx, result(time.Minute, true, analysis.Scores{"sad": 0.9})))
	require.Eventually(t, func() bool { return sp.count() == 2 }, time.Second, time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestMultiSpeakerJoinsErrors(t *testing.T) {
	a := &recordingSpeaker{err: errors.New("local failed")}
	b := &recordingSpeaker{}
	err := MultiSpeaker{a, b}.Speak(context.Background(), Announcement{Text: "hi"})
	assert.EqualError(t, err, "local failed")
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, b.count())
}

func TestEspeakSpeakerMissingEngine(t *testing.T) {
	err := EspeakSpeaker{Engine: "/nonexistent/espeak-ng"}.Speak(context.Background(), Announcement{Text: "hi"})
	assert.Error(t, err)
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "espeak-ng", engineOr(""))
	assert.Equal(t, "say", engineOr("say"))
	assert.Equal(t, 150, rateOr(0))
	assert.Equal(t, 180, rateOr(180))
}

// holdingSpeaker speaks until its context is cancelled.
type holdingSpeaker struct {
	started    chan struct{}
	interrupts atomic.Int32
}

func (h *holdingSpeaker) Speak(ctx context.Context, _ Announcement) error {
	h.started <- struct{}{}
	<-ctx.Done()
	return ctx.Err()
}

func (h *holdingSpeaker) Interrupt() { h.interrupts.Add(1) }

func TestVoiceOffSilencesSpeech(t *testing.T) {
	sp := &holdingSpeaker{started: make(chan struct{}, 1)}
	s := NewStage(sp, Config{Enabled: true, MinConfidence: 0.5, LabelInterval: time.Second}, zap.NewNop())

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	require.NoError(t, s.Handle(context.Background(), result(0, true, analysis.Scores{"happy": 0.9})))
	select {
	case <-sp.started:
	case <-time.After(time.Second):
		t.Fatal("speech never started")
	}
	require.NoError(t, s.Handle(context.Background(), result(time.Minute, true, analysis.Scores{"sad": 0.9})))

	assert.False(t, s.ToggleVoice())
	assert.Equal(t, int32(1), sp.interrupts.Load())
	_, ok := pending(s)
	assert.False(t, ok, "pending announcement dropped")

	s.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run still speaking after voice off")
	}
}

func TestMultiSpeakerInterrupt(t *testing.T) {
	a := &holdingSpeaker{}
	MultiSpeaker{a, &recordingSpeaker{}, a}.Interrupt()
	assert.Equal(t, int32(2), a.interrupts.Load())
}
