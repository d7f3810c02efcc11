package present

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/frame"
	"github.com/satindergrewal/moodlens/internal/journal"
	"github.com/satindergrewal/moodlens/internal/queue"
)

func testFrame(t *testing.T, seq uint64) *frame.Frame {
	t.Helper()
	f, err := frame.New(640, 480, 3, make([]byte, 640*480*3))
	require.NoError(t, err)
	return f.Stamp(seq, time.Unix(int64(seq), 0))
}

func happyFace() analysis.Face {
	return analysis.Face{
		Region: image.Rect(100, 100, 200, 200),
		Scores: analysis.Scores{"happy": 0.873, "sad": 0.1, "neutral": 0.027},
	}
}

func texts(ov Overlay) []string {
	var out []string
	for _, t := range ov.Texts {
		out = append(out, t.Value)
	}
	return out
}

func TestLayoutNoFace(t *testing.T) {
	ov := Layout(nil, image.Pt(640, 480), true)
	assert.Equal(t, "NO FACE DETECTED", ov.Texts[0].Value)
	assert.Empty(t, ov.Rects)

	r := analysis.NewResult(testFrame(t, 1), true, nil)
	ov = Layout(r, image.Pt(640, 480), false)
	assert.Equal(t, "NO FACE DETECTED", ov.Texts[0].Value)
	assert.Contains(t, texts(ov), "Press 'v' to toggle voice (off)")
}

func TestLayoutDominantFace(t *testing.T) {
	r := analysis.NewResult(testFrame(t, 1), true, []analysis.Face{happyFace()})
	ov := Layout(r, image.Pt(640, 480), true)

	assert.Equal(t, "HAPPY - 87.3%", ov.Texts[0].Value)
	assert.Equal(t, Colors["happy"], ov.Texts[0].Color)

	all := texts(ov)
	assert.Contains(t, all, "Emotion Breakdown:")
	assert.Contains(t, all, "happy: 87.3%")
	assert.Contains(t, all, "Press 'q' to quit")
	assert.Contains(t, all, "Press 'v' to toggle voice (on)")
	assert.Contains(t, all, "Press 's' to save screenshot")

	// face box plus a filled bar and an outline per score
	require.Len(t, ov.Rects, 1+2*3)
	assert.Equal(t, image.Rect(100, 100, 200, 200), ov.Rects[0].Bounds)
	assert.Equal(t, 2, ov.Rects[0].Thickness)

	// bars follow canonical label order: happy, sad, neutral
	bars := ov.Rects[1:]
	assert.Equal(t, BarWidth(0.873), bars[0].Bounds.Dx())
	assert.Equal(t, -1, bars[0].Thickness)
	assert.Equal(t, BarMaxWidth, bars[1].Bounds.Dx())
	assert.Equal(t, Colors["sad"], bars[2].Color)
}

func TestLayoutHintsAnchoredBottomRight(t *testing.T) {
	ov := Layout(nil, image.Pt(800, 600), false)
	var hints []Text
	for _, tx := range ov.Texts {
		if strings.HasPrefix(tx.Value, "Press") {
			hints = append(hints, tx)
		}
	}
	require.Len(t, hints, 3)
	for i, h := range hints {
		assert.Equal(t, image.Pt(550, 540+i*20), h.Origin)
		assert.Equal(t, yellow, h.Color)
	}
}

func TestBarWidth(t *testing.T) {
	tests := []struct {
		conf float64
		want int
	}{
		{-0.5, 0},
		{0, 0},
		{0.5, 100},
		{0.873, 174},
		{1, BarMaxWidth},
		{3, BarMaxWidth},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.conf), func(t *testing.T) {
			assert.Equal(t, tt.want, BarWidth(tt.conf))
		})
	}
}

func TestOrderedLabelsPutsUnknownLast(t *testing.T) {
	got := orderedLabels(analysis.Scores{"zen": 0.1, "happy": 0.5, "bored": 0.2, "angry": 0.2})
	assert.Equal(t, []string{"angry", "happy", "bored", "zen"}, got)
}

func TestColorOf(t *testing.T) {
	assert.Equal(t, Colors["sad"], ColorOf("SAD"))
	assert.Equal(t, white, ColorOf("contempt"))
}

func TestKeyAction(t *testing.T) {
	tests := []struct {
		key  int
		want Action
	}{
		{'q', ActionQuit},
		{'Q', ActionQuit},
		{27, ActionQuit},
		{'v', ActionToggleVoice},
		{'s', ActionScreenshot},
		{-1, ActionNone},
		{'x', ActionNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KeyAction(tt.key), "key %d", tt.key)
	}
	assert.Equal(t, "toggle-voice", ActionToggleVoice.String())
}

// fakeDisplay records shown frames and replays scripted actions.
type fakeDisplay struct {
	mu      sync.Mutex
	shown   []*frame.Frame
	actions []Action
	showErr error
}

func (d *fakeDisplay) Show(f *frame.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shown = append(d.shown, f)
	return d.showErr
}

func (d *fakeDisplay) Poll() Action {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.actions) == 0 {
		return ActionNone
	}
	a := d.actions[0]
	d.actions = d.actions[1:]
	return a
}

func (d *fakeDisplay) Close() error { return nil }

func (d *fakeDisplay) shownCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shown)
}

func (d *fakeDisplay) last() *frame.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shown[len(d.shown)-1]
}

func TestMultiDisplay(t *testing.T) {
	a := &fakeDisplay{showErr: errors.New("boom")}
	b := &fakeDisplay{actions: []Action{ActionScreenshot}}
	m := Multi(a, b, NopDisplay{})

	err := m.Show(testFrame(t, 1))
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, a.shownCount())
	assert.Equal(t, 1, b.shownCount())

	assert.Equal(t, ActionScreenshot, m.Poll())
	assert.Equal(t, ActionNone, m.Poll())
	assert.NoError(t, m.Close())
}

// fakeRenderer keeps the overlays it was asked to draw.
type fakeRenderer struct {
	mu       sync.Mutex
	overlays []Overlay
}

func (r *fakeRenderer) Render(f *frame.Frame, ov Overlay) (*frame.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overlays = append(r.overlays, ov)
	return f, nil
}

func (r *fakeRenderer) Encode(f *frame.Frame) ([]byte, error) {
	return []byte(fmt.Sprintf("jpg-%d", f.Seq)), nil
}

func (r *fakeRenderer) renderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.overlays)
}

func (r *fakeRenderer) lastOverlay() Overlay {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlays[len(r.overlays)-1]
}

type fakeToggle struct{ on atomic.Bool }

func (v *fakeToggle) ToggleVoice() bool {
	for {
		old := v.on.Load()
		if v.on.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

func (v *fakeToggle) VoiceEnabled() bool { return v.on.Load() }

type memStore struct {
	mu    sync.Mutex
	saved [][]byte
}

func (s *memStore) Save(_ context.Context, ts time.Time, jpeg []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, jpeg)
	return fmt.Sprintf("mem://%d", len(s.saved)), nil
}

type shotJournal struct {
	journal.NopStore
	mu    sync.Mutex
	shots []journal.Screenshot
}

func (j *shotJournal) AppendScreenshot(_ context.Context, s journal.Screenshot) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.shots = append(j.shots, s)
	return nil
}

func startStage(t *testing.T, s *Stage) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not stop")
	}
}

func TestStageRendersLatestFrameWithLatestAnalysis(t *testing.T) {
	q := queue.New(8)
	q.Push(analysis.NewResult(testFrame(t, 1), true, []analysis.Face{happyFace()}))
	q.Push(analysis.NewResult(testFrame(t, 2), false, nil))

	disp := &fakeDisplay{}
	rend := &fakeRenderer{}
	s := NewStage(q, "presentation", disp, rend, Options{Tick: time.Millisecond}, zap.NewNop())
	done := startStage(t, s)

	require.Eventually(t, func() bool { return disp.shownCount() > 0 }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), disp.last().Seq)
	assert.Equal(t, "HAPPY - 87.3%", rend.lastOverlay().Texts[0].Value)

	q.Close()
	waitDone(t, done)
}

func TestStageQuit(t *testing.T) {
	q := queue.New(4)
	var quit atomic.Bool
	disp := &fakeDisplay{actions: []Action{ActionQuit}}
	s := NewStage(q, "presentation", disp, &fakeRenderer{}, Options{
		Tick:   time.Millisecond,
		OnQuit: func() { quit.Store(true) },
	}, zap.NewNop())

	waitDone(t, startStage(t, s))
	assert.True(t, quit.Load())

	_, err := s.Screenshot(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
}

func TestStageToggleVoice(t *testing.T) {
	q := queue.New(4)
	q.Push(analysis.NewResult(testFrame(t, 1), true, nil))

	voice := &fakeToggle{}
	voice.on.Store(true)
	disp := &fakeDisplay{actions: []Action{ActionNone, ActionToggleVoice}}
	rend := &fakeRenderer{}
	s := NewStage(q, "presentation", disp, rend, Options{Tick: time.Millisecond, Voice: voice}, zap.NewNop())
	done := startStage(t, s)

	require.Eventually(t, func() bool { return !voice.VoiceEnabled() }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return contains(texts(rend.lastOverlay()), "Press 'v' to toggle voice (off)")
	}, time.Second, time.Millisecond)

	q.Close()
	waitDone(t, done)
}

type fakeCamera struct{ running atomic.Bool }

func (c *fakeCamera) Running() bool { return c.running.Load() }

func TestStageShowsStoppedCamera(t *testing.T) {
	q := queue.New(4)
	q.Push(analysis.NewResult(testFrame(t, 1), true, nil))

	cam := &fakeCamera{}
	cam.running.Store(true)
	rend := &fakeRenderer{}
	s := NewStage(q, "presentation", &fakeDisplay{}, rend, Options{Tick: time.Millisecond, Camera: cam}, zap.NewNop())
	done := startStage(t, s)

	require.Eventually(t, func() bool { return rend.renderCount() > 0 }, time.Second, time.Millisecond)
	assert.NotContains(t, texts(rend.lastOverlay()), "CAMERA STOPPED")

	// No new frames arrive while paused; the last one is redrawn with the banner.
	cam.running.Store(false)
	require.Eventually(t, func() bool {
		return contains(texts(rend.lastOverlay()), "CAMERA STOPPED")
	}, time.Second, time.Millisecond)

	cam.running.Store(true)
	require.Eventually(t, func() bool {
		return !contains(texts(rend.lastOverlay()), "CAMERA STOPPED")
	}, time.Second, time.Millisecond)

	q.Close()
	waitDone(t, done)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestStageScreenshot(t *testing.T) {
	q := queue.New(4)
	store := &memStore{}
	jr := &shotJournal{}
	disp := &fakeDisplay{}
	s := NewStage(q, "presentation", disp, &fakeRenderer{}, Options{
		Tick:        time.Millisecond,
		Session:     "sess",
		Screenshots: store,
		Journal:     jr,
	}, zap.NewNop())
	done := startStage(t, s)

	ctx := context.Background()
	_, err := s.Screenshot(ctx)
	assert.ErrorIs(t, err, ErrNoFrame)

	q.Push(analysis.NewResult(testFrame(t, 7), true, nil))
	require.Eventually(t, func() bool { return disp.shownCount() > 0 }, time.Second, time.Millisecond)

	loc, err := s.Screenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mem://1", loc)
	assert.Equal(t, []byte("jpg-7"), store.saved[0])

	jr.mu.Lock()
	require.Len(t, jr.shots, 1)
	assert.Equal(t, "sess", jr.shots[0].Session)
	assert.Equal(t, "mem://1", jr.shots[0].Location)
	jr.mu.Unlock()

	q.Close()
	waitDone(t, done)
}

// stalledShots blocks until the save deadline passes.
type stalledShots struct{}

func (stalledShots) Save(ctx context.Context, _ time.Time, _ []byte) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestStageScreenshotDeadline(t *testing.T) {
	q := queue.New(4)
	q.Push(analysis.NewResult(testFrame(t, 1), true, nil))
	disp := &fakeDisplay{}
	s := NewStage(q, "presentation", disp, &fakeRenderer{}, Options{
		Tick:         time.Millisecond,
		Screenshots:  stalledShots{},
		WriteTimeout: 20 * time.Millisecond,
	}, zap.NewNop())
	done := startStage(t, s)
	require.Eventually(t, func() bool { return disp.shownCount() > 0 }, time.Second, time.Millisecond)

	reply := make(chan error, 1)
	go func() {
		_, err := s.Screenshot(context.WithoutCancel(context.Background()))
		reply <- err
	}()
	select {
	case err := <-reply:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("screenshot blocked on a stalled store")
	}

	// The tick loop keeps rendering afterwards.
	shown := disp.shownCount()
	q.Push(analysis.NewResult(testFrame(t, 2), false, nil))
	require.Eventually(t, func() bool { return disp.shownCount() > shown }, time.Second, time.Millisecond)

	q.Close()
	waitDone(t, done)
}

func TestStageScreenshotsDisabled(t *testing.T) {
	q := queue.New(4)
	s := NewStage(q, "presentation", &fakeDisplay{}, &fakeRenderer{}, Options{Tick: time.Millisecond}, zap.NewNop())
	done := startStage(t, s)

	_, err := s.Screenshot(context.Background())
	assert.ErrorIs(t, err, ErrScreenshotsDisabled)

	q.Close()
	waitDone(t, done)
}

func TestStageDuplicateConsumer(t *testing.T) {
	q := queue.New(4)
	require.NoError(t, q.Subscribe("presentation"))
	s := NewStage(q, "presentation", &fakeDisplay{}, &fakeRenderer{}, Options{}, zap.NewNop())
	assert.ErrorIs(t, s.Run(context.Background()), queue.ErrConsumerExists)
}

func TestStageSubscribedBeforeRun(t *testing.T) {
	q := queue.New(4)
	disp := &fakeDisplay{}
	s := NewStage(q, "presentation", disp, &fakeRenderer{}, Options{Tick: time.Millisecond}, zap.NewNop())
	require.NoError(t, s.Subscribe())

	// Another consumer reads the only result before the preview starts.
	require.NoError(t, q.Subscribe("journal"))
	q.Push(analysis.NewResult(testFrame(t, 1), true, nil))
	_, err := q.TryPop("journal")
	require.NoError(t, err)
	q.Close()

	waitDone(t, startStage(t, s))
	require.Equal(t, 1, disp.shownCount())
	assert.Equal(t, uint64(1), disp.last().Seq)
}

func TestMJPEGStreamsFrames(t *testing.T) {
	d := NewMJPEGDisplay(&fakeRenderer{}, zap.NewNop())
	require.NoError(t, d.Show(testFrame(t, 1)))

	srv := httptest.NewServer(d)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "multipart/x-mixed-replace; boundary=frame", resp.Header.Get("Content-Type"))

	mr := multipart.NewReader(resp.Body, mjpegBoundary)
	part, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
	body, err := io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, "jpg-1", string(body))

	require.Equal(t, 1, d.Viewers())
	require.NoError(t, d.Show(testFrame(t, 2)))

	part, err = mr.NextPart()
	require.NoError(t, err)
	body, err = io.ReadAll(part)
	require.NoError(t, err)
	assert.Equal(t, "jpg-2", string(body))
}

func TestMJPEGSkipsEncodingWithoutViewers(t *testing.T) {
	enc := &countingEncoder{}
	d := NewMJPEGDisplay(enc, zap.NewNop())
	require.NoError(t, d.Show(testFrame(t, 1)))
	assert.Zero(t, enc.calls.Load())
	assert.Equal(t, ActionNone, d.Poll())
}

type countingEncoder struct{ calls atomic.Int32 }

func (e *countingEncoder) Encode(*frame.Frame) ([]byte, error) {
	e.calls.Add(1)
	return nil, nil
}
