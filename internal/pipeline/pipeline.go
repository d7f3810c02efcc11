// Package pipeline connects a capture source to the result queue.
//
// Capture and inference run on separate goroutines joined by a single-slot
// mailbox: a new frame replaces one inference has not picked up yet, so a slow
// model never stalls the camera.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/frame"
	"github.com/satindergrewal/moodlens/internal/metrics"
	"github.com/satindergrewal/moodlens/internal/queue"
)

// Config controls sampling and capture retries.
type Config struct {
	// AnalyzeEvery is the minimum Seq gap between two analyzed frames. Other
	// frames pass through for display only.
	AnalyzeEvery int
	RetryBase    time.Duration
	RetryMax     time.Duration
	// Mirror flips frames horizontally so the preview behaves like a mirror.
	Mirror bool
}

// Reopener is implemented by sources that can reconnect to their device.
type Reopener interface {
	Reopen() error
}

// Releaser is implemented by sources that can give up their device while
// capture is paused. Reopen takes it back.
type Releaser interface {
	Release() error
}

// Stats counts frames through the runner.
type Stats struct {
	Captured      uint64
	Analyzed      uint64
	PassedThrough uint64
	InboxDrops    uint64
	Retries       uint64
	Pauses        uint64
}

// Runner owns the capture and inference goroutines.
type Runner struct {
	source frame.Source
	stage  *analysis.Stage
	queue  *queue.Queue
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	captured      atomic.Uint64
	analyzed      atomic.Uint64
	passedThrough atomic.Uint64
	inboxDrops    atomic.Uint64
	retries       atomic.Uint64
	pauses        atomic.Uint64

	running atomic.Bool
	wake    chan struct{}
}

// New creates a runner. Results go to q, which the runner closes when Run returns.
func New(source frame.Source, stage *analysis.Stage, q *queue.Queue, cfg Config, logger *zap.Logger) *Runner {
	if cfg.AnalyzeEvery < 1 {
		cfg.AnalyzeEvery = 1
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	r := &Runner{
		source: source,
		stage:  stage,
		queue:  q,
		cfg:    cfg,
		logger: logger.With(zap.String("stage", "pipeline")),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
	}
	r.running.Store(true)
	return r
}

// SetRunning pauses or resumes capture. While paused the device is released
// and no frames are produced; the queue stays open.
func (r *Runner) SetRunning(on bool) {
	if r.running.Swap(on) == on {
		return
	}
	r.logger.Info("capture state changed", zap.Bool("running", on))
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Running reports whether capture is active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run blocks until ctx is cancelled or capture fails with a non-retryable
// error. Inference already in progress completes and is pushed before the
// queue is closed.
func (r *Runner) Run(ctx context.Context) error {
	defer r.queue.Close()

	box := newMailbox()
	captureErr := make(chan error, 1)
	go func() {
		defer box.close()
		captureErr <- r.capture(ctx, box)
	}()

	r.infer(context.WithoutCancel(ctx), box)

	err := <-captureErr
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		r.logger.Info("pipeline stopped", zap.Uint64("captured", r.captured.Load()))
		return nil
	}
	return err
}

// Stats returns a snapshot of the counters.
func (r *Runner) Stats() Stats {
	return Stats{
		Captured:      r.captured.Load(),
		Analyzed:      r.analyzed.Load(),
		PassedThrough: r.passedThrough.Load(),
		InboxDrops:    r.inboxDrops.Load(),
		Retries:       r.retries.Load(),
		Pauses:        r.pauses.Load(),
	}
}

func (r *Runner) capture(ctx context.Context, box *mailbox) error {
	var (
		seq     uint64
		last    time.Time
		attempt int
	)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !r.running.Load() {
			if err := r.pause(ctx); err != nil {
				return err
			}
			attempt = 0
			continue
		}

		f, err := r.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if !errors.Is(err, frame.ErrUnavailable) {
				return fmt.Errorf("capture: %w", err)
			}

			attempt++
			delay := calculateBackoff(attempt, r.cfg.RetryBase, r.cfg.RetryMax)
			r.retries.Add(1)
			metrics.CaptureRetriesTotal.Inc()
			r.logger.Warn("capture device unavailable, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			if ro, ok := r.source.(Reopener); ok {
				if err := ro.Reopen(); err != nil {
					r.logger.Warn("reopen capture device", zap.Error(err))
				}
			}
			continue
		}

		if !r.running.Load() {
			// paused while the read was in flight
			continue
		}
		if attempt > 0 {
			r.logger.Info("capture device recovered", zap.Int("attempts", attempt))
			attempt = 0
		}

		seq++
		ts := r.now()
		if ts.Before(last) {
			ts = last
		}
		last = ts

		f = f.Stamp(seq, ts)
		if r.cfg.Mirror {
			f = f.Mirror()
		}

		r.captured.Add(1)
		metrics.FramesCapturedTotal.Inc()
		if box.put(f) {
			r.inboxDrops.Add(1)
			metrics.InboxDropsTotal.Inc()
		}
	}
}

// pause releases the device and waits for SetRunning(true).
func (r *Runner) pause(ctx context.Context) error {
	r.pauses.Add(1)
	if rel, ok := r.source.(Releaser); ok {
		if err := rel.Release(); err != nil {
			r.logger.Warn("release capture device", zap.Error(err))
		}
	}
	r.logger.Info("capture paused")

	for !r.running.Load() {
		select {
		case <-r.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if ro, ok := r.source.(Reopener); ok {
		// A failed reopen surfaces as ErrUnavailable on the next read and
		// goes through the usual retry path.
		if err := ro.Reopen(); err != nil {
			r.logger.Warn("reopen capture device", zap.Error(err))
		}
	}
	r.logger.Info("capture resumed")
	return nil
}

func (r *Runner) infer(ctx context.Context, box *mailbox) {
	var (
		lastAnalyzed uint64
		analyzedAny  bool
	)
	for {
		f, ok := box.take()
		if !ok {
			return
		}

		var res *analysis.Result
		if !analyzedAny || f.Seq-lastAnalyzed >= uint64(r.cfg.AnalyzeEvery) {
			res = r.stage.Analyze(ctx, f)
			lastAnalyzed, analyzedAny = f.Seq, true
			r.analyzed.Add(1)
		} else {
			res = r.stage.PassThrough(f)
			r.passedThrough.Add(1)
		}

		if !r.queue.Push(res) {
			r.logger.Debug("result rejected by queue", zap.Uint64("seq", res.Seq))
			continue
		}
		metrics.ResultsTotal.WithLabelValues(strconv.FormatBool(res.Analyzed)).Inc()
	}
}

// calculateBackoff returns base * 2^(attempt-1), capped at max.
func calculateBackoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return max
	}
	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max || delay <= 0 {
		delay = max
	}
	return delay
}

// mailbox holds at most one frame. put overwrites, take waits.
type mailbox struct {
	mu     sync.Mutex
	frame  *frame.Frame
	closed bool
	notify chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// put stores f and reports whether an unconsumed frame was overwritten.
func (m *mailbox) put(f *frame.Frame) bool {
	m.mu.Lock()
	dropped := m.frame != nil
	m.frame = f
	m.mu.Unlock()

	m.signal()
	return dropped
}

// take returns the pending frame, waiting for one. It returns false once the
// mailbox is closed. A frame still pending at close is discarded.
func (m *mailbox) take() (*frame.Frame, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, false
		}
		if f := m.frame; f != nil {
			m.frame = nil
			m.mu.Unlock()
			return f, true
		}
		m.mu.Unlock()
		<-m.notify
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.frame = nil
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
