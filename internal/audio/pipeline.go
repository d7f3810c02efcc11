package audio

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Pipeline plays queued utterances as PCM frames at real-time rate. Between
// utterances it emits silence so downstream encoders keep a steady clock.
type Pipeline struct {
	utterCh chan Utterance
	frameCh chan []int16
	skipCh  chan struct{}
	logger  *zap.Logger

	mu       sync.RWMutex
	current  Utterance
	playing  bool
	position time.Duration
	played   uint64
}

// NewPipeline creates a pipeline that holds up to queue pending utterances.
func NewPipeline(queue int, logger *zap.Logger) *Pipeline {
	if queue < 1 {
		queue = 1
	}
	return &Pipeline{
		utterCh: make(chan Utterance, queue),
		frameCh: make(chan []int16, 100),
		skipCh:  make(chan struct{}, 1),
		logger:  logger.With(zap.String("stage", "speech-stream")),
	}
}

// Frames returns the channel of outgoing PCM frames (20ms each).
func (p *Pipeline) Frames() <-chan []int16 {
	return p.frameCh
}

// Enqueue adds u to the playback queue. It returns false without blocking
// when the queue is full.
func (p *Pipeline) Enqueue(u Utterance) bool {
	select {
	case p.utterCh <- u:
		return true
	default:
		return false
	}
}

// QueueSize returns the number of utterances waiting.
func (p *Pipeline) QueueSize() int {
	return len(p.utterCh)
}

// Skip interrupts the current utterance.
func (p *Pipeline) Skip() {
	select {
	case p.skipCh <- struct{}{}:
	default:
	}
}

// Clear drops every pending utterance and interrupts the one playing. It
// returns the number of utterances dropped from the queue.
func (p *Pipeline) Clear() int {
	dropped := 0
	for {
		select {
		case <-p.utterCh:
			dropped++
		default:
			p.Skip()
			return dropped
		}
	}
}

// Status reports the utterance being played and how far along it is.
func (p *Pipeline) Status() (u Utterance, playing bool, position time.Duration) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current, p.playing, p.position
}

// Played returns the number of utterances played to the end.
func (p *Pipeline) Played() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.played
}

// Run starts the pipeline. Blocks until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.frameCh)

	ticker := time.NewTicker(FrameDuration)
	defer ticker.Stop()

	silence := make([]int16, FrameSamples)
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-p.utterCh:
			if !p.play(ctx, ticker, u) && ctx.Err() != nil {
				return
			}
		default:
			if !p.sendFrame(ctx, ticker, silence, false) {
				return
			}
		}
	}
}

// play sends every frame of u. It returns false when interrupted.
func (p *Pipeline) play(ctx context.Context, ticker *time.Ticker, u Utterance) bool {
	// Drop a skip requested before this utterance started.
	select {
	case <-p.skipCh:
	default:
	}

	p.setCurrent(u)
	defer p.clearCurrent()

	p.logger.Debug("speaking", zap.String("id", u.ID), zap.String("text", u.Text), zap.Duration("duration", u.Duration()))

	for i := 0; i*FrameSamples < len(u.Samples); i++ {
		if !p.sendFrame(ctx, ticker, frameAt(u.Samples, i), true) {
			return false
		}
		p.updatePosition(i + 1)
	}

	p.mu.Lock()
	p.played++
	p.mu.Unlock()
	return true
}

// frameAt returns frame i of samples, zero-padded to a full frame.
func frameAt(samples []int16, i int) []int16 {
	start := i * FrameSamples
	end := start + FrameSamples
	if end <= len(samples) {
		return samples[start:end]
	}
	frame := make([]int16, FrameSamples)
	copy(frame, samples[start:])
	return frame
}

// sendFrame waits for the ticker then sends a frame. Returns false on skip or cancel.
func (p *Pipeline) sendFrame(ctx context.Context, ticker *time.Ticker, frame []int16, skippable bool) bool {
	var skip <-chan struct{}
	if skippable {
		skip = p.skipCh
	}
	select {
	case <-ctx.Done():
		return false
	case <-skip:
		p.logger.Debug("utterance skipped")
		return false
	case <-ticker.C:
	}

	select {
	case p.frameCh <- frame:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *Pipeline) setCurrent(u Utterance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.current = u
	p.playing = true
	p.position = 0
}

func (p *Pipeline) clearCurrent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.playing = false
}

func (p *Pipeline) updatePosition(frames int) {
	p.mu.Lock()
	p.position = time.Duration(frames) * FrameDuration
	p.mu.Unlock()
}
