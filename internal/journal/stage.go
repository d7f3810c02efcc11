package journal

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/metrics"
)

// Stage writes one record per analyzed result. A failing store is reported
// once; after that the stage is degraded and skips records, trying the store
// again every retry interval until a write succeeds. Each write gets its own
// deadline so a stalled backend cannot hold up the consumer loop.
type Stage struct {
	store   Store
	session string
	retry   time.Duration
	timeout time.Duration
	logger  *zap.Logger
	now     func() time.Time

	degraded  atomic.Bool
	nextRetry time.Time
	skipped   uint64
	written   atomic.Uint64
}

// NewStage creates the journal consumer. A write that takes longer than
// timeout counts as a failure.
func NewStage(store Store, session string, retry, timeout time.Duration, logger *zap.Logger) *Stage {
	if retry <= 0 {
		retry = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Stage{
		store:   store,
		session: session,
		retry:   retry,
		timeout: timeout,
		logger:  logger.With(zap.String("stage", "journal")),
		now:     time.Now,
	}
}

// Degraded reports whether writes are currently being skipped.
func (s *Stage) Degraded() bool {
	return s.degraded.Load()
}

// Written returns the number of records stored.
func (s *Stage) Written() uint64 {
	return s.written.Load()
}

// Handle is the consumer callback. Store failures never propagate.
func (s *Stage) Handle(ctx context.Context, r *analysis.Result) error {
	rec, ok := NewRecord(s.session, r)
	if !ok {
		return nil
	}
	s.logger.Info("emotion detected",
		zap.Uint64("seq", rec.Seq),
		zap.String("emotion", rec.Label),
		zap.Float64("confidence", rec.Confidence),
		zap.Int("faces", len(rec.Faces)),
	)

	now := s.now()
	if s.degraded.Load() && now.Before(s.nextRetry) {
		s.skipped++
		metrics.JournalSkippedTotal.Inc()
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, s.timeout)
	err := s.store.Append(wctx, rec)
	cancel()
	if err != nil {
		metrics.JournalFailuresTotal.Inc()
		s.nextRetry = now.Add(s.retry)
		if s.degraded.CompareAndSwap(false, true) {
			s.skipped = 0
			s.logger.Error("journal write failed, skipping records until it recovers",
				zap.Duration("retry_every", s.retry),
				zap.Error(err),
			)
		} else {
			s.logger.Debug("journal still unavailable", zap.Error(err))
		}
		return nil
	}

	s.written.Add(1)
	if s.degraded.CompareAndSwap(true, false) {
		s.logger.Info("journal recovered", zap.Uint64("skipped", s.skipped))
	}
	return nil
}
