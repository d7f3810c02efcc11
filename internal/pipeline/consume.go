package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/queue"
)

// Handler processes one result for a consumer.
type Handler func(ctx context.Context, r *analysis.Result) error

// Consume subscribes id to q and serves it. See Serve.
func Consume(ctx context.Context, q *queue.Queue, id string, timeout time.Duration, logger *zap.Logger, handle Handler) error {
	if err := q.Subscribe(id); err != nil {
		return err
	}
	return Serve(ctx, q, id, timeout, logger, handle)
}

// Serve feeds every result for the already subscribed id to handle until the
// stream ends or ctx is cancelled, then unsubscribes. Subscribing before the
// producer starts guarantees the consumer sees the first result. Handler
// errors are logged and the loop carries on. Serve returns nil on end of stream.
func Serve(ctx context.Context, q *queue.Queue, id string, timeout time.Duration, logger *zap.Logger, handle Handler) error {
	defer q.Unsubscribe(id)

	log := logger.With(zap.String("consumer", id))
	for {
		r, err := q.Pop(ctx, id, timeout)
		switch {
		case err == nil:
		case errors.Is(err, queue.ErrEmpty):
			continue
		case errors.Is(err, queue.ErrEndOfStream):
			log.Debug("end of stream")
			return nil
		default:
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := handle(ctx, r); err != nil {
			log.Warn("consumer failed to handle result", zap.Uint64("seq", r.Seq), zap.Error(err))
		}
	}
}
