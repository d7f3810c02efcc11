// Package queue hands analysis results from the inference goroutine to any
// number of independent consumers.
//
// Results live in one bounded ring. Every consumer owns a read cursor into it,
// so all consumers see the same logical stream at their own pace. Push never
// blocks: when the ring is full the oldest retained result is evicted and
// counted as dropped. A result that every registered consumer has read is
// released immediately and takes no capacity.
//
// Close is the end-of-stream signal. Consumers drain what was pushed before
// Close and then receive ErrEndOfStream.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/satindergrewal/moodlens/internal/analysis"
	"github.com/satindergrewal/moodlens/internal/metrics"
)

var (
	// ErrEmpty is returned when no result arrived before the timeout.
	ErrEmpty = errors.New("queue: empty")

	// ErrEndOfStream is returned once the queue is closed and the consumer has
	// read everything pushed before Close.
	ErrEndOfStream = errors.New("queue: end of stream")

	// ErrClosed is returned by Subscribe on a closed queue.
	ErrClosed = errors.New("queue: closed")

	ErrConsumerExists   = errors.New("queue: consumer already subscribed")
	ErrConsumerNotFound = errors.New("queue: consumer not found")
)

// Stats is a snapshot of queue counters.
type Stats struct {
	Published uint64
	Dropped   uint64
	Stale     uint64
	Retained  int
	Consumers map[string]ConsumerStats
}

// ConsumerStats tracks one read cursor.
type ConsumerStats struct {
	Delivered uint64
	Dropped   uint64
	Pending   int
}

type cursor struct {
	next      uint64
	delivered uint64
	dropped   uint64
	notify    chan struct{}
}

func (c *cursor) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// Queue is a bounded drop-oldest fan-out buffer of results.
type Queue struct {
	mu        sync.Mutex
	ring      []*analysis.Result
	head      uint64 // sequence of the oldest retained result
	tail      uint64 // sequence the next push will take
	last      time.Time
	hasLast   bool
	consumers map[string]*cursor
	closed    bool

	published uint64
	dropped   uint64
	stale     uint64
}

// New creates a queue retaining at most capacity results.
func New(capacity int) *Queue {
	if capacity < 1 {
		panic("queue: capacity must be at least 1")
	}
	return &Queue{
		ring:      make([]*analysis.Result, capacity),
		consumers: make(map[string]*cursor),
	}
}

// Capacity returns the maximum number of retained results.
func (q *Queue) Capacity() int {
	return len(q.ring)
}

// Subscribe registers a consumer. Its cursor starts at the oldest retained result.
func (q *Queue) Subscribe(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if _, ok := q.consumers[id]; ok {
		return ErrConsumerExists
	}
	q.consumers[id] = &cursor{next: q.head, notify: make(chan struct{}, 1)}
	return nil
}

// Unsubscribe removes a consumer and wakes it if it is blocked in Pop.
func (q *Queue) Unsubscribe(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.consumers[id]
	if !ok {
		return ErrConsumerNotFound
	}
	delete(q.consumers, id)
	c.signal()
	q.releaseLocked()
	return nil
}

// Push appends r without blocking. It returns false if r was rejected: the
// queue is closed, or r is older than the previously accepted result.
func (q *Queue) Push(r *analysis.Result) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.hasLast && r.Timestamp.Before(q.last) {
		q.stale++
		metrics.QueueStaleTotal.Inc()
		return false
	}

	if q.tail-q.head == uint64(len(q.ring)) {
		q.evictLocked()
	}
	q.ring[q.tail%uint64(len(q.ring))] = r
	q.tail++
	q.last, q.hasLast = r.Timestamp, true
	q.published++

	for _, c := range q.consumers {
		c.signal()
	}
	return true
}

// Pop returns the next result for consumer id. It waits up to timeout
// (forever if timeout <= 0) and returns ErrEmpty when nothing arrived.
func (q *Queue) Pop(ctx context.Context, id string, timeout time.Duration) (*analysis.Result, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		r, c, err := q.take(id)
		if !errors.Is(err, ErrEmpty) {
			return r, err
		}
		select {
		case <-c.notify:
		case <-expired:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryPop returns the next result for id without waiting.
func (q *Queue) TryPop(id string) (*analysis.Result, error) {
	r, _, err := q.take(id)
	return r, err
}

// Close ends the stream. Pending results stay readable. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	for _, c := range q.consumers {
		c.signal()
	}
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		Published: q.published,
		Dropped:   q.dropped,
		Stale:     q.stale,
		Retained:  int(q.tail - q.head),
		Consumers: make(map[string]ConsumerStats, len(q.consumers)),
	}
	for id, c := range q.consumers {
		s.Consumers[id] = ConsumerStats{
			Delivered: c.delivered,
			Dropped:   c.dropped,
			Pending:   int(q.tail - c.next),
		}
	}
	return s
}

func (q *Queue) take(id string) (*analysis.Result, *cursor, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	c, ok := q.consumers[id]
	if !ok {
		return nil, nil, ErrConsumerNotFound
	}
	if c.next < q.tail {
		r := q.ring[c.next%uint64(len(q.ring))]
		c.next++
		c.delivered++
		q.releaseLocked()
		return r, c, nil
	}
	if q.closed {
		return nil, c, ErrEndOfStream
	}
	return nil, c, ErrEmpty
}

// evictLocked drops the oldest retained result. Cursors still pointing at it
// skip past and record the loss.
func (q *Queue) evictLocked() {
	seq := q.head
	q.ring[seq%uint64(len(q.ring))] = nil
	q.head++
	q.dropped++
	metrics.QueueDroppedTotal.Inc()

	for _, c := range q.consumers {
		if c.next == seq {
			c.next++
			c.dropped++
		}
	}
}

// releaseLocked frees results every consumer has read. With no consumers
// registered results are kept for whoever subscribes next.
func (q *Queue) releaseLocked() {
	if len(q.consumers) == 0 {
		return
	}
	low := q.tail
	for _, c := range q.consumers {
		if c.next < low {
			low = c.next
		}
	}
	for q.head < low {
		q.ring[q.head%uint64(len(q.ring))] = nil
		q.head++
	}
}
