package async

import (
	"context"
	"errors"
	"sync"

	"github.com/joseph-ayodele/bill-extractor/internal/entity"
)

// ErrQueueClosed is returned when pushing to a closed queue.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded multi-producer/multi-consumer FIFO of file units.
// Push never blocks; Pop blocks until a unit is available, the queue is
// closed or ctx is done.
type Queue struct {
	mu     sync.Mutex
	items  []entity.FileUnit
	signal chan struct{}
	closed bool
}

func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{})}
}

// Push appends units in order.
func (q *Queue) Push(units ...entity.FileUnit) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(units) == 0 {
		return nil
	}
	q.items = append(q.items, units...)
	// wake every waiting consumer; the losers go back to sleep
	close(q.signal)
	q.signal = make(chan struct{})
	return nil
}

// Pop removes the oldest unit. ok is false once the queue is closed, even
// when units remain; those are left to restart recovery.
func (q *Queue) Pop(ctx context.Context) (unit entity.FileUnit, ok bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return entity.FileUnit{}, false
		}
		if len(q.items) > 0 {
			unit = q.items[0]
			q.items[0] = entity.FileUnit{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return unit, true
		}
		wait := q.signal
		q.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return entity.FileUnit{}, false
		}
	}
}

// Len returns the number of queued units.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue and releases every blocked Pop.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
