package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue implements Queue using an in-memory channel.
type MemoryQueue struct {
	events chan CostEvent
	mu     sync.RWMutex
	closed bool
}

// NewMemoryQueue creates a new in-memory queue sized for ten batches.
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}
	return &MemoryQueue{
		events: make(chan CostEvent, config.BatchSize*10),
	}
}

// Enqueue adds an event without blocking; a full queue returns ErrQueueFull
// so the submitter can drop the event instead of stalling a request.
func (q *MemoryQueue) Enqueue(ctx context.Context, ev CostEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// DequeueWithTimeout retrieves events, waiting up to timeout for the first.
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]CostEvent, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	var events []CostEvent
	deadline := time.After(timeout)

	select {
	case ev := <-q.events:
		events = append(events, ev)
	case <-deadline:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Drain more without blocking.
	for len(events) < maxItems {
		select {
		case ev := <-q.events:
			events = append(events, ev)
		default:
			return events, nil
		}
	}

	return events, nil
}

// Length returns the current queue depth.
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	return len(q.events), nil
}

// Close shuts down the queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.events)
	return nil
}
