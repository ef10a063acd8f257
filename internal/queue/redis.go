package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis list, so queued cost events survive
// restarts and can be drained by any gateway instance.
type RedisQueue struct {
	client *redis.Client
	qKey   string
}

// NewRedisQueue creates a Redis-backed queue on an injected client.
func NewRedisQueue(client *redis.Client, config *Config) *RedisQueue {
	if config == nil {
		config = DefaultConfig("cost")
	}
	return &RedisQueue{
		client: client,
		qKey:   fmt.Sprintf("queue:%s", config.Name),
	}
}

// Enqueue adds an event to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, ev CostEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal cost event: %w", err)
	}
	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push cost event: %w", err)
	}
	return nil
}

// DequeueWithTimeout retrieves events, blocking up to timeout for the first.
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]CostEvent, error) {
	first, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop cost event: %w", err)
	}

	// first[0] is the key, first[1] the payload.
	events := make([]CostEvent, 0, maxItems)
	ev, err := decodeEvent([]byte(first[1]))
	if err != nil {
		return nil, err
	}
	events = append(events, ev)

	for len(events) < maxItems {
		raw, err := q.client.LPop(ctx, q.qKey).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			// Return what we have; the rest stays queued.
			return events, nil
		}
		ev, err := decodeEvent([]byte(raw))
		if err != nil {
			continue
		}
		events = append(events, ev)
	}

	return events, nil
}

// Length returns the current queue depth.
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue length: %w", err)
	}
	return int(n), nil
}

// Close is a no-op: the client is owned by the caller.
func (q *RedisQueue) Close() error {
	return nil
}

func decodeEvent(data []byte) (CostEvent, error) {
	var ev CostEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return CostEvent{}, fmt.Errorf("failed to unmarshal cost event: %w", err)
	}
	return ev, nil
}
