package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewRedisQueue(client, testConfig()), mr
}

func TestRedisQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("round-trips events in order", func(t *testing.T) {
		q, _ := setupRedisQueue(t)

		sent := CostEvent{
			ID:         "ev0",
			KeyID:      "k1",
			UserID:     "u1",
			ProviderID: "p1",
			SessionID:  "s1",
			CostUSD:    1.25,
			OccurredAt: time.Now().UTC().Truncate(time.Millisecond),
		}
		require.NoError(t, q.Enqueue(ctx, sent))
		require.NoError(t, q.Enqueue(ctx, CostEvent{ID: "ev1"}))

		events, err := q.DequeueWithTimeout(ctx, 10, 100*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, sent, events[0])
		assert.Equal(t, "ev1", events[1].ID)
	})

	t.Run("dequeue respects the batch size", func(t *testing.T) {
		q, _ := setupRedisQueue(t)

		for i := 0; i < 4; i++ {
			require.NoError(t, q.Enqueue(ctx, CostEvent{ID: fmt.Sprintf("ev%d", i)}))
		}

		events, err := q.DequeueWithTimeout(ctx, 3, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Len(t, events, 3)

		n, err := q.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n, "the unread event stays queued")
	})

	t.Run("malformed payloads are skipped", func(t *testing.T) {
		q, mr := setupRedisQueue(t)

		require.NoError(t, q.Enqueue(ctx, CostEvent{ID: "good-1"}))
		_, err := mr.Push("queue:cost", "not json")
		require.NoError(t, err)
		require.NoError(t, q.Enqueue(ctx, CostEvent{ID: "good-2"}))

		events, err := q.DequeueWithTimeout(ctx, 10, 100*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "good-1", events[0].ID)
		assert.Equal(t, "good-2", events[1].ID)
	})

	t.Run("empty queue returns nothing", func(t *testing.T) {
		q, _ := setupRedisQueue(t)

		events, err := q.DequeueWithTimeout(ctx, 10, 50*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("outage surfaces errors to the worker", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		addr := mr.Addr()
		mr.Close()

		client := redis.NewClient(&redis.Options{
			Addr:        addr,
			MaxRetries:  -1,
			DialTimeout: 50 * time.Millisecond,
		})
		t.Cleanup(func() { client.Close() })
		q := NewRedisQueue(client, testConfig())

		assert.Error(t, q.Enqueue(ctx, CostEvent{ID: "ev"}))
		_, err = q.DequeueWithTimeout(ctx, 10, 50*time.Millisecond)
		assert.Error(t, err)
		_, err = q.Length(ctx)
		assert.Error(t, err)
	})
}
