package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *Config {
	return &Config{
		Name:         "cost",
		BatchSize:    5,
		BatchTimeout: 20 * time.Millisecond,
		MaxRetries:   3,
		RetryBackoff: time.Millisecond,
	}
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("enqueue and dequeue preserve order", func(t *testing.T) {
		q := NewMemoryQueue(testConfig())
		defer q.Close()

		for i := 0; i < 3; i++ {
			require.NoError(t, q.Enqueue(ctx, CostEvent{ID: fmt.Sprintf("ev%d", i), CostUSD: float64(i)}))
		}

		events, err := q.DequeueWithTimeout(ctx, 10, 20*time.Millisecond)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			assert.Equal(t, fmt.Sprintf("ev%d", i), ev.ID)
		}
	})

	t.Run("dequeue respects the batch size", func(t *testing.T) {
		q := NewMemoryQueue(testConfig())
		defer q.Close()

		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(ctx, CostEvent{ID: fmt.Sprintf("ev%d", i)}))
		}

		events, err := q.DequeueWithTimeout(ctx, 2, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Len(t, events, 2)

		n, err := q.Length(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("empty dequeue returns after the timeout", func(t *testing.T) {
		q := NewMemoryQueue(testConfig())
		defer q.Close()

		start := time.Now()
		events, err := q.DequeueWithTimeout(ctx, 10, 20*time.Millisecond)
		require.NoError(t, err)
		assert.Empty(t, events)
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("full queue rejects instead of blocking", func(t *testing.T) {
		cfg := testConfig()
		cfg.BatchSize = 1 // capacity 10
		q := NewMemoryQueue(cfg)
		defer q.Close()

		for i := 0; i < 10; i++ {
			require.NoError(t, q.Enqueue(ctx, CostEvent{ID: fmt.Sprintf("ev%d", i)}))
		}
		assert.ErrorIs(t, q.Enqueue(ctx, CostEvent{ID: "overflow"}), ErrQueueFull)
	})

	t.Run("cancelled context aborts the wait", func(t *testing.T) {
		q := NewMemoryQueue(testConfig())
		defer q.Close()

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := q.DequeueWithTimeout(cancelled, 10, time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("closed queue errors everywhere", func(t *testing.T) {
		q := NewMemoryQueue(testConfig())
		require.NoError(t, q.Close())
		require.NoError(t, q.Close(), "closing twice is fine")

		assert.ErrorIs(t, q.Enqueue(ctx, CostEvent{ID: "ev"}), ErrQueueClosed)
		_, err := q.DequeueWithTimeout(ctx, 10, time.Millisecond)
		assert.ErrorIs(t, err, ErrQueueClosed)
		_, err = q.Length(ctx)
		assert.ErrorIs(t, err, ErrQueueClosed)
	})
}
