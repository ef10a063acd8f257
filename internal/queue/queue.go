package queue

import (
	"context"
	"time"
)

// Package queue provides the transport for fire-and-forget cost tracking with
// two backends:
//
// 1. Memory queue (channel-based): no persistence, zero external
//    dependencies, right for standalone deployments.
// 2. Redis queue (list-based): survives restarts and supports draining by
//    another instance, right for multi-pod deployments.
//
// Either way, the submitter enqueues and returns immediately; a worker drains
// batches and applies them to the cost counters with bounded retries.

// CostEvent is one realized request cost waiting to be folded into the
// running counters.
type CostEvent struct {
	ID         string    `json:"id"`
	KeyID      string    `json:"key_id"`
	UserID     string    `json:"user_id,omitempty"`
	ProviderID string    `json:"provider_id"`
	SessionID  string    `json:"session_id,omitempty"`
	CostUSD    float64   `json:"cost_usd"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Queue defines the transport for cost events.
type Queue interface {
	// Enqueue adds an event to the queue.
	Enqueue(ctx context.Context, ev CostEvent) error

	// DequeueWithTimeout retrieves up to maxItems events, waiting at most
	// timeout for the first one. Returns an empty slice on timeout.
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]CostEvent, error)

	// Length returns the current queue depth.
	Length(ctx context.Context) (int, error)

	// Close shuts down the queue gracefully.
	Close() error
}

// Config holds queue and worker tunables.
type Config struct {
	Name         string
	BatchSize    int
	BatchTimeout time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultConfig returns production defaults for the named queue.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:         name,
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 100 * time.Millisecond,
	}
}
