package quota

import (
	"context"
	"time"

	"quotagate/internal/metrics"
	"quotagate/internal/queue"
	"quotagate/internal/utils"
)

// CostSubmitter is the "submit and forget" boundary for cost tracking:
// TrackCost hands events here and returns immediately, and the worker applies
// them to the counters with its own retry and logging. Tracking failures are
// therefore structurally unable to affect a request's outcome.
type CostSubmitter struct {
	queue   queue.Queue
	tracker *CostTracker
	config  *queue.Config
	log     *utils.Logger
	metrics *metrics.Metrics

	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewCostSubmitter creates a submitter draining into the given tracker.
func NewCostSubmitter(q queue.Queue, tracker *CostTracker, config *queue.Config, log *utils.Logger, m *metrics.Metrics) *CostSubmitter {
	if config == nil {
		config = queue.DefaultConfig("cost")
	}
	if log == nil {
		log = utils.NewLogger("cost-worker")
	}
	return &CostSubmitter{
		queue:       q,
		tracker:     tracker,
		config:      config,
		log:         log,
		metrics:     m,
		stopChan:    make(chan struct{}),
		stoppedChan: make(chan struct{}),
	}
}

// Submit enqueues a cost event without blocking. A full or closed queue drops
// the event with a log line; dropping is preferable to stalling a request.
func (s *CostSubmitter) Submit(ev queue.CostEvent) {
	if err := s.queue.Enqueue(context.Background(), ev); err != nil {
		s.log.Warn("cost event dropped", "event", ev.ID, "error", err)
	}
}

// Start starts the worker goroutine.
func (s *CostSubmitter) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop gracefully stops the worker after the current batch.
func (s *CostSubmitter) Stop() {
	close(s.stopChan)
	<-s.stoppedChan
}

func (s *CostSubmitter) run(ctx context.Context) {
	defer close(s.stoppedChan)

	for {
		select {
		case <-s.stopChan:
			s.log.Info("cost worker stopping")
			return
		case <-ctx.Done():
			s.log.Info("cost worker context cancelled")
			return
		default:
			s.processBatch(ctx)
		}
	}
}

func (s *CostSubmitter) processBatch(ctx context.Context) {
	events, err := s.queue.DequeueWithTimeout(ctx, s.config.BatchSize, s.config.BatchTimeout)
	if err != nil {
		if err != queue.ErrQueueClosed && ctx.Err() == nil {
			s.log.Error("failed to dequeue cost events", "error", err)
			time.Sleep(time.Second)
		}
		return
	}

	if depth, err := s.queue.Length(ctx); err == nil {
		s.metrics.SetCostQueueDepth(depth)
	}

	for _, ev := range events {
		s.applyWithRetry(ctx, ev)
	}
}

// applyWithRetry applies one event with bounded retries and backoff. Events
// that still fail are logged and dropped; the running counters self-correct on
// the next database fallback.
func (s *CostSubmitter) applyWithRetry(ctx context.Context, ev queue.CostEvent) {
	var lastErr error
	for attempt := 0; attempt <= s.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.config.RetryBackoff * time.Duration(attempt))
		}
		if lastErr = s.tracker.applyCost(ctx, ev); lastErr == nil {
			return
		}
	}
	s.log.Error("cost event abandoned after retries",
		"event", ev.ID, "cost", ev.CostUSD, "error", lastErr)
}
