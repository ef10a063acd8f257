package quota

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"quotagate/internal/metrics"
	"quotagate/internal/utils"
)

// BudgetLease is a short-lived slice of remaining spending budget for one
// entity/window, refreshed periodically from the authoritative store. It is
// created on cache miss, TTL expiry, or a limit-amount change; mutated only by
// atomic decrement; destroyed by TTL expiry in the cache.
type BudgetLease struct {
	EntityType      EntityType
	EntityID        string
	Window          Window
	ResetMode       ResetMode
	ResetTime       string
	SnapshotAtMs    int64
	CurrentUsage    float64
	LimitAmount     float64
	RemainingBudget float64
	TTLSeconds      int
}

// DecrementResult reports the outcome of an atomic lease decrement.
// NewRemaining is -1 when no lease exists for the key ("not found" is distinct
// from "insufficient"). FailOpen is set when the cache erred and the caller
// must treat the spend as admitted.
type DecrementResult struct {
	Success      bool
	NewRemaining float64
	FailOpen     bool
}

// leaseDecrementScript reads the lease, denies if the remaining budget cannot
// cover the cost, and otherwise rewrites the remainder in place. HSET leaves
// the key's TTL untouched, so the lease keeps its current expiry. The new
// remainder is returned as a string because Lua number replies are truncated
// to integers.
var leaseDecrementScript = redis.NewScript(`
	local remaining = redis.call('HGET', KEYS[1], 'remaining_budget')
	if not remaining then
		return {-1, '0'}
	end
	remaining = tonumber(remaining)
	local cost = tonumber(ARGV[1])
	if remaining < cost then
		return {0, '0'}
	end
	local updated = remaining - cost
	redis.call('HSET', KEYS[1], 'remaining_budget', tostring(updated))
	return {1, tostring(updated)}
`)

const defaultLeaseTTLSeconds = 60

// LeaseSlicer hands out pre-computed spending allowances so that high-volume
// entities do not need a database read on every request. A lease bounds
// over/under-spend slack by leasePercent x limit (further bounded by the cap)
// in exchange for a large reduction in read amplification.
type LeaseSlicer struct {
	redis    *redis.Client
	costs    CostAggregator
	settings SettingsProvider
	log      *utils.Logger
	metrics  *metrics.Metrics
	loc      *time.Location
	now      func() time.Time
}

// NewLeaseSlicer creates a lease slicer. loc is the timezone used to resolve
// fixed window boundaries; nil means UTC.
func NewLeaseSlicer(client *redis.Client, costs CostAggregator, settings SettingsProvider, loc *time.Location, log *utils.Logger, m *metrics.Metrics) *LeaseSlicer {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = utils.NewLogger("lease")
	}
	return &LeaseSlicer{
		redis:    client,
		costs:    costs,
		settings: settings,
		log:      log,
		metrics:  m,
		loc:      loc,
		now:      time.Now,
	}
}

// GetCostLease returns the cached lease for (entityType, entityID, window),
// refreshing it from the database when the cache misses, the TTL has lapsed,
// or the configured limit changed since the lease was cut. A nil return means
// "treat as unlimited" (fail-open); it is never an error signal.
func (s *LeaseSlicer) GetCostLease(ctx context.Context, entityType EntityType, entityID string, window Window, limitAmount float64, resetTime string, mode ResetMode) *BudgetLease {
	key := s.leaseKey(entityType, entityID, window)

	fields, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		s.log.Error("lease lookup failed, failing open", "key", key, "error", err)
		s.metrics.ObserveFailOpen("lease")
		return nil
	}

	if len(fields) > 0 {
		lease, parseErr := leaseFromFields(fields)
		if parseErr == nil && lease.LimitAmount == limitAmount {
			s.metrics.ObserveCheck("lease", "hit")
			return lease
		}
		// Mismatched limit means the limit was edited since the lease was
		// cached; fall through to a forced refresh.
	}

	return s.refreshFromDB(ctx, entityType, entityID, window, limitAmount, resetTime, mode)
}

// refreshFromDB computes a fresh lease from a database snapshot and writes it
// to the cache. Any error at any step logs and returns nil (fail-open).
func (s *LeaseSlicer) refreshFromDB(ctx context.Context, entityType EntityType, entityID string, window Window, limitAmount float64, resetTime string, mode ResetMode) *BudgetLease {
	settings, err := s.settings.QuotaSettings(ctx)
	if err != nil {
		s.log.Error("lease refresh failed reading settings, failing open", "error", err)
		s.metrics.ObserveFailOpen("lease")
		return nil
	}

	bounds, err := ResolveWindow(window, resetTime, mode, s.loc, s.now())
	if err != nil {
		s.log.Error("lease refresh failed resolving window, failing open", "window", window, "error", err)
		s.metrics.ObserveFailOpen("lease")
		return nil
	}

	usage, err := s.costs.SumCost(ctx, entityType, entityID, bounds.Start, bounds.End)
	if err != nil {
		s.log.Error("lease refresh failed reading usage, failing open", "entity", entityID, "error", err)
		s.metrics.ObserveFailOpen("lease")
		return nil
	}

	ttl := settings.RefreshIntervalSeconds
	if ttl <= 0 {
		ttl = defaultLeaseTTLSeconds
	}

	lease := &BudgetLease{
		EntityType:      entityType,
		EntityID:        entityID,
		Window:          window,
		ResetMode:       mode,
		ResetTime:       resetTime,
		SnapshotAtMs:    s.now().UnixMilli(),
		CurrentUsage:    usage,
		LimitAmount:     limitAmount,
		RemainingBudget: calculateLeaseSlice(limitAmount, usage, settings.LeasePercent[window], settings.LeaseCapUSD),
		TTLSeconds:      ttl,
	}

	key := s.leaseKey(entityType, entityID, window)
	pipe := s.redis.TxPipeline()
	pipe.HSet(ctx, key, leaseToFields(lease))
	pipe.Expire(ctx, key, time.Duration(ttl)*time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		s.log.Error("lease cache write failed, failing open", "key", key, "error", err)
		s.metrics.ObserveFailOpen("lease")
		return nil
	}

	s.metrics.ObserveFallback("lease")
	return lease
}

// DecrementLeaseBudget atomically spends cost against the cached lease. A
// cache error yields success with FailOpen set: admission must never be
// blocked by a cache outage.
func (s *LeaseSlicer) DecrementLeaseBudget(ctx context.Context, entityType EntityType, entityID string, window Window, cost float64) DecrementResult {
	key := s.leaseKey(entityType, entityID, window)

	res, err := leaseDecrementScript.Run(ctx, s.redis, []string{key}, formatAmount(cost)).Slice()
	if err != nil {
		s.log.Error("lease decrement failed, failing open", "key", key, "error", err)
		s.metrics.ObserveFailOpen("lease")
		return DecrementResult{Success: true, NewRemaining: -1, FailOpen: true}
	}

	status, remaining := parseDecrementReply(res)
	switch status {
	case -1:
		// No lease cached: the caller draws a fresh one via GetCostLease.
		return DecrementResult{Success: true, NewRemaining: -1}
	case 0:
		s.metrics.ObserveCheck("lease", "denied")
		return DecrementResult{Success: false, NewRemaining: 0}
	default:
		s.metrics.ObserveCheck("lease", "allowed")
		return DecrementResult{Success: true, NewRemaining: remaining}
	}
}

// calculateLeaseSlice computes the budget slice handed out with a fresh lease:
// the smallest of limit*percent, the remaining headroom under the limit, and
// the absolute cap, clamped at zero and rounded to 4 decimals.
func calculateLeaseSlice(limitAmount, currentUsage, percent float64, capUSD *float64) float64 {
	if limitAmount <= 0 {
		return 0
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 1 {
		percent = 1
	}

	slice := limitAmount * percent
	headroom := limitAmount - currentUsage
	if headroom < 0 {
		headroom = 0
	}
	if slice > headroom {
		slice = headroom
	}
	if capUSD != nil && slice > *capUSD {
		slice = *capUSD
	}
	if slice < 0 {
		slice = 0
	}
	return round4(slice)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func (s *LeaseSlicer) leaseKey(entityType EntityType, entityID string, window Window) string {
	return fmt.Sprintf("lease:%s:%s:%s", entityType, entityID, window)
}

func leaseToFields(l *BudgetLease) map[string]interface{} {
	return map[string]interface{}{
		"entity_type":      string(l.EntityType),
		"entity_id":        l.EntityID,
		"window":           string(l.Window),
		"reset_mode":       string(l.ResetMode),
		"reset_time":       l.ResetTime,
		"snapshot_at_ms":   strconv.FormatInt(l.SnapshotAtMs, 10),
		"current_usage":    formatAmount(l.CurrentUsage),
		"limit_amount":     formatAmount(l.LimitAmount),
		"remaining_budget": formatAmount(l.RemainingBudget),
		"ttl_seconds":      strconv.Itoa(l.TTLSeconds),
	}
}

func leaseFromFields(fields map[string]string) (*BudgetLease, error) {
	snapshotAt, err := strconv.ParseInt(fields["snapshot_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lease snapshot_at_ms: %w", err)
	}
	usage, err := strconv.ParseFloat(fields["current_usage"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lease current_usage: %w", err)
	}
	limit, err := strconv.ParseFloat(fields["limit_amount"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lease limit_amount: %w", err)
	}
	remaining, err := strconv.ParseFloat(fields["remaining_budget"], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid lease remaining_budget: %w", err)
	}
	ttl, err := strconv.Atoi(fields["ttl_seconds"])
	if err != nil {
		return nil, fmt.Errorf("invalid lease ttl_seconds: %w", err)
	}

	return &BudgetLease{
		EntityType:      EntityType(fields["entity_type"]),
		EntityID:        fields["entity_id"],
		Window:          Window(fields["window"]),
		ResetMode:       ResetMode(fields["reset_mode"]),
		ResetTime:       fields["reset_time"],
		SnapshotAtMs:    snapshotAt,
		CurrentUsage:    usage,
		LimitAmount:     limit,
		RemainingBudget: remaining,
		TTLSeconds:      ttl,
	}, nil
}

func parseDecrementReply(res []interface{}) (status int64, remaining float64) {
	if len(res) != 2 {
		return -1, 0
	}
	if v, ok := res[0].(int64); ok {
		status = v
	}
	if v, ok := res[1].(string); ok {
		remaining, _ = strconv.ParseFloat(v, 64)
	}
	return status, remaining
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
