package quota

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"quotagate/internal/metrics"
	"quotagate/internal/queue"
	"quotagate/internal/utils"
)

const (
	// rpmWindow is the sliding window for per-user request-rate checks.
	rpmWindow = 60 * time.Second
	// rpmKeyTTL is the safety margin on the RPM key so idle keys expire.
	rpmKeyTTL = 2 * rpmWindow

	// rollingKeyMargin keeps the 5h sample set alive slightly past the
	// window so a late read still sees (and prunes) it.
	rollingKeyMargin = 10 * time.Minute

	// trackerResetTime anchors the fixed weekly/monthly counter windows.
	// Per-entity reset times only apply to leases; the shared counters use
	// the canonical midnight boundary.
	trackerResetTime = "00:00"
)

// TrackerConfig holds tunables for the counter-based cost tracker.
type TrackerConfig struct {
	// WarmRate and WarmBurst bound the best-effort cache-warm writes that
	// follow a database fallback, so a cache outage followed by recovery
	// does not stampede Redis.
	WarmRate  rate.Limit
	WarmBurst int
}

// DefaultTrackerConfig returns the production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		WarmRate:  100,
		WarmBurst: 200,
	}
}

// CostLimits are the configured spend ceilings for one admission check.
// A value <= 0 means unlimited for that window.
type CostLimits struct {
	FiveHour float64
	Weekly   float64
	Monthly  float64
}

func (l CostLimits) configured() []struct {
	window Window
	limit  float64
} {
	return []struct {
		window Window
		limit  float64
	}{
		{Window5h, l.FiveHour},
		{WindowWeekly, l.Weekly},
		{WindowMonthly, l.Monthly},
	}
}

// CostTracker maintains live running cost totals per (entity, window) in the
// shared cache with database fallback and cache warming. The 5h window is a
// rolling sorted set of timestamped samples; weekly and monthly are scalar
// counters with TTLs aligned to each window's natural boundary.
type CostTracker struct {
	redis    *redis.Client
	costs    CostAggregator
	sessions *SessionTracker
	log      *utils.Logger
	metrics  *metrics.Metrics
	loc      *time.Location

	warmLimiter *rate.Limiter
	submitter   *CostSubmitter
	now         func() time.Time
}

// NewCostTracker creates a cost tracker. The session tracker is embedded so
// callers get one cohesive admission-check surface per request.
func NewCostTracker(client *redis.Client, costs CostAggregator, sessions *SessionTracker, cfg TrackerConfig, loc *time.Location, log *utils.Logger, m *metrics.Metrics) *CostTracker {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = utils.NewLogger("costs")
	}
	if cfg.WarmRate <= 0 {
		cfg = DefaultTrackerConfig()
	}
	return &CostTracker{
		redis:       client,
		costs:       costs,
		sessions:    sessions,
		log:         log,
		metrics:     m,
		loc:         loc,
		warmLimiter: rate.NewLimiter(cfg.WarmRate, cfg.WarmBurst),
		now:         time.Now,
	}
}

// UseSubmitter routes TrackCost through the given fire-and-forget submitter
// instead of applying costs inline.
func (t *CostTracker) UseSubmitter(s *CostSubmitter) {
	t.submitter = s
}

// CheckCostLimits checks every configured spend ceiling for the entity. If
// the cache is unavailable, or any configured window's counter is absent, the
// whole check falls back to the database (which also warms the cache).
func (t *CostTracker) CheckCostLimits(ctx context.Context, entityType EntityType, entityID string, limits CostLimits) Outcome {
	for _, c := range limits.configured() {
		if c.limit <= 0 {
			continue
		}

		current, ok, err := t.readCounter(ctx, entityType, entityID, c.window)
		if err != nil || !ok {
			if err != nil {
				t.log.Warn("cost counter read failed, falling back to database",
					"entity", entityID, "window", c.window, "error", err)
			}
			return t.checkFromDatabase(ctx, entityType, entityID, limits)
		}

		if current >= c.limit {
			t.metrics.ObserveCheck("costs", "denied")
			return Denied(costLimitReason(c.window, current, c.limit))
		}
	}

	t.metrics.ObserveCheck("costs", "allowed")
	return Allowed()
}

// checkFromDatabase enforces every configured limit from the Cost Aggregator
// and, as a side effect, warms the cache so subsequent checks hit the fast
// path. A database error fails open: this component never throws.
func (t *CostTracker) checkFromDatabase(ctx context.Context, entityType EntityType, entityID string, limits CostLimits) Outcome {
	t.metrics.ObserveFallback("costs")

	for _, c := range limits.configured() {
		if c.limit <= 0 {
			continue
		}

		bounds, err := t.counterBounds(c.window)
		if err != nil {
			t.log.Error("cost window resolution failed, failing open", "window", c.window, "error", err)
			t.metrics.ObserveFailOpen("costs")
			return Unknown()
		}

		total, err := t.costs.SumCost(ctx, entityType, entityID, bounds.Start, bounds.End)
		if err != nil {
			t.log.Error("cost aggregation query failed, failing open",
				"entity", entityID, "window", c.window, "error", err)
			t.metrics.ObserveFailOpen("costs")
			return Unknown()
		}

		t.warmCounter(ctx, entityType, entityID, c.window, total, bounds.TTL)

		if total >= c.limit {
			t.metrics.ObserveCheck("costs", "denied")
			return Denied(costLimitReason(c.window, total, c.limit))
		}
	}

	t.metrics.ObserveCheck("costs", "allowed")
	return Allowed()
}

// TrackCost folds a realized request cost into the running counters for both
// the key and the provider. Best-effort: a completed request must never fail
// because its cost could not be recorded, so this either hands the event to
// the async submitter or applies it inline swallowing errors.
func (t *CostTracker) TrackCost(ctx context.Context, keyID, providerID, sessionID string, cost float64) {
	if cost <= 0 {
		return
	}

	ev := queue.CostEvent{
		ID:         uuid.NewString(),
		KeyID:      keyID,
		ProviderID: providerID,
		SessionID:  sessionID,
		CostUSD:    cost,
		OccurredAt: t.now(),
	}

	if t.submitter != nil {
		t.submitter.Submit(ev)
		return
	}
	t.applyCost(ctx, ev)
}

// applyCost performs the actual counter writes for one cost event: a
// timestamped sample in each 5h rolling set, and TTL-re-armed scalar
// increments for the weekly and monthly windows.
func (t *CostTracker) applyCost(ctx context.Context, ev queue.CostEvent) error {
	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = t.now()
	}

	weeklyTTL, monthlyTTL, err := t.fixedWindowTTLs()
	if err != nil {
		return err
	}

	sample := redis.Z{
		Score:  float64(occurred.UnixMilli()),
		Member: rollingSample(occurred, ev.ID, ev.CostUSD),
	}

	pipe := t.redis.Pipeline()
	for _, e := range []struct {
		entityType EntityType
		id         string
	}{
		{EntityKey, ev.KeyID},
		{EntityProvider, ev.ProviderID},
	} {
		if e.id == "" {
			continue
		}
		rollingKey := t.counterKey(e.entityType, e.id, Window5h)
		pipe.ZAdd(ctx, rollingKey, sample)
		pipe.Expire(ctx, rollingKey, Window5h.Duration()+rollingKeyMargin)

		weeklyKey := t.counterKey(e.entityType, e.id, WindowWeekly)
		pipe.IncrByFloat(ctx, weeklyKey, ev.CostUSD)
		pipe.Expire(ctx, weeklyKey, weeklyTTL)

		monthlyKey := t.counterKey(e.entityType, e.id, WindowMonthly)
		pipe.IncrByFloat(ctx, monthlyKey, ev.CostUSD)
		pipe.Expire(ctx, monthlyKey, monthlyTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to apply cost event %s: %w", ev.ID, err)
	}

	t.metrics.ObserveTrackedCost(ev.CostUSD)
	return nil
}

// CheckUserRPM checks the user's request rate against a sliding 60-second
// window and, only when allowed, registers the new request. Returns the count
// observed before registration. Cache errors fail open.
func (t *CostTracker) CheckUserRPM(ctx context.Context, userID string, limit int) (Outcome, int) {
	if limit <= 0 {
		return Allowed(), 0
	}

	now := t.now()
	key := fmt.Sprintf("rpm:user:%s", userID)
	cutoff := strconv.FormatInt(now.Add(-rpmWindow).UnixMilli(), 10)

	pipe := t.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Error("RPM check failed, failing open", "user", userID, "error", err)
		t.metrics.ObserveFailOpen("rpm")
		return Unknown(), 0
	}

	count := int(card.Val())
	if count >= limit {
		t.metrics.ObserveCheck("rpm", "denied")
		return Denied(fmt.Sprintf("request rate limit reached (%d/%d per minute)", count, limit)), count
	}

	reg := t.redis.Pipeline()
	reg.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString()),
	})
	reg.Expire(ctx, key, rpmKeyTTL)
	if _, err := reg.Exec(ctx); err != nil {
		t.log.Warn("RPM sample registration failed", "user", userID, "error", err)
	}

	t.metrics.ObserveCheck("rpm", "allowed")
	return Allowed(), count
}

// CheckUserDailyCost checks the user's spend since local midnight against a
// ceiling. A cache miss resyncs from the Cost Aggregator's "cost today" query
// and warms the counter with a midnight-aligned TTL.
func (t *CostTracker) CheckUserDailyCost(ctx context.Context, userID string, limit float64) Outcome {
	if limit <= 0 {
		return Allowed()
	}

	current, ok, err := t.readDailyCounter(ctx, userID)
	if err != nil || !ok {
		if err != nil {
			t.log.Warn("daily cost read failed, resyncing from database", "user", userID, "error", err)
		}
		t.metrics.ObserveFallback("daily")

		current, err = t.costs.SumCostToday(ctx, userID)
		if err != nil {
			t.log.Error("daily cost query failed, failing open", "user", userID, "error", err)
			t.metrics.ObserveFailOpen("daily")
			return Unknown()
		}
		t.warmDailyCounter(ctx, userID, current)
	}

	if current >= limit {
		t.metrics.ObserveCheck("daily", "denied")
		return Denied(fmt.Sprintf("daily spend limit reached (%.4f/%g)", current, limit))
	}
	t.metrics.ObserveCheck("daily", "allowed")
	return Allowed()
}

// TrackUserDailyCost adds spend to the user's midnight-aligned daily counter.
// Best-effort; failures are logged and swallowed.
func (t *CostTracker) TrackUserDailyCost(ctx context.Context, userID string, cost float64) {
	if cost <= 0 {
		return
	}

	key := t.dailyKey(userID)
	ttl := time.Duration(SecondsUntilMidnight(t.loc, t.now())) * time.Second

	pipe := t.redis.Pipeline()
	pipe.IncrByFloat(ctx, key, cost)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("daily cost tracking failed", "user", userID, "error", err)
	}
}

// GetCurrentCost returns the entity's running total for the window, serving
// from the cache and falling back to the database (warming on the way back).
// Errors resolve to 0.
func (t *CostTracker) GetCurrentCost(ctx context.Context, entityType EntityType, entityID string, window Window) float64 {
	current, ok, err := t.readCounter(ctx, entityType, entityID, window)
	if err == nil && ok {
		return current
	}
	if err != nil {
		t.log.Warn("cost counter read failed, falling back to database",
			"entity", entityID, "window", window, "error", err)
	}

	bounds, err := t.counterBounds(window)
	if err != nil {
		t.log.Error("cost window resolution failed", "window", window, "error", err)
		return 0
	}
	total, err := t.costs.SumCost(ctx, entityType, entityID, bounds.Start, bounds.End)
	if err != nil {
		t.log.Error("cost aggregation query failed", "entity", entityID, "window", window, "error", err)
		return 0
	}
	t.warmCounter(ctx, entityType, entityID, window, total, bounds.TTL)
	return total
}

// CheckSessionLimit is a read-only concurrency check (prune-then-count, no
// registration) for scopes where atomic check-and-track is not required.
func (t *CostTracker) CheckSessionLimit(ctx context.Context, entityType EntityType, entityID string, limit int) (Outcome, int) {
	if limit <= 0 {
		return Allowed(), 0
	}

	var (
		count int
		err   error
	)
	switch entityType {
	case EntityKey:
		count, err = t.sessions.KeySessionCount(ctx, entityID)
	case EntityUser:
		count, err = t.sessions.UserSessionCount(ctx, entityID)
	case EntityProvider:
		count, err = t.sessions.ProviderSessionCount(ctx, entityID)
	default:
		count, err = t.sessions.GlobalSessionCount(ctx)
	}
	if err != nil {
		t.log.Error("session count failed, failing open", "entity", entityID, "error", err)
		t.metrics.ObserveFailOpen("sessions")
		return Unknown(), 0
	}

	if count >= limit {
		return Denied(fmt.Sprintf("concurrent session limit reached (%d/%d)", count, limit)), count
	}
	return Allowed(), count
}

// CheckAndTrackProviderSession delegates to the session tracker's atomic
// check-and-register for the provider scope.
func (t *CostTracker) CheckAndTrackProviderSession(ctx context.Context, providerID, sessionID string, limit int) TrackResult {
	return t.sessions.CheckAndTrack(ctx, EntityProvider, providerID, sessionID, limit)
}

// readCounter reads the live counter for (entity, window). ok is false when
// the counter key is absent, which callers treat as a cache-miss signal.
func (t *CostTracker) readCounter(ctx context.Context, entityType EntityType, entityID string, window Window) (float64, bool, error) {
	key := t.counterKey(entityType, entityID, window)

	if window == Window5h {
		return t.readRollingCounter(ctx, key)
	}

	val, err := t.redis.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read counter %s: %w", key, err)
	}
	return val, true, nil
}

// readRollingCounter prunes the trailing-window sample set and sums the
// surviving samples. Aggregating at read time keeps the cached value equal to
// a database recomputation, within floating-point rounding.
func (t *CostTracker) readRollingCounter(ctx context.Context, key string) (float64, bool, error) {
	now := t.now()
	cutoff := strconv.FormatInt(now.Add(-Window5h.Duration()).UnixMilli(), 10)

	pipe := t.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	exists := pipe.Exists(ctx, key)
	members := pipe.ZRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, false, fmt.Errorf("failed to read rolling counter %s: %w", key, err)
	}

	if exists.Val() == 0 {
		return 0, false, nil
	}

	var sum float64
	for _, member := range members.Val() {
		sum += rollingSampleAmount(member)
	}
	return sum, true, nil
}

func (t *CostTracker) readDailyCounter(ctx context.Context, userID string) (float64, bool, error) {
	val, err := t.redis.Get(ctx, t.dailyKey(userID)).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read daily counter for %s: %w", userID, err)
	}
	return val, true, nil
}

// warmCounter writes a database total back to the cache. For the rolling 5h
// window the entire historical sum is inserted as a single sample at "now":
// exact reconstruction is impossible from an aggregate, and this deliberate
// approximation matches observable billing behavior. Warms are best-effort
// and throttled.
func (t *CostTracker) warmCounter(ctx context.Context, entityType EntityType, entityID string, window Window, total float64, ttl time.Duration) {
	if !t.warmLimiter.Allow() {
		t.log.Debug("cache warm skipped by throttle", "entity", entityID, "window", window)
		return
	}

	key := t.counterKey(entityType, entityID, window)

	var err error
	if window == Window5h {
		if total > 0 {
			now := t.now()
			pipe := t.redis.Pipeline()
			pipe.ZAdd(ctx, key, redis.Z{
				Score:  float64(now.UnixMilli()),
				Member: rollingSample(now, uuid.NewString(), total),
			})
			pipe.Expire(ctx, key, Window5h.Duration()+rollingKeyMargin)
			_, err = pipe.Exec(ctx)
		}
	} else {
		err = t.redis.Set(ctx, key, formatAmount(total), ttl).Err()
	}
	if err != nil {
		t.log.Warn("cache warm failed", "entity", entityID, "window", window, "error", err)
	}
}

func (t *CostTracker) warmDailyCounter(ctx context.Context, userID string, total float64) {
	if !t.warmLimiter.Allow() {
		return
	}
	ttl := time.Duration(SecondsUntilMidnight(t.loc, t.now())) * time.Second
	if err := t.redis.Set(ctx, t.dailyKey(userID), formatAmount(total), ttl).Err(); err != nil {
		t.log.Warn("daily cache warm failed", "user", userID, "error", err)
	}
}

// counterBounds resolves the canonical window for the shared counters: 5h is
// rolling, weekly/monthly anchor to the midnight boundary.
func (t *CostTracker) counterBounds(window Window) (Bounds, error) {
	mode := ResetFixed
	if window == Window5h || window == WindowDaily {
		mode = ResetRolling
	}
	return ResolveWindow(window, trackerResetTime, mode, t.loc, t.now())
}

// fixedWindowTTLs returns the expiries that align the weekly and monthly
// scalar counters with each window's natural boundary.
func (t *CostTracker) fixedWindowTTLs() (weekly, monthly time.Duration, err error) {
	wb, err := t.counterBounds(WindowWeekly)
	if err != nil {
		return 0, 0, err
	}
	mb, err := t.counterBounds(WindowMonthly)
	if err != nil {
		return 0, 0, err
	}
	return wb.TTL, mb.TTL, nil
}

func (t *CostTracker) counterKey(entityType EntityType, entityID string, window Window) string {
	return fmt.Sprintf("cost:%s:%s:%s", window, entityType, entityID)
}

func (t *CostTracker) dailyKey(userID string) string {
	return fmt.Sprintf("cost:daily:user:%s", userID)
}

func costLimitReason(window Window, current, limit float64) string {
	return fmt.Sprintf("%s spend limit reached (%.4f/%g)", window.Label(), current, limit)
}

// rollingSample encodes one (timestamp, amount) sample as a unique set member.
func rollingSample(at time.Time, id string, amount float64) string {
	return fmt.Sprintf("%d:%s:%s", at.UnixNano(), id, formatAmount(amount))
}

// rollingSampleAmount extracts the amount from an encoded sample; malformed
// members contribute nothing.
func rollingSampleAmount(member string) float64 {
	idx := strings.LastIndexByte(member, ':')
	if idx < 0 || idx == len(member)-1 {
		return 0
	}
	amount, err := strconv.ParseFloat(member[idx+1:], 64)
	if err != nil {
		return 0
	}
	return amount
}
