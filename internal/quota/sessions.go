package quota

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"quotagate/internal/metrics"
	"quotagate/internal/utils"
)

// scopeGlobal is the pseudo entity type for the gateway-wide session set.
const scopeGlobal = "global"

// checkAndTrackScript prunes stale members, then atomically checks the ceiling
// and registers the session in one server-side execution. Two racing requests
// can therefore never both observe count = limit-1 and both get admitted.
//
// KEYS[1] scope set; ARGV: cutoff ms, limit, session id, now ms, key TTL secs.
// Returns {allowed, count, tracked}.
var checkAndTrackScript = redis.NewScript(`
	local cutoff = ARGV[1]
	local limit = tonumber(ARGV[2])
	local member = ARGV[3]
	local now = ARGV[4]
	local ttl = tonumber(ARGV[5])

	redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', cutoff)
	local existing = redis.call('ZSCORE', KEYS[1], member)
	local count = redis.call('ZCARD', KEYS[1])

	if not existing and limit > 0 and count >= limit then
		return {0, count, 0}
	end

	redis.call('ZADD', KEYS[1], now, member)
	redis.call('EXPIRE', KEYS[1], ttl)

	local tracked = 0
	if not existing then
		tracked = 1
	end
	return {1, redis.call('ZCARD', KEYS[1]), tracked}
`)

// SessionTrackerConfig holds tunables for the concurrent-session tracker.
type SessionTrackerConfig struct {
	// SessionTTL is the recency window: a session counts toward a ceiling
	// only while its last-seen timestamp is within this window.
	SessionTTL time.Duration

	// FallbackTTL is the floor for the scope set's own key expiry, so
	// long-lived streaming sessions keep their set alive between refreshes.
	FallbackTTL time.Duration

	// CleanupProbability is the chance that a write-path call performs an
	// extra prune pass over the scope set, amortizing cleanup cost across
	// writes instead of running a background sweep. In [0, 1].
	CleanupProbability float64
}

// DefaultSessionTrackerConfig returns the production defaults.
func DefaultSessionTrackerConfig() SessionTrackerConfig {
	return SessionTrackerConfig{
		SessionTTL:         5 * time.Minute,
		FallbackTTL:        30 * time.Minute,
		CleanupProbability: 0.05,
	}
}

// SessionTracker enforces "at most N simultaneous in-flight requests" per
// scope using Redis sorted sets scored by last-seen timestamp. All state lives
// in the shared cache; any instance of the gateway may read or write any key.
type SessionTracker struct {
	redis   *redis.Client
	log     *utils.Logger
	metrics *metrics.Metrics
	cfg     SessionTrackerConfig

	// Injectable for tests: probabilistic-cleanup draw and clock.
	randFloat func() float64
	now       func() time.Time
}

// NewSessionTracker creates a session tracker on the given cache client.
func NewSessionTracker(client *redis.Client, cfg SessionTrackerConfig, log *utils.Logger, m *metrics.Metrics) *SessionTracker {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTrackerConfig().SessionTTL
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = DefaultSessionTrackerConfig().FallbackTTL
	}
	if log == nil {
		log = utils.NewLogger("sessions")
	}
	return &SessionTracker{
		redis:     client,
		log:       log,
		metrics:   m,
		cfg:       cfg,
		randFloat: rand.Float64,
		now:       time.Now,
	}
}

// TrackResult is the outcome of an atomic check-and-track call.
type TrackResult struct {
	Outcome Outcome
	// Count is the number of active sessions in the scope after the call.
	Count int
	// Tracked is true when the session was newly registered, false when an
	// existing membership was refreshed.
	Tracked bool
}

// CheckAndTrack atomically checks the scope's active-session count against the
// ceiling and registers (or refreshes) the session. limit <= 0 means no
// ceiling. Cache unavailability fails open.
func (t *SessionTracker) CheckAndTrack(ctx context.Context, entityType EntityType, entityID, sessionID string, limit int) TrackResult {
	now := t.now()
	key := t.scopeKey(string(entityType), entityID)

	res, err := checkAndTrackScript.Run(ctx, t.redis, []string{key},
		now.Add(-t.cfg.SessionTTL).UnixMilli(),
		limit,
		sessionID,
		now.UnixMilli(),
		int(t.keyTTL().Seconds()),
	).Slice()
	if err != nil {
		t.log.Error("session check-and-track failed, failing open", "scope", key, "error", err)
		t.metrics.ObserveFailOpen("sessions")
		return TrackResult{Outcome: Unknown()}
	}

	allowed, count, tracked := parseTrackReply(res)
	if !allowed {
		t.metrics.ObserveCheck("sessions", "denied")
		return TrackResult{
			Outcome: Denied(fmt.Sprintf("concurrent session limit reached (%d/%d)", count, limit)),
			Count:   count,
		}
	}

	t.maybeCleanup(ctx, key, now)
	t.metrics.ObserveCheck("sessions", "allowed")
	return TrackResult{Outcome: Allowed(), Count: count, Tracked: tracked}
}

// KeySessionCount returns the active-session count for an API key scope.
func (t *SessionTracker) KeySessionCount(ctx context.Context, keyID string) (int, error) {
	return t.sessionCount(ctx, t.scopeKey(string(EntityKey), keyID))
}

// UserSessionCount returns the active-session count for a user scope.
func (t *SessionTracker) UserSessionCount(ctx context.Context, userID string) (int, error) {
	return t.sessionCount(ctx, t.scopeKey(string(EntityUser), userID))
}

// ProviderSessionCount returns the active-session count for a provider scope.
func (t *SessionTracker) ProviderSessionCount(ctx context.Context, providerID string) (int, error) {
	return t.sessionCount(ctx, t.scopeKey(string(EntityProvider), providerID))
}

// GlobalSessionCount returns the gateway-wide active-session count.
func (t *SessionTracker) GlobalSessionCount(ctx context.Context) (int, error) {
	return t.sessionCount(ctx, "sessions:"+scopeGlobal)
}

// sessionCount prunes stale members and counts the remainder. Read-only with
// respect to admission: no registration happens here.
func (t *SessionTracker) sessionCount(ctx context.Context, key string) (int, error) {
	now := t.now()
	cutoff := fmt.Sprintf("%d", now.Add(-t.cfg.SessionTTL).UnixMilli())

	pipe := t.redis.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to count sessions for %s: %w", key, err)
	}
	return int(card.Val()), nil
}

// RefreshSession re-scores the session in every relevant scope set and extends
// each set's expiry, keeping long-lived streaming sessions alive. The scopes
// are refreshed in one pipeline but not atomically with each other; each
// refresh is independently idempotent.
func (t *SessionTracker) RefreshSession(ctx context.Context, sessionID, keyID, providerID string) {
	now := t.now()
	member := redis.Z{Score: float64(now.UnixMilli()), Member: sessionID}
	ttl := t.keyTTL()

	keys := []string{
		t.scopeKey(string(EntityKey), keyID),
		t.scopeKey(string(EntityProvider), providerID),
		"sessions:" + scopeGlobal,
	}

	pipe := t.redis.Pipeline()
	for _, key := range keys {
		pipe.ZAdd(ctx, key, member)
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		t.log.Warn("session refresh failed", "session", sessionID, "error", err)
		return
	}

	for _, key := range keys {
		t.maybeCleanup(ctx, key, now)
	}
}

// maybeCleanup performs an extra prune pass on a small random fraction of
// write-path calls, bounding set growth without a background sweep.
func (t *SessionTracker) maybeCleanup(ctx context.Context, key string, now time.Time) {
	if t.cfg.CleanupProbability <= 0 || t.randFloat() >= t.cfg.CleanupProbability {
		return
	}
	cutoff := fmt.Sprintf("%d", now.Add(-t.cfg.SessionTTL).UnixMilli())
	if err := t.redis.ZRemRangeByScore(ctx, key, "-inf", cutoff).Err(); err != nil {
		t.log.Warn("probabilistic session cleanup failed", "scope", key, "error", err)
	}
}

func (t *SessionTracker) scopeKey(scope, id string) string {
	return fmt.Sprintf("sessions:%s:%s", scope, id)
}

// keyTTL is the scope set's own expiry: the larger of the fallback TTL and the
// configured session recency window.
func (t *SessionTracker) keyTTL() time.Duration {
	if t.cfg.FallbackTTL > t.cfg.SessionTTL {
		return t.cfg.FallbackTTL
	}
	return t.cfg.SessionTTL
}

func parseTrackReply(res []interface{}) (allowed bool, count int, tracked bool) {
	if len(res) != 3 {
		return true, 0, false
	}
	if v, ok := res[0].(int64); ok {
		allowed = v == 1
	}
	if v, ok := res[1].(int64); ok {
		count = int(v)
	}
	if v, ok := res[2].(int64); ok {
		tracked = v == 1
	}
	return allowed, count, tracked
}
