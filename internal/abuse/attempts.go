package abuse

import (
	"sync"
	"time"
)

// Package abuse tracks failed login attempts per scope key ("ip:1.2.3.4",
// "key:abc") and locks a scope out after too many failures inside the window.
// The map is bounded: stale entries are swept on a schedule and, when the
// occupancy ceiling is hit, the oldest entry is evicted to make room.

// TrackerConfig holds lockout tunables.
type TrackerConfig struct {
	// MaxAttempts failures within Window lock the scope out.
	MaxAttempts int
	// Window is how long failures accumulate before the count resets.
	Window time.Duration
	// Lockout is how long a locked scope stays locked.
	Lockout time.Duration
	// MaxEntries bounds the number of tracked scopes.
	MaxEntries int
}

// DefaultTrackerConfig returns the production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAttempts: 5,
		Window:      15 * time.Minute,
		Lockout:     30 * time.Minute,
		MaxEntries:  10000,
	}
}

type record struct {
	count        int
	firstAttempt time.Time
	lockedUntil  time.Time
}

// Tracker is an in-process attempt counter with time-based expiry and bounded
// occupancy.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*record
	cfg     TrackerConfig

	now func() time.Time
}

// NewTracker creates an attempt tracker.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultTrackerConfig()
	}
	return &Tracker{
		entries: make(map[string]*record),
		cfg:     cfg,
		now:     time.Now,
	}
}

// RecordFailure counts one failed attempt for the scope and reports whether
// the scope is now locked out.
func (t *Tracker) RecordFailure(scope string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	rec, ok := t.entries[scope]
	if !ok {
		if len(t.entries) >= t.cfg.MaxEntries {
			t.evictOldestLocked()
		}
		rec = &record{firstAttempt: now}
		t.entries[scope] = rec
	}

	// A fresh window restarts the count.
	if now.Sub(rec.firstAttempt) > t.cfg.Window && now.After(rec.lockedUntil) {
		rec.count = 0
		rec.firstAttempt = now
	}

	rec.count++
	if rec.count >= t.cfg.MaxAttempts {
		rec.lockedUntil = now.Add(t.cfg.Lockout)
	}
	return now.Before(rec.lockedUntil)
}

// IsLocked reports whether the scope is currently locked out and until when.
func (t *Tracker) IsLocked(scope string) (bool, time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.entries[scope]
	if !ok {
		return false, time.Time{}
	}
	if t.now().Before(rec.lockedUntil) {
		return true, rec.lockedUntil
	}
	return false, time.Time{}
}

// Reset clears the scope's record, typically after a successful login.
func (t *Tracker) Reset(scope string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, scope)
}

// Sweep removes entries whose window and lockout have both lapsed, then
// evicts oldest entries until occupancy is back under the ceiling. Returns
// the number of entries removed. Intended to run on a schedule.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for scope, rec := range t.entries {
		if now.Sub(rec.firstAttempt) > t.cfg.Window && now.After(rec.lockedUntil) {
			delete(t.entries, scope)
			removed++
		}
	}
	for len(t.entries) > t.cfg.MaxEntries {
		t.evictOldestLocked()
		removed++
	}
	return removed
}

// Len returns the number of tracked scopes.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// evictOldestLocked removes the entry with the oldest first attempt.
func (t *Tracker) evictOldestLocked() {
	var oldestScope string
	var oldestAt time.Time
	for scope, rec := range t.entries {
		if oldestScope == "" || rec.firstAttempt.Before(oldestAt) {
			oldestScope = scope
			oldestAt = rec.firstAttempt
		}
	}
	if oldestScope != "" {
		delete(t.entries, oldestScope)
	}
}
