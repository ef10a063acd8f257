package abuse

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(t *testing.T) (*Tracker, *time.Time) {
	t.Helper()
	base := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	at := base
	tracker := NewTracker(TrackerConfig{
		MaxAttempts: 3,
		Window:      10 * time.Minute,
		Lockout:     30 * time.Minute,
		MaxEntries:  5,
	})
	tracker.now = func() time.Time { return at }
	return tracker, &at
}

func TestRecordFailure(t *testing.T) {
	t.Run("locks out at the attempt ceiling", func(t *testing.T) {
		tracker, _ := newTestTracker(t)

		assert.False(t, tracker.RecordFailure("ip:1.2.3.4"))
		assert.False(t, tracker.RecordFailure("ip:1.2.3.4"))
		assert.True(t, tracker.RecordFailure("ip:1.2.3.4"))

		locked, until := tracker.IsLocked("ip:1.2.3.4")
		assert.True(t, locked)
		assert.False(t, until.IsZero())
	})

	t.Run("scopes are independent", func(t *testing.T) {
		tracker, _ := newTestTracker(t)

		for i := 0; i < 3; i++ {
			tracker.RecordFailure("ip:1.2.3.4")
		}
		tracker.RecordFailure("ip:5.6.7.8")

		locked, _ := tracker.IsLocked("ip:5.6.7.8")
		assert.False(t, locked)
	})

	t.Run("a lapsed window restarts the count", func(t *testing.T) {
		tracker, at := newTestTracker(t)

		tracker.RecordFailure("key:abc")
		tracker.RecordFailure("key:abc")

		*at = at.Add(11 * time.Minute)
		assert.False(t, tracker.RecordFailure("key:abc"), "old failures no longer count")
		assert.False(t, tracker.RecordFailure("key:abc"))
		assert.True(t, tracker.RecordFailure("key:abc"))
	})

	t.Run("lockout expires on its own", func(t *testing.T) {
		tracker, at := newTestTracker(t)

		for i := 0; i < 3; i++ {
			tracker.RecordFailure("key:abc")
		}
		locked, _ := tracker.IsLocked("key:abc")
		require.True(t, locked)

		*at = at.Add(31 * time.Minute)
		locked, _ = tracker.IsLocked("key:abc")
		assert.False(t, locked)
		assert.False(t, tracker.RecordFailure("key:abc"), "a fresh window begins after the lockout")
	})

	t.Run("failures during a lockout keep it held", func(t *testing.T) {
		tracker, at := newTestTracker(t)

		for i := 0; i < 3; i++ {
			tracker.RecordFailure("key:abc")
		}
		*at = at.Add(11 * time.Minute)
		assert.True(t, tracker.RecordFailure("key:abc"), "still inside the lockout")
	})
}

func TestIsLockedUnknownScope(t *testing.T) {
	tracker, _ := newTestTracker(t)
	locked, until := tracker.IsLocked("ip:9.9.9.9")
	assert.False(t, locked)
	assert.True(t, until.IsZero())
}

func TestReset(t *testing.T) {
	tracker, _ := newTestTracker(t)

	for i := 0; i < 3; i++ {
		tracker.RecordFailure("key:abc")
	}
	tracker.Reset("key:abc")

	locked, _ := tracker.IsLocked("key:abc")
	assert.False(t, locked)
	assert.Equal(t, 0, tracker.Len())
	assert.False(t, tracker.RecordFailure("key:abc"), "the count starts over")
}

func TestSweep(t *testing.T) {
	t.Run("removes lapsed entries only", func(t *testing.T) {
		tracker, at := newTestTracker(t)

		tracker.RecordFailure("stale")
		for i := 0; i < 3; i++ {
			tracker.RecordFailure("locked")
		}

		*at = at.Add(11 * time.Minute)
		tracker.RecordFailure("fresh")

		assert.Equal(t, 1, tracker.Sweep(), "only the stale unlocked entry goes")
		assert.Equal(t, 2, tracker.Len())

		locked, _ := tracker.IsLocked("locked")
		assert.True(t, locked, "locked scopes survive the sweep")
	})

	t.Run("enforces the occupancy ceiling", func(t *testing.T) {
		tracker, at := newTestTracker(t)

		for i := 0; i < 5; i++ {
			tracker.RecordFailure(fmt.Sprintf("ip:%d", i))
			*at = at.Add(time.Second)
		}
		require.Equal(t, 5, tracker.Len())

		// A sixth scope evicts the oldest entry rather than growing the map.
		tracker.RecordFailure("ip:new")
		assert.Equal(t, 5, tracker.Len())

		locked, _ := tracker.IsLocked("ip:0")
		assert.False(t, locked)
		assert.False(t, tracker.RecordFailure("ip:1"), "surviving entries keep their counts")
	})
}
