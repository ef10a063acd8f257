package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSlicer(t *testing.T) (*LeaseSlicer, *fakeCosts, *fakeSettings) {
	t.Helper()
	client, _ := setupTestRedis(t)
	costs := &fakeCosts{}
	settings := defaultFakeSettings()
	return NewLeaseSlicer(client, costs, settings, time.UTC, nil, nil), costs, settings
}

func TestCalculateLeaseSlice(t *testing.T) {
	cap50 := 50.0

	tests := []struct {
		name    string
		limit   float64
		usage   float64
		percent float64
		cap     *float64
		want    float64
	}{
		{"percent slice", 100, 0, 0.2, nil, 20},
		{"headroom smaller than slice", 100, 95, 0.2, nil, 5},
		{"usage over limit clamps to zero", 100, 150, 0.2, nil, 0},
		{"cap bounds the slice", 1000, 0, 0.2, &cap50, 50},
		{"zero limit yields zero", 0, 0, 0.5, nil, 0},
		{"full percent", 100, 40, 1, nil, 60},
		{"rounded to 4 decimals", 10, 0, 1.0 / 3.0, nil, 3.3333},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calculateLeaseSlice(tt.limit, tt.usage, tt.percent, tt.cap)
			assert.InDelta(t, tt.want, got, 1e-9)
			assert.GreaterOrEqual(t, got, 0.0)
		})
	}

	t.Run("never exceeds any bound", func(t *testing.T) {
		for _, limit := range []float64{0.01, 1, 99.99, 5000} {
			for _, percent := range []float64{0, 0.1, 0.5, 1} {
				for _, usage := range []float64{0, limit / 2, limit, limit * 2} {
					got := calculateLeaseSlice(limit, usage, percent, &cap50)
					assert.LessOrEqual(t, got, limit*percent+1e-9)
					assert.LessOrEqual(t, got, cap50)
					assert.GreaterOrEqual(t, got, 0.0)
				}
			}
		}
	})
}

func TestGetCostLease(t *testing.T) {
	ctx := context.Background()

	t.Run("miss refreshes from database", func(t *testing.T) {
		slicer, costs, _ := newTestSlicer(t)
		costs.sum = 30

		lease := slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed)
		require.NotNil(t, lease)
		assert.Equal(t, 30.0, lease.CurrentUsage)
		assert.Equal(t, 100.0, lease.LimitAmount)
		assert.Equal(t, 10.0, lease.RemainingBudget) // 100 * 0.1
		assert.Equal(t, 60, lease.TTLSeconds)

		sumCalls, _ := costs.calls()
		assert.Equal(t, 1, sumCalls)
	})

	t.Run("second call is a cache hit with identical contents", func(t *testing.T) {
		slicer, costs, _ := newTestSlicer(t)
		costs.sum = 30

		first := slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed)
		require.NotNil(t, first)
		second := slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed)
		require.NotNil(t, second)

		assert.Equal(t, first, second)
		sumCalls, _ := costs.calls()
		assert.Equal(t, 1, sumCalls, "no second database read")
	})

	t.Run("limit change forces exactly one refresh", func(t *testing.T) {
		slicer, costs, _ := newTestSlicer(t)

		require.NotNil(t, slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed))

		for _, newLimit := range []float64{150, 50} {
			before, _ := costs.calls()
			lease := slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, newLimit, "00:00", ResetFixed)
			require.NotNil(t, lease)
			assert.Equal(t, newLimit, lease.LimitAmount)
			after, _ := costs.calls()
			assert.Equal(t, before+1, after)
		}
	})

	t.Run("expired lease refreshes", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		costs := &fakeCosts{}
		slicer := NewLeaseSlicer(client, costs, defaultFakeSettings(), time.UTC, nil, nil)

		require.NotNil(t, slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed))
		mr.FastForward(61 * time.Second)

		require.NotNil(t, slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed))
		sumCalls, _ := costs.calls()
		assert.Equal(t, 2, sumCalls)
	})

	t.Run("settings error fails open", func(t *testing.T) {
		slicer, _, settings := newTestSlicer(t)
		settings.err = errUnavailable
		assert.Nil(t, slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed))
	})

	t.Run("aggregator error fails open", func(t *testing.T) {
		slicer, costs, _ := newTestSlicer(t)
		costs.err = errUnavailable
		assert.Nil(t, slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed))
	})

	t.Run("cache outage fails open", func(t *testing.T) {
		slicer := NewLeaseSlicer(brokenRedis(t), &fakeCosts{}, defaultFakeSettings(), time.UTC, nil, nil)
		assert.Nil(t, slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed))
	})
}

func TestDecrementLeaseBudget(t *testing.T) {
	ctx := context.Background()

	t.Run("spends down to zero then denies", func(t *testing.T) {
		slicer, costs, _ := newTestSlicer(t)
		costs.sum = 0

		lease := slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed)
		require.NotNil(t, lease)
		require.Equal(t, 10.0, lease.RemainingBudget)

		res := slicer.DecrementLeaseBudget(ctx, EntityKey, "k1", WindowDaily, 4)
		assert.True(t, res.Success)
		assert.InDelta(t, 6.0, res.NewRemaining, 1e-9)

		// Spending exactly the remainder succeeds with zero left.
		res = slicer.DecrementLeaseBudget(ctx, EntityKey, "k1", WindowDaily, 6)
		assert.True(t, res.Success)
		assert.Equal(t, 0.0, res.NewRemaining)

		// Anything more is denied.
		res = slicer.DecrementLeaseBudget(ctx, EntityKey, "k1", WindowDaily, 0.0001)
		assert.False(t, res.Success)
		assert.Equal(t, 0.0, res.NewRemaining)
	})

	t.Run("overdraw denies without mutating", func(t *testing.T) {
		slicer, _, _ := newTestSlicer(t)

		lease := slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed)
		require.NotNil(t, lease)

		res := slicer.DecrementLeaseBudget(ctx, EntityKey, "k1", WindowDaily, lease.RemainingBudget+0.01)
		assert.False(t, res.Success)
		assert.Equal(t, 0.0, res.NewRemaining)

		again := slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed)
		require.NotNil(t, again)
		assert.Equal(t, lease.RemainingBudget, again.RemainingBudget)
	})

	t.Run("missing lease returns not-found sentinel", func(t *testing.T) {
		slicer, _, _ := newTestSlicer(t)

		res := slicer.DecrementLeaseBudget(ctx, EntityKey, "nobody", WindowDaily, 1)
		assert.True(t, res.Success)
		assert.Equal(t, -1.0, res.NewRemaining)
		assert.False(t, res.FailOpen)
	})

	t.Run("cache outage fails open", func(t *testing.T) {
		slicer := NewLeaseSlicer(brokenRedis(t), &fakeCosts{}, defaultFakeSettings(), time.UTC, nil, nil)

		res := slicer.DecrementLeaseBudget(ctx, EntityKey, "k1", WindowDaily, 1)
		assert.True(t, res.Success)
		assert.True(t, res.FailOpen)
		assert.Equal(t, -1.0, res.NewRemaining)
	})

	t.Run("decrement preserves lease TTL", func(t *testing.T) {
		client, mr := setupTestRedis(t)
		slicer := NewLeaseSlicer(client, &fakeCosts{}, defaultFakeSettings(), time.UTC, nil, nil)

		require.NotNil(t, slicer.GetCostLease(ctx, EntityKey, "k1", WindowDaily, 100, "00:00", ResetFixed))
		res := slicer.DecrementLeaseBudget(ctx, EntityKey, "k1", WindowDaily, 1)
		require.True(t, res.Success)

		ttl := mr.TTL("lease:key:k1:daily")
		assert.Greater(t, ttl, time.Duration(0))
		assert.LessOrEqual(t, ttl, 60*time.Second)
	})
}
