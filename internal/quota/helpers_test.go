package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	t.Cleanup(func() { client.Close() })

	return client, mr
}

// brokenRedis returns a client whose every call errors, for fail-open tests.
func brokenRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	client := redis.NewClient(&redis.Options{
		Addr:            addr,
		MaxRetries:      -1,
		DialTimeout:     50 * time.Millisecond,
		ReadTimeout:     50 * time.Millisecond,
		WriteTimeout:    50 * time.Millisecond,
		PoolTimeout:     50 * time.Millisecond,
		MinRetryBackoff: -1,
		MaxRetryBackoff: -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

// fakeCosts is an in-test Cost Aggregator with fixed sums and call counting.
type fakeCosts struct {
	mu sync.Mutex

	sum      float64
	sumToday float64
	err      error

	sumCalls      int
	sumTodayCalls int
}

func (f *fakeCosts) SumCost(ctx context.Context, entityType EntityType, entityID string, start, end time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sumCalls++
	return f.sum, f.err
}

func (f *fakeCosts) SumCostToday(ctx context.Context, userID string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sumTodayCalls++
	return f.sumToday, f.err
}

func (f *fakeCosts) SumTotalCost(ctx context.Context, entityID string, maxAgeDays int) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sum, f.err
}

func (f *fakeCosts) calls() (sum, today int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sumCalls, f.sumTodayCalls
}

// fakeSettings is an in-test Settings Provider.
type fakeSettings struct {
	settings QuotaSettings
	err      error
}

func defaultFakeSettings() *fakeSettings {
	return &fakeSettings{
		settings: QuotaSettings{
			RefreshIntervalSeconds: 60,
			LeasePercent: map[Window]float64{
				Window5h:      0.2,
				WindowDaily:   0.1,
				WindowWeekly:  0.05,
				WindowMonthly: 0.02,
			},
		},
	}
}

func (f *fakeSettings) QuotaSettings(ctx context.Context) (QuotaSettings, error) {
	if f.err != nil {
		return QuotaSettings{}, f.err
	}
	return f.settings, nil
}

var errUnavailable = errors.New("dependency unavailable")
