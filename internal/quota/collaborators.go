package quota

import (
	"context"
	"time"
)

// CostAggregator is the authoritative historical-spend store. The engine only
// reads from it; writes to the ledger happen elsewhere. Implementations must
// be safe for concurrent use and return 0, not an error, when no rows match.
type CostAggregator interface {
	// SumCost returns the total cost for an entity in [start, end).
	SumCost(ctx context.Context, entityType EntityType, entityID string, start, end time.Time) (float64, error)

	// SumCostToday returns the user's cost since local midnight.
	SumCostToday(ctx context.Context, userID string) (float64, error)

	// SumTotalCost returns the entity's total cost over the trailing
	// maxAgeDays; maxAgeDays <= 0 means all time.
	SumTotalCost(ctx context.Context, entityID string, maxAgeDays int) (float64, error)
}

// QuotaSettings are the tunables the lease slicer draws from the Settings
// Provider on every refresh.
type QuotaSettings struct {
	// RefreshIntervalSeconds is the lease TTL: how long a budget slice may
	// be spent locally before a fresh database snapshot is required.
	RefreshIntervalSeconds int

	// LeasePercent is the fraction of the limit handed out per lease,
	// keyed by window, each in [0, 1].
	LeasePercent map[Window]float64

	// LeaseCapUSD bounds a single lease in absolute dollars. Nil means
	// no cap.
	LeaseCapUSD *float64
}

// SettingsProvider supplies quota tunables. Expected to be cheap: the
// production implementation memoizes through an in-process cache.
type SettingsProvider interface {
	QuotaSettings(ctx context.Context) (QuotaSettings, error)
}
