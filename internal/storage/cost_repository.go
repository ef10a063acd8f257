package storage

import (
	"context"
	"fmt"
	"time"

	"quotagate/internal/quota"
)

// CostRepository implements the engine's Cost Aggregator contract against the
// usage_records ledger. All queries aggregate with COALESCE so that "no rows"
// is 0, never an error.
type CostRepository struct {
	db  *DB
	loc *time.Location
}

// NewCostRepository creates a new cost repository
func NewCostRepository(db *DB, loc *time.Location) *CostRepository {
	if loc == nil {
		loc = time.UTC
	}
	return &CostRepository{db: db, loc: loc}
}

// SumCost returns the total cost for an entity in [start, end).
func (r *CostRepository) SumCost(ctx context.Context, entityType quota.EntityType, entityID string, start, end time.Time) (float64, error) {
	column, err := entityColumn(entityType)
	if err != nil {
		return 0, err
	}

	query := fmt.Sprintf(`
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE %s = $1
		  AND request_timestamp >= $2
		  AND request_timestamp < $3
	`, column)

	var total float64
	if err := r.db.conn.GetContext(ctx, &total, query, entityID, start, end); err != nil {
		return 0, fmt.Errorf("failed to sum cost for %s %s: %w", entityType, entityID, err)
	}
	return total, nil
}

// SumCostToday returns the user's cost since local midnight.
func (r *CostRepository) SumCostToday(ctx context.Context, userID string) (float64, error) {
	now := time.Now().In(r.loc)
	start := quota.StartOfDay(r.loc, now)
	return r.SumCost(ctx, quota.EntityUser, userID, start, now)
}

// SumTotalCost returns the entity's total cost over the trailing maxAgeDays;
// maxAgeDays <= 0 means all time.
func (r *CostRepository) SumTotalCost(ctx context.Context, entityID string, maxAgeDays int) (float64, error) {
	if maxAgeDays <= 0 {
		query := `
			SELECT COALESCE(SUM(cost_usd), 0)
			FROM usage_records
			WHERE api_key_id = $1
		`
		var total float64
		if err := r.db.conn.GetContext(ctx, &total, query, entityID); err != nil {
			return 0, fmt.Errorf("failed to sum total cost for %s: %w", entityID, err)
		}
		return total, nil
	}

	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_records
		WHERE api_key_id = $1
		  AND request_timestamp >= $2
	`
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	var total float64
	if err := r.db.conn.GetContext(ctx, &total, query, entityID, cutoff); err != nil {
		return 0, fmt.Errorf("failed to sum total cost for %s: %w", entityID, err)
	}
	return total, nil
}

func entityColumn(entityType quota.EntityType) (string, error) {
	switch entityType {
	case quota.EntityKey:
		return "api_key_id", nil
	case quota.EntityUser:
		return "user_id", nil
	case quota.EntityProvider:
		return "provider_id", nil
	default:
		return "", fmt.Errorf("unknown entity type %q", entityType)
	}
}
