package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"quotagate/internal/quota"
)

const settingsCacheKey = "quota_settings"

// quotaSettingsRow mirrors the single-row quota_settings table.
type quotaSettingsRow struct {
	RefreshIntervalSeconds int             `db:"refresh_interval_seconds"`
	LeasePercent5h         float64         `db:"lease_percent_5h"`
	LeasePercentDaily      float64         `db:"lease_percent_daily"`
	LeasePercentWeekly     float64         `db:"lease_percent_weekly"`
	LeasePercentMonthly    float64         `db:"lease_percent_monthly"`
	LeaseCapUSD            sql.NullFloat64 `db:"lease_cap_usd"`
}

// SettingsRepository implements the engine's Settings Provider contract.
// Reads are memoized through the in-process cache so lease refreshes do not
// hammer the settings table.
type SettingsRepository struct {
	db *DB
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// DefaultQuotaSettings are the tunables used when the settings table is empty.
func DefaultQuotaSettings() quota.QuotaSettings {
	return quota.QuotaSettings{
		RefreshIntervalSeconds: 60,
		LeasePercent: map[quota.Window]float64{
			quota.Window5h:      0.2,
			quota.WindowDaily:   0.1,
			quota.WindowWeekly:  0.05,
			quota.WindowMonthly: 0.02,
		},
	}
}

// QuotaSettings returns the current quota tunables.
func (r *SettingsRepository) QuotaSettings(ctx context.Context) (quota.QuotaSettings, error) {
	if cached, ok := r.db.settingsCache.Get(settingsCacheKey); ok {
		return cached.(quota.QuotaSettings), nil
	}

	query := `
		SELECT refresh_interval_seconds, lease_percent_5h, lease_percent_daily,
		       lease_percent_weekly, lease_percent_monthly, lease_cap_usd
		FROM quota_settings
		LIMIT 1
	`

	var row quotaSettingsRow
	err := r.db.conn.GetContext(ctx, &row, query)
	if errors.Is(err, sql.ErrNoRows) {
		settings := DefaultQuotaSettings()
		r.db.settingsCache.Set(settingsCacheKey, settings)
		return settings, nil
	}
	if err != nil {
		return quota.QuotaSettings{}, fmt.Errorf("failed to load quota settings: %w", err)
	}

	settings := quota.QuotaSettings{
		RefreshIntervalSeconds: row.RefreshIntervalSeconds,
		LeasePercent: map[quota.Window]float64{
			quota.Window5h:      row.LeasePercent5h,
			quota.WindowDaily:   row.LeasePercentDaily,
			quota.WindowWeekly:  row.LeasePercentWeekly,
			quota.WindowMonthly: row.LeasePercentMonthly,
		},
	}
	if row.LeaseCapUSD.Valid {
		capUSD := row.LeaseCapUSD.Float64
		settings.LeaseCapUSD = &capUSD
	}

	r.db.settingsCache.Set(settingsCacheKey, settings)
	return settings, nil
}
