package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Aggregator rolls raw events into per-tenant summaries, evaluates alert
// thresholds, and resets expired quota periods.
type Aggregator interface {
	// Aggregate scans the event window and upserts one row per tenant.
	// A zero tenantID aggregates every tenant seen in the window. Returns
	// the number of rows upserted.
	Aggregate(ctx context.Context, periodType PeriodType, periodStart time.Time, tenantID snowflake.ID) (int, error)

	// CheckAlertThresholds is best-effort and never returns an error.
	CheckAlertThresholds(ctx context.Context, tenantID snowflake.ID)

	// ResetExpiredQuotas zeroes running counters whose reset time has
	// passed. Sole writer of "current usage back to zero".
	ResetExpiredQuotas(ctx context.Context) (int, error)

	// TenantsInWindow lists tenants with events in the window, for alert
	// sweeps after a batch aggregation.
	TenantsInWindow(ctx context.Context, start, end time.Time) ([]snowflake.ID, error)
}

var ErrInvalidPeriodType = errors.New("invalid_period_type")
