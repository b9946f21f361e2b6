package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// CategoryUsage is the per-category slice of a usage breakdown.
type CategoryUsage struct {
	Events   int64   `json:"events"`
	Quantity float64 `json:"quantity"`
	Cost     float64 `json:"cost"`
}

// UsageBreakdown groups raw events by category over a window. Both invoice
// generation and the current-period preview are built on it, so the two stay
// numerically consistent for the same window.
type UsageBreakdown struct {
	Categories  map[string]CategoryUsage `json:"categories"`
	TotalEvents int64                    `json:"total_events"`
	TotalCost   float64                  `json:"total_cost"`
}

// PaygSettings is the tenant-facing view of pay-as-you-go configuration.
// SpendingLimit is stored and surfaced but not enforced by any gate.
type PaygSettings struct {
	Enabled       bool    `json:"enabled"`
	OverageRate   float64 `json:"overage_rate"`
	SpendingLimit float64 `json:"spending_limit"`
}

// DefaultSpendingLimit is returned when a tenant never set one.
const DefaultSpendingLimit = 100.0

// Engine produces invoices and cost previews from aggregated usage.
type Engine interface {
	// GenerateMonthlyInvoice creates the invoice for the month containing
	// periodStart, or returns the existing row unchanged.
	GenerateMonthlyInvoice(ctx context.Context, tenantID snowflake.ID, periodStart time.Time) (*BillingRecord, error)

	// GetCurrentPeriodPreview estimates the in-progress month. Read-only.
	GetCurrentPeriodPreview(ctx context.Context, tenantID snowflake.ID) (*BillingRecord, error)

	GetUsageBreakdown(ctx context.Context, tenantID snowflake.ID, start, end time.Time) (*UsageBreakdown, error)

	EnablePayg(ctx context.Context, tenantID snowflake.ID, overageRate float64) error
	DisablePayg(ctx context.Context, tenantID snowflake.ID) error
	UpdatePaygLimit(ctx context.Context, tenantID snowflake.ID, limit float64) error
	GetPaygSettings(ctx context.Context, tenantID snowflake.ID) (*PaygSettings, error)
}

var (
	ErrQuotaNotFound = errors.New("quota_record_not_found")
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidRate   = errors.New("invalid_overage_rate")
	ErrInvalidLimit  = errors.New("invalid_spending_limit")
	ErrInvalidWindow = errors.New("invalid_window")
)
