package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/smallbiznis/meterline/internal/billing/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/pricing"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	pkgdb "github.com/smallbiznis/meterline/pkg/db"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) billingdomain.Engine {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("billing.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

func monthWindow(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// GenerateMonthlyInvoice closes the month containing periodStart into one
// billing record. If the record already exists it is fetched and returned
// unchanged; the cost formula never runs twice for the same period.
func (s *Service) GenerateMonthlyInvoice(ctx context.Context, tenantID snowflake.ID, periodStart time.Time) (*billingdomain.BillingRecord, error) {
	if tenantID == 0 {
		return nil, billingdomain.ErrInvalidTenant
	}

	start, end := monthWindow(periodStart)

	var existing billingdomain.BillingRecord
	err := s.db.WithContext(ctx).
		First(&existing, "tenant_id = ? AND period_start = ?", tenantID, start).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	record, err := s.computeRecord(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}

	record.ID = s.genID.Generate()
	record.Status = billingdomain.InvoiceStatusPending
	now := s.clock.Now()
	record.CreatedAt = now
	record.UpdatedAt = now

	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		// lost the race to a concurrent run: the winner's row is the invoice
		if pkgdb.IsDuplicateKeyErr(err) {
			var winner billingdomain.BillingRecord
			if ferr := s.db.WithContext(ctx).
				First(&winner, "tenant_id = ? AND period_start = ?", tenantID, start).Error; ferr == nil {
				return &winner, nil
			}
		}
		return nil, err
	}

	s.metrics.IncInvoiceGenerated()
	s.log.Info("invoice generated",
		zap.String("tenant_id", tenantID.String()),
		zap.Time("period_start", start),
		zap.Float64("total_cost", record.TotalCost),
	)
	return record, nil
}

// GetCurrentPeriodPreview runs the invoice cost formula over the in-progress
// month without writing anything.
func (s *Service) GetCurrentPeriodPreview(ctx context.Context, tenantID snowflake.ID) (*billingdomain.BillingRecord, error) {
	if tenantID == 0 {
		return nil, billingdomain.ErrInvalidTenant
	}

	start, end := monthWindow(s.clock.Now())
	record, err := s.computeRecord(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}
	record.IsPreview = true
	return record, nil
}

type usageTotals struct {
	Tokens   float64 `gorm:"column:tokens"`
	APICalls int64   `gorm:"column:api_calls"`
	Storage  float64 `gorm:"column:storage_bytes"`
}

func (s *Service) computeRecord(ctx context.Context, tenantID snowflake.ID, start, end time.Time) (*billingdomain.BillingRecord, error) {
	var quota quotadomain.UserQuota
	err := s.db.WithContext(ctx).First(&quota, "tenant_id = ?", tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrQuotaNotFound
		}
		return nil, err
	}

	breakdown, err := s.GetUsageBreakdown(ctx, tenantID, start, end)
	if err != nil {
		return nil, err
	}

	var totals usageTotals
	err = s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(CASE WHEN unit = 'tokens' THEN quantity ELSE 0 END), 0) AS tokens,
		        COALESCE(SUM(CASE WHEN unit <> 'tokens' OR event_type = 'model_input_tokens' THEN 1 ELSE 0 END), 0) AS api_calls,
		        COALESCE(SUM(CASE WHEN unit = 'bytes' THEN quantity ELSE 0 END), 0) AS storage_bytes
		 FROM usage_events
		 WHERE tenant_id = ? AND created_at >= ? AND created_at < ?`,
		tenantID, start, end,
	).Scan(&totals).Error
	if err != nil {
		return nil, err
	}

	plan := pricing.PlanFor(pricing.Tier(quota.PlanTier))

	overageCost := 0.0
	if quota.AllowOverage {
		overageCost = s.overageCost(&quota)
	}

	record := &billingdomain.BillingRecord{
		TenantID:          tenantID,
		PeriodStart:       start,
		PeriodEnd:         end,
		PlanTier:          quota.PlanTier,
		TotalTokens:       int64(totals.Tokens),
		TotalAPICalls:     totals.APICalls,
		TotalStorageBytes: int64(totals.Storage),
		BaseCost:          plan.BasePrice,
		UsageCost:         breakdown.TotalCost,
		OverageCost:       overageCost,
	}
	record.TotalCost = record.BaseCost + record.UsageCost + record.OverageCost
	return record, nil
}

func (s *Service) overageCost(quota *quotadomain.UserQuota) float64 {
	dims := []struct {
		dim     pricing.Dimension
		current int64
		limit   int64
	}{
		{pricing.DimensionTokens, quota.CurrentTokenUsage, quota.MonthlyTokenLimit},
		{pricing.DimensionAPICalls, quota.CurrentAPICallUsage, quota.MonthlyAPICallLimit},
		{pricing.DimensionStorage, quota.CurrentStorageUsage, quota.StorageLimitBytes},
	}

	cost := 0.0
	for _, d := range dims {
		if d.limit <= 0 {
			continue
		}
		rate := quota.OverageRate
		if rate <= 0 {
			rate = pricing.OverageRate(d.dim)
		}
		cost += pricing.OverageCost(d.current-d.limit, rate)
	}
	return cost
}

type categoryTotals struct {
	Category string  `gorm:"column:category"`
	Events   int64   `gorm:"column:events"`
	Quantity float64 `gorm:"column:quantity"`
	Cost     float64 `gorm:"column:cost"`
}

// GetUsageBreakdown groups raw events, not aggregates, so ad-hoc windows
// that cross period boundaries stay exact.
func (s *Service) GetUsageBreakdown(ctx context.Context, tenantID snowflake.ID, start, end time.Time) (*billingdomain.UsageBreakdown, error) {
	if tenantID == 0 {
		return nil, billingdomain.ErrInvalidTenant
	}
	if !end.After(start) {
		return nil, billingdomain.ErrInvalidWindow
	}

	var rows []categoryTotals
	err := s.db.WithContext(ctx).Raw(
		`SELECT category,
		        COUNT(1) AS events,
		        SUM(quantity) AS quantity,
		        SUM(cost) AS cost
		 FROM usage_events
		 WHERE tenant_id = ? AND created_at >= ? AND created_at < ?
		 GROUP BY category`,
		tenantID, start, end,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	breakdown := &billingdomain.UsageBreakdown{
		Categories: make(map[string]billingdomain.CategoryUsage, len(pricing.Categories)),
	}
	for _, category := range pricing.Categories {
		breakdown.Categories[string(category)] = billingdomain.CategoryUsage{}
	}
	for _, row := range rows {
		breakdown.Categories[row.Category] = billingdomain.CategoryUsage{
			Events:   row.Events,
			Quantity: row.Quantity,
			Cost:     row.Cost,
		}
		breakdown.TotalEvents += row.Events
		breakdown.TotalCost += row.Cost
	}
	return breakdown, nil
}

// EnablePayg turns on overage billing for a tenant. A non-positive rate
// selects the default token overage rate.
func (s *Service) EnablePayg(ctx context.Context, tenantID snowflake.ID, overageRate float64) error {
	if overageRate < 0 {
		return billingdomain.ErrInvalidRate
	}
	if overageRate == 0 {
		overageRate = pricing.OverageRate(pricing.DimensionTokens)
	}
	return s.updateQuota(ctx, tenantID, map[string]any{
		"allow_overage": true,
		"overage_rate":  overageRate,
	})
}

func (s *Service) DisablePayg(ctx context.Context, tenantID snowflake.ID) error {
	return s.updateQuota(ctx, tenantID, map[string]any{
		"allow_overage": false,
	})
}

// UpdatePaygLimit stores the tenant's spending limit. The limit is
// informational: no gate reads it.
func (s *Service) UpdatePaygLimit(ctx context.Context, tenantID snowflake.ID, limit float64) error {
	if limit < 0 {
		return billingdomain.ErrInvalidLimit
	}
	return s.updateQuota(ctx, tenantID, map[string]any{
		"spending_limit": limit,
	})
}

func (s *Service) GetPaygSettings(ctx context.Context, tenantID snowflake.ID) (*billingdomain.PaygSettings, error) {
	if tenantID == 0 {
		return nil, billingdomain.ErrInvalidTenant
	}

	var quota quotadomain.UserQuota
	err := s.db.WithContext(ctx).First(&quota, "tenant_id = ?", tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, billingdomain.ErrQuotaNotFound
		}
		return nil, err
	}

	settings := &billingdomain.PaygSettings{
		Enabled:       quota.AllowOverage,
		OverageRate:   quota.OverageRate,
		SpendingLimit: quota.SpendingLimit,
	}
	if settings.SpendingLimit <= 0 {
		settings.SpendingLimit = billingdomain.DefaultSpendingLimit
	}
	return settings, nil
}

func (s *Service) updateQuota(ctx context.Context, tenantID snowflake.ID, fields map[string]any) error {
	if tenantID == 0 {
		return billingdomain.ErrInvalidTenant
	}

	fields["updated_at"] = s.clock.Now()
	result := s.db.WithContext(ctx).
		Model(&quotadomain.UserQuota{}).
		Where("tenant_id = ?", tenantID).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return billingdomain.ErrQuotaNotFound
	}
	return nil
}
