package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/meterline/internal/aggregate/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/pricing"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
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

func NewService(p ServiceParam) aggregatedomain.Aggregator {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("aggregate.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

type categoryRollup struct {
	TenantID snowflake.ID `gorm:"column:tenant_id"`
	Category string       `gorm:"column:category"`
	Events   int64        `gorm:"column:events"`
	Tokens   float64      `gorm:"column:tokens"`
	APICalls int64        `gorm:"column:api_calls"`
	Cost     float64      `gorm:"column:cost"`
}

// Aggregate recomputes the full window from the event log and writes one row
// per tenant with a single conditional upsert keyed by the period tuple.
// Re-running over an unchanged window produces identical totals; concurrent
// runs are safe because every writer writes the full recomputed sum, never a
// delta.
func (s *Service) Aggregate(ctx context.Context, periodType aggregatedomain.PeriodType, periodStart time.Time, tenantID snowflake.ID) (int, error) {
	if !periodType.Valid() {
		return 0, aggregatedomain.ErrInvalidPeriodType
	}

	start := periodType.Truncate(periodStart)
	end := periodType.Next(start)

	query := `SELECT tenant_id,
	                 category,
	                 COUNT(1) AS events,
	                 SUM(CASE WHEN unit = 'tokens' THEN quantity ELSE 0 END) AS tokens,
	                 SUM(CASE WHEN unit <> 'tokens' OR event_type = 'model_input_tokens' THEN 1 ELSE 0 END) AS api_calls,
	                 SUM(cost) AS cost
	          FROM usage_events
	          WHERE created_at >= ? AND created_at < ?`
	args := []any{start, end}
	if tenantID != 0 {
		query += ` AND tenant_id = ?`
		args = append(args, tenantID)
	}
	query += ` GROUP BY tenant_id, category`

	var rollups []categoryRollup
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rollups).Error; err != nil {
		return 0, err
	}
	if len(rollups) == 0 {
		return 0, nil
	}

	byTenant := make(map[snowflake.ID]*aggregatedomain.UsageAggregate)
	order := make([]snowflake.ID, 0)
	for _, rollup := range rollups {
		agg, ok := byTenant[rollup.TenantID]
		if !ok {
			agg = &aggregatedomain.UsageAggregate{
				ID:                s.genID.Generate(),
				TenantID:          rollup.TenantID,
				PeriodType:        string(periodType),
				PeriodStart:       start,
				CategoryBreakdown: emptyBreakdown(),
			}
			byTenant[rollup.TenantID] = agg
			order = append(order, rollup.TenantID)
		}
		agg.TotalEvents += rollup.Events
		agg.TotalTokens += int64(rollup.Tokens)
		agg.TotalAPICalls += rollup.APICalls
		agg.TotalCost += rollup.Cost
		agg.CategoryBreakdown[rollup.Category] = breakdownValue(agg.CategoryBreakdown, rollup.Category) + rollup.Cost
	}

	now := s.clock.Now()
	upserted := 0
	for _, id := range order {
		agg := byTenant[id]
		agg.CreatedAt = now
		agg.UpdatedAt = now

		err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "tenant_id"},
				{Name: "period_type"},
				{Name: "period_start"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"total_events",
				"total_tokens",
				"total_api_calls",
				"total_cost",
				"category_breakdown",
				"updated_at",
			}),
		}).Create(agg).Error
		if err != nil {
			return upserted, err
		}
		upserted++
	}

	s.metrics.AddAggregatesUpserted(upserted)
	return upserted, nil
}

func emptyBreakdown() datatypes.JSONMap {
	breakdown := make(datatypes.JSONMap, len(pricing.Categories))
	for _, category := range pricing.Categories {
		breakdown[string(category)] = float64(0)
	}
	return breakdown
}

func breakdownValue(breakdown datatypes.JSONMap, category string) float64 {
	if value, ok := breakdown[category].(float64); ok {
		return value
	}
	return 0
}

// CheckAlertThresholds evaluates every quota dimension against the ascending
// threshold ladder and records one alert per (tenant, dimension, threshold)
// since the last reset. Best-effort side channel: all errors are logged and
// swallowed. The lookup-then-insert dedup is intentionally not atomic;
// concurrent aggregation runs can occasionally double-alert.
func (s *Service) CheckAlertThresholds(ctx context.Context, tenantID snowflake.ID) {
	if tenantID == 0 {
		return
	}

	var quota quotadomain.UserQuota
	err := s.db.WithContext(ctx).First(&quota, "tenant_id = ?", tenantID).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Warn("alert check failed to load quota",
				zap.String("tenant_id", tenantID.String()),
				zap.Error(err),
			)
		}
		return
	}

	dimensions := []struct {
		quotaType pricing.Dimension
		current   int64
		limit     int64
	}{
		{pricing.DimensionTokens, quota.CurrentTokenUsage, quota.MonthlyTokenLimit},
		{pricing.DimensionAPICalls, quota.CurrentAPICallUsage, quota.MonthlyAPICallLimit},
		{pricing.DimensionStorage, quota.CurrentStorageUsage, quota.StorageLimitBytes},
	}

	since := time.Time{}
	if quota.LastResetAt != nil {
		since = *quota.LastResetAt
	}

	for _, dim := range dimensions {
		if dim.limit <= 0 {
			continue
		}
		percent := float64(dim.current) / float64(dim.limit) * 100
		for _, threshold := range aggregatedomain.AlertThresholds {
			if percent < float64(threshold) {
				break
			}
			if err := s.recordAlert(ctx, tenantID, dim.quotaType, threshold, dim.current, since); err != nil {
				s.log.Warn("quota alert insert failed",
					zap.String("tenant_id", tenantID.String()),
					zap.String("quota_type", string(dim.quotaType)),
					zap.Int("threshold", threshold),
					zap.Error(err),
				)
			}
		}
	}
}

func (s *Service) recordAlert(ctx context.Context, tenantID snowflake.ID, quotaType pricing.Dimension, threshold int, current int64, since time.Time) error {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&aggregatedomain.QuotaAlert{}).
		Where("tenant_id = ? AND quota_type = ? AND threshold_percent = ? AND alerted_at > ?",
			tenantID, string(quotaType), threshold, since).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	alert := &aggregatedomain.QuotaAlert{
		ID:               s.genID.Generate(),
		TenantID:         tenantID,
		QuotaType:        string(quotaType),
		ThresholdPercent: threshold,
		ThresholdValue:   current,
		AlertedAt:        s.clock.Now(),
	}
	return s.db.WithContext(ctx).Create(alert).Error
}

// ResetExpiredQuotas zeroes running counters whose reset time has passed and
// advances the reset schedule by one month.
func (s *Service) ResetExpiredQuotas(ctx context.Context) (int, error) {
	now := s.clock.Now()

	var quotas []quotadomain.UserQuota
	if err := s.db.WithContext(ctx).
		Where("quota_reset_at <= ?", now).
		Find(&quotas).Error; err != nil {
		return 0, err
	}

	reset := 0
	var jobErr error
	for _, quota := range quotas {
		if ctx.Err() != nil {
			return reset, errors.Join(jobErr, ctx.Err())
		}

		nextReset := quota.QuotaResetAt.AddDate(0, 1, 0)
		err := s.db.WithContext(ctx).
			Model(&quotadomain.UserQuota{}).
			Where("tenant_id = ?", quota.TenantID).
			Updates(map[string]any{
				"current_token_usage":    0,
				"current_api_call_usage": 0,
				"current_storage_usage":  0,
				"quota_reset_at":         nextReset,
				"last_reset_at":          now,
				"updated_at":             now,
			}).Error
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.log.Warn("quota reset failed",
				zap.String("tenant_id", quota.TenantID.String()),
				zap.Error(err),
			)
			continue
		}
		reset++
	}

	return reset, jobErr
}

type tenantRow struct {
	TenantID snowflake.ID `gorm:"column:tenant_id"`
}

func (s *Service) TenantsInWindow(ctx context.Context, start, end time.Time) ([]snowflake.ID, error) {
	var rows []tenantRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT DISTINCT tenant_id FROM usage_events WHERE created_at >= ? AND created_at < ?`,
		start, end,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	tenants := make([]snowflake.ID, 0, len(rows))
	for _, row := range rows {
		tenants = append(tenants, row.TenantID)
	}
	return tenants, nil
}
