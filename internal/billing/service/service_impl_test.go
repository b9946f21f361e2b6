package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	billingdomain "github.com/smallbiznis/meterline/internal/billing/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(
		&usagedomain.UsageEvent{},
		&quotadomain.UserQuota{},
		&billingdomain.BillingRecord{},
	)
	assert.NoError(t, err)

	node, err := snowflake.NewNode(1)
	assert.NoError(t, err)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clock.NewFakeClock(testNow),
	})
	return svc.(*Service), db, node
}

func seedQuota(t *testing.T, db *gorm.DB, tenantID snowflake.ID, mutate func(*quotadomain.UserQuota)) {
	t.Helper()
	quota := quotadomain.UserQuota{
		TenantID:            tenantID,
		PlanTier:            "starter",
		MonthlyTokenLimit:   2_000_000,
		MonthlyAPICallLimit: 20_000,
		StorageLimitBytes:   20 << 30,
		QuotaResetAt:        testNow.AddDate(0, 1, 0),
	}
	if mutate != nil {
		mutate(&quota)
	}
	assert.NoError(t, db.Create(&quota).Error)
}

func seedEvent(t *testing.T, db *gorm.DB, node *snowflake.Node, tenantID snowflake.ID, category, eventType string, quantity float64, unit string, cost float64, at time.Time) {
	t.Helper()
	err := db.Create(&usagedomain.UsageEvent{
		ID:         node.Generate(),
		TenantID:   tenantID,
		ResourceID: "5f0c7a9e-1f9a-4c1e-8a8e-000000000002",
		Category:   category,
		EventType:  eventType,
		Quantity:   quantity,
		Unit:       unit,
		Cost:       cost,
		CreatedAt:  at,
	}).Error
	assert.NoError(t, err)
}

func TestGenerateMonthlyInvoice_Idempotent(t *testing.T) {
	svc, db, node := newTestEngine(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)
	seedEvent(t, db, node, tenant, "ai", "model_input_tokens", 1000, "tokens", 0.003, testNow.Add(-24*time.Hour))

	ctx := context.Background()
	first, err := svc.GenerateMonthlyInvoice(ctx, tenant, testNow)
	assert.NoError(t, err)
	assert.Equal(t, billingdomain.InvoiceStatusPending, first.Status)
	assert.False(t, first.IsPreview)
	assert.True(t, first.PeriodStart.UTC().Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, int64(1000), first.TotalTokens)
	assert.InDelta(t, 29.003, first.TotalCost, 1e-9)

	// a second event after the first run must not change the stored invoice
	seedEvent(t, db, node, tenant, "ai", "model_output_tokens", 500, "tokens", 0.0075, testNow)

	second, err := svc.GenerateMonthlyInvoice(ctx, tenant, testNow.Add(72*time.Hour))
	assert.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.TotalCost, second.TotalCost)

	var count int64
	assert.NoError(t, db.Model(&billingdomain.BillingRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGenerateMonthlyInvoice_MissingQuota(t *testing.T) {
	svc, _, node := newTestEngine(t)

	_, err := svc.GenerateMonthlyInvoice(context.Background(), node.Generate(), testNow)
	assert.ErrorIs(t, err, billingdomain.ErrQuotaNotFound)
}

func TestGenerateMonthlyInvoice_OverageCost(t *testing.T) {
	svc, db, node := newTestEngine(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, func(q *quotadomain.UserQuota) {
		q.PlanTier = "free"
		q.MonthlyTokenLimit = 1000
		q.CurrentTokenUsage = 1500
		q.MonthlyAPICallLimit = 0
		q.StorageLimitBytes = 0
		q.AllowOverage = true
		q.OverageRate = 0.001
	})

	invoice, err := svc.GenerateMonthlyInvoice(context.Background(), tenant, testNow)
	assert.NoError(t, err)
	// 500 tokens over at 0.001/token, free tier has no base price
	assert.InDelta(t, 0.5, invoice.OverageCost, 1e-9)
	assert.InDelta(t, 0.5, invoice.TotalCost, 1e-9)
}

func TestGenerateMonthlyInvoice_NoOverageWhenDisabled(t *testing.T) {
	svc, db, node := newTestEngine(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, func(q *quotadomain.UserQuota) {
		q.PlanTier = "free"
		q.MonthlyTokenLimit = 1000
		q.CurrentTokenUsage = 1500
	})

	invoice, err := svc.GenerateMonthlyInvoice(context.Background(), tenant, testNow)
	assert.NoError(t, err)
	assert.Zero(t, invoice.OverageCost)
}

func TestGetCurrentPeriodPreview_ReadOnly(t *testing.T) {
	svc, db, node := newTestEngine(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)
	seedEvent(t, db, node, tenant, "ai", "model_input_tokens", 1000, "tokens", 0.003, testNow.Add(-time.Hour))

	preview, err := svc.GetCurrentPeriodPreview(context.Background(), tenant)
	assert.NoError(t, err)
	assert.True(t, preview.IsPreview)
	assert.InDelta(t, 29.003, preview.TotalCost, 1e-9)

	var count int64
	assert.NoError(t, db.Model(&billingdomain.BillingRecord{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestPreviewAndInvoiceAgree(t *testing.T) {
	svc, db, node := newTestEngine(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)
	seedEvent(t, db, node, tenant, "ai", "model_input_tokens", 2000, "tokens", 0.006, testNow.Add(-48*time.Hour))
	seedEvent(t, db, node, tenant, "search", "vector_search", 10, "queries", 0.0004, testNow.Add(-time.Hour))

	ctx := context.Background()
	preview, err := svc.GetCurrentPeriodPreview(ctx, tenant)
	assert.NoError(t, err)

	invoice, err := svc.GenerateMonthlyInvoice(ctx, tenant, testNow)
	assert.NoError(t, err)

	assert.Equal(t, preview.UsageCost, invoice.UsageCost)
	assert.Equal(t, preview.TotalCost, invoice.TotalCost)
	assert.Equal(t, preview.TotalTokens, invoice.TotalTokens)
}

func TestGetUsageBreakdown(t *testing.T) {
	svc, db, node := newTestEngine(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)
	seedEvent(t, db, node, tenant, "ai", "model_input_tokens", 500, "tokens", 2.50, testNow.Add(-time.Hour))

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	breakdown, err := svc.GetUsageBreakdown(context.Background(), tenant, start, start.AddDate(0, 1, 0))
	assert.NoError(t, err)

	ai := breakdown.Categories["ai"]
	assert.Equal(t, int64(1), ai.Events)
	assert.Equal(t, 500.0, ai.Quantity)
	assert.InDelta(t, 2.50, ai.Cost, 1e-9)

	assert.Equal(t, int64(1), breakdown.TotalEvents)
	assert.InDelta(t, 2.50, breakdown.TotalCost, 1e-9)

	// every other category is present and zeroed
	for name, usage := range breakdown.Categories {
		if name == "ai" {
			continue
		}
		assert.Zero(t, usage.Events)
		assert.Zero(t, usage.Cost)
	}
}

func TestGetUsageBreakdown_InvalidWindow(t *testing.T) {
	svc, _, node := newTestEngine(t)
	_, err := svc.GetUsageBreakdown(context.Background(), node.Generate(), testNow, testNow)
	assert.ErrorIs(t, err, billingdomain.ErrInvalidWindow)
}

func TestPaygLifecycle(t *testing.T) {
	svc, db, node := newTestEngine(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)

	ctx := context.Background()

	settings, err := svc.GetPaygSettings(ctx, tenant)
	assert.NoError(t, err)
	assert.False(t, settings.Enabled)
	assert.Equal(t, billingdomain.DefaultSpendingLimit, settings.SpendingLimit)

	assert.NoError(t, svc.EnablePayg(ctx, tenant, 0.005))
	assert.NoError(t, svc.UpdatePaygLimit(ctx, tenant, 250))

	settings, err = svc.GetPaygSettings(ctx, tenant)
	assert.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.Equal(t, 0.005, settings.OverageRate)
	assert.Equal(t, 250.0, settings.SpendingLimit)

	assert.NoError(t, svc.DisablePayg(ctx, tenant))
	settings, err = svc.GetPaygSettings(ctx, tenant)
	assert.NoError(t, err)
	assert.False(t, settings.Enabled)
	// rate and limit survive a disable
	assert.Equal(t, 0.005, settings.OverageRate)
}

func TestPaygValidation(t *testing.T) {
	svc, db, node := newTestEngine(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)

	ctx := context.Background()
	assert.ErrorIs(t, svc.EnablePayg(ctx, tenant, -1), billingdomain.ErrInvalidRate)
	assert.ErrorIs(t, svc.UpdatePaygLimit(ctx, tenant, -5), billingdomain.ErrInvalidLimit)
	assert.ErrorIs(t, svc.EnablePayg(ctx, node.Generate(), 0.001), billingdomain.ErrQuotaNotFound)

	_, err := svc.GetPaygSettings(ctx, node.Generate())
	assert.ErrorIs(t, err, billingdomain.ErrQuotaNotFound)
}
