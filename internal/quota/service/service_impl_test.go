package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	aggregatedomain "github.com/smallbiznis/meterline/internal/aggregate/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/counter"
	"github.com/smallbiznis/meterline/internal/pricing"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) (*Service, *gorm.DB, *counter.MemoryStore, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)

	err = db.AutoMigrate(&quotadomain.UserQuota{}, &aggregatedomain.UsageAggregate{})
	assert.NoError(t, err)

	node, err := snowflake.NewNode(1)
	assert.NoError(t, err)

	store := counter.NewMemoryStore()
	svc := NewService(ServiceParam{
		DB:      db,
		Log:     zap.NewNop(),
		Counter: store,
		Clock:   clock.NewFakeClock(testNow),
	})
	return svc.(*Service), db, store, node
}

func seedQuota(t *testing.T, db *gorm.DB, tenantID snowflake.ID, mutate func(*quotadomain.UserQuota)) {
	t.Helper()
	quota := quotadomain.UserQuota{
		TenantID:            tenantID,
		PlanTier:            "pro",
		MonthlyTokenLimit:   1000,
		MonthlyAPICallLimit: 100,
		StorageLimitBytes:   1 << 30,
		QuotaResetAt:        testNow.AddDate(0, 1, 0),
	}
	if mutate != nil {
		mutate(&quota)
	}
	assert.NoError(t, db.Create(&quota).Error)
}

func monthlyKey(tenantID snowflake.ID, dim pricing.Dimension) string {
	return counter.Key(int64(tenantID), string(dim), counter.MonthTag(testNow))
}

func TestValidateQuota_WithinLimit(t *testing.T) {
	svc, db, store, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)

	ctx := context.Background()
	_, err := store.Increment(ctx, monthlyKey(tenant, pricing.DimensionTokens), 100)
	assert.NoError(t, err)

	res := svc.ValidateQuota(ctx, tenant, pricing.DimensionTokens, 200)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
	assert.Equal(t, int64(100), res.CurrentUsage)
	assert.Equal(t, int64(1000), res.Limit)
	assert.Equal(t, int64(900), res.Remaining)
	assert.InDelta(t, 10.0, res.UsagePercent, 1e-9)
}

func TestValidateQuota_ExceededDenied(t *testing.T) {
	svc, db, store, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)

	ctx := context.Background()
	_, err := store.Increment(ctx, monthlyKey(tenant, pricing.DimensionTokens), 950)
	assert.NoError(t, err)

	res := svc.ValidateQuota(ctx, tenant, pricing.DimensionTokens, 100)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotadomain.ReasonQuotaExceeded, res.Reason)
	assert.Equal(t, int64(950), res.CurrentUsage)
	assert.Equal(t, int64(50), res.Remaining)
	assert.Contains(t, res.Message, "950 of 1000")
	assert.Contains(t, res.Message, "upgrade")
}

func TestValidateQuota_ExactLimitAllowed(t *testing.T) {
	svc, db, store, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)

	ctx := context.Background()
	_, err := store.Increment(ctx, monthlyKey(tenant, pricing.DimensionTokens), 950)
	assert.NoError(t, err)

	// 950 + 50 lands exactly on the limit: allowed
	res := svc.ValidateQuota(ctx, tenant, pricing.DimensionTokens, 50)
	assert.True(t, res.Allowed)
}

func TestValidateQuota_OverageAllowed(t *testing.T) {
	svc, db, store, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, func(q *quotadomain.UserQuota) {
		q.AllowOverage = true
		q.OverageRate = 0.000004
	})

	ctx := context.Background()
	_, err := store.Increment(ctx, monthlyKey(tenant, pricing.DimensionTokens), 950)
	assert.NoError(t, err)

	res := svc.ValidateQuota(ctx, tenant, pricing.DimensionTokens, 100)
	assert.True(t, res.Allowed)
	assert.True(t, res.OverageAllowed)
	assert.Equal(t, quotadomain.ReasonOverage, res.Reason)
}

func TestValidateQuota_MissingRowDenied(t *testing.T) {
	svc, _, _, node := newTestValidator(t)

	res := svc.ValidateQuota(context.Background(), node.Generate(), pricing.DimensionTokens, 1)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotadomain.ReasonQuotaNotFound, res.Reason)
}

func TestValidateQuota_CounterDownFallsBackToAggregate(t *testing.T) {
	svc, db, store, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)

	monthStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.NoError(t, db.Create(&aggregatedomain.UsageAggregate{
		ID:          node.Generate(),
		TenantID:    tenant,
		PeriodType:  string(aggregatedomain.PeriodMonthly),
		PeriodStart: monthStart,
		TotalTokens: 600,
	}).Error)

	store.Fail = true
	res := svc.ValidateQuota(context.Background(), tenant, pricing.DimensionTokens, 100)
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(600), res.CurrentUsage)
}

func TestValidateQuota_CounterMissFallsBackToQuotaRow(t *testing.T) {
	svc, db, _, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, func(q *quotadomain.UserQuota) {
		q.CurrentTokenUsage = 999
	})

	// no counter key, no monthly aggregate: the running counter decides
	res := svc.ValidateQuota(context.Background(), tenant, pricing.DimensionTokens, 100)
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(999), res.CurrentUsage)
}

func TestValidateQuota_TrialExpiredDenied(t *testing.T) {
	svc, db, _, node := newTestValidator(t)
	tenant := node.Generate()
	expired := testNow.Add(-24 * time.Hour)
	seedQuota(t, db, tenant, func(q *quotadomain.UserQuota) {
		q.PlanTier = "trial"
		q.TrialExpiresAt = &expired
	})

	res := svc.ValidateQuota(context.Background(), tenant, pricing.DimensionTokens, 1)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotadomain.ReasonTrialExpired, res.Reason)
}

func TestValidateQuota_PaidTierIgnoresStaleTrialExpiry(t *testing.T) {
	svc, db, _, node := newTestValidator(t)
	tenant := node.Generate()
	// upgraded tenants keep the old trial date on the row
	stale := testNow.Add(-30 * 24 * time.Hour)
	seedQuota(t, db, tenant, func(q *quotadomain.UserQuota) {
		q.PlanTier = "pro"
		q.TrialExpiresAt = &stale
	})

	res := svc.ValidateQuota(context.Background(), tenant, pricing.DimensionTokens, 10)
	assert.True(t, res.Allowed)
	assert.Empty(t, res.Reason)
}

func TestValidateQuota_QuotaLookupFailureDenied(t *testing.T) {
	svc, db, _, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)

	// simulate storage being down: the lookup errors rather than missing
	assert.NoError(t, db.Migrator().DropTable(&quotadomain.UserQuota{}))

	res := svc.ValidateQuota(context.Background(), tenant, pricing.DimensionTokens, 10)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotadomain.ReasonSystemError, res.Reason)
	assert.Contains(t, res.Message, "try again")
}

func TestValidateQuota_NoLimitConfigured(t *testing.T) {
	svc, db, _, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, func(q *quotadomain.UserQuota) {
		q.MonthlyTokenLimit = 0
	})

	res := svc.ValidateQuota(context.Background(), tenant, pricing.DimensionTokens, 1<<40)
	assert.True(t, res.Allowed)
}

func TestValidateQuota_UnknownDimensionDenied(t *testing.T) {
	svc, db, _, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, nil)

	res := svc.ValidateQuota(context.Background(), tenant, pricing.Dimension("bandwidth"), 1)
	assert.False(t, res.Allowed)
	assert.Equal(t, quotadomain.ReasonSystemError, res.Reason)
}

func TestCanProceed(t *testing.T) {
	svc, db, store, node := newTestValidator(t)
	tenant := node.Generate()
	seedQuota(t, db, tenant, func(q *quotadomain.UserQuota) {
		q.AllowOverage = true
	})

	ctx := context.Background()
	_, err := store.Increment(ctx, monthlyKey(tenant, pricing.DimensionAPICalls), 100)
	assert.NoError(t, err)

	decision := svc.CanProceed(ctx, tenant, pricing.DimensionAPICalls, 1)
	assert.True(t, decision.Allowed)
	assert.True(t, decision.PaygAllowed)
	assert.Equal(t, quotadomain.ReasonOverage, decision.Reason)
}

func TestCheckTrialExpiration(t *testing.T) {
	svc, _, _, _ := newTestValidator(t)

	future := testNow.Add(48 * time.Hour)
	past := testNow.Add(-48 * time.Hour)

	tests := []struct {
		name  string
		quota quotadomain.UserQuota
		want  quotadomain.TrialStatus
	}{
		{
			name:  "not on trial",
			quota: quotadomain.UserQuota{PlanTier: "pro"},
			want:  quotadomain.TrialStatus{},
		},
		{
			name:  "active trial",
			quota: quotadomain.UserQuota{PlanTier: "trial", TrialExpiresAt: &future},
			want:  quotadomain.TrialStatus{OnTrial: true},
		},
		{
			name:  "expired trial can extend once",
			quota: quotadomain.UserQuota{PlanTier: "trial", TrialExpiresAt: &past},
			want:  quotadomain.TrialStatus{OnTrial: true, Expired: true, CanExtend: true},
		},
		{
			name:  "expired trial already extended",
			quota: quotadomain.UserQuota{PlanTier: "trial", TrialExpiresAt: &past, TrialExtended: true},
			want:  quotadomain.TrialStatus{OnTrial: true, Expired: true},
		},
		{
			name:  "paid tier with stale trial expiry",
			quota: quotadomain.UserQuota{PlanTier: "pro", TrialExpiresAt: &past},
			want:  quotadomain.TrialStatus{},
		},
		{
			name:  "trial tier without expiry is flagged",
			quota: quotadomain.UserQuota{PlanTier: "trial"},
			want:  quotadomain.TrialStatus{OnTrial: true, Flagged: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := svc.CheckTrialExpiration(&tt.quota)
			assert.Equal(t, tt.want, got)
		})
	}
}
