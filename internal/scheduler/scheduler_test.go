package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/meterline/internal/aggregate/domain"
	billingdomain "github.com/smallbiznis/meterline/internal/billing/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type aggregateCall struct {
	periodType  aggregatedomain.PeriodType
	periodStart time.Time
}

type aggregatorStub struct {
	calls       []aggregateCall
	alertChecks []snowflake.ID
	resets      int
	tenants     []snowflake.ID
	failPeriod  aggregatedomain.PeriodType
}

func (a *aggregatorStub) Aggregate(_ context.Context, periodType aggregatedomain.PeriodType, periodStart time.Time, _ snowflake.ID) (int, error) {
	a.calls = append(a.calls, aggregateCall{periodType, periodStart})
	if periodType == a.failPeriod {
		return 0, errors.New("rollup_failed")
	}
	return 1, nil
}

func (a *aggregatorStub) CheckAlertThresholds(_ context.Context, tenantID snowflake.ID) {
	a.alertChecks = append(a.alertChecks, tenantID)
}

func (a *aggregatorStub) ResetExpiredQuotas(context.Context) (int, error) {
	a.resets++
	return 0, nil
}

func (a *aggregatorStub) TenantsInWindow(context.Context, time.Time, time.Time) ([]snowflake.ID, error) {
	return a.tenants, nil
}

type invoiceCall struct {
	tenantID    snowflake.ID
	periodStart time.Time
}

type billingStub struct {
	invoices []invoiceCall
	fail     bool
}

func (b *billingStub) GenerateMonthlyInvoice(_ context.Context, tenantID snowflake.ID, periodStart time.Time) (*billingdomain.BillingRecord, error) {
	b.invoices = append(b.invoices, invoiceCall{tenantID, periodStart})
	if b.fail {
		return nil, errors.New("invoice_failed")
	}
	return &billingdomain.BillingRecord{TenantID: tenantID, PeriodStart: periodStart}, nil
}

func (b *billingStub) GetCurrentPeriodPreview(context.Context, snowflake.ID) (*billingdomain.BillingRecord, error) {
	return nil, nil
}

func (b *billingStub) GetUsageBreakdown(context.Context, snowflake.ID, time.Time, time.Time) (*billingdomain.UsageBreakdown, error) {
	return nil, nil
}

func (b *billingStub) EnablePayg(context.Context, snowflake.ID, float64) error  { return nil }
func (b *billingStub) DisablePayg(context.Context, snowflake.ID) error          { return nil }
func (b *billingStub) UpdatePaygLimit(context.Context, snowflake.ID, float64) error {
	return nil
}

func (b *billingStub) GetPaygSettings(context.Context, snowflake.ID) (*billingdomain.PaygSettings, error) {
	return nil, nil
}

var schedNow = time.Date(2026, 3, 15, 10, 30, 0, 0, time.UTC)

func newTestScheduler(t *testing.T, agg *aggregatorStub, billing *billingStub, cfg Config) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	assert.NoError(t, err)

	sched, err := New(Params{
		Log:        zap.NewNop(),
		Aggregator: agg,
		Billing:    billing,
		GenID:      node,
		Clock:      clock.NewFakeClock(schedNow),
		Config:     cfg,
	})
	assert.NoError(t, err)
	return sched
}

func TestNew_MissingDependency(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRunOnce_RunsEveryJob(t *testing.T) {
	node, _ := snowflake.NewNode(2)
	tenant := node.Generate()
	agg := &aggregatorStub{tenants: []snowflake.ID{tenant}}
	billing := &billingStub{}
	sched := newTestScheduler(t, agg, billing, Config{})

	assert.NoError(t, sched.RunOnce(context.Background()))

	// every period sweeps its previous and current bucket
	assert.Equal(t, []aggregateCall{
		{aggregatedomain.PeriodHourly, time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC)},
		{aggregatedomain.PeriodHourly, time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)},
		{aggregatedomain.PeriodDaily, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)},
		{aggregatedomain.PeriodDaily, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
		{aggregatedomain.PeriodMonthly, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)},
		{aggregatedomain.PeriodMonthly, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}, agg.calls)

	assert.Equal(t, []snowflake.ID{tenant}, agg.alertChecks)
	assert.Equal(t, 1, agg.resets)

	// invoices close the previous month
	assert.Len(t, billing.invoices, 1)
	assert.Equal(t, tenant, billing.invoices[0].tenantID)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), billing.invoices[0].periodStart)
}

func TestRunOnce_EnabledJobsFilter(t *testing.T) {
	agg := &aggregatorStub{}
	billing := &billingStub{}
	sched := newTestScheduler(t, agg, billing, Config{
		EnabledJobs: []string{"quota_reset"},
	})

	assert.NoError(t, sched.RunOnce(context.Background()))
	assert.Empty(t, agg.calls)
	assert.Empty(t, billing.invoices)
	assert.Equal(t, 1, agg.resets)
}

func TestRunOnce_JoinsJobErrors(t *testing.T) {
	agg := &aggregatorStub{failPeriod: aggregatedomain.PeriodDaily}
	billing := &billingStub{}
	sched := newTestScheduler(t, agg, billing, Config{})

	err := sched.RunOnce(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "aggregate_daily")

	// later jobs still ran
	assert.Equal(t, 1, agg.resets)
}

func TestInvoiceMonthlyJob_CollectsPerTenantErrors(t *testing.T) {
	node, _ := snowflake.NewNode(3)
	agg := &aggregatorStub{tenants: []snowflake.ID{node.Generate(), node.Generate()}}
	billing := &billingStub{fail: true}
	sched := newTestScheduler(t, agg, billing, Config{})

	err := sched.InvoiceMonthlyJob(context.Background())
	assert.Error(t, err)
	// one failure does not stop the other tenant's invoice attempt
	assert.Len(t, billing.invoices, 2)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)

	custom := Config{RunInterval: time.Second, BatchSize: 5, JobTimeout: time.Second}.withDefaults()
	assert.Equal(t, time.Second, custom.RunInterval)
	assert.Equal(t, 5, custom.BatchSize)
}

func TestProvideConfig(t *testing.T) {
	app := config.Config{
		Scheduler: config.SchedulerConfig{
			RunInterval: 2 * time.Minute,
			BatchSize:   25,
			JobTimeout:  45 * time.Second,
			EnabledJobs: []string{"quota_reset"},
		},
	}

	cfg := ProvideConfig(app)
	assert.Equal(t, 2*time.Minute, cfg.RunInterval)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.JobTimeout)
	assert.Equal(t, []string{"quota_reset"}, cfg.EnabledJobs)
}
