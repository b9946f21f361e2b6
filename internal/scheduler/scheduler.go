// Package scheduler drives the periodic metering jobs: aggregation sweeps,
// quota period resets, and monthly invoice generation. Every job is
// idempotent, so overlapping or retried runs converge instead of
// double-counting.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/meterline/internal/aggregate/domain"
	billingdomain "github.com/smallbiznis/meterline/internal/billing/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log        *zap.Logger
	Aggregator aggregatedomain.Aggregator
	Billing    billingdomain.Engine
	GenID      *snowflake.Node
	Clock      clock.Clock
	Config     Config              `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	log        *zap.Logger
	cfg        Config
	aggregator aggregatedomain.Aggregator
	billing    billingdomain.Engine
	genID      *snowflake.Node
	clock      clock.Clock
	metrics    *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.Aggregator == nil || p.Billing == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		aggregator: p.Aggregator,
		billing:    p.Billing,
		genID:      p.GenID,
		clock:      p.Clock,
		metrics:    p.Metrics,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	s.metrics.IncJobRun(name)
	err := fn(ctx)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err == nil {
		return nil
	}

	log := s.log.With(zap.String("job", name))
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// soft timeout: every job is resumable on the next tick
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	s.metrics.IncJobError(name)
	log.Error("job failed", zap.Error(err))
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Timeout time.Duration
		Run     func(context.Context) error
	}{
		{"aggregate_hourly", s.cfg.JobTimeout, s.AggregateHourlyJob},
		{"aggregate_daily", s.cfg.JobTimeout, s.AggregateDailyJob},
		{"aggregate_monthly", s.cfg.JobTimeout, s.AggregateMonthlyJob},
		{"quota_reset", s.cfg.JobTimeout, s.QuotaResetJob},
		{"invoice_monthly", 5 * time.Minute, s.InvoiceMonthlyJob},
	}

	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, s.runJob(parent, job.Name, job.Timeout, job.Run))
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty EnabledJobs means all jobs run (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

func (s *Scheduler) AggregateHourlyJob(ctx context.Context) error {
	return s.sweep(ctx, aggregatedomain.PeriodHourly)
}

func (s *Scheduler) AggregateDailyJob(ctx context.Context) error {
	return s.sweep(ctx, aggregatedomain.PeriodDaily)
}

// sweep recomputes the previous and current buckets of a period, so events
// that land just after a bucket closes still get reconciled into it.
func (s *Scheduler) sweep(ctx context.Context, period aggregatedomain.PeriodType) error {
	start := period.Truncate(s.clock.Now())
	var err error
	for _, at := range []time.Time{period.Prev(start), start} {
		_, aerr := s.aggregator.Aggregate(ctx, period, at, 0)
		err = errors.Join(err, aerr)
	}
	return err
}

// AggregateMonthlyJob refreshes the previous and current months' rollups,
// then sweeps alert thresholds for every tenant active in the current month.
func (s *Scheduler) AggregateMonthlyJob(ctx context.Context) error {
	if err := s.sweep(ctx, aggregatedomain.PeriodMonthly); err != nil {
		return err
	}

	start := aggregatedomain.PeriodMonthly.Truncate(s.clock.Now())
	tenants, err := s.aggregator.TenantsInWindow(ctx, start, aggregatedomain.PeriodMonthly.Next(start))
	if err != nil {
		return err
	}
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.aggregator.CheckAlertThresholds(ctx, tenant)
	}
	return nil
}

func (s *Scheduler) QuotaResetJob(ctx context.Context) error {
	reset, err := s.aggregator.ResetExpiredQuotas(ctx)
	if reset > 0 {
		s.log.Info("quota periods reset", zap.Int("count", reset))
	}
	return err
}

// InvoiceMonthlyJob closes out the previous month for every tenant that had
// usage in it. Invoice generation is idempotent, so running this on every
// tick only inserts once per tenant per month.
func (s *Scheduler) InvoiceMonthlyJob(ctx context.Context) error {
	now := s.clock.Now()
	monthStart := aggregatedomain.PeriodMonthly.Truncate(now)
	prevStart := monthStart.AddDate(0, -1, 0)

	tenants, err := s.aggregator.TenantsInWindow(ctx, prevStart, monthStart)
	if err != nil {
		return err
	}

	var jobErr error
	for _, tenant := range tenants {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		if _, err := s.billing.GenerateMonthlyInvoice(ctx, tenant, prevStart); err != nil {
			jobErr = errors.Join(jobErr, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	return jobErr
}
