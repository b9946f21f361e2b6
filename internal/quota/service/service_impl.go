package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/meterline/internal/aggregate/domain"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/counter"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/pricing"
	quotadomain "github.com/smallbiznis/meterline/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Counter counter.Store
	Clock   clock.Clock
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	counter counter.Store
	clock   clock.Clock
	metrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) quotadomain.Validator {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("quota.service"),
		counter: p.Counter,
		clock:   p.Clock,
		metrics: p.Metrics,
	}
}

// ValidateQuota is the pre-flight gate for expensive operations. It never
// returns an error: any failure it cannot resolve becomes a structured
// denial, because letting usage through on a broken read is the one outcome
// the gate exists to prevent.
func (s *Service) ValidateQuota(ctx context.Context, tenantID snowflake.ID, quotaType pricing.Dimension, requested int64) quotadomain.ValidationResult {
	result := s.validate(ctx, tenantID, quotaType, requested)

	outcome := "denied"
	if result.Allowed {
		outcome = "allowed"
		if result.OverageAllowed {
			outcome = "overage"
		}
	}
	s.metrics.IncQuotaDecision(string(quotaType), outcome)
	return result
}

func (s *Service) validate(ctx context.Context, tenantID snowflake.ID, quotaType pricing.Dimension, requested int64) quotadomain.ValidationResult {
	deny := func(reason string) quotadomain.ValidationResult {
		// infra detail stays in the logs, not the caller-facing message
		return quotadomain.ValidationResult{
			Allowed: false,
			Reason:  reason,
			Message: "quota check could not be completed, please try again",
		}
	}

	if tenantID == 0 || requested < 0 {
		return deny(quotadomain.ReasonSystemError)
	}

	var quota quotadomain.UserQuota
	err := s.db.WithContext(ctx).First(&quota, "tenant_id = ?", tenantID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			result := deny(quotadomain.ReasonQuotaNotFound)
			result.Message = "no quota is provisioned for this account, please contact support"
			return result
		}
		s.log.Error("quota lookup failed",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err),
		)
		return deny(quotadomain.ReasonSystemError)
	}

	if trial := s.CheckTrialExpiration(&quota); trial.Expired {
		result := deny(quotadomain.ReasonTrialExpired)
		result.Message = "your trial has ended, upgrade to a paid plan to continue"
		return result
	}

	limit, err := limitFor(&quota, quotaType)
	if err != nil {
		s.log.Error("quota validation for unknown dimension",
			zap.String("tenant_id", tenantID.String()),
			zap.String("quota_type", string(quotaType)),
		)
		return deny(quotadomain.ReasonSystemError)
	}

	current := s.currentUsage(ctx, &quota, quotaType)

	res := quotadomain.ValidationResult{
		Allowed:      true,
		CurrentUsage: current,
		Limit:        limit,
	}
	if limit <= 0 {
		// no limit configured for this dimension
		return res
	}

	res.Remaining = limit - current
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	res.UsagePercent = float64(current) / float64(limit) * 100

	// exactly reaching the limit is allowed; only exceeding it is gated
	if current+requested <= limit {
		return res
	}

	if quota.AllowOverage {
		res.Reason = quotadomain.ReasonOverage
		res.OverageAllowed = true
		return res
	}

	res.Allowed = false
	res.Reason = quotadomain.ReasonQuotaExceeded
	res.Message = fmt.Sprintf(
		"%s quota exceeded: %d of %d used, %d requested; upgrade your plan or enable pay-as-you-go to continue",
		quotaType, current, limit, requested,
	)
	return res
}

// CanProceed is the thin wrapper for call sites that only branch on the gate.
func (s *Service) CanProceed(ctx context.Context, tenantID snowflake.ID, quotaType pricing.Dimension, requested int64) quotadomain.Decision {
	result := s.ValidateQuota(ctx, tenantID, quotaType, requested)
	return quotadomain.Decision{
		Allowed:     result.Allowed,
		Reason:      result.Reason,
		PaygAllowed: result.OverageAllowed,
	}
}

// CheckTrialExpiration inspects the quota row only; it performs no reads.
// Only the trial tier is subject to expiry: a paid tenant keeps its stale
// trial_expires_at from before the upgrade, and that date must never gate it.
func (s *Service) CheckTrialExpiration(quota *quotadomain.UserQuota) quotadomain.TrialStatus {
	if !strings.EqualFold(quota.PlanTier, string(pricing.TierTrial)) {
		return quotadomain.TrialStatus{}
	}

	if quota.TrialExpiresAt == nil {
		// trial tier without an expiry date: allow, but surface it
		return quotadomain.TrialStatus{OnTrial: true, Flagged: true}
	}

	status := quotadomain.TrialStatus{OnTrial: true}
	if s.clock.Now().After(*quota.TrialExpiresAt) {
		status.Expired = true
		status.CanExtend = !quota.TrialExtended
	}
	return status
}

// currentUsage reads the fast counter first and falls back through the
// durable tiers when the store is unavailable or the key has not been
// written yet. The quota row's running counter is the read of last resort.
func (s *Service) currentUsage(ctx context.Context, quota *quotadomain.UserQuota, quotaType pricing.Dimension) int64 {
	now := s.clock.Now()

	key := counter.Key(int64(quota.TenantID), string(quotaType), counter.MonthTag(now))
	value, err := s.counter.Get(ctx, key)
	if err == nil {
		return int64(value)
	}
	if !errors.Is(err, counter.ErrMiss) {
		s.log.Warn("counter read failed, falling back to aggregates",
			zap.String("tenant_id", quota.TenantID.String()),
			zap.Error(err),
		)
	}

	monthStart := aggregatedomain.PeriodMonthly.Truncate(now)
	var agg aggregatedomain.UsageAggregate
	err = s.db.WithContext(ctx).
		First(&agg, "tenant_id = ? AND period_type = ? AND period_start = ?",
			quota.TenantID, string(aggregatedomain.PeriodMonthly), monthStart).Error
	if err == nil {
		switch quotaType {
		case pricing.DimensionTokens:
			return agg.TotalTokens
		case pricing.DimensionAPICalls:
			return agg.TotalAPICalls
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.log.Warn("aggregate read failed, falling back to quota row",
			zap.String("tenant_id", quota.TenantID.String()),
			zap.Error(err),
		)
	}

	switch quotaType {
	case pricing.DimensionTokens:
		return quota.CurrentTokenUsage
	case pricing.DimensionAPICalls:
		return quota.CurrentAPICallUsage
	case pricing.DimensionStorage:
		return quota.CurrentStorageUsage
	}
	return 0
}

func limitFor(quota *quotadomain.UserQuota, quotaType pricing.Dimension) (int64, error) {
	switch quotaType {
	case pricing.DimensionTokens:
		return quota.MonthlyTokenLimit, nil
	case pricing.DimensionAPICalls:
		return quota.MonthlyAPICallLimit, nil
	case pricing.DimensionStorage:
		return quota.StorageLimitBytes, nil
	}
	return 0, quotadomain.ErrUnknownQuotaType
}
