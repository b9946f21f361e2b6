package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/pricing"
)

// ValidationResult carries the full allow/deny decision with enough detail
// for the caller to react: hard stop versus PAYG overage allowed.
type ValidationResult struct {
	Allowed        bool    `json:"allowed"`
	Reason         string  `json:"reason,omitempty"`
	Message        string  `json:"message,omitempty"`
	CurrentUsage   int64   `json:"current_usage"`
	Limit          int64   `json:"limit"`
	Remaining      int64   `json:"remaining"`
	UsagePercent   float64 `json:"usage_percent"`
	OverageAllowed bool    `json:"overage_allowed"`
}

// Decision is the thin result for call sites that only branch on the gate.
type Decision struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	PaygAllowed bool   `json:"payg_allowed"`
}

// TrialStatus reports trial expiration. CanExtend is true only while the
// one-time extension has not been used.
type TrialStatus struct {
	OnTrial   bool
	Expired   bool
	CanExtend bool
	// Flagged marks a trial tier without an expiry date: a non-fatal
	// misconfiguration that allows but should be surfaced to support.
	Flagged bool
}

// Validator decides, before an expensive operation runs, whether a tenant may
// proceed. ValidateQuota never returns an error: infra failures degrade to a
// structured denial (fail closed).
type Validator interface {
	ValidateQuota(ctx context.Context, tenantID snowflake.ID, quotaType pricing.Dimension, requested int64) ValidationResult
	CanProceed(ctx context.Context, tenantID snowflake.ID, quotaType pricing.Dimension, requested int64) Decision
	CheckTrialExpiration(quota *UserQuota) TrialStatus
}

const (
	ReasonSystemError   = "system_error"
	ReasonQuotaNotFound = "quota_record_not_found"
	ReasonTrialExpired  = "trial_expired"
	ReasonQuotaExceeded = "quota_exceeded"
	ReasonOverage       = "overage_billing_applies"
)

var ErrUnknownQuotaType = errors.New("unknown_quota_type")
