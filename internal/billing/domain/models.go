// Package domain contains the invoice model and billing engine contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	InvoiceStatusPending   = "pending"
	InvoiceStatusFinalized = "finalized"
	InvoiceStatusPaid      = "paid"
)

// BillingRecord is one invoice row per (tenant, billing period). Generation
// is idempotent: a second run for the same period fetches and returns the
// existing row unchanged, which is the guard against double-billing when a
// scheduler retries.
type BillingRecord struct {
	ID                snowflake.ID `gorm:"primaryKey" json:"id"`
	TenantID          snowflake.ID `gorm:"not null;uniqueIndex:idx_billing_records_period,priority:1" json:"tenant_id"`
	PeriodStart       time.Time    `gorm:"not null;uniqueIndex:idx_billing_records_period,priority:2" json:"period_start"`
	PeriodEnd         time.Time    `gorm:"not null" json:"period_end"`
	PlanTier          string       `gorm:"type:text;not null" json:"plan_tier"`
	TotalTokens       int64        `gorm:"not null" json:"total_tokens"`
	TotalAPICalls     int64        `gorm:"not null" json:"total_api_calls"`
	TotalStorageBytes int64        `gorm:"not null" json:"total_storage_bytes"`
	BaseCost          float64      `gorm:"not null" json:"base_cost"`
	UsageCost         float64      `gorm:"not null" json:"usage_cost"`
	OverageCost       float64      `gorm:"not null" json:"overage_cost"`
	TotalCost         float64      `gorm:"not null" json:"total_cost"`
	Status            string       `gorm:"type:text;not null" json:"status"`
	CreatedAt         time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt         time.Time    `gorm:"not null" json:"updated_at"`

	// IsPreview marks an estimate for the in-progress month. Previews are
	// never persisted.
	IsPreview bool `gorm:"-" json:"is_preview,omitempty"`
}

// TableName sets the database table name.
func (BillingRecord) TableName() string { return "billing_records" }
