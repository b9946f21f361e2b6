// Package domain contains the per-tenant quota row and validation contracts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UserQuota is the running-counter row the validator and billing engine read
// for "are we over the limit right now". It is separate from the historical
// aggregates: counters here are mutated by the increment path and zeroed only
// by the aggregator's reset job.
type UserQuota struct {
	TenantID            snowflake.ID `gorm:"primaryKey"`
	PlanTier            string       `gorm:"type:text;not null"`
	MonthlyTokenLimit   int64        `gorm:"not null"`
	CurrentTokenUsage   int64        `gorm:"not null;default:0"`
	MonthlyAPICallLimit int64        `gorm:"not null"`
	CurrentAPICallUsage int64        `gorm:"not null;default:0"`
	StorageLimitBytes   int64        `gorm:"not null"`
	CurrentStorageUsage int64        `gorm:"not null;default:0"`
	QuotaResetAt        time.Time    `gorm:"not null"`
	LastResetAt         *time.Time
	AllowOverage        bool    `gorm:"not null;default:false"`
	OverageRate         float64 `gorm:"not null;default:0"`
	SpendingLimit       float64 `gorm:"not null;default:0"`
	TrialExpiresAt      *time.Time
	TrialExtended       bool      `gorm:"not null;default:false"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

// TableName sets the database table name.
func (UserQuota) TableName() string { return "user_quotas" }
