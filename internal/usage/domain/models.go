// Package domain contains persistence models for raw usage events.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// UsageEvent stores a single billable operation. Rows are append-only and
// immutable; only the retention policy removes them.
type UsageEvent struct {
	ID         snowflake.ID      `gorm:"primaryKey"`
	TenantID   snowflake.ID      `gorm:"not null;index:idx_usage_events_tenant_created,priority:1"`
	ResourceID string            `gorm:"type:text;not null"`
	Category   string            `gorm:"type:text;not null"`
	EventType  string            `gorm:"type:text;not null"`
	Quantity   float64           `gorm:"not null"`
	Unit       string            `gorm:"type:text;not null"`
	Cost       float64           `gorm:"not null"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt  time.Time         `gorm:"not null;index:idx_usage_events_tenant_created,priority:2"`
}

// TableName sets the database table name.
func (UsageEvent) TableName() string { return "usage_events" }
