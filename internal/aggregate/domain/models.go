// Package domain contains rollup models written by the aggregator.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PeriodType is the rollup bucket size.
type PeriodType string

const (
	PeriodHourly  PeriodType = "hourly"
	PeriodDaily   PeriodType = "daily"
	PeriodMonthly PeriodType = "monthly"
)

// Valid reports whether the period type is one of the known set.
func (p PeriodType) Valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodMonthly:
		return true
	}
	return false
}

// Truncate aligns t to the start of the period bucket containing it.
func (p PeriodType) Truncate(t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// Prev returns the start of the period before start.
func (p PeriodType) Prev(start time.Time) time.Time {
	switch p {
	case PeriodHourly:
		return start.Add(-time.Hour)
	case PeriodDaily:
		return start.AddDate(0, 0, -1)
	case PeriodMonthly:
		return start.AddDate(0, -1, 0)
	}
	return start
}

// Next returns the start of the period after start.
func (p PeriodType) Next(start time.Time) time.Time {
	switch p {
	case PeriodHourly:
		return start.Add(time.Hour)
	case PeriodDaily:
		return start.AddDate(0, 0, 1)
	case PeriodMonthly:
		return start.AddDate(0, 1, 0)
	}
	return start
}

// UsageAggregate is one rollup row per (tenant, periodType, periodStart).
// The aggregator recomputes the full sums from the event log on every run,
// so repeated runs over an unchanged window converge to identical totals.
type UsageAggregate struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	TenantID          snowflake.ID      `gorm:"not null;uniqueIndex:idx_usage_aggregates_period,priority:1"`
	PeriodType        string            `gorm:"type:text;not null;uniqueIndex:idx_usage_aggregates_period,priority:2"`
	PeriodStart       time.Time         `gorm:"not null;uniqueIndex:idx_usage_aggregates_period,priority:3"`
	TotalEvents       int64             `gorm:"not null"`
	TotalTokens       int64             `gorm:"not null"`
	TotalAPICalls     int64             `gorm:"not null"`
	TotalCost         float64           `gorm:"not null"`
	CategoryBreakdown datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null"`
	UpdatedAt         time.Time         `gorm:"not null"`
}

// TableName sets the database table name.
func (UsageAggregate) TableName() string { return "usage_aggregates" }

// QuotaAlert is the hand-off row for the notification layer. Rows are never
// mutated. Dedup is a lookup before insert, not a uniqueness constraint, so
// concurrent aggregation runs can occasionally double-alert.
type QuotaAlert struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	TenantID         snowflake.ID `gorm:"not null;index"`
	QuotaType        string       `gorm:"type:text;not null"`
	ThresholdPercent int          `gorm:"not null"`
	ThresholdValue   int64        `gorm:"not null"`
	AlertedAt        time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (QuotaAlert) TableName() string { return "quota_alerts" }

// AlertThresholds are evaluated in ascending order.
var AlertThresholds = []int{50, 80, 90, 100}
