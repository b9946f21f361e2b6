package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/pricing"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
)

// RecordRequest is the generic billable-operation description. Convenience
// entry points compute Cost and Counters from the pricing table before
// calling Record.
type RecordRequest struct {
	TenantID   snowflake.ID
	ResourceID string
	Category   pricing.Category
	EventType  string
	Quantity   float64
	Unit       string
	Cost       float64
	Metadata   map[string]any

	// Counters are the fast-counter bumps this event causes, keyed by quota
	// dimension. When nil, token-unit events bump the token counter.
	Counters map[pricing.Dimension]float64
}

// ModelUsageRequest describes one model invocation. Input and output tokens
// are recorded as separate events; cache traffic only when non-zero.
type ModelUsageRequest struct {
	TenantID         snowflake.ID
	SessionID        string
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CacheWriteTokens int64
	CacheReadTokens  int64
	Metadata         map[string]any
}

type ListEventsRequest struct {
	TenantID  snowflake.ID
	Category  string
	PageToken string
	PageSize  int32
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []UsageEvent `json:"events"`
}

// Recorder appends usage events and bumps fast counters. Every Record*
// method is fire-and-forget: it never blocks on storage and never surfaces
// an error to the caller, because the operation being metered must not fail
// or slow down on account of billing.
type Recorder interface {
	Record(ctx context.Context, req RecordRequest)

	RecordFileUpload(ctx context.Context, tenantID snowflake.ID, fileID string, sizeBytes int64, metadata map[string]any)
	RecordModelUsage(ctx context.Context, req ModelUsageRequest)
	RecordToolExecution(ctx context.Context, tenantID snowflake.ID, sessionID, tool string, durationSeconds float64)
	RecordTextExtraction(ctx context.Context, tenantID snowflake.ID, documentID string, durationSeconds float64)
	RecordEmbedding(ctx context.Context, tenantID snowflake.ID, resourceID string, count int64)
	RecordVectorSearch(ctx context.Context, tenantID snowflake.ID, indexID string, queries int64)

	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)

	// Drain waits for in-flight fire-and-forget writes, up to ctx deadline.
	Drain(ctx context.Context) error
}

// CounterTTL is how long a per-period fast counter lives after creation.
const CounterTTL = 90 * 24 * time.Hour

var (
	ErrInvalidTenant   = errors.New("invalid_tenant")
	ErrInvalidCategory = errors.New("invalid_category")
	ErrInvalidQuantity = errors.New("invalid_quantity")
)
