package service

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/counter"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/pricing"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/pkg/db/option"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"github.com/smallbiznis/meterline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// writeTimeout bounds each detached persistence attempt so a stuck store
// cannot pin goroutines past Drain.
const writeTimeout = 5 * time.Second

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Counter counter.Store
	Clock   clock.Clock
	Config  config.Config       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	counter    counter.Store
	counterTTL time.Duration
	clock      clock.Clock
	eventrepo  repository.Repository[usagedomain.UsageEvent]
	metrics    *obsmetrics.Metrics

	inflight sync.WaitGroup
}

func NewService(p ServiceParam) usagedomain.Recorder {
	ttl := p.Config.Counter.TTL
	if ttl <= 0 {
		ttl = usagedomain.CounterTTL
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.recorder"),

		genID:      p.GenID,
		counter:    p.Counter,
		counterTTL: ttl,
		clock:      p.Clock,
		eventrepo:  repository.ProvideStore[usagedomain.UsageEvent](p.DB),
		metrics:    p.Metrics,
	}
}

// Record appends one usage event and bumps the fast counters. It validates
// input, sanitizes the resource identifier, then hands the writes to a
// detached goroutine. Nothing here can fail the caller.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) {
	_ = ctx

	if req.TenantID == 0 {
		s.dropRequest("invalid_tenant", req)
		return
	}
	if !req.Category.Valid() {
		s.dropRequest("invalid_category", req)
		return
	}
	if math.IsNaN(req.Quantity) || math.IsInf(req.Quantity, 0) || req.Quantity < 0 {
		s.dropRequest("invalid_quantity", req)
		return
	}

	metadata := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	resourceID := strings.TrimSpace(req.ResourceID)
	if uuid.Validate(resourceID) != nil {
		// Lossy-but-safe fallback: substitute a generated identifier and
		// keep the original for traceability.
		if resourceID != "" {
			metadata["original_resource_id"] = resourceID
		}
		resourceID = uuid.NewString()
	}

	now := s.clock.Now()
	event := &usagedomain.UsageEvent{
		ID:         s.genID.Generate(),
		TenantID:   req.TenantID,
		ResourceID: resourceID,
		Category:   string(req.Category),
		EventType:  req.EventType,
		Quantity:   req.Quantity,
		Unit:       req.Unit,
		Cost:       req.Cost,
		CreatedAt:  now,
	}
	if len(metadata) > 0 {
		event.Metadata = datatypes.JSONMap(metadata)
	}

	counters := req.Counters
	if counters == nil && req.Unit == "tokens" {
		counters = map[pricing.Dimension]float64{pricing.DimensionTokens: req.Quantity}
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.persist(event, counters)
	}()
}

func (s *Service) persist(event *usagedomain.UsageEvent, counters map[pricing.Dimension]float64) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.eventrepo.Create(ctx, event); err != nil {
		s.metrics.IncRecordFailure("insert")
		s.log.Error("usage event insert failed",
			zap.String("tenant_id", event.TenantID.String()),
			zap.String("category", event.Category),
			zap.String("event_type", event.EventType),
			zap.Error(err),
		)
		// Keep going: the counter bump is independent of the event row.
	} else {
		s.metrics.IncUsageEvent(event.Category)
	}

	periodTag := counter.MonthTag(event.CreatedAt)
	for dimension, amount := range counters {
		if amount <= 0 {
			continue
		}
		key := counter.Key(int64(event.TenantID), string(dimension), periodTag)
		value, err := s.counter.Increment(ctx, key, amount)
		if err != nil {
			s.metrics.IncRecordFailure("counter")
			s.log.Warn("usage counter increment failed",
				zap.String("key", key),
				zap.Float64("amount", amount),
				zap.Error(err),
			)
			continue
		}
		if value == amount {
			// First write created the key; stale per-period counters
			// self-expire.
			if err := s.counter.SetExpiry(ctx, key, s.counterTTL); err != nil {
				s.log.Warn("usage counter expiry failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

func (s *Service) dropRequest(reason string, req usagedomain.RecordRequest) {
	s.metrics.IncRecordFailure(reason)
	s.log.Warn("usage event dropped",
		zap.String("reason", reason),
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("category", string(req.Category)),
		zap.String("event_type", req.EventType),
	)
}

// RecordFileUpload meters stored bytes.
func (s *Service) RecordFileUpload(ctx context.Context, tenantID snowflake.ID, fileID string, sizeBytes int64, metadata map[string]any) {
	if sizeBytes < 0 {
		sizeBytes = 0
	}
	s.Record(ctx, usagedomain.RecordRequest{
		TenantID:   tenantID,
		ResourceID: fileID,
		Category:   pricing.CategoryStorage,
		EventType:  "file_upload",
		Quantity:   float64(sizeBytes),
		Unit:       "bytes",
		Cost:       float64(sizeBytes) * pricing.UnitCost(pricing.CategoryStorage),
		Metadata:   metadata,
		Counters: map[pricing.Dimension]float64{
			pricing.DimensionStorage:  float64(sizeBytes),
			pricing.DimensionAPICalls: 1,
		},
	})
}

// RecordModelUsage emits separate input and output token events, plus cache
// write/read events when those counts are non-zero.
func (s *Service) RecordModelUsage(ctx context.Context, req usagedomain.ModelUsageRequest) {
	type tokenEvent struct {
		eventType string
		kind      pricing.TokenKind
		tokens    int64
		apiCall   bool
	}
	events := []tokenEvent{
		{"model_input_tokens", pricing.TokenInput, req.InputTokens, true},
		{"model_output_tokens", pricing.TokenOutput, req.OutputTokens, false},
		{"model_cache_write_tokens", pricing.TokenCacheWrite, req.CacheWriteTokens, false},
		{"model_cache_read_tokens", pricing.TokenCacheRead, req.CacheReadTokens, false},
	}

	for _, ev := range events {
		if ev.tokens <= 0 && !ev.apiCall {
			continue
		}
		metadata := make(map[string]any, len(req.Metadata)+1)
		for k, v := range req.Metadata {
			metadata[k] = v
		}
		metadata["model"] = req.Model

		counters := map[pricing.Dimension]float64{}
		if ev.tokens > 0 {
			counters[pricing.DimensionTokens] = float64(ev.tokens)
		}
		if ev.apiCall {
			counters[pricing.DimensionAPICalls] = 1
		}

		s.Record(ctx, usagedomain.RecordRequest{
			TenantID:   req.TenantID,
			ResourceID: req.SessionID,
			Category:   pricing.CategoryAI,
			EventType:  ev.eventType,
			Quantity:   float64(ev.tokens),
			Unit:       "tokens",
			Cost:       pricing.TokenCost(req.Model, ev.kind, ev.tokens),
			Metadata:   metadata,
			Counters:   counters,
		})
	}
}

// RecordToolExecution meters tool compute time.
func (s *Service) RecordToolExecution(ctx context.Context, tenantID snowflake.ID, sessionID, tool string, durationSeconds float64) {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	s.Record(ctx, usagedomain.RecordRequest{
		TenantID:   tenantID,
		ResourceID: sessionID,
		Category:   pricing.CategoryProcessing,
		EventType:  "tool_execution",
		Quantity:   durationSeconds,
		Unit:       "seconds",
		Cost:       durationSeconds * pricing.UnitCost(pricing.CategoryProcessing),
		Metadata:   map[string]any{"tool": tool},
		Counters: map[pricing.Dimension]float64{
			pricing.DimensionAPICalls: 1,
		},
	})
}

// RecordTextExtraction meters document extraction compute time.
func (s *Service) RecordTextExtraction(ctx context.Context, tenantID snowflake.ID, documentID string, durationSeconds float64) {
	if durationSeconds < 0 {
		durationSeconds = 0
	}
	s.Record(ctx, usagedomain.RecordRequest{
		TenantID:   tenantID,
		ResourceID: documentID,
		Category:   pricing.CategoryProcessing,
		EventType:  "text_extraction",
		Quantity:   durationSeconds,
		Unit:       "seconds",
		Cost:       durationSeconds * pricing.UnitCost(pricing.CategoryProcessing),
		Counters: map[pricing.Dimension]float64{
			pricing.DimensionAPICalls: 1,
		},
	})
}

// RecordEmbedding meters embedding generation.
func (s *Service) RecordEmbedding(ctx context.Context, tenantID snowflake.ID, resourceID string, count int64) {
	if count < 0 {
		count = 0
	}
	s.Record(ctx, usagedomain.RecordRequest{
		TenantID:   tenantID,
		ResourceID: resourceID,
		Category:   pricing.CategoryEmbeddings,
		EventType:  "embedding_generation",
		Quantity:   float64(count),
		Unit:       "embeddings",
		Cost:       float64(count) * pricing.UnitCost(pricing.CategoryEmbeddings),
		Counters: map[pricing.Dimension]float64{
			pricing.DimensionAPICalls: 1,
		},
	})
}

// RecordVectorSearch meters vector index queries.
func (s *Service) RecordVectorSearch(ctx context.Context, tenantID snowflake.ID, indexID string, queries int64) {
	if queries < 0 {
		queries = 0
	}
	s.Record(ctx, usagedomain.RecordRequest{
		TenantID:   tenantID,
		ResourceID: indexID,
		Category:   pricing.CategorySearch,
		EventType:  "vector_search",
		Quantity:   float64(queries),
		Unit:       "queries",
		Cost:       float64(queries) * pricing.UnitCost(pricing.CategorySearch),
		Counters: map[pricing.Dimension]float64{
			pricing.DimensionAPICalls: float64(queries),
		},
	})
}

func (s *Service) ListEvents(ctx context.Context, req usagedomain.ListEventsRequest) (usagedomain.ListEventsResponse, error) {
	if req.TenantID == 0 {
		return usagedomain.ListEventsResponse{}, usagedomain.ErrInvalidTenant
	}

	filter := &usagedomain.UsageEvent{TenantID: req.TenantID}
	if req.Category != "" {
		filter.Category = req.Category
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	items, err := s.eventrepo.Find(ctx, filter,
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.QuerySortBy{Allow: map[string]bool{"created_at": true}, Desc: true}),
	)
	if err != nil {
		return usagedomain.ListEventsResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(event *usagedomain.UsageEvent) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        event.ID.String(),
			CreatedAt: event.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo != nil && pageInfo.HasMore && len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	events := make([]usagedomain.UsageEvent, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		events = append(events, *item)
	}

	resp := usagedomain.ListEventsResponse{Events: events}
	if pageInfo != nil {
		resp.PageInfo = *pageInfo
	}
	return resp, nil
}

// Drain blocks until in-flight fire-and-forget writes finish or ctx expires.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
