// Package counter provides the fast usage counter store backing quota reads.
//
// The store is a shared, atomic, TTL-capable key/value service. It is allowed
// to be transiently unavailable; callers must branch on ErrUnavailable and
// fall back to the durable aggregates instead of failing.
package counter

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnavailable reports that the counter store cannot be reached.
	ErrUnavailable = errors.New("counter_unavailable")
	// ErrMiss reports that the key does not exist in the counter store.
	ErrMiss = errors.New("counter_miss")
)

// Store is the fast counter contract consumed by the recorder and validator.
type Store interface {
	Increment(ctx context.Context, key string, amount float64) (float64, error)
	Get(ctx context.Context, key string) (float64, error)
	SetExpiry(ctx context.Context, key string, ttl time.Duration) error
}

// Key builds the per-tenant, per-metric, per-period counter key.
func Key(tenantID int64, metric, periodTag string) string {
	return fmt.Sprintf("usage:%d:%s:%s", tenantID, metric, periodTag)
}

// MonthTag formats the monthly period tag used for quota counters.
func MonthTag(t time.Time) string {
	return t.UTC().Format("2006-01")
}
