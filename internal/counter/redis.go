package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterline/internal/config"
)

type redisStore struct {
	client *redis.Client
}

// NewRedisStore builds a Store over a redis client. A nil client is allowed;
// every call then reports ErrUnavailable so callers exercise their fallback.
func NewRedisStore(client *redis.Client) Store {
	return &redisStore{client: client}
}

// NewRedisClient constructs the redis client from application config.
// Returns nil when no address is configured.
func NewRedisClient(cfg config.Config) *redis.Client {
	addr := strings.TrimSpace(cfg.Counter.RedisAddr)
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Counter.RedisPassword,
		DB:       cfg.Counter.RedisDB,
	})
}

func (s *redisStore) Increment(ctx context.Context, key string, amount float64) (float64, error) {
	if s.client == nil {
		return 0, ErrUnavailable
	}
	value, err := s.client.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return value, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (float64, error) {
	if s.client == nil {
		return 0, ErrUnavailable
	}
	raw, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrMiss
		}
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return value, nil
}

func (s *redisStore) SetExpiry(ctx context.Context, key string, ttl time.Duration) error {
	if s.client == nil {
		return ErrUnavailable
	}
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}
