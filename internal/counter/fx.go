package counter

import (
	"github.com/smallbiznis/meterline/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewStore picks the redis store when an address is configured, otherwise
// the in-memory store.
func NewStore(cfg config.Config, log *zap.Logger) Store {
	client := NewRedisClient(cfg)
	if client == nil {
		log.Named("counter").Warn("no counter redis configured, using in-memory store")
		return NewMemoryStore()
	}
	return NewRedisStore(client)
}

var Module = fx.Module("counter",
	fx.Provide(NewStore),
)
