package usage

import (
	"context"

	"github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.recorder",
	fx.Provide(service.NewService),
	fx.Invoke(registerDrain),
)

// registerDrain lets in-flight fire-and-forget writes finish on shutdown.
func registerDrain(lc fx.Lifecycle, recorder domain.Recorder) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return recorder.Drain(ctx)
		},
	})
}
