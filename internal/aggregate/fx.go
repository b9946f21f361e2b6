package aggregate

import (
	"github.com/smallbiznis/meterline/internal/aggregate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregate",
	fx.Provide(
		service.NewService,
	),
)
