package quota

import (
	"github.com/smallbiznis/meterline/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota",
	fx.Provide(
		service.NewService,
	),
)
