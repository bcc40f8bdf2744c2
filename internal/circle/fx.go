package circle

import (
	"github.com/tandahq/rueda/internal/circle/service"
	"go.uber.org/fx"
)

var Module = fx.Module("circle.service",
	fx.Provide(service.NewService),
)
