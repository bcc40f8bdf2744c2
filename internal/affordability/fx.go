package affordability

import (
	"github.com/tandahq/rueda/internal/affordability/service"
	"go.uber.org/fx"
)

var Module = fx.Module("affordability.service",
	fx.Provide(service.NewService),
)
