package cascade

import (
	cascadedomain "github.com/tandahq/rueda/internal/cascade/domain"
	"github.com/tandahq/rueda/internal/cascade/service"
	contributiondomain "github.com/tandahq/rueda/internal/contribution/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("cascade.service",
	fx.Provide(service.NewService),
	fx.Provide(func(s cascadedomain.Service) contributiondomain.DefaultRecorder { return s }),
)
