package config

import "go.uber.org/fx"

// Module provides the application configuration.
var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(func(cfg Config) EngineConfig { return cfg.Engine }),
)
