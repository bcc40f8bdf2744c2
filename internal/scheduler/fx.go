package scheduler

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(registerScheduler),
)

func registerScheduler(lc fx.Lifecycle, s *Scheduler, log *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("scheduler starting",
				zap.Duration("run_interval", s.cfg.RunInterval),
				zap.Strings("enabled_jobs", s.cfg.EnabledJobs),
			)
			go s.RunForever(runCtx)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			return nil
		},
	})
}
