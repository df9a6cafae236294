package scheduler

import (
	"context"

	"github.com/smallbiznis/insurecard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig, New),
	fx.Invoke(registerSweeper),
)

// registerSweeper runs the sweep loop for the lifetime of the app. Stop waits
// for the pass in progress to return or for the stop deadline, whichever is
// first; an abandoned pass leaves its leases to expire.
func registerSweeper(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.Sweeper.Enabled {
		sched.log.Info("sweeper disabled")
		return
	}

	var (
		cancel context.CancelFunc
		done   = make(chan struct{})
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var loopCtx context.Context
			loopCtx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				sched.RunForever(loopCtx)
			}()
			sched.log.Info("sweeper started",
				zap.Duration("interval", sched.cfg.RunInterval),
				zap.Int("batch_size", sched.cfg.BatchSize),
			)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			if cancel == nil {
				return nil
			}
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
				sched.log.Warn("sweeper stop deadline reached with a pass in progress")
			}
			return nil
		},
	})
}
