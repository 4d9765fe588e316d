package scheduler

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig, New),
	fx.Invoke(registerLoop),
)

// registerLoop ties the background loop to the application lifecycle.
func registerLoop(lc fx.Lifecycle, cfg Config, sched *Scheduler) {
	if !cfg.Enabled {
		sched.log.Info("scheduler disabled")
		return
	}

	var stop context.CancelFunc
	lc.Append(fx.StartStopHook(
		func() {
			var ctx context.Context
			ctx, stop = context.WithCancel(context.Background())
			go sched.RunForever(ctx)
		},
		func() {
			if stop != nil {
				stop()
			}
		},
	))
}
