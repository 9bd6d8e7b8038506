package worker

import (
	"context"
	"time"

	"github.com/smallbiznis/entitle/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("worker",
	fx.Provide(ConfigFrom),
	fx.Provide(NewPool),
	fx.Invoke(runPool),
)

func runPool(lc fx.Lifecycle, cfg Config, appCfg config.Config, pool *Pool) {
	if !cfg.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})

			go func() {
				defer close(done)
				pool.RunForever(ctx)
			}()
			go reportDepth(ctx, pool, appCfg.Queue.Backend)

			lc.Append(fx.Hook{
				OnStop: func(stopCtx context.Context) error {
					cancel()
					select {
					case <-done:
					case <-stopCtx.Done():
					}
					return nil
				},
			})
			return nil
		},
	})
}

func reportDepth(ctx context.Context, pool *Pool, backend string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		pool.ReportDepth(ctx, backend)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
