package app

import (
	"context"

	"roomlog/pkg/logger"
	"roomlog/pkg/state/shutdown"
	"roomlog/pkg/telemetry"
)

// Shutdown stops intake first, drains the dispatch queue, then flushes and
// closes the store. It is safe to call on a partially built App.
func (a *App) Shutdown(ctx context.Context) error {
	a.state = "shutting_down"

	var steps []shutdown.Step
	if a.srvFast != nil {
		steps = append(steps, shutdown.Step{Name: "stopping http server", Fn: func(context.Context) error {
			return a.srvFast.Shutdown()
		}})
	}
	if a.sweeper != nil {
		steps = append(steps, shutdown.Step{Name: "stopping redelivery sweeper", Fn: func(context.Context) error {
			a.sweeper.Stop()
			return nil
		}})
	}
	if a.pipeline != nil {
		steps = append(steps, shutdown.Step{Name: "draining dispatch queue", Fn: func(ctx context.Context) error {
			a.pipeline.Close(ctx)
			return nil
		}})
	}
	if a.hwSensor != nil {
		steps = append(steps, shutdown.Step{Name: "stopping sensor", Fn: func(context.Context) error {
			a.hwSensor.Stop()
			return nil
		}})
	}
	if a.api != nil {
		steps = append(steps, shutdown.Step{Name: "stopping api maintenance", Fn: func(context.Context) error {
			a.api.Close()
			return nil
		}})
	}
	if a.store != nil {
		steps = append(steps,
			shutdown.Step{Name: "syncing store to disc", Fn: func(context.Context) error {
				return a.store.Flush()
			}},
			shutdown.Step{Name: "closing store", Fn: func(context.Context) error {
				err := a.log.Close()
				a.store = nil
				return err
			}},
		)
	}
	steps = append(steps, shutdown.Step{Name: "closing telemetry", Fn: func(context.Context) error {
		telemetry.Close()
		return nil
	}})

	err := shutdown.Run(ctx, steps)
	if err == nil {
		a.state = "stopped"
	} else {
		logger.Error("shutdown_incomplete", "error", err)
	}
	return err
}
