package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"pricewatch/internal/ops"
	"pricewatch/internal/scheduler"
)

// Run executes the long-running scan service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	crons := scheduler.NewCron(ctx, a.Logger)
	if a.Config.Watchdog.Enabled {
		if err := crons.Add("watchdog", a.Config.Watchdog.Schedule, c.watchdog.Run); err != nil {
			return err
		}
	}
	if a.Config.Baseline.Schedule != "" {
		err := crons.Add("baseline", a.Config.Baseline.Schedule, func(ctx context.Context) {
			if err := a.recalculateBaselines(ctx, c); err != nil {
				a.Logger.Error().Err(err).Msg("scheduled baseline recalculation failed")
			}
		})
		if err != nil {
			return err
		}
	}
	crons.Start()
	defer crons.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sched.Run(gctx, c.runner.Tick)
	})
	if a.Config.Ops.Enabled {
		server := ops.New(a.Config.Ops, c.runner, c.watchdog, c.registry, gctx, a.Logger)
		g.Go(func() error {
			return server.Run(gctx)
		})
	}

	a.Logger.Info().
		Dur("interval", a.Config.Scheduler.Interval).
		Bool("watchdog", a.Config.Watchdog.Enabled).
		Bool("ops", a.Config.Ops.Enabled).
		Msg("starting scan service")

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("scan service terminated with error")
		return err
	}

	a.Logger.Info().Msg("scan service stopped")
	return nil
}
