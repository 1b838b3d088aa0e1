package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Cron runs named maintenance jobs (watchdog, baseline recalculation) on
// six-field cron specs.
type Cron struct {
	cron    *cron.Cron
	baseCtx context.Context
	logger  zerolog.Logger
}

// NewCron constructs a Cron whose jobs receive baseCtx.
func NewCron(baseCtx context.Context, logger zerolog.Logger) *Cron {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Cron{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		baseCtx: baseCtx,
		logger:  logger.With().Str("component", "cron").Logger(),
	}
}

// Add registers job under spec.
func (c *Cron) Add(name, spec string, job func(context.Context)) error {
	_, err := c.cron.AddFunc(spec, func() {
		if c.baseCtx.Err() != nil {
			return
		}
		c.logger.Debug().Str("job", name).Msg("cron job started")
		job(c.baseCtx)
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	c.logger.Info().Str("job", name).Str("spec", spec).Msg("cron job registered")
	return nil
}

// Len reports the number of registered jobs.
func (c *Cron) Len() int {
	return len(c.cron.Entries())
}

// Start runs the scheduler in the background.
func (c *Cron) Start() {
	c.cron.Start()
}

// Stop waits for running jobs to finish.
func (c *Cron) Stop() {
	<-c.cron.Stop().Done()
	c.logger.Info().Msg("cron stopped")
}
