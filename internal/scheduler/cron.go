package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a named unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Cron runs jobs on standard five-field cron schedules.
type Cron struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	loc    *time.Location
	logger zerolog.Logger
}

// NewCron constructs a cron scheduler evaluating schedules in loc.
func NewCron(loc *time.Location, logger zerolog.Logger) *Cron {
	if loc == nil {
		loc = time.Local
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cron{
		cron:   cron.New(cron.WithLocation(loc)),
		ctx:    ctx,
		cancel: cancel,
		loc:    loc,
		logger: logger.With().Str("component", "cron").Logger(),
	}
}

// AddJob registers job under schedule, e.g. "0 9 * * *" or "@every 1h".
func (c *Cron) AddJob(schedule string, job Job) error {
	_, err := c.cron.AddFunc(schedule, func() {
		c.logger.Debug().Str("job", job.Name()).Msg("running job")
		if err := job.Run(c.ctx); err != nil {
			c.logger.Error().Err(err).Str("job", job.Name()).Msg("job failed")
			return
		}
		c.logger.Debug().Str("job", job.Name()).Msg("job completed")
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", job.Name(), schedule, err)
	}

	c.logger.Info().Str("schedule", schedule).Str("job", job.Name()).Msg("job registered")
	return nil
}

// Start begins running registered jobs in the background.
func (c *Cron) Start() {
	c.cron.Start()
	c.logger.Info().Int("jobs", len(c.cron.Entries())).Msg("cron started")
}

// Stop cancels running jobs and waits for them to return.
func (c *Cron) Stop() {
	c.cancel()
	<-c.cron.Stop().Done()
	c.logger.Info().Msg("cron stopped")
}

// Next reports the next activation of every registered job.
func (c *Cron) Next() []time.Time {
	entries := c.cron.Entries()
	now := time.Now().In(c.loc)
	out := make([]time.Time, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Schedule.Next(now))
	}
	return out
}

// RunNow executes job immediately, outside its schedule.
func (c *Cron) RunNow(ctx context.Context, job Job) error {
	c.logger.Info().Str("job", job.Name()).Msg("running job immediately")
	return job.Run(ctx)
}
