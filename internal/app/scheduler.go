/**
 * @description
 * Cron scheduler for the bonus expiry sweep.
 */
package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const sweepRunTimeout = 10 * time.Minute

// Scheduler runs the expiry sweeper on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *ExpirySweeper
	schedule string
}

type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Str("component", "scheduler").Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Str("component", "scheduler").Fields(keysAndValues).Err(err).Msg(msg)
}

// NewScheduler creates a new scheduler instance. Overlapping runs are skipped and
// panics inside a run are recovered.
func NewScheduler(sweeper *ExpirySweeper, schedule string) *Scheduler {
	logger := cronLogger{}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(
		cron.Recover(logger),
		cron.SkipIfStillRunning(logger),
	))
	return &Scheduler{cron: c, sweeper: sweeper, schedule: schedule}
}

// Start registers the sweep job and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runSweep); err != nil {
		log.Error().Str("component", "scheduler").Str("schedule", s.schedule).Err(err).
			Msg("failed to schedule expiry sweep job")
		return err
	}
	log.Info().Str("component", "scheduler").Str("schedule", s.schedule).Msg("scheduled expiry sweep job")
	s.cron.Start()
	return nil
}

// Stop stops the scheduler; the returned context is done once a running sweep finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepRunTimeout)
	defer cancel()

	if _, err := s.sweeper.Sweep(ctx); err != nil {
		log.Error().Str("component", "scheduler").Err(err).Msg("expiry sweep run failed")
	}
}
