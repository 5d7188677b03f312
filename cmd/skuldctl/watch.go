package main

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/go-kit/log/level"
)

type WatchCmd struct {
	RunConfig `embed:""`

	Schedule string `help:"Cron expression of when to run checks" default:"*/5 * * * *"`
	MaxRuns  int    `help:"Stop after this many runs, 0 to run until interrupted" default:"0"`
}

func (c *WatchCmd) Validate() error {
	if !gronx.New().IsValid(c.Schedule) {
		return fmt.Errorf("invalid cron schedule %q", c.Schedule)
	}

	return nil
}

// waitNextTick blocks till the next time the schedule is due
func waitNextTick(ctx context.Context, schedule string) error {
	next, err := gronx.NextTick(schedule, false)
	if err != nil {
		return err
	}

	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *WatchCmd) Run(cfg *commandContext) error {
	checks, err := loadChecks(c.Files)
	if err != nil {
		return err
	}

	s, err := c.newSession(cfg.Logger, checks)
	if err != nil {
		return err
	}
	defer s.Close()

	for runs := 0; c.MaxRuns == 0 || runs < c.MaxRuns; runs++ {
		if err := waitNextTick(cfg.Context, c.Schedule); err != nil {
			if cfg.Context.Err() != nil {
				level.Info(cfg.Logger).Log("msg", "watch stopped", "runs", runs)
				return nil
			}
			return err
		}

		// A failed run does not stop watching
		if err := s.runner.Run(cfg.Context); err != nil {
			level.Warn(cfg.Logger).Log("msg", "run aborted", "err", err)
		}
		cfg.ExitCode = s.outcome.ExitCode()
	}

	return nil
}
