package main

import (
	"fmt"

	"github.com/go-kit/log/level"
)

type RunCmd struct {
	RunConfig `embed:""`
}

func (c *RunCmd) Run(cfg *commandContext) error {
	checks, err := loadChecks(c.Files)
	if err != nil {
		return err
	}
	if len(checks) == 0 {
		level.Warn(cfg.Logger).Log("msg", "no checks to run", "files", len(c.Files))
	}

	s, err := c.newSession(cfg.Logger, checks)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			level.Warn(cfg.Logger).Log("msg", "failed to close session", "err", err)
		}
	}()

	runErr := s.runner.Run(cfg.Context)
	cfg.ExitCode = s.outcome.ExitCode()
	if runErr != nil {
		return fmt.Errorf("run aborted: %w", runErr)
	}

	return nil
}
