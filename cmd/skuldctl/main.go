package main

import (
	"context"
	"os"

	"github.com/alecthomas/kong"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"

	"github.com/sre-norns/skuld/pkg/grace"
	"github.com/sre-norns/skuld/pkg/runner"
)

type commandContext struct {
	Context context.Context
	Logger  log.Logger

	// Process exit status once the command has completed
	ExitCode int
}

var appCli struct {
	grace.LogConfig `embed:""`

	Run   RunCmd   `cmd:"" help:"Run a batch of checks and wait for their results"`
	Watch WatchCmd `cmd:"" help:"Run a batch of checks every time a cron schedule is due"`
	Kinds KindsCmd `cmd:"" help:"List kinds of checks a local worker can execute"`
}

func main() {
	// A missing .env file is not an error
	_ = godotenv.Load()

	cfg := &commandContext{
		Context: grace.SetupSignalHandler(),
	}
	appCtx := kong.Parse(&appCli,
		kong.Name("skuldctl"),
		kong.Description("Skuld command line tool: runs checks remotely and reports their results"),
		kong.Bind(cfg),
		kong.Vars{
			"status_page":     runner.DefaultStatusPage,
			"support_contact": runner.DefaultSupportContact,
		},
	)

	cfg.Logger = appCli.LogConfig.NewLogger(os.Stderr)
	if err := appCtx.Run(cfg); err != nil {
		level.Error(cfg.Logger).Log("msg", "command failed", "cmd", appCtx.Command(), "err", err)
		if cfg.ExitCode == 0 {
			cfg.ExitCode = 1
		}
	}

	os.Exit(cfg.ExitCode)
}
