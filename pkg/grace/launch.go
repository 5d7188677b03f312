package grace

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// SetupSignalHandler returns a context that is cancelled on the first SIGINT or SIGTERM.
// A second signal terminates the process immediately.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()

	return ctx
}

// ExitOrLog terminates the process if err is set and is not caused by cancellation.
func ExitOrLog(logger log.Logger, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		level.Error(logger).Log("msg", "fatal error", "err", err)
		os.Exit(1)
	}
}

// SuccessRequired logs and exits if err is not nil
func SuccessRequired(logger log.Logger, err error, msg string) {
	if err != nil {
		level.Error(logger).Log("msg", msg, "err", err)
		os.Exit(1)
	}
}
