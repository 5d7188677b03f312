package main

import (
	"fmt"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// asynqLogger adapts a structured logger to asynq.Logger
type asynqLogger struct {
	logger log.Logger
}

func (l asynqLogger) Debug(args ...any) {
	level.Debug(l.logger).Log("msg", fmt.Sprint(args...))
}

func (l asynqLogger) Info(args ...any) {
	level.Info(l.logger).Log("msg", fmt.Sprint(args...))
}

func (l asynqLogger) Warn(args ...any) {
	level.Warn(l.logger).Log("msg", fmt.Sprint(args...))
}

func (l asynqLogger) Error(args ...any) {
	level.Error(l.logger).Log("msg", fmt.Sprint(args...))
}

func (l asynqLogger) Fatal(args ...any) {
	level.Error(l.logger).Log("msg", fmt.Sprint(args...))
	os.Exit(1)
}
