// Package reporter consumes runner events: logs them, exports metrics, renders a summary
// and decides the outcome of a run.
package reporter

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sre-norns/skuld/pkg/runner"
)

// NewLogReporter returns an event handler that logs one line per event
func NewLogReporter(logger log.Logger) runner.Handler {
	return func(e runner.Event) {
		kind := runner.EventKind(e)

		switch ev := e.(type) {
		case runner.CheckRegistered:
			level.Debug(logger).Log("event", kind, "check", ev.Check.Name, "checkRunId", ev.CheckRunID, "testResultId", ev.TestResultID)
		case runner.CheckInProgress:
			level.Info(logger).Log("event", kind, "check", ev.Check.Name, "checkRunId", ev.CheckRunID)
		case runner.CheckSucceeded:
			lvl := level.Info
			if ev.Result.HasFailures {
				lvl = level.Warn
			}
			keyvals := []any{"event", kind, "check", ev.Check.Name, "checkRunId", ev.CheckRunID, "hasFailures", ev.Result.HasFailures, "responseTime", ev.Result.ResponseTime}
			if ev.Links != nil && ev.Links.TestResultLink != "" {
				keyvals = append(keyvals, "link", ev.Links.TestResultLink)
			}
			lvl(logger).Log(keyvals...)
		case runner.CheckFailed:
			level.Error(logger).Log("event", kind, "check", ev.Check.Name, "checkRunId", ev.CheckRunID, "err", ev.Err)
		case runner.CheckFinished:
			level.Debug(logger).Log("event", kind, "check", ev.Check.Name, "checkRunId", ev.CheckRunID)
		case runner.RunStarted:
			level.Info(logger).Log("event", kind, "suite", ev.SuiteID, "session", ev.SessionID, "checks", len(ev.Checks))
		case runner.RunFinished:
			level.Info(logger).Log("event", kind, "suite", ev.SuiteID, "session", ev.SessionID)
		case runner.RunError:
			level.Error(logger).Log("event", kind, "suite", ev.SuiteID, "err", ev.Err)
		case runner.SchedulingDelayExceeded:
			level.Warn(logger).Log("event", kind, "suite", ev.SuiteID, "pending", ev.Pending)
		}
	}
}
