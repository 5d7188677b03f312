package reporter

import (
	"sync"

	"github.com/sre-norns/skuld/pkg/runner"
)

// Outcome aggregates results of a run to decide how it ended
type Outcome struct {
	mu sync.Mutex

	Total    int
	Passed   int
	Failures int
	Failed   int
	RunErr   error
}

func (o *Outcome) Handle(e runner.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch ev := e.(type) {
	case runner.RunStarted:
		o.Total, o.Passed, o.Failures, o.Failed, o.RunErr = len(ev.Checks), 0, 0, 0, nil
	case runner.CheckSucceeded:
		if ev.Result.HasFailures {
			o.Failures++
		} else {
			o.Passed++
		}
	case runner.CheckFailed:
		o.Failed++
	case runner.RunError:
		o.RunErr = ev.Err
	}
}

// Success is true if every check of a finished run passed
func (o *Outcome) Success() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.RunErr == nil && o.Failures == 0 && o.Failed == 0
}

// ExitCode maps the outcome to a process exit status: 0 - all checks passed, 1 - some checks failed, 2 - the run was aborted
func (o *Outcome) ExitCode() int {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch {
	case o.RunErr != nil:
		return 2
	case o.Failures > 0 || o.Failed > 0:
		return 1
	default:
		return 0
	}
}
