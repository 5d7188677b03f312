package runner

import (
	"context"
	"sync"
)

// completionTracker resolves once a fixed number of checks have finished
type completionTracker struct {
	mu        sync.Mutex
	numChecks int
	finished  int
	done      chan struct{}
}

func newCompletionTracker(numChecks int) *completionTracker {
	t := &completionTracker{
		numChecks: numChecks,
		done:      make(chan struct{}),
	}

	if numChecks == 0 {
		close(t.done)
	}

	return t
}

func (t *completionTracker) Observe(event Event) {
	if _, ok := event.(CheckFinished); !ok {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finished >= t.numChecks {
		return
	}

	t.finished++
	if t.finished == t.numChecks {
		close(t.done)
	}
}

// Done is closed when all checks have finished
func (t *completionTracker) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until all checks have finished or the context is done
func (t *completionTracker) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *completionTracker) Finished() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.finished
}
