package runner

import (
	"sync"

	"github.com/sre-norns/skuld/pkg/skuld"
)

// Event is a lifecycle notification emitted by a Runner.
// The set of events is closed: use a type switch over the concrete types below.
type Event interface {
	eventKind() string
}

// CheckRegistered is emitted for every check accepted by a scheduler
type CheckRegistered struct {
	CheckRunID   skuld.CheckRunID
	TestResultID string
	Check        skuld.Check
}

// CheckInProgress is emitted when a worker started to execute a check
type CheckInProgress struct {
	CheckRunID skuld.CheckRunID
	Check      skuld.Check
}

// CheckFailed is emitted when a check could not produce a result: it timed out or a worker reported an error.
type CheckFailed struct {
	CheckRunID skuld.CheckRunID
	Check      skuld.Check
	Err        error
}

// CheckSucceeded is emitted when a check result has been received.
// Result.HasFailures tells if the check itself has passed.
type CheckSucceeded struct {
	CheckRunID skuld.CheckRunID
	Check      skuld.Check
	Result     skuld.CheckResult
	Links      *skuld.ResultLinks
}

// CheckFinished is emitted exactly once per check, after either CheckFailed or CheckSucceeded
type CheckFinished struct {
	CheckRunID skuld.CheckRunID
	Check      skuld.Check
}

// RunStarted is emitted once all checks are scheduled and result processing begins
type RunStarted struct {
	SuiteID   skuld.SuiteID
	SessionID string
	Checks    []skuld.ScheduledCheck
}

// RunFinished is emitted after all checks reached a terminal state
type RunFinished struct {
	SuiteID   skuld.SuiteID
	SessionID string
}

// RunError is emitted when the run is aborted
type RunError struct {
	SuiteID skuld.SuiteID
	Err     error
}

// SchedulingDelayExceeded is emitted if not all checks have started within the scheduling delay threshold
type SchedulingDelayExceeded struct {
	SuiteID skuld.SuiteID
	Pending int
}

func (CheckRegistered) eventKind() string         { return "registered" }
func (CheckInProgress) eventKind() string         { return "in-progress" }
func (CheckFailed) eventKind() string             { return "failed" }
func (CheckSucceeded) eventKind() string          { return "succeeded" }
func (CheckFinished) eventKind() string           { return "finished" }
func (RunStarted) eventKind() string              { return "run-started" }
func (RunFinished) eventKind() string             { return "run-finished" }
func (RunError) eventKind() string                { return "error" }
func (SchedulingDelayExceeded) eventKind() string { return "scheduling-delay-exceeded" }

// EventKind returns a short name of the event kind, suitable for logs and metric labels
func EventKind(e Event) string {
	if e == nil {
		return ""
	}

	return e.eventKind()
}

// Handler receives events published on a Bus
type Handler func(Event)

// Bus delivers events to subscribers synchronously, in publication order.
// Handlers are never called concurrently with each other and must not publish to the same Bus.
type Bus struct {
	mu       sync.Mutex
	nextID   int
	handlers map[int]Handler
	order    []int
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[int]Handler),
	}
}

// Subscribe adds a handler for all subsequent events.
// Returned function removes the subscription.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.handlers[id] = handler
	b.order = append(b.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			delete(b.handlers, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, id := range b.order {
		b.handlers[id](event)
	}
}
