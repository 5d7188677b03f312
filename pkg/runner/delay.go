package runner

import (
	"sync"
	"time"

	"github.com/sre-norns/skuld/pkg/skuld"
)

// DefaultSchedulingDelay is how long checks may take to start before a run is considered delayed
const DefaultSchedulingDelay = 20 * time.Second

// schedulingDelayMonitor fires once if not all checks have started within a delay
type schedulingDelayMonitor struct {
	mu        sync.Mutex
	timer     *time.Timer
	numChecks int
	started   map[skuld.CheckRunID]struct{}
}

func newSchedulingDelayMonitor() *schedulingDelayMonitor {
	return &schedulingDelayMonitor{
		started: make(map[skuld.CheckRunID]struct{}),
	}
}

// Arm schedules onExceeded to be called after the delay, unless all numChecks checks are observed in progress before that.
func (m *schedulingDelayMonitor) Arm(numChecks int, delay time.Duration, onExceeded func(pending int)) {
	if numChecks == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.numChecks = numChecks
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.timer != timer {
			m.mu.Unlock()
			return
		}
		m.timer = nil
		pending := m.numChecks - len(m.started)
		m.mu.Unlock()

		onExceeded(pending)
	})
	m.timer = timer
}

// Observe counts checks in progress and cancels the timer once all of them have started
func (m *schedulingDelayMonitor) Observe(event Event) {
	e, ok := event.(CheckInProgress)
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.started[e.CheckRunID] = struct{}{}
	if m.timer != nil && len(m.started) >= m.numChecks {
		m.timer.Stop()
		m.timer = nil
	}
}

// Cancel stops the pending timer, if any
func (m *schedulingDelayMonitor) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

// IsArmed returns true if the timer is pending
func (m *schedulingDelayMonitor) IsArmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.timer != nil
}
