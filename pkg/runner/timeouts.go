package runner

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sre-norns/skuld/pkg/grace"
	"github.com/sre-norns/skuld/pkg/skuld"
)

const (
	DefaultStatusPage     = "https://status.sre-norns.dev"
	DefaultSupportContact = "support@sre-norns.dev"
)

// TimeoutError is reported for a check that has not produced a result in time
type TimeoutError struct {
	CheckRunID skuld.CheckRunID
	Timeout    time.Duration

	reason grace.Error
}

func newTimeoutError(checkRunID skuld.CheckRunID, timeout time.Duration, guidance string) *TimeoutError {
	return &TimeoutError{
		CheckRunID: checkRunID,
		Timeout:    timeout,
		reason: grace.RaiseErrorFrom(
			context.DeadlineExceeded,
			fmt.Sprintf("check result within %v", timeout),
			"no result",
			guidance,
		),
	}
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("Reached timeout of %v seconds waiting for check result.", int64(math.Ceil(e.Timeout.Seconds())))
	if cta := e.reason.WhatToDo(); cta != "" {
		msg += " " + cta
	}

	return msg
}

func (e *TimeoutError) Unwrap() error {
	return e.reason
}

// supportGuidance returns what a user can do when a check timed out.
// Hitting the default timeout more likely means the backend is not running checks than that a check is slow.
func supportGuidance(timeout time.Duration, statusPage, supportContact string) string {
	if timeout != skuld.DefaultCheckRunTimeout {
		return ""
	}

	return fmt.Sprintf("The check may not have been run due to a service disruption. Please check %s or reach out to %s.", statusPage, supportContact)
}

// timeoutRegistry holds one pending timer per check that has not reached a terminal state
type timeoutRegistry struct {
	mu      sync.Mutex
	entries map[skuld.CheckRunID]*time.Timer
}

func newTimeoutRegistry() *timeoutRegistry {
	return &timeoutRegistry{
		entries: make(map[skuld.CheckRunID]*time.Timer),
	}
}

// ArmAll schedules onExpired to be called for every check after the timeout.
// All entries are registered before ArmAll returns.
func (r *timeoutRegistry) ArmAll(checkRunIDs []skuld.CheckRunID, timeout time.Duration, onExpired func(skuld.CheckRunID)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range checkRunIDs {
		checkRunID := id
		if existing, ok := r.entries[checkRunID]; ok {
			existing.Stop()
		}

		r.entries[checkRunID] = time.AfterFunc(timeout, func() {
			onExpired(checkRunID)
		})
	}
}

// IsActive returns true if the check has a live timeout entry
func (r *timeoutRegistry) IsActive(checkRunID skuld.CheckRunID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.entries[checkRunID]
	return ok
}

// Disable cancels and removes a timeout entry.
// Returns true if the entry was present, i.e. the caller is the one to resolve the check.
func (r *timeoutRegistry) Disable(checkRunID skuld.CheckRunID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer, ok := r.entries[checkRunID]
	if !ok {
		return false
	}

	timer.Stop()
	delete(r.entries, checkRunID)
	return true
}

// DisableAll cancels all pending timeouts
func (r *timeoutRegistry) DisableAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, timer := range r.entries {
		timer.Stop()
		delete(r.entries, id)
	}
}

func (r *timeoutRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
