// Package probe executes checks on a worker.
// Probe kinds register themselves, see pkg/probers.
package probe

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sre-norns/skuld/pkg/skuld"
)

var (
	ErrNilRunner       = fmt.Errorf("probe run function is nil")
	ErrNoTarget        = fmt.Errorf("empty probe target value")
	ErrUnsupportedKind = fmt.Errorf("unsupported check kind")
	ErrNoKind          = fmt.Errorf("no check kind specified")
)

// Status represents the state of a probe once it has been run
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "errored"
)

// RunFunc executes a single probe.
// Probe metrics are registered with the given registry, diagnostics are logged to the logger.
type RunFunc func(ctx context.Context, spec map[string]any, registry *prometheus.Registry, logger log.Logger) (Status, error)

type Registration struct {
	// Function to execute a probe
	RunFunc RunFunc

	// Version of the prober module loaded
	Version string
}

var (
	registryLock sync.RWMutex
	kinds        = map[skuld.CheckKind]Registration{}
)

// Register new kind of probe
func Register(kind skuld.CheckKind, info Registration) error {
	if info.RunFunc == nil {
		return ErrNilRunner
	}

	registryLock.Lock()
	defer registryLock.Unlock()
	kinds[kind] = info

	return nil
}

func Unregister(kind skuld.CheckKind) {
	registryLock.Lock()
	defer registryLock.Unlock()
	delete(kinds, kind)
}

// Kinds lists all registered probe kinds
func Kinds() []skuld.CheckKind {
	registryLock.RLock()
	defer registryLock.RUnlock()

	result := make([]skuld.CheckKind, 0, len(kinds))
	for kind := range kinds {
		result = append(result, kind)
	}
	sort.Slice(result, func(i, j int) bool { return result[i] < result[j] })

	return result
}

func find(kind skuld.CheckKind) (Registration, bool) {
	registryLock.RLock()
	defer registryLock.RUnlock()
	info, ok := kinds[kind]

	return info, ok
}

// Report is the outcome of a single probe execution
type Report struct {
	Status   Status
	Duration time.Duration

	// Captured probe log, JSON array of lines
	Log []byte
	// Probe metrics, JSON encoded CheckRunData
	Data []byte
}

func (r Report) HasFailures() bool {
	return r.Status != StatusSuccess
}

// Play executes a single check.
// An error is returned only if the check could not be run at all: its kind is unknown or its spec is invalid.
func Play(ctx context.Context, check skuld.Check, logger log.Logger) (Report, error) {
	if check.Kind == "" {
		return Report{Status: StatusError}, ErrNoKind
	}

	info, ok := find(check.Kind)
	if !ok {
		return Report{Status: StatusError}, fmt.Errorf("%w: %q", ErrUnsupportedKind, check.Kind)
	}

	runLog := NewRunLog(logger)
	registry := prometheus.NewRegistry()

	runLog.Log("msg", "starting probe", "check", check.Name, "kind", check.Kind, "version", info.Version)
	started := time.Now()
	status, err := info.RunFunc(ctx, check.Spec, registry, runLog)
	report := Report{
		Status:   status,
		Duration: time.Since(started),
	}
	if err != nil {
		runLog.Log("msg", "probe failed", "err", err)
		return report, err
	}
	runLog.Log("msg", "probe finished", "status", status, "duration", report.Duration)

	if report.Log, err = runLog.Content(); err != nil {
		return report, fmt.Errorf("failed to encode run log: %w", err)
	}
	if report.Data, err = EncodeCheckRunData(registry); err != nil {
		return report, fmt.Errorf("failed to encode check run data: %w", err)
	}

	return report, nil
}
