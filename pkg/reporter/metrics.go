package reporter

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sre-norns/skuld/pkg/runner"
	"github.com/sre-norns/skuld/pkg/skuld"
)

// Outcome labels of the check runs counter
const (
	OutcomePassed   = "passed"
	OutcomeFailures = "failures"
	OutcomeFailed   = "failed"
)

// Metrics exports run events as Prometheus metrics
type Metrics struct {
	checkRuns        *prometheus.CounterVec
	checkRunDuration *prometheus.HistogramVec
	runs             *prometheus.CounterVec
	schedulingDelays prometheus.Counter
	inFlight         prometheus.Gauge

	registry     *prometheus.Registry
	textfilePath string
	logger       log.Logger

	now        func() time.Time
	registered map[skuld.CheckRunID]time.Time
}

// NewMetrics registers run metrics with the registry.
// If textfilePath is not empty, the registry is written to this file, in the node exporter textfile format, once a run is over.
func NewMetrics(registry *prometheus.Registry, textfilePath string, logger log.Logger) *Metrics {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	m := &Metrics{
		checkRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skuld",
			Name:      "check_runs_total",
			Help:      "Number of check runs by outcome.",
		}, []string{"kind", "outcome"}),
		checkRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skuld",
			Name:      "check_run_duration_seconds",
			Help:      "Time from a check being scheduled till its result is known.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skuld",
			Name:      "runs_total",
			Help:      "Number of runs by outcome.",
		}, []string{"outcome"}),
		schedulingDelays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "skuld",
			Name:      "scheduling_delays_total",
			Help:      "Number of runs where checks were slow to start.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "skuld",
			Name:      "check_runs_in_flight",
			Help:      "Number of checks waiting for a result.",
		}),

		registry:     registry,
		textfilePath: textfilePath,
		logger:       logger,
		now:          time.Now,
		registered:   make(map[skuld.CheckRunID]time.Time),
	}

	registry.MustRegister(m.checkRuns, m.checkRunDuration, m.runs, m.schedulingDelays, m.inFlight)

	return m
}

func (m *Metrics) Handle(e runner.Event) {
	switch ev := e.(type) {
	case runner.CheckRegistered:
		m.registered[ev.CheckRunID] = m.now()
		m.inFlight.Inc()
	case runner.CheckSucceeded:
		outcome := OutcomePassed
		if ev.Result.HasFailures {
			outcome = OutcomeFailures
		}
		m.checkRuns.WithLabelValues(string(ev.Check.Kind), outcome).Inc()
	case runner.CheckFailed:
		m.checkRuns.WithLabelValues(string(ev.Check.Kind), OutcomeFailed).Inc()
	case runner.CheckFinished:
		if started, ok := m.registered[ev.CheckRunID]; ok {
			m.checkRunDuration.WithLabelValues(string(ev.Check.Kind)).Observe(m.now().Sub(started).Seconds())
			delete(m.registered, ev.CheckRunID)
			m.inFlight.Dec()
		}
	case runner.SchedulingDelayExceeded:
		m.schedulingDelays.Inc()
	case runner.RunFinished:
		m.runs.WithLabelValues("finished").Inc()
		m.runOver()
	case runner.RunError:
		m.runs.WithLabelValues("error").Inc()
		m.runOver()
	}
}

func (m *Metrics) runOver() {
	// Checks of an aborted run never finish
	m.inFlight.Sub(float64(len(m.registered)))
	m.registered = make(map[skuld.CheckRunID]time.Time)

	if m.textfilePath == "" {
		return
	}

	if err := prometheus.WriteToTextfile(m.textfilePath, m.registry); err != nil {
		level.Warn(m.logger).Log("msg", "failed to write metrics textfile", "path", m.textfilePath, "err", err)
	}
}
