package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sre-norns/skuld/pkg/assets"
	"github.com/sre-norns/skuld/pkg/broker"
	"github.com/sre-norns/skuld/pkg/probe"
	"github.com/sre-norns/skuld/pkg/redqueue"
	"github.com/sre-norns/skuld/pkg/skuld"
)

// assetUploader stores run assets of executed checks
type assetUploader interface {
	Region() string
	Put(ctx context.Context, assetPath string, content []byte) error
}

type workerMetrics struct {
	executed *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newWorkerMetrics(registry prometheus.Registerer) *workerMetrics {
	m := &workerMetrics{
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "skuld",
			Subsystem: "worker",
			Name:      "checks_executed_total",
			Help:      "Number of checks executed by this worker by status.",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "skuld",
			Subsystem: "worker",
			Name:      "probe_duration_seconds",
			Help:      "Duration of probes executed by this worker.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	registry.MustRegister(m.executed, m.duration)

	return m
}

// worker executes checks scheduled with redqueue and publishes their results
type worker struct {
	publisher broker.Publisher
	uploader  assetUploader
	metrics   *workerMetrics
	logger    log.Logger

	// Upper limit of a probe run time
	maxTimeout time.Duration
	now        func() time.Time
}

func (w *worker) publish(ctx context.Context, job redqueue.Job, subtopic string, msg any) error {
	payload, err := broker.Encode(msg)
	if err != nil {
		return err
	}

	return w.publisher.Publish(ctx, broker.CheckRunTopic(job.AccountID, job.SuiteID, job.CheckRunID, subtopic), payload)
}

func (w *worker) timeout(job redqueue.Job) time.Duration {
	if job.Timeout > 0 && job.Timeout < w.maxTimeout {
		return job.Timeout
	}

	return w.maxTimeout
}

// uploadAssets stores run log and check run data, returning paths of assets uploaded
func (w *worker) uploadAssets(ctx context.Context, job redqueue.Job, report probe.Report) (logPath, dataPath string, err error) {
	if w.uploader == nil {
		return "", "", nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if len(report.Log) > 0 {
		g.Go(func() error {
			path := assets.AssetPath(assets.KindLogs, job.CheckRunID)
			if err := w.uploader.Put(gctx, path, report.Log); err != nil {
				return fmt.Errorf("run log: %w", err)
			}
			logPath = path
			return nil
		})
	}
	if len(report.Data) > 0 {
		g.Go(func() error {
			path := assets.AssetPath(assets.KindCheckRunData, job.CheckRunID)
			if err := w.uploader.Put(gctx, path, report.Data); err != nil {
				return fmt.Errorf("check run data: %w", err)
			}
			dataPath = path
			return nil
		})
	}

	err = g.Wait()
	return logPath, dataPath, err
}

func (w *worker) HandleCheckRun(ctx context.Context, t *asynq.Task) error {
	job, err := redqueue.UnmarshalJob(t)
	if err != nil {
		level.Error(w.logger).Log("msg", "failed to deserialize job", "err", err)
		// A malformed job will not get any better with retries
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	logger := log.With(w.logger, "checkRunId", job.CheckRunID, "check", job.Check.Name, "kind", job.Check.Kind)
	level.Info(logger).Log("msg", "check run started")

	if err := w.publish(ctx, job, broker.SubtopicRunStart, broker.RunStartMessage{
		CheckRunID: job.CheckRunID,
		StartedAt:  w.now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("failed to publish run start: %w", err)
	}

	workCtx, cancel := context.WithTimeout(ctx, w.timeout(job))
	defer cancel()

	report, err := probe.Play(workCtx, job.Check, logger)
	w.metrics.executed.WithLabelValues(string(job.Check.Kind), string(report.Status)).Inc()
	if err != nil {
		level.Warn(logger).Log("msg", "check could not be run", "err", err)
		return w.publish(ctx, job, broker.SubtopicError, broker.ErrorMessage{
			CheckRunID: job.CheckRunID,
			Message:    err.Error(),
		})
	}
	w.metrics.duration.WithLabelValues(string(job.Check.Kind)).Observe(report.Duration.Seconds())

	result := skuld.CheckResult{
		Name:         job.Check.Name,
		HasFailures:  report.HasFailures(),
		HasErrors:    report.Status == probe.StatusError,
		ResponseTime: report.Duration.Milliseconds(),
	}

	logPath, dataPath, err := w.uploadAssets(ctx, job, report)
	if err != nil {
		// Result is reported even without assets
		level.Warn(logger).Log("msg", "failed to upload run assets", "err", err)
	}
	if logPath != "" || dataPath != "" {
		result.Region = w.uploader.Region()
		result.LogPath = logPath
		result.CheckRunDataPath = dataPath
	}

	if err := w.publish(ctx, job, broker.SubtopicRunEnd, broker.RunEndMessage{Result: result}); err != nil {
		return fmt.Errorf("failed to publish run end: %w", err)
	}

	level.Info(logger).Log("msg", "check run finished", "status", report.Status, "duration", report.Duration)
	return nil
}
