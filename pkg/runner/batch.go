package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/sre-norns/skuld/pkg/broker"
	"github.com/sre-norns/skuld/pkg/skuld"
)

// ReportedError is a failure reported by a worker for a check run
type ReportedError struct {
	CheckRunID skuld.CheckRunID
	Payload    json.RawMessage
}

func (e *ReportedError) Error() string {
	var msg broker.ErrorMessage
	if err := json.Unmarshal(e.Payload, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}

	var text string
	if err := json.Unmarshal(e.Payload, &text); err == nil {
		return text
	}

	return string(e.Payload)
}

// batch is the state of a single run.
// checks are set before the queue is started and only read afterwards;
// all message processing happens on the queue worker.
type batch struct {
	runner *Runner

	suiteID   skuld.SuiteID
	sessionID string
	checks    map[skuld.CheckRunID]skuld.ScheduledCheck

	queue       *SequentialQueue
	timeouts    *timeoutRegistry
	delay       *schedulingDelayMonitor
	unsubscribe func()
}

func newBatch(r *Runner) *batch {
	b := &batch{
		runner:   r,
		checks:   make(map[skuld.CheckRunID]skuld.ScheduledCheck),
		queue:    NewSequentialQueue(),
		timeouts: newTimeoutRegistry(),
		delay:    newSchedulingDelayMonitor(),
	}
	b.unsubscribe = r.bus.Subscribe(b.delay.Observe)

	return b
}

func (b *batch) setChecks(scheduled skuld.ScheduledBatch) {
	checks := make(map[skuld.CheckRunID]skuld.ScheduledCheck, len(scheduled.Checks))
	for _, sc := range scheduled.Checks {
		checks[sc.CheckRunID] = sc
	}

	b.sessionID = scheduled.SessionID
	b.checks = checks
}

func (b *batch) armTimeouts() {
	ids := make([]skuld.CheckRunID, 0, len(b.checks))
	for id := range b.checks {
		ids = append(ids, id)
	}

	b.timeouts.ArmAll(ids, b.runner.options.Timeout, func(checkRunID skuld.CheckRunID) {
		b.queue.Submit(func(context.Context) {
			b.expire(checkRunID)
		})
	})
}

func (b *batch) armSchedulingDelay() {
	b.delay.Arm(len(b.checks), b.runner.options.SchedulingDelay, func(pending int) {
		level.Warn(b.runner.logger).Log("msg", "checks are taking long to start", "suite", b.suiteID, "pending", pending)
		b.runner.bus.Publish(SchedulingDelayExceeded{
			SuiteID: b.suiteID,
			Pending: pending,
		})
	})
}

// expire resolves a check that has not reported a result in time
func (b *batch) expire(checkRunID skuld.CheckRunID) {
	if !b.timeouts.Disable(checkRunID) {
		return
	}

	opts := b.runner.options
	sc := b.checks[checkRunID]
	b.runner.bus.Publish(CheckFailed{
		CheckRunID: checkRunID,
		Check:      sc.Check,
		Err:        newTimeoutError(checkRunID, opts.Timeout, supportGuidance(opts.Timeout, opts.StatusPage, opts.SupportContact)),
	})
	b.runner.bus.Publish(CheckFinished{
		CheckRunID: checkRunID,
		Check:      sc.Check,
	})
}

func (b *batch) processMessage(ctx context.Context, msg resultMessage) {
	logger := b.runner.logger
	bus := b.runner.bus

	// A check without a timeout entry has timed out or has already finished
	if !b.timeouts.IsActive(msg.CheckRunID) {
		level.Debug(logger).Log("msg", "discarding message for resolved check", "checkRunId", msg.CheckRunID, "subtopic", msg.Subtopic)
		return
	}

	sc, ok := b.checks[msg.CheckRunID]
	if !ok {
		level.Debug(logger).Log("msg", "discarding message for unknown check", "checkRunId", msg.CheckRunID, "subtopic", msg.Subtopic)
		return
	}

	switch msg.Subtopic {
	case broker.SubtopicRunStart:
		bus.Publish(CheckInProgress{
			CheckRunID: sc.CheckRunID,
			Check:      sc.Check,
		})
	case broker.SubtopicRunEnd:
		b.timeouts.Disable(sc.CheckRunID)

		var result skuld.CheckResult
		if msg.RunEnd != nil {
			result = msg.RunEnd.Result
		}

		if result.HasAssets() && (b.runner.options.Verbose || result.HasFailures) {
			if err := b.attachAssets(ctx, &result); err != nil {
				level.Warn(logger).Log("msg", "failed to fetch check run assets", "checkRunId", sc.CheckRunID, "err", err)
			}
		}

		var links *skuld.ResultLinks
		if sc.TestResultID != "" && result.HasFailures {
			links = b.tryFetchLinks(ctx, sc.TestResultID)
		}

		bus.Publish(CheckSucceeded{
			CheckRunID: sc.CheckRunID,
			Check:      sc.Check,
			Result:     result,
			Links:      links,
		})
		bus.Publish(CheckFinished{
			CheckRunID: sc.CheckRunID,
			Check:      sc.Check,
		})
	case broker.SubtopicError:
		b.timeouts.Disable(sc.CheckRunID)

		bus.Publish(CheckFailed{
			CheckRunID: sc.CheckRunID,
			Check:      sc.Check,
			Err: &ReportedError{
				CheckRunID: sc.CheckRunID,
				Payload:    msg.Raw,
			},
		})
		bus.Publish(CheckFinished{
			CheckRunID: sc.CheckRunID,
			Check:      sc.Check,
		})
	default:
		// TODO: decide whether unknown subtopics should be reported once workers publish progress updates
		level.Debug(logger).Log("msg", "ignoring message with unknown subtopic", "checkRunId", msg.CheckRunID, "subtopic", msg.Subtopic)
	}
}

// attachAssets fetches logs and check run data referenced by the result
func (b *batch) attachAssets(ctx context.Context, result *skuld.CheckResult) error {
	assets := b.runner.assets
	if assets == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if result.LogPath != "" {
		g.Go(func() error {
			logs, err := assets.GetLogs(gctx, result.Region, result.LogPath)
			if err != nil {
				return fmt.Errorf("logs: %w", err)
			}
			result.Logs = logs
			return nil
		})
	}
	if result.CheckRunDataPath != "" {
		g.Go(func() error {
			data, err := assets.GetCheckRunData(gctx, result.Region, result.CheckRunDataPath)
			if err != nil {
				return fmt.Errorf("check run data: %w", err)
			}
			result.CheckRunData = data
			return nil
		})
	}

	return g.Wait()
}

// tryFetchLinks returns short links of the test result, or nil if they are not available.
// Links are supplementary: a failure to get them does not change the outcome of the check.
func (b *batch) tryFetchLinks(ctx context.Context, testResultID string) *skuld.ResultLinks {
	if b.runner.links == nil {
		return nil
	}

	links, err := b.runner.links.GetResultShortLinks(ctx, b.sessionID, testResultID)
	if err != nil {
		return nil
	}

	return links
}

// fail aborts the run: no check is resolved after this point
func (b *batch) fail(err error) error {
	b.timeouts.DisableAll()
	b.delay.Cancel()

	level.Error(b.runner.logger).Log("msg", "run failed", "suite", b.suiteID, "err", err)
	b.runner.bus.Publish(RunError{
		SuiteID: b.suiteID,
		Err:     err,
	})

	return err
}

func (b *batch) close() {
	b.timeouts.DisableAll()
	b.delay.Cancel()
	b.queue.Stop()
	b.unsubscribe()
}
