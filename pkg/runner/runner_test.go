package runner_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sre-norns/skuld/pkg/broker"
	"github.com/sre-norns/skuld/pkg/broker/membus"
	"github.com/sre-norns/skuld/pkg/runner"
	"github.com/sre-norns/skuld/pkg/skuld"
	"github.com/stretchr/testify/require"
)

const testAccount = "acc-1"

type recorder struct {
	mu     sync.Mutex
	events []runner.Event
}

func (r *recorder) record(e runner.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []runner.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runner.Event(nil), r.events...)
}

func (r *recorder) kinds() []string {
	var kinds []string
	for _, e := range r.all() {
		kinds = append(kinds, runner.EventKind(e))
	}
	return kinds
}

func (r *recorder) count(kind string) int {
	n := 0
	for _, k := range r.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// forCheck returns kinds of check level events of a single check, in emission order
func (r *recorder) forCheck(id skuld.CheckRunID) []string {
	var kinds []string
	for _, e := range r.all() {
		var eventID skuld.CheckRunID
		switch ev := e.(type) {
		case runner.CheckRegistered:
			eventID = ev.CheckRunID
		case runner.CheckInProgress:
			eventID = ev.CheckRunID
		case runner.CheckFailed:
			eventID = ev.CheckRunID
		case runner.CheckSucceeded:
			eventID = ev.CheckRunID
		case runner.CheckFinished:
			eventID = ev.CheckRunID
		default:
			continue
		}
		if eventID == id {
			kinds = append(kinds, runner.EventKind(e))
		}
	}
	return kinds
}

type fixture struct {
	t      *testing.T
	bus    *membus.Broker
	events *recorder
	suite  skuld.SuiteID
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:      t,
		bus:    membus.New(),
		events: &recorder{},
		suite:  "suite-1",
	}
}

func (f *fixture) publish(id skuld.CheckRunID, subtopic string, payload any) {
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case nil:
		data = []byte(`{}`)
	default:
		var err error
		data, err = json.Marshal(p)
		require.NoError(f.t, err)
	}

	require.NoError(f.t, f.bus.Publish(context.Background(), broker.CheckRunTopic(testAccount, f.suite, id, subtopic), data))
}

func (f *fixture) newRunner(scheduler skuld.Scheduler, opts ...runner.Option) *runner.Runner {
	opts = append([]runner.Option{
		runner.WithAccountID(testAccount),
		runner.WithSuiteIDGenerator(func() skuld.SuiteID { return f.suite }),
	}, opts...)

	r, err := runner.NewRunner(f.bus, scheduler, opts...)
	require.NoError(f.t, err)
	r.Subscribe(f.events.record)

	return r
}

func scheduledChecks(ids ...skuld.CheckRunID) skuld.ScheduledBatch {
	batch := skuld.ScheduledBatch{SessionID: "session-1"}
	for _, id := range ids {
		batch.Checks = append(batch.Checks, skuld.ScheduledCheck{
			CheckRunID: id,
			Check:      skuld.Check{Name: "check-" + string(id), Kind: "http"},
		})
	}
	return batch
}

func runEnd(result skuld.CheckResult) broker.RunEndMessage {
	return broker.RunEndMessage{Result: result}
}

func runWithTimeout(t *testing.T, r *runner.Runner, limit time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), limit)
	defer cancel()

	return r.Run(ctx)
}

func TestRunner_AllChecksSucceed(t *testing.T) {
	f := newFixture(t)
	ids := []skuld.CheckRunID{"run-1", "run-2", "run-3"}

	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		require.Equal(t, f.suite, suiteID)

		// Results may arrive before the scheduler call returns
		go func() {
			for _, id := range ids {
				f.publish(id, broker.SubtopicRunStart, nil)
				f.publish(id, broker.SubtopicRunEnd, runEnd(skuld.CheckResult{Name: string(id)}))
			}
		}()

		return scheduledChecks(ids...), nil
	}), runner.WithTimeout(5*time.Second))

	require.NoError(t, runWithTimeout(t, r, 10*time.Second))

	require.Equal(t, 3, f.events.count("registered"))
	require.Equal(t, 3, f.events.count("in-progress"))
	require.Equal(t, 3, f.events.count("succeeded"))
	require.Equal(t, 3, f.events.count("finished"))
	require.Equal(t, 0, f.events.count("failed"))
	require.Equal(t, 1, f.events.count("run-started"))
	require.Equal(t, 1, f.events.count("run-finished"))
	require.Equal(t, 0, f.events.count("error"))

	for _, id := range ids {
		require.Equal(t, []string{"registered", "in-progress", "succeeded", "finished"}, f.events.forCheck(id))
	}

	kinds := f.events.kinds()
	require.Equal(t, "run-finished", kinds[len(kinds)-1])
	require.Equal(t, 0, f.bus.Subscriptions(), "broker connection must be closed")
}

func TestRunner_EarlyResultsBeforeSchedulingReturns(t *testing.T) {
	f := newFixture(t)

	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		// Published synchronously: the listener must already be subscribed and must not process yet
		f.publish("run-1", broker.SubtopicRunStart, nil)
		f.publish("run-1", broker.SubtopicRunEnd, runEnd(skuld.CheckResult{}))

		return scheduledChecks("run-1"), nil
	}), runner.WithTimeout(5*time.Second))

	require.NoError(t, runWithTimeout(t, r, 10*time.Second))
	require.Equal(t, []string{"registered", "in-progress", "succeeded", "finished"}, f.events.forCheck("run-1"))
}

func TestRunner_OneCheckTimesOut(t *testing.T) {
	f := newFixture(t)

	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		f.publish("fast", broker.SubtopicRunEnd, runEnd(skuld.CheckResult{}))
		return scheduledChecks("fast", "slow"), nil
	}), runner.WithTimeout(100*time.Millisecond))

	require.NoError(t, runWithTimeout(t, r, 10*time.Second))

	require.Equal(t, []string{"registered", "succeeded", "finished"}, f.events.forCheck("fast"))
	require.Equal(t, []string{"registered", "failed", "finished"}, f.events.forCheck("slow"))
	require.Equal(t, 1, f.events.count("run-finished"))

	for _, e := range f.events.all() {
		if failed, ok := e.(runner.CheckFailed); ok {
			var timeoutErr *runner.TimeoutError
			require.True(t, errors.As(failed.Err, &timeoutErr))
			require.Equal(t, skuld.CheckRunID("slow"), timeoutErr.CheckRunID)
			require.True(t, strings.HasPrefix(failed.Err.Error(), "Reached timeout of 1 seconds"))
			require.NotContains(t, failed.Err.Error(), runner.DefaultSupportContact)
		}
	}
}

func TestRunner_SchedulerFails(t *testing.T) {
	f := newFixture(t)
	schedulingErr := fmt.Errorf("quota exceeded")

	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		return skuld.ScheduledBatch{}, schedulingErr
	}), runner.WithTimeout(20*time.Millisecond))

	err := runWithTimeout(t, r, 10*time.Second)
	require.ErrorIs(t, err, schedulingErr)
	require.Equal(t, []string{"error"}, f.events.kinds())

	runErr, ok := f.events.all()[0].(runner.RunError)
	require.True(t, ok)
	require.ErrorIs(t, runErr.Err, schedulingErr)
	require.Equal(t, 0, f.bus.Subscriptions(), "broker connection must be closed")

	// Nothing fires afterwards
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, []string{"error"}, f.events.kinds())
}

func TestRunner_BrokerFailures(t *testing.T) {
	testCases := map[string]func(b *membus.Broker){
		"connect": func(b *membus.Broker) {
			b.ConnectErr = fmt.Errorf("connection refused")
		},
		"subscribe": func(b *membus.Broker) {
			b.SubscribeErr = fmt.Errorf("not authorized")
		},
	}

	for name, tc := range testCases {
		setup := tc
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			setup(f.bus)

			scheduled := false
			r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
				scheduled = true
				return scheduledChecks("run-1"), nil
			}))

			require.Error(t, runWithTimeout(t, r, 10*time.Second))
			require.False(t, scheduled, "checks must not be scheduled without a subscription")
			require.Equal(t, []string{"error"}, f.events.kinds())
		})
	}
}

func TestRunner_DuplicateRunEnd(t *testing.T) {
	f := newFixture(t)

	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		f.publish("run-1", broker.SubtopicRunEnd, runEnd(skuld.CheckResult{Name: "first"}))
		f.publish("run-1", broker.SubtopicRunEnd, runEnd(skuld.CheckResult{Name: "second"}))
		f.publish("run-1", broker.SubtopicError, broker.ErrorMessage{Message: "late"})
		f.publish("run-1", broker.SubtopicRunStart, nil)
		return scheduledChecks("run-1"), nil
	}), runner.WithTimeout(5*time.Second))

	require.NoError(t, runWithTimeout(t, r, 10*time.Second))
	require.Equal(t, []string{"registered", "succeeded", "finished"}, f.events.forCheck("run-1"))

	for _, e := range f.events.all() {
		if succeeded, ok := e.(runner.CheckSucceeded); ok {
			require.Equal(t, "first", succeeded.Result.Name)
		}
	}
}

func TestRunner_ResultAfterTimeoutIsDiscarded(t *testing.T) {
	f := newFixture(t)

	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		f.publish("fast", broker.SubtopicRunEnd, runEnd(skuld.CheckResult{}))
		return scheduledChecks("fast", "late"), nil
	}), runner.WithTimeout(100*time.Millisecond))

	// The worker reports right after the check was timed out
	r.Subscribe(func(e runner.Event) {
		if failed, ok := e.(runner.CheckFailed); ok && failed.CheckRunID == "late" {
			f.publish("late", broker.SubtopicRunStart, nil)
			f.publish("late", broker.SubtopicRunEnd, runEnd(skuld.CheckResult{}))
		}
	})

	require.NoError(t, runWithTimeout(t, r, 10*time.Second))

	require.Equal(t, []string{"registered", "failed", "finished"}, f.events.forCheck("late"))
	require.Equal(t, 1, f.events.count("succeeded"))
	require.Equal(t, 1, f.events.count("run-finished"))
}

func TestRunner_UnknownAndMalformedMessagesIgnored(t *testing.T) {
	f := newFixture(t)

	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		f.publish("stranger", broker.SubtopicRunStart, nil)
		f.publish("stranger", broker.SubtopicRunEnd, runEnd(skuld.CheckResult{}))
		f.publish("run-1", "progress", nil)
		f.publish("run-1", broker.SubtopicRunEnd, []byte(`{not json`))
		require.NoError(t, f.bus.Publish(ctx, broker.SuitePrefix(testAccount, f.suite)+"run-1", []byte(`{}`)))
		f.publish("run-1", broker.SubtopicRunEnd, runEnd(skuld.CheckResult{}))
		return scheduledChecks("run-1"), nil
	}), runner.WithTimeout(5*time.Second))

	require.NoError(t, runWithTimeout(t, r, 10*time.Second))

	require.Empty(t, f.events.forCheck("stranger"))
	require.Equal(t, []string{"registered", "succeeded", "finished"}, f.events.forCheck("run-1"))
}

func TestRunner_ReportedError(t *testing.T) {
	testCases := map[string]struct {
		payload []byte
		expect  string
	}{
		"error-message": {
			payload: []byte(`{"checkRunId":"run-1","message":"unsupported check kind"}`),
			expect:  "unsupported check kind",
		},
		"plain-text": {
			payload: []byte(`worker crashed`),
			expect:  "worker crashed",
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
				f.publish("run-1", broker.SubtopicRunStart, nil)
				f.publish("run-1", broker.SubtopicError, test.payload)
				return scheduledChecks("run-1"), nil
			}), runner.WithTimeout(5*time.Second))

			require.NoError(t, runWithTimeout(t, r, 10*time.Second))
			require.Equal(t, []string{"registered", "in-progress", "failed", "finished"}, f.events.forCheck("run-1"))

			for _, e := range f.events.all() {
				if failed, ok := e.(runner.CheckFailed); ok {
					var reported *runner.ReportedError
					require.True(t, errors.As(failed.Err, &reported))
					require.Equal(t, test.expect, reported.Error())
				}
			}
		})
	}
}

func TestRunner_EmptyBatch(t *testing.T) {
	f := newFixture(t)
	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		return skuld.ScheduledBatch{}, nil
	}), runner.WithTimeout(time.Hour))

	start := time.Now()
	require.NoError(t, runWithTimeout(t, r, 10*time.Second))
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, []string{"run-started", "run-finished"}, f.events.kinds())
}

func TestRunner_InterruptedRun(t *testing.T) {
	f := newFixture(t)
	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		return scheduledChecks("run-1"), nil
	}), runner.WithTimeout(50*time.Millisecond))

	err := runWithTimeout(t, r, 10*time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, []string{"registered", "run-started", "error"}, f.events.kinds())

	// Disabled timeouts never resolve the check
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, f.events.count("failed"))
}

func TestRunner_SchedulingDelay(t *testing.T) {
	t.Run("exceeded", func(t *testing.T) {
		f := newFixture(t)
		r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
			f.publish("run-1", broker.SubtopicRunStart, nil)
			return scheduledChecks("run-1", "run-2"), nil
		}), runner.WithTimeout(150*time.Millisecond), runner.WithSchedulingDelay(30*time.Millisecond))

		require.NoError(t, runWithTimeout(t, r, 10*time.Second))
		require.Equal(t, 1, f.events.count("scheduling-delay-exceeded"))

		for _, e := range f.events.all() {
			if delayed, ok := e.(runner.SchedulingDelayExceeded); ok {
				require.Equal(t, 1, delayed.Pending)
			}
		}
	})

	t.Run("all-started", func(t *testing.T) {
		f := newFixture(t)
		r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
			f.publish("run-1", broker.SubtopicRunStart, nil)
			f.publish("run-2", broker.SubtopicRunStart, nil)
			return scheduledChecks("run-1", "run-2"), nil
		}), runner.WithTimeout(150*time.Millisecond), runner.WithSchedulingDelay(50*time.Millisecond))

		require.NoError(t, runWithTimeout(t, r, 10*time.Second))
		require.Equal(t, 0, f.events.count("scheduling-delay-exceeded"))
		require.Equal(t, 2, f.events.count("in-progress"))
	})
}

type fakeAssets struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (a *fakeAssets) GetLogs(ctx context.Context, region, path string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "logs:"+region+":"+path)
	if a.err != nil {
		return nil, a.err
	}
	return json.RawMessage(`["log line"]`), nil
}

func (a *fakeAssets) GetCheckRunData(ctx context.Context, region, path string) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "data:"+region+":"+path)
	if a.err != nil {
		return nil, a.err
	}
	return json.RawMessage(`{"probe_success":0}`), nil
}

type fakeLinks struct {
	calls int
	err   error
}

func (l *fakeLinks) GetResultShortLinks(ctx context.Context, sessionID, testResultID string) (*skuld.ResultLinks, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return &skuld.ResultLinks{TestResultLink: "https://l.example/" + sessionID + "/" + testResultID}, nil
}

func TestRunner_ResultEnrichment(t *testing.T) {
	withAssets := skuld.CheckResult{
		Region:           "eu-west-1",
		LogPath:          "logs/run-1",
		CheckRunDataPath: "data/run-1",
	}

	testCases := map[string]struct {
		result      skuld.CheckResult
		verbose     bool
		testResult  string
		assetsErr   error
		linksErr    error
		expectCalls int
		expectLogs  bool
		expectLinks bool
	}{
		"passed-not-verbose": {
			result:     withAssets,
			testResult: "tr-1",
		},
		"passed-verbose": {
			result:      withAssets,
			verbose:     true,
			testResult:  "tr-1",
			expectCalls: 2,
			expectLogs:  true,
		},
		"failed": {
			result: func() skuld.CheckResult {
				r := withAssets
				r.HasFailures = true
				return r
			}(),
			testResult:  "tr-1",
			expectCalls: 2,
			expectLogs:  true,
			expectLinks: true,
		},
		"failed-no-test-result": {
			result: func() skuld.CheckResult {
				r := withAssets
				r.HasFailures = true
				return r
			}(),
			expectCalls: 2,
			expectLogs:  true,
		},
		"failed-no-assets": {
			result:      skuld.CheckResult{HasFailures: true},
			testResult:  "tr-1",
			expectLinks: true,
		},
		"links-fail": {
			result:     skuld.CheckResult{HasFailures: true},
			testResult: "tr-1",
			linksErr:   fmt.Errorf("links service unavailable"),
		},
		"assets-fail": {
			result: func() skuld.CheckResult {
				r := withAssets
				r.HasFailures = true
				return r
			}(),
			assetsErr:   fmt.Errorf("bucket unavailable"),
			expectCalls: 2,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			assets := &fakeAssets{err: test.assetsErr}
			links := &fakeLinks{err: test.linksErr}

			r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
				f.publish("run-1", broker.SubtopicRunEnd, runEnd(test.result))
				batch := scheduledChecks("run-1")
				batch.Checks[0].TestResultID = test.testResult
				return batch, nil
			}),
				runner.WithTimeout(5*time.Second),
				runner.WithVerbose(test.verbose),
				runner.WithAssetFetcher(assets),
				runner.WithLinkFetcher(links),
			)

			require.NoError(t, runWithTimeout(t, r, 10*time.Second))
			require.Equal(t, []string{"registered", "succeeded", "finished"}, f.events.forCheck("run-1"))
			require.Len(t, assets.calls, test.expectCalls)

			for _, e := range f.events.all() {
				succeeded, ok := e.(runner.CheckSucceeded)
				if !ok {
					continue
				}

				require.Equal(t, test.result.HasFailures, succeeded.Result.HasFailures)
				if test.expectLogs {
					require.JSONEq(t, `["log line"]`, string(succeeded.Result.Logs))
					require.JSONEq(t, `{"probe_success":0}`, string(succeeded.Result.CheckRunData))
				} else {
					require.Empty(t, succeeded.Result.Logs)
				}

				if test.expectLinks {
					require.NotNil(t, succeeded.Links)
					require.Equal(t, "https://l.example/session-1/tr-1", succeeded.Links.TestResultLink)
				} else {
					require.Nil(t, succeeded.Links)
				}
			}
		})
	}
}

func TestRunner_RejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	release := make(chan struct{})
	entered := make(chan struct{})

	r := f.newRunner(skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		close(entered)
		<-release
		return skuld.ScheduledBatch{}, nil
	}))

	done := make(chan error, 1)
	go func() { done <- runWithTimeout(t, r, 10*time.Second) }()

	<-entered
	require.ErrorIs(t, r.Run(context.Background()), runner.ErrRunInProgress)
	close(release)
	require.NoError(t, <-done)
}

func TestNewRunner_Validation(t *testing.T) {
	_, err := runner.NewRunner(nil, skuld.SchedulerFunc(nil))
	require.ErrorIs(t, err, runner.ErrNilBroker)

	_, err = runner.NewRunner(membus.New(), nil)
	require.ErrorIs(t, err, runner.ErrNilScheduler)

	r, err := runner.NewRunner(membus.New(), skuld.SchedulerFunc(nil), runner.WithTimeout(-time.Second))
	require.NoError(t, err)
	require.Equal(t, skuld.DefaultCheckRunTimeout, r.Options().Timeout)
	require.Equal(t, runner.DefaultSchedulingDelay, r.Options().SchedulingDelay)
}
