package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/sre-norns/skuld/pkg/broker"
	"github.com/sre-norns/skuld/pkg/skuld"
)

var (
	ErrRunInProgress = fmt.Errorf("runner is already running a batch")
	ErrNilScheduler  = fmt.Errorf("scheduler is nil")
	ErrNilBroker     = fmt.Errorf("broker is nil")
)

// Options of a Runner
type Options struct {
	// Account the results are published for
	AccountID string

	// Time each check is given to produce a result
	Timeout time.Duration

	// Time all checks are given to start before SchedulingDelayExceeded is emitted
	SchedulingDelay time.Duration

	// If true, assets are fetched for all results, not only failed ones
	Verbose bool

	// Where users are directed to when checks time out with the default timeout
	StatusPage     string
	SupportContact string

	// Generator of suite IDs
	NewSuiteID func() skuld.SuiteID
}

type Option func(runner *Runner)

func WithAccountID(accountID string) Option {
	return func(r *Runner) {
		r.options.AccountID = accountID
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		if timeout > 0 {
			r.options.Timeout = timeout
		}
	}
}

func WithSchedulingDelay(delay time.Duration) Option {
	return func(r *Runner) {
		if delay > 0 {
			r.options.SchedulingDelay = delay
		}
	}
}

func WithVerbose(verbose bool) Option {
	return func(r *Runner) {
		r.options.Verbose = verbose
	}
}

func WithSupportGuidance(statusPage, supportContact string) Option {
	return func(r *Runner) {
		if statusPage != "" {
			r.options.StatusPage = statusPage
		}
		if supportContact != "" {
			r.options.SupportContact = supportContact
		}
	}
}

func WithSuiteIDGenerator(gen func() skuld.SuiteID) Option {
	return func(r *Runner) {
		if gen != nil {
			r.options.NewSuiteID = gen
		}
	}
}

func WithAssetFetcher(assets skuld.AssetFetcher) Option {
	return func(r *Runner) {
		r.assets = assets
	}
}

func WithLinkFetcher(links skuld.LinkFetcher) Option {
	return func(r *Runner) {
		r.links = links
	}
}

func WithLogger(logger log.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

func NewSuiteID() skuld.SuiteID {
	return skuld.SuiteID(uuid.NewString())
}

// Runner orchestrates a batch of checks: schedules them, listens for their results,
// times out checks that don't report back, and emits lifecycle events.
type Runner struct {
	broker    broker.Broker
	scheduler skuld.Scheduler
	assets    skuld.AssetFetcher
	links     skuld.LinkFetcher

	options Options
	bus     *Bus
	logger  log.Logger

	running atomic.Bool
}

func NewRunner(b broker.Broker, scheduler skuld.Scheduler, opts ...Option) (*Runner, error) {
	if b == nil {
		return nil, ErrNilBroker
	}
	if scheduler == nil {
		return nil, ErrNilScheduler
	}

	r := &Runner{
		broker:    b,
		scheduler: scheduler,
		bus:       NewBus(),
		logger:    log.NewNopLogger(),
		options: Options{
			Timeout:         skuld.DefaultCheckRunTimeout,
			SchedulingDelay: DefaultSchedulingDelay,
			StatusPage:      DefaultStatusPage,
			SupportContact:  DefaultSupportContact,
			NewSuiteID:      NewSuiteID,
		},
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

// Subscribe registers a handler for all events emitted by the runner
func (r *Runner) Subscribe(handler Handler) (unsubscribe func()) {
	return r.bus.Subscribe(handler)
}

func (r *Runner) Options() Options {
	return r.options
}

// Run executes one batch of checks.
// It returns once every check has reached a terminal state, or with an error if the run was aborted.
// An aborted run is also reported with a RunError event.
func (r *Runner) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrRunInProgress
	}
	defer r.running.Store(false)

	b := newBatch(r)
	defer b.close()

	client, err := r.broker.Connect(ctx)
	if err != nil {
		return b.fail(fmt.Errorf("failed to connect to the broker: %w", err))
	}
	defer func() {
		if err := client.Close(); err != nil {
			level.Warn(r.logger).Log("msg", "failed to close broker connection", "err", err)
		}
	}()

	// Subscribe before the checks are scheduled so that no result published early is missed
	b.suiteID = r.options.NewSuiteID()
	listener := &resultListener{
		queue:   b.queue,
		process: b.processMessage,
		logger:  r.logger,
	}
	if err := listener.Listen(ctx, client, broker.SuitePrefix(r.options.AccountID, b.suiteID)); err != nil {
		return b.fail(fmt.Errorf("failed to subscribe for check results: %w", err))
	}

	scheduled, err := r.scheduler.ScheduleChecks(ctx, b.suiteID)
	if err != nil {
		return b.fail(fmt.Errorf("failed to schedule checks: %w", err))
	}

	b.setChecks(scheduled)
	for _, sc := range scheduled.Checks {
		r.bus.Publish(CheckRegistered{
			CheckRunID:   sc.CheckRunID,
			TestResultID: sc.TestResultID,
			Check:        sc.Check,
		})
	}

	// Message processing relies on every unresolved check having a timeout entry,
	// thus all timeouts must be armed before the queue is started.
	b.armTimeouts()
	b.armSchedulingDelay()

	tracker := newCompletionTracker(len(b.checks))
	unsubscribe := r.bus.Subscribe(tracker.Observe)
	defer unsubscribe()

	level.Info(r.logger).Log("msg", "run started", "suite", b.suiteID, "session", scheduled.SessionID, "checks", len(b.checks))
	r.bus.Publish(RunStarted{
		SuiteID:   b.suiteID,
		SessionID: scheduled.SessionID,
		Checks:    scheduled.Checks,
	})
	b.queue.Start(ctx)

	if err := tracker.Wait(ctx); err != nil {
		return b.fail(fmt.Errorf("run interrupted: %w", err))
	}

	level.Info(r.logger).Log("msg", "run finished", "suite", b.suiteID, "session", scheduled.SessionID)
	r.bus.Publish(RunFinished{
		SuiteID:   b.suiteID,
		SessionID: scheduled.SessionID,
	})

	return nil
}
