package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sre-norns/skuld/pkg/assets"
	"github.com/sre-norns/skuld/pkg/broker"
	"github.com/sre-norns/skuld/pkg/broker/kafkabus"
	"github.com/sre-norns/skuld/pkg/broker/redisbus"
	"github.com/sre-norns/skuld/pkg/redqueue"
	"github.com/sre-norns/skuld/pkg/reporter"
	"github.com/sre-norns/skuld/pkg/runner"
	"github.com/sre-norns/skuld/pkg/skuld"
)

// RunConfig configures a runner and its collaborators
type RunConfig struct {
	skuld.ApiClientConfig `embed:"" group:"api"`
	Redis  redisbus.Config `embed:"" group:"redis"`
	Kafka  kafkabus.Config `embed:"" group:"kafka"`
	Queue  redqueue.Config `embed:"" group:"queue"`
	Assets assets.Config   `embed:"" group:"assets"`

	Files []string `arg:"" name:"file" help:"YAML files with checks to run, '-' to read from STDIN"`

	Scheduler string `help:"How checks are scheduled: 'api' creates a check session with the API server, 'queue' enqueues checks for workers directly" enum:"api,queue" default:"api"`
	Broker    string `help:"Broker check results are received from" enum:"redis,kafka" default:"redis" env:"SKULD_BROKER"`

	Timeout         time.Duration `help:"Time each check is given to report a result" default:"300s"`
	SchedulingDelay time.Duration `help:"Time all checks are given to start before a warning is reported" default:"20s"`
	Verbose         bool          `help:"Fetch logs and check run data for all checks, not only failed ones" short:"v"`
	StatusPage      string        `help:"Status page users are referred to on timeouts" default:"${status_page}"`
	SupportContact  string        `help:"Support contact users are referred to on timeouts" default:"${support_contact}"`

	Summary         bool   `help:"Print a summary table once a run is over" default:"true" negatable:""`
	MetricsTextfile string `help:"Write run metrics in the textfile collector format to this file"`
}

// session is everything needed to run checks, closed once the command is over
type session struct {
	runner  *runner.Runner
	outcome *reporter.Outcome
	closers []io.Closer
}

func (s *session) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (c *RunConfig) newBroker(logger log.Logger) (broker.Broker, error) {
	switch c.Broker {
	case "kafka":
		return kafkabus.New(c.Kafka, logger), nil
	case "redis", "":
		return redisbus.New(c.Redis, logger), nil
	default:
		return nil, fmt.Errorf("unsupported broker %q", c.Broker)
	}
}

func (c *RunConfig) newSession(logger log.Logger, checks []skuld.Check) (*session, error) {
	s := &session{outcome: &reporter.Outcome{}}

	b, err := c.newBroker(logger)
	if err != nil {
		return nil, err
	}

	opts := []runner.Option{
		runner.WithLogger(logger),
		runner.WithAccountID(c.AccountID),
		runner.WithTimeout(c.Timeout),
		runner.WithSchedulingDelay(c.SchedulingDelay),
		runner.WithVerbose(c.Verbose),
		runner.WithSupportGuidance(c.StatusPage, c.SupportContact),
	}

	var scheduler skuld.Scheduler
	switch c.Scheduler {
	case "queue":
		queue := redqueue.NewQueue(c.Queue, c.Timeout, logger)
		s.closers = append(s.closers, queue)
		scheduler = queue.Scheduler(c.AccountID, checks)

		store, err := assets.New(c.Assets)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to initialize asset store: %w", err)
		}
		s.closers = append(s.closers, store)
		opts = append(opts, runner.WithAssetFetcher(store))
	default:
		apiClient, err := c.ApiClientConfig.NewClient()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize API Client: %w", err)
		}

		scheduler = apiClient.NewSessionScheduler(checks)
		opts = append(opts, runner.WithAssetFetcher(apiClient), runner.WithLinkFetcher(apiClient))
	}

	r, err := runner.NewRunner(b, scheduler, opts...)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.runner = r

	r.Subscribe(reporter.NewLogReporter(logger))
	r.Subscribe(s.outcome.Handle)
	if c.MetricsTextfile != "" {
		r.Subscribe(reporter.NewMetrics(prometheus.NewRegistry(), c.MetricsTextfile, logger).Handle)
	}
	if c.Summary {
		r.Subscribe(reporter.NewSummary(os.Stdout).Handle)
	}

	return s, nil
}
