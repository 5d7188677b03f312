// Package redqueue schedules checks as asynq tasks, executed by check workers.
package redqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/sre-norns/skuld/pkg/skuld"
)

const TaskType = "check:run"

var ErrInvalidJob = fmt.Errorf("invalid check job")

// Job is a single check run to be picked up by a worker
type Job struct {
	AccountID  string           `json:"accountId"`
	SuiteID    skuld.SuiteID    `json:"checkRunSuiteId"`
	CheckRunID skuld.CheckRunID `json:"checkRunId"`
	Check      skuld.Check      `json:"check"`
	Timeout    time.Duration    `json:"timeout,omitempty"`
}

func (j Job) Validate() error {
	if j.CheckRunID == skuld.InvalidCheckRunID {
		return fmt.Errorf("%w: no check run id", ErrInvalidJob)
	}
	if j.SuiteID == "" {
		return fmt.Errorf("%w: no check run suite id", ErrInvalidJob)
	}
	if j.Check.Kind == "" {
		return fmt.Errorf("%w: no check kind", ErrInvalidJob)
	}

	return nil
}

func UnmarshalJob(msg *asynq.Task) (Job, error) {
	var job Job
	if err := json.Unmarshal(msg.Payload(), &job); err != nil {
		return job, err
	}

	return job, job.Validate()
}

func MarshalJob(job Job) (*asynq.Task, error) {
	data, err := json.Marshal(&job)
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TaskType, data), nil
}

type enqueuer interface {
	io.Closer
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Config struct {
	QueueRedisAddress string `help:"Redis server address:port of the task queue" default:"localhost:6379" env:"SKULD_QUEUE_REDIS_ADDRESS"`
	Queue             string `help:"Name of the queue checks are scheduled to" default:"default"`
}

// Queue enqueues checks as tasks, one task per check
type Queue struct {
	client  enqueuer
	queue   string
	timeout time.Duration
	logger  log.Logger

	totalErrors    uint64
	totalScheduled uint64
}

// NewQueue connects to the task queue. Tasks are given the timeout, if it is set.
func NewQueue(config Config, timeout time.Duration, logger log.Logger) *Queue {
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: config.QueueRedisAddress})
	return newQueue(client, config.Queue, timeout, logger)
}

func newQueue(client enqueuer, queue string, timeout time.Duration, logger log.Logger) *Queue {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if queue == "" {
		queue = "default"
	}

	return &Queue{
		client:  client,
		queue:   queue,
		timeout: timeout,
		logger:  logger,
	}
}

func (q *Queue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}

	return q.client.Close()
}

func (q *Queue) Stats() (scheduled, errors uint64) {
	return atomic.LoadUint64(&q.totalScheduled), atomic.LoadUint64(&q.totalErrors)
}

// Scheduler returns a Scheduler that enqueues the given checks on behalf of the account
func (q *Queue) Scheduler(accountID string, checks []skuld.Check) skuld.Scheduler {
	return skuld.SchedulerFunc(func(ctx context.Context, suiteID skuld.SuiteID) (skuld.ScheduledBatch, error) {
		return q.Schedule(ctx, accountID, suiteID, checks)
	})
}

// Schedule enqueues all checks for the given suite.
// Scheduling is aborted on the first failure; tasks enqueued before it are not recalled.
func (q *Queue) Schedule(ctx context.Context, accountID string, suiteID skuld.SuiteID, checks []skuld.Check) (skuld.ScheduledBatch, error) {
	batch := skuld.ScheduledBatch{
		Checks: make([]skuld.ScheduledCheck, 0, len(checks)),
	}

	for _, check := range checks {
		job := Job{
			AccountID:  accountID,
			SuiteID:    suiteID,
			CheckRunID: skuld.CheckRunID(uuid.NewString()),
			Check:      check,
			Timeout:    q.timeout,
		}
		if err := job.Validate(); err != nil {
			atomic.AddUint64(&q.totalErrors, 1)
			return batch, fmt.Errorf("check %q: %w", check.Name, err)
		}

		task, err := MarshalJob(job)
		if err != nil {
			atomic.AddUint64(&q.totalErrors, 1)
			return batch, fmt.Errorf("check %q: %w", check.Name, err)
		}

		opts := []asynq.Option{
			asynq.MaxRetry(0),
			asynq.Queue(q.queue),
			asynq.TaskID(string(job.CheckRunID)),
		}
		if q.timeout > 0 {
			opts = append(opts, asynq.Timeout(q.timeout))
		}

		info, err := q.client.EnqueueContext(ctx, task, opts...)
		if err != nil {
			atomic.AddUint64(&q.totalErrors, 1)
			return batch, fmt.Errorf("failed to enqueue check %q: %w", check.Name, err)
		}

		atomic.AddUint64(&q.totalScheduled, 1)
		level.Debug(q.logger).Log("msg", "check scheduled", "check", check.Name, "checkRunId", job.CheckRunID, "task", info.ID, "queue", info.Queue)

		batch.Checks = append(batch.Checks, skuld.ScheduledCheck{
			CheckRunID: job.CheckRunID,
			Check:      check,
		})
	}

	return batch, nil
}
