package runner

import (
	"context"
	"sync"
)

// Task is a unit of work executed by a SequentialQueue
type Task func(ctx context.Context)

// SequentialQueue runs submitted tasks one at a time, in submission order.
// A new queue is paused: tasks can be submitted right away but none is run until Start is called.
type SequentialQueue struct {
	mu      sync.Mutex
	pending []Task
	started bool
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

func NewSequentialQueue() *SequentialQueue {
	return &SequentialQueue{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Submit adds a task to the end of the queue. It never blocks.
// Returns false if the queue has been stopped and the task is dropped.
func (q *SequentialQueue) Submit(task Task) bool {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, task)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return true
}

// Len returns number of tasks waiting to be run
func (q *SequentialQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.pending)
}

// Start releases queued tasks for processing by a single worker.
// Tasks are run with the given context; the worker exits when it is cancelled.
// Calling Start more than once has no effect.
func (q *SequentialQueue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started || q.stopped {
		return
	}
	q.started = true

	go q.work(ctx)
}

// Stop drops all pending tasks and waits for a running task, if any, to complete.
// No task is accepted after Stop.
func (q *SequentialQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.pending = nil
	started := q.started
	close(q.quit)
	q.mu.Unlock()

	if started {
		<-q.done
	}
}

func (q *SequentialQueue) next() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped || len(q.pending) == 0 {
		return nil, false
	}

	task := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]

	return task, true
}

func (q *SequentialQueue) work(ctx context.Context) {
	defer close(q.done)

	for {
		if task, ok := q.next(); ok {
			task(ctx)
			continue
		}

		select {
		case <-q.wake:
		case <-q.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}
