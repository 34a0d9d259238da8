package service

import (
	"context"
	"runtime/debug"
	"sync"
)

// Runner processes one task id.
type Runner interface {
	Run(ctx context.Context, taskID string) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, taskID string) error

func (f RunnerFunc) Run(ctx context.Context, taskID string) error {
	return f(ctx, taskID)
}

// Queue is an unbounded FIFO drained by a single consumer. Every run holds
// lock, so at most one task is processed at a time even when other
// components share the same lock.
type Queue struct {
	runner Runner
	lock   sync.Locker
	logger Logger

	mu      sync.Mutex
	items   []string
	notify  chan struct{}
	started bool
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewQueue(runner Runner, lock sync.Locker, logger Logger) *Queue {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	return &Queue{
		runner: runner,
		lock:   lock,
		logger: logger,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start launches the consumer. Calling it more than once has no effect.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	ctx, q.cancel = context.WithCancel(ctx)
	go q.consume(ctx)
}

// Submit appends taskID to the queue. It never blocks.
func (q *Queue) Submit(taskID string) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		q.logger.Warnf("Queue stopped, dropping task %s", taskID)
		return
	}
	q.items = append(q.items, taskID)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of waiting task ids, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stop cancels the consumer and waits for the in-flight run to return.
// Waiting ids are left unprocessed; their tasks stay pending in the store.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	started := q.started
	cancel := q.cancel
	q.mu.Unlock()

	if !started {
		return
	}
	cancel()
	<-q.done
}

func (q *Queue) consume(ctx context.Context) {
	defer close(q.done)
	for {
		taskID, ok := q.next(ctx)
		if !ok {
			return
		}
		q.runOne(ctx, taskID)
	}
}

func (q *Queue) next(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			taskID := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.mu.Unlock()
			return taskID, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-q.notify:
		}
	}
}

func (q *Queue) runOne(ctx context.Context, taskID string) {
	q.lock.Lock()
	defer q.lock.Unlock()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Errorf("Task %s panicked: %v\n%s", taskID, r, debug.Stack())
		}
	}()

	q.logger.Infof("Processing task %s", taskID)
	if err := q.runner.Run(ctx, taskID); err != nil {
		q.logger.Errorf("Task %s failed: %v", taskID, err)
		return
	}
	q.logger.Infof("Task %s finished", taskID)
}
