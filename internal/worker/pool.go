// Package worker runs background tasks on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrPoolClosed is returned by Submit after Shutdown.
	ErrPoolClosed = errors.New("worker pool closed")

	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("worker queue full")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Func is the work a task performs. ctx is cancelled when the pool is forced down.
type Func func(ctx context.Context) error

// Task is a handle to submitted work.
type Task struct {
	ID   string
	Name string

	fn   Func
	done chan struct{}

	mu        sync.RWMutex
	status    TaskStatus
	err       error
	startedAt time.Time
	endedAt   time.Time
}

// Status returns the current state.
func (t *Task) Status() TaskStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Done is closed when the task has finished.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns the task's error once Done is closed.
func (t *Task) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Duration is the run time of a finished task, or the time so far.
func (t *Task) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	switch {
	case t.startedAt.IsZero():
		return 0
	case t.endedAt.IsZero():
		return time.Since(t.startedAt)
	}
	return t.endedAt.Sub(t.startedAt)
}

func (t *Task) setRunning() {
	t.mu.Lock()
	t.status = TaskRunning
	t.startedAt = time.Now()
	t.mu.Unlock()
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	t.err = err
	t.endedAt = time.Now()
	if err != nil {
		t.status = TaskFailed
	} else {
		t.status = TaskSucceeded
	}
	t.mu.Unlock()
	close(t.done)
}

// Pool executes tasks on a fixed number of workers fed by a bounded queue.
type Pool struct {
	queue  chan *Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given number of workers and queue capacity.
func New(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:  make(chan *Task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work(i)
	}
	return p
}

func (p *Pool) work(workerID int) {
	defer p.wg.Done()
	for task := range p.queue {
		task.setRunning()
		p.logger.Debug("task started", "worker", workerID, "task_id", task.ID, "task", task.Name)
		err := p.run(task)
		task.finish(err)
		if err != nil {
			p.logger.Warn("task failed", "worker", workerID, "task_id", task.ID, "task", task.Name, "error", err)
		} else {
			p.logger.Debug("task finished", "worker", workerID, "task_id", task.ID, "task", task.Name,
				"duration", task.Duration())
		}
	}
}

func (p *Pool) run(task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "task_id", task.ID, "task", task.Name, "panic", r)
			err = fmt.Errorf("internal panic: %v", r)
		}
	}()
	return task.fn(p.ctx)
}

// Submit enqueues fn without blocking.
func (p *Pool) Submit(name string, fn Func) (*Task, error) {
	task := &Task{
		ID:     uuid.New().String(),
		Name:   name,
		fn:     fn,
		done:   make(chan struct{}),
		status: TaskPending,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return task, nil
	default:
		return nil, ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued and running ones.
// When ctx ends first, running tasks are cancelled and ctx's error returned
// after they exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-finished
		return ctx.Err()
	}
}
