// Package scheduler runs background work off the message delivery path on a
// bounded pool of workers.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Task is a unit of background work
type Task struct {
	ID   uuid.UUID
	Name string
	// Key coalesces submissions: while a task with the same key is still
	// queued, further submissions with that key are dropped.
	Key        string
	Run        func(ctx context.Context) error
	RetryCount int
	MaxRetries int
}

// NewTask creates a task with a fresh ID
func NewTask(name, key string, run func(ctx context.Context) error) Task {
	return Task{
		ID:   uuid.New(),
		Name: name,
		Key:  key,
		Run:  run,
	}
}

// TaskQueueConfig holds task queue configuration
type TaskQueueConfig struct {
	Workers       int
	QueueSize     int
	TaskTimeout   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DefaultTaskQueueConfig returns default task queue configuration
func DefaultTaskQueueConfig() TaskQueueConfig {
	return TaskQueueConfig{
		Workers:       2,
		QueueSize:     256,
		TaskTimeout:   30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    time.Second,
	}
}

// TaskQueueStats holds task counters
type TaskQueueStats struct {
	Submitted int64
	Coalesced int64
	Completed int64
	Failed    int64
}

// TaskQueue is a bounded queue drained by a fixed pool of workers
type TaskQueue struct {
	config TaskQueueConfig
	logger *zap.Logger

	tasks   chan Task
	pending map[string]struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	submitted atomic.Int64
	coalesced atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// NewTaskQueue creates a new task queue. Zero config values fall back to the defaults.
func NewTaskQueue(config TaskQueueConfig, logger *zap.Logger) *TaskQueue {
	defaults := DefaultTaskQueueConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.TaskTimeout <= 0 {
		config.TaskTimeout = defaults.TaskTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskQueue{
		config:  config,
		logger:  logger,
		tasks:   make(chan Task, config.QueueSize),
		pending: make(map[string]struct{}),
	}
}

// Start starts the worker pool
func (q *TaskQueue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = true
	q.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	q.logger.Info("Task queue started",
		zap.Int("workers", q.config.Workers),
		zap.Int("queue_size", q.config.QueueSize),
	)
	return nil
}

// Stop stops accepting tasks and waits for the queued ones to drain. When
// ctx expires first the running tasks are cancelled.
func (q *TaskQueue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.tasks)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		q.logger.Info("Task queue stopped gracefully")
		return nil
	case <-ctx.Done():
		q.cancel()
		q.logger.Warn("Task queue stop timed out")
		return ctx.Err()
	}
}

// Submit queues a task without blocking
func (q *TaskQueue) Submit(task Task) error {
	if task.Run == nil {
		return ErrInvalidTask
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.MaxRetries == 0 {
		task.MaxRetries = q.config.RetryAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return ErrQueueNotRunning
	}
	if task.Key != "" {
		if _, queued := q.pending[task.Key]; queued {
			q.coalesced.Add(1)
			return nil
		}
	}

	select {
	case q.tasks <- task:
		if task.Key != "" {
			q.pending[task.Key] = struct{}{}
		}
		q.submitted.Add(1)
		q.logger.Debug("Task submitted",
			zap.String("task_id", task.ID.String()),
			zap.String("task", task.Name),
		)
		return nil
	default:
		return ErrQueueFull
	}
}

// Stats returns a snapshot of the task counters
func (q *TaskQueue) Stats() TaskQueueStats {
	return TaskQueueStats{
		Submitted: q.submitted.Load(),
		Coalesced: q.coalesced.Load(),
		Completed: q.completed.Load(),
		Failed:    q.failed.Load(),
	}
}

func (q *TaskQueue) worker(ctx context.Context, workerID int) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-q.tasks:
			if !ok {
				return
			}
			q.release(task)
			q.processTask(ctx, task, workerID)
		}
	}
}

// release frees the task's key so a change seen from now on is queued again
func (q *TaskQueue) release(task Task) {
	if task.Key == "" {
		return
	}
	q.mu.Lock()
	delete(q.pending, task.Key)
	q.mu.Unlock()
}

func (q *TaskQueue) processTask(ctx context.Context, task Task, workerID int) {
	taskCtx, cancel := context.WithTimeout(ctx, q.config.TaskTimeout)
	defer cancel()

	err := task.Run(taskCtx)
	if err == nil {
		q.completed.Add(1)
		q.logger.Debug("Task completed",
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID.String()),
			zap.String("task", task.Name),
		)
		return
	}

	q.logger.Error("Task failed",
		zap.Int("worker_id", workerID),
		zap.String("task_id", task.ID.String()),
		zap.String("task", task.Name),
		zap.Int("retry_count", task.RetryCount),
		zap.Error(err),
	)
	if task.RetryCount >= task.MaxRetries || ctx.Err() != nil {
		q.failed.Add(1)
		return
	}

	task.RetryCount++
	time.AfterFunc(q.config.RetryDelay, func() {
		if err := q.Submit(task); err != nil {
			q.failed.Add(1)
			q.logger.Warn("Failed to re-queue task for retry",
				zap.String("task_id", task.ID.String()),
				zap.String("task", task.Name),
				zap.Error(err),
			)
		}
	})
}
