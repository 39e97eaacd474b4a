package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"clinicbot/internal/metrics"
)

const submitTimeout = 5 * time.Second

// Task is a unit of fire-and-forget work, typically one notification.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Queue runs submitted tasks on a fixed pool of workers. Callers never wait
// for a task to run; failures are logged and counted, never returned.
type Queue struct {
	tasks   chan Task
	workers int
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates a Queue with the given worker count and buffer size.
func New(workers, buffer int, logger *slog.Logger, m *metrics.Collector) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if buffer <= 0 {
		buffer = 100
	}
	return &Queue{
		tasks:   make(chan Task, buffer),
		workers: workers,
		logger:  logger,
		metrics: m,
	}
}

// Start launches the workers. Tasks receive ctx.
func (q *Queue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.work(ctx)
	}
}

func (q *Queue) work(ctx context.Context) {
	defer q.wg.Done()
	for t := range q.tasks {
		if err := q.run(ctx, t); err != nil {
			q.metrics.TaskFailed()
			q.logger.Error("queued task failed", "task", t.Name, "err", err)
		}
	}
}

func (q *Queue) run(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

// Submit enqueues t. It blocks up to 5 seconds when the buffer is full and
// drops the task after that, reporting false.
func (q *Queue) Submit(t Task) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("task submitted to closed queue", "task", t.Name)
		return false
	}

	select {
	case q.tasks <- t:
		return true
	default:
	}

	q.logger.Warn("notification queue full, waiting...", "task", t.Name)
	timer := time.NewTimer(submitTimeout)
	defer timer.Stop()
	select {
	case q.tasks <- t:
		return true
	case <-timer.C:
		q.metrics.TaskDropped()
		q.logger.Error("task dropped: queue full", "task", t.Name)
		return false
	}
}

// Len returns the number of tasks waiting for a worker.
func (q *Queue) Len() int {
	return len(q.tasks)
}

// Close stops accepting tasks and waits for queued ones to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
