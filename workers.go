package truffle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessFunc runs the pipeline on one dequeued task.
type ProcessFunc func(ctx context.Context, task *Task) error

// WorkerStats is a point-in-time view of one worker.
type WorkerStats struct {
	ID        int   `json:"id"`
	Running   bool  `json:"running"`
	Processed int64 `json:"processed"`
	Errors    int64 `json:"errors"`
}

// Pool runs N workers that drain the task queue through a ProcessFunc.
// Workers sleep briefly when the queue is empty and back off after
// loop-level errors; Stop finishes in-flight tasks before returning.
type Pool struct {
	queue   *Queue
	process ProcessFunc

	size       int
	idleDelay  time.Duration
	errorDelay time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []*workerState
}

type workerState struct {
	id        int
	running   atomic.Bool
	processed atomic.Int64
	errors    atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// PoolSize sets the number of workers (default: 3).
func PoolSize(n int) PoolOption {
	return func(p *Pool) { p.size = n }
}

// PoolIdleDelay sets the sleep when the queue is empty (default: 500ms).
func PoolIdleDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.idleDelay = d }
}

// PoolErrorDelay sets the backoff after a loop-level error (default: 1s).
func PoolErrorDelay(d time.Duration) PoolOption {
	return func(p *Pool) { p.errorDelay = d }
}

// PoolLogger sets the structured logger (default: no output).
func PoolLogger(l *slog.Logger) PoolOption {
	return func(p *Pool) { p.logger = l }
}

// NewPool creates a Pool. Call Start to launch the workers.
func NewPool(queue *Queue, process ProcessFunc, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:      queue,
		process:    process,
		size:       3,
		idleDelay:  500 * time.Millisecond,
		errorDelay: time.Second,
		logger:     nopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. It returns immediately; workers run until
// Stop is called or ctx is cancelled. Starting a started pool is an
// error.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return fmt.Errorf("worker pool already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.workers = make([]*workerState, p.size)
	for i := 0; i < p.size; i++ {
		w := &workerState{id: i + 1}
		p.workers[i] = w
		p.wg.Add(1)
		go p.run(ctx, w)
	}
	p.logger.Info("worker pool started", "workers", p.size)
	return nil
}

// Stop signals every worker to finish its current task and waits for
// them to exit. Tasks still in processing are lost; the next scheduler
// run rediscovers them through the watermark window.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// Stats returns a snapshot per worker.
func (p *Pool) Stats() []WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := make([]WorkerStats, len(p.workers))
	for i, w := range p.workers {
		stats[i] = WorkerStats{
			ID:        w.id,
			Running:   w.running.Load(),
			Processed: w.processed.Load(),
			Errors:    w.errors.Load(),
		}
	}
	return stats
}

func (p *Pool) run(ctx context.Context, w *workerState) {
	defer p.wg.Done()
	w.running.Store(true)
	defer w.running.Store(false)

	for {
		if ctx.Err() != nil {
			return
		}
		task := p.queue.Dequeue()
		if task == nil {
			if sleepContext(ctx, p.idleDelay) != nil {
				return
			}
			continue
		}

		if err := p.processTask(ctx, w, task); err != nil {
			if sleepContext(ctx, p.errorDelay) != nil {
				return
			}
		}
	}
}

// processTask runs one task and records the outcome on the queue. The
// returned error only signals the loop to back off; the task's own fate
// is already settled via MarkCompleted or MarkFailed.
func (p *Pool) processTask(ctx context.Context, w *workerState, task *Task) error {
	err := p.process(ctx, task)
	if err == nil {
		p.queue.MarkCompleted(task.ID)
		w.processed.Add(1)
		return nil
	}
	w.errors.Add(1)
	p.queue.MarkFailed(task.ID, err.Error())
	p.logger.Warn("task failed",
		"worker", w.id,
		"task", task.ID,
		"retry_count", task.RetryCount,
		"error", err)
	return err
}
