package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Executor runs tasks. Implementations must be safe for concurrent use.
type Executor interface {
	Execute(task func()) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(task func()) error

// Execute calls f(task).
func (f ExecutorFunc) Execute(task func()) error { return f(task) }

const (
	defaultWorkerCount = 16
	defaultQueueSize   = 1024
)

// WorkerPool runs blocking handler work on a fixed set of goroutines fed by a
// bounded queue.
type WorkerPool struct {
	queueSize   int
	workerCount int
	logger      *slog.Logger
	metrics     *Metrics

	mu      sync.Mutex // protects queue creation/destruction
	queue   chan func()
	running atomic.Bool
	group   *errgroup.Group

	submitted atomic.Uint64
	completed atomic.Uint64
	rejected  atomic.Uint64
	panicked  atomic.Uint64
}

// WorkerOption configures a WorkerPool.
type WorkerOption func(*WorkerPool)

// WithWorkerCount sets the number of worker goroutines.
func WithWorkerCount(count int) WorkerOption {
	return func(p *WorkerPool) {
		if count > 0 {
			p.workerCount = count
		}
	}
}

// WithQueueSize sets the task queue capacity.
func WithQueueSize(size int) WorkerOption {
	return func(p *WorkerPool) {
		if size > 0 {
			p.queueSize = size
		}
	}
}

// WithWorkerLogger sets the logger used to report panicking tasks.
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(p *WorkerPool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithWorkerMetrics reports queue depth and rejections to m.
func WithWorkerMetrics(m *Metrics) WorkerOption {
	return func(p *WorkerPool) {
		p.metrics = m
	}
}

// NewWorkerPool creates a stopped pool. Call Start before submitting work.
func NewWorkerPool(opts ...WorkerOption) *WorkerPool {
	p := &WorkerPool{
		queueSize:   defaultQueueSize,
		workerCount: defaultWorkerCount,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return nil
	}

	p.queue = make(chan func(), p.queueSize)
	p.group = new(errgroup.Group)
	p.running.Store(true)

	queue := p.queue
	for range p.workerCount {
		p.group.Go(func() error {
			p.worker(queue)
			return nil
		})
	}
	return nil
}

// Stop stops accepting tasks and waits for queued tasks to finish or for
// ctx to be done.
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running.Load() {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running.Store(false)
	close(p.queue)
	group := p.group
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute queues task. It returns ErrQueueFull when the queue is at capacity
// and ErrNotRunning when the pool is stopped.
func (p *WorkerPool) Execute(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running.Load() {
		p.rejected.Add(1)
		p.metrics.workerRejected()
		return ErrNotRunning
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		p.metrics.workerQueued(len(p.queue))
		return nil
	default:
		p.rejected.Add(1)
		p.metrics.workerRejected()
		return ErrQueueFull
	}
}

// WorkerStats is a snapshot of pool counters.
type WorkerStats struct {
	Submitted uint64
	Completed uint64
	Rejected  uint64
	Panicked  uint64
	Queued    int
}

// Stats returns current pool counters.
func (p *WorkerPool) Stats() WorkerStats {
	p.mu.Lock()
	queued := 0
	if p.queue != nil && p.running.Load() {
		queued = len(p.queue)
	}
	p.mu.Unlock()

	return WorkerStats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Panicked:  p.panicked.Load(),
		Queued:    queued,
	}
}

func (p *WorkerPool) worker(queue <-chan func()) {
	for task := range queue {
		p.metrics.workerQueued(len(queue))
		p.run(task)
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			p.panicked.Add(1)
			p.logger.Error("worker task panicked",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
		p.completed.Add(1)
	}()
	task()
}
