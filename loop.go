package pipeline

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Loop is the single goroutine that owns a connection. Tasks submitted from
// any goroutine run one at a time, in submission order, on the goroutine
// that called Run. Execute never blocks.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// NewLoop creates a Loop. It does nothing until Run is called.
func NewLoop() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
}

// Execute queues task to run on the loop goroutine. It returns ErrLoopClosed
// once Close has been called.
func (l *Loop) Execute(task func()) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrLoopClosed
	}
	l.queue = append(l.queue, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run executes queued tasks on the calling goroutine until Close is called.
// Tasks still queued when the loop closes are dropped.
func (l *Loop) Run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.closed {
			l.queue = nil
			l.mu.Unlock()
			return
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		task := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		l.run(task)
	}
}

// Close stops the loop. Run returns after the task in progress finishes.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) run(task func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("loop task panicked",
				"panic", rec,
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}
