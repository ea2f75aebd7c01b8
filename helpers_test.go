package pipeline_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bjaus/pipeline"
	"github.com/bjaus/pipeline/pipelinetest"
)

// harness is one request on a running loop.
type harness struct {
	loop     *pipeline.Loop
	loopID   uint64
	conn     *pipelinetest.Conn
	sink     *pipeline.Sink
	released *atomic.Int32
}

func newHarness(t *testing.T, p *pipeline.Pipeline, method, path string, headers ...string) *harness {
	t.Helper()

	loop, loopID := pipelinetest.StartLoop(t)
	conn := pipelinetest.NewConn()
	req, released := pipelinetest.Request(method, path, headers...)
	return &harness{
		loop:     loop,
		loopID:   loopID,
		conn:     conn,
		sink:     p.NewSink(context.Background(), req, conn, loop),
		released: released,
	}
}

// apply runs the chain on the loop, as a transport would.
func (h *harness) apply(t *testing.T, c *pipeline.Chain) {
	t.Helper()
	pipelinetest.Run(t, h.loop, func() { c.Apply(h.sink) })
}

// done waits for the cleanup pass of the sink.
func (h *harness) done(t *testing.T) {
	t.Helper()
	select {
	case <-h.sink.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("sink was not destroyed")
	}
}

// routeOf declares a route with result type T whose handler returns the
// zero value.
func routeOf[T any](opts ...pipeline.RouteOption) pipeline.Route {
	return pipeline.NewRoute(func(context.Context, *pipeline.Sink) (T, error) {
		var zero T
		return zero, nil
	}, opts...)
}

// goWorkers runs every task on a new goroutine.
var goWorkers = pipeline.ExecutorFunc(func(task func()) error {
	go task()
	return nil
})

func startPool(t *testing.T, opts ...pipeline.WorkerOption) *pipeline.WorkerPool {
	t.Helper()

	pool := pipeline.NewWorkerPool(opts...)
	if err := pool.Start(); err != nil {
		t.Fatalf("start pool: %v", err)
	}
	t.Cleanup(func() {
		//nolint:errcheck // a test may have stopped the pool already
		pool.Stop(context.Background())
	})
	return pool
}
