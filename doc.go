// Package pipeline is the request-result dispatch pipeline of an HTTP
// server. Handler result types are the source of truth: once per route the
// pipeline inspects the declared result type and builds an immutable chain of
// stages that decides which goroutine runs the handler, which goroutine
// performs the final write, and how the returned value is turned into a
// response.
//
// The handler signature hands the per-request Sink to user code:
//
//	type Handler[T any] func(ctx context.Context, s *Sink) (T, error)
//
// Routes are described with NewRoute and compiled with a Pipeline:
//
//	workers := pipeline.NewWorkerPool(pipeline.WithWorkerCount(8))
//	p := pipeline.New(workers)
//	chain, err := p.Build(pipeline.NewRoute(hello, pipeline.WithMode(pipeline.ModeEventLoop)))
//
// Supported result shapes, in dispatch priority order: futures, channels and
// publishers, awaitable tasks, the Sink itself (pass-through), attachments,
// files and readers, text, byte slices and pooled buffers, custom
// ResponseHandlers, and finally any value encoded through content
// negotiation.
//
// Every connection is owned by a Loop. All writes for a request are posted to
// the Sink's home executor (the Loop, or the route's own Executor), so at most
// one goroutine ever writes to a connection and writes are observed in the
// order they were issued.
//
// The Router adapts the pipeline to net/http:
//
//	r := pipeline.NewRouter(p)
//	pipeline.Get(r, "/hello", hello)
//	r.ListenAndServe(ctx, ":8080")
package pipeline
