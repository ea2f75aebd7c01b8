package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Future is a value that completes later. OnComplete registers a callback
// that runs exactly once, on whichever goroutine completes the future (or
// immediately if it already has).
type Future interface {
	OnComplete(fn func(v any, err error))
}

// Promise is a Future completed by Resolve or Reject.
type Promise[T any] struct {
	mu        sync.Mutex
	completed bool
	val       T
	err       error
	callbacks []func(any, error)
	done      chan struct{}
}

var _ Future = (*Promise[any])(nil)

// NewPromise creates an incomplete Promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Async runs fn on a new goroutine and returns a Promise for its result.
func Async[T any](fn func() (T, error)) *Promise[T] {
	p := NewPromise[T]()
	go func() {
		v, err := fn()
		if err != nil {
			p.Reject(err)
			return
		}
		p.Resolve(v)
	}()
	return p
}

// Resolve completes the promise with v. It reports false if the promise was
// already complete.
func (p *Promise[T]) Resolve(v T) bool {
	return p.complete(v, nil)
}

// Reject completes the promise with err.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.complete(zero, err)
}

func (p *Promise[T]) complete(v T, err error) bool {
	p.mu.Lock()
	if p.completed {
		p.mu.Unlock()
		return false
	}
	p.completed = true
	p.val, p.err = v, err
	callbacks := p.callbacks
	p.callbacks = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
	return true
}

// OnComplete implements Future.
func (p *Promise[T]) OnComplete(fn func(v any, err error)) {
	p.mu.Lock()
	if !p.completed {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	v, err := p.val, p.err
	p.mu.Unlock()
	fn(v, err)
}

// Await blocks until the promise completes or ctx is done.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Awaiter is a deferred computation that can be waited on, like a
// coroutine handle.
type Awaiter interface {
	Await(ctx context.Context) (any, error)
}

// Task is an Awaiter running on its own goroutine.
type Task struct {
	done chan struct{}
	val  any
	err  error
}

var _ Awaiter = (*Task)(nil)

// Launch starts fn on a new goroutine.
func Launch(ctx context.Context, fn func(ctx context.Context) (any, error)) *Task {
	t := &Task{done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer func() {
			if rec := recover(); rec != nil {
				t.err = fmt.Errorf("%w: %v", ErrPanic, rec)
			}
		}()
		t.val, t.err = fn(ctx)
	}()
	return t
}

// Await implements Awaiter.
func (t *Task) Await(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.val, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publisher is a reactive source of items.
type Publisher interface {
	// Subscribe delivers items to sub until the source is exhausted, fails,
	// ctx is done, or OnNext returns an error. It may block.
	Subscribe(ctx context.Context, sub Subscriber)
}

// Subscriber receives items from a Publisher. OnNext returns once the item
// has been consumed; a non-nil error asks the publisher to stop.
type Subscriber interface {
	OnNext(v any) error
	OnError(err error)
	OnComplete()
}

// FromChannel adapts a receive-capable channel to a Publisher. Items that
// are errors end the stream with OnError.
func FromChannel(ch any) Publisher {
	v := reflect.ValueOf(ch)
	if v.Kind() != reflect.Chan || v.Type().ChanDir()&reflect.RecvDir == 0 {
		panic(fmt.Sprintf("pipeline: FromChannel requires a receive channel, got %T", ch))
	}
	return chanPublisher{ch: v}
}

type chanPublisher struct {
	ch reflect.Value
}

func (p chanPublisher) Subscribe(ctx context.Context, sub Subscriber) {
	if p.ch.IsNil() {
		sub.OnComplete()
		return
	}

	cases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ctx.Done())},
		{Dir: reflect.SelectRecv, Chan: p.ch},
	}
	for {
		chosen, item, ok := reflect.Select(cases)
		if chosen == 0 {
			sub.OnError(context.Cause(ctx))
			return
		}
		if !ok {
			sub.OnComplete()
			return
		}
		v := item.Interface()
		if err, isErr := v.(error); isErr && err != nil {
			sub.OnError(err)
			return
		}
		if err := sub.OnNext(v); err != nil {
			return
		}
	}
}

// resolve completes s with the outcome of an async result.
func resolve(s *Sink, v any, err error) {
	if err != nil {
		//nolint:errcheck // the error path is terminal; a late failure is logged by the sink
		s.SendError(err)
		return
	}
	if rerr := s.Render(v); rerr != nil && !errors.Is(rerr, ErrResponseCompleted) {
		//nolint:errcheck // see above
		s.SendError(rerr)
	}
}

func subscribeFuture(ctx context.Context, s *Sink, f Future) {
	if isNil(f) {
		resolve(s, nil, nil)
		return
	}
	f.OnComplete(func(v any, err error) {
		resolve(s, v, err)
	})
}

func subscribeAwaiter(ctx context.Context, s *Sink, a Awaiter) {
	if isNil(a) {
		resolve(s, nil, nil)
		return
	}
	go func() {
		v, err := a.Await(ctx)
		resolve(s, v, err)
	}()
}

func subscribePublisher(ctx context.Context, s *Sink, pub Publisher) {
	if isNil(pub) {
		resolve(s, nil, nil)
		return
	}
	sub := &sinkSubscriber{s: s, ctx: ctx, codecs: s.pl.codecs}
	go pub.Subscribe(ctx, sub)
}

// sinkSubscriber writes each published item as one chunk, waiting for the
// chunk to be written before asking for the next item.
type sinkSubscriber struct {
	s      *Sink
	ctx    context.Context
	codecs *codecRegistry
	stream *chunkStream
	frame  frameFunc
}

func (sub *sinkSubscriber) OnNext(v any) error {
	if sub.stream == nil {
		frame, contentType := sub.codecs.framing(v, sub.s.req.Header.Get("Accept"))
		stream, err := sub.s.beginStream(contentType)
		if err != nil {
			// Suppressed sends are counted but still stop the publisher.
			//nolint:errcheck // err is returned below
			sub.s.rejected(err)
			return err
		}
		sub.stream, sub.frame = stream, frame
	}

	chunk, err := sub.frame(v)
	if err != nil {
		sub.stream.fail(err)
		return err
	}

	ack := make(chan error, 1)
	sub.stream.send(chunk, func(err error) { ack <- err })
	select {
	case err := <-ack:
		return err
	case <-sub.ctx.Done():
		return context.Cause(sub.ctx)
	}
}

func (sub *sinkSubscriber) OnError(err error) {
	if sub.stream == nil {
		//nolint:errcheck // terminal error path
		sub.s.SendError(err)
		return
	}
	sub.stream.fail(err)
}

func (sub *sinkSubscriber) OnComplete() {
	if sub.stream == nil {
		stream, err := sub.s.beginStream("")
		if err != nil {
			return
		}
		sub.stream = stream
	}
	sub.stream.end()
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
