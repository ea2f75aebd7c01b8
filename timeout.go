package pipeline

import (
	"context"
	"errors"
	"time"
)

// closerFunc adapts a function to io.Closer.
type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// deadline derives the handler context for a route timeout. If d passes
// before the response completes, the request fails with ErrTimeout.
func (c *Chain) deadline(ctx context.Context, s *Sink, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeoutCause(ctx, d, ErrTimeout)
	stop := context.AfterFunc(ctx, func() {
		if !errors.Is(context.Cause(ctx), ErrTimeout) || s.State() == StateCompleted {
			return
		}
		//nolint:errcheck // terminal error path
		s.SendError(ErrTimeout)
	})
	s.Register(closerFunc(func() error {
		stop()
		cancel()
		return nil
	}))
	return ctx
}
