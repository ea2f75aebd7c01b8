package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
)

// Middleware is the standard middleware signature compatible with the entire
// Go middleware ecosystem. Router applies it around route dispatch.
type Middleware func(next http.Handler) http.Handler

// call runs h and turns a panic into an ErrPanic error.
func (c *Chain) call(ctx context.Context, h HandlerFunc, s *Sink) (v any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			c.pl.logger.LogAttrs(ctx, slog.LevelError, "panic recovered",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
				slog.String("method", s.req.Method),
				slog.String("path", s.req.Path),
				slog.String("route", c.name),
			)
			v, err = nil, fmt.Errorf("%w: %v", ErrPanic, rec)
		}
	}()
	return h(ctx, s)
}
