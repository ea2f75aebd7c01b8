package pipeline

import (
	"context"
	"reflect"
)

// Void is the result type of handlers that produce no body. A Void or nil
// result completes with the route status, or 204 No Content by default.
type Void struct{}

// Handler is the typed route handler. It returns the result value and the
// pipeline owns how that value reaches the connection. The Sink is there
// for handlers that set headers, register resources or complete the
// response themselves.
type Handler[T any] func(ctx context.Context, s *Sink) (T, error)

// HandlerFunc is the type-erased handler form the chain operates on.
type HandlerFunc func(ctx context.Context, s *Sink) (any, error)

// Erase converts a typed handler to a HandlerFunc.
func (h Handler[T]) Erase() HandlerFunc {
	return func(ctx context.Context, s *Sink) (any, error) {
		return h(ctx, s)
	}
}

// ResponseHandler is a user-supplied send strategy. Matches is checked
// against the declared result type of each route at registration; the
// first match wins over the default encoder. The HandlerFunc returned by
// Create calls next and completes the Sink. A non-nil result left over with
// the Sink still open is sent through the default encoder.
type ResponseHandler interface {
	Matches(t reflect.Type) bool
	Create(next HandlerFunc) HandlerFunc
}

func isVoid(v any) bool {
	switch v.(type) {
	case Void, *Void:
		return true
	}
	return isNil(v)
}
