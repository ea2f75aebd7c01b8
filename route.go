package pipeline

import (
	"fmt"
	"reflect"
	"time"

	"golang.org/x/time/rate"
)

// Route describes one registered handler. It is fixed once Build has
// turned it into a Chain.
type Route struct {
	// Name identifies the route in logs and errors. Build defaults it to
	// the declared result type.
	Name string
	// Type is the declared result type of Handler.
	Type reflect.Type
	// Handler produces the result.
	Handler HandlerFunc
	// Mode selects where the handler runs when no Executor is set.
	Mode ExecutionMode
	// Executor, when set, runs the handler and every write of the response.
	Executor Executor
	// Status is the success status. Zero keeps 200, or 204 for empty results.
	Status int
	// Timeout bounds the time until the response completes. Zero disables it.
	Timeout time.Duration
	// Limiter, when set, rejects requests over its rate with 429.
	Limiter *rate.Limiter
}

// RouteOption configures a route at registration time.
type RouteOption func(*Route)

// NewRoute describes h with the declared result type T.
func NewRoute[T any](h Handler[T], opts ...RouteOption) Route {
	r := Route{
		Type:    reflect.TypeFor[T](),
		Handler: h.Erase(),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithName sets the route name.
func WithName(name string) RouteOption {
	return func(r *Route) {
		r.Name = name
	}
}

// WithMode sets the execution mode.
func WithMode(mode ExecutionMode) RouteOption {
	return func(r *Route) {
		r.Mode = mode
	}
}

// WithExecutor routes both handler execution and response writes through
// exec.
func WithExecutor(exec Executor) RouteOption {
	return func(r *Route) {
		r.Executor = exec
	}
}

// WithStatus sets the default HTTP status code for the response.
func WithStatus(code int) RouteOption {
	return func(r *Route) {
		r.Status = code
	}
}

// WithTimeout fails requests that have not completed within d with 503.
func WithTimeout(d time.Duration) RouteOption {
	return func(r *Route) {
		r.Timeout = d
	}
}

// WithRateLimit allows events per second with the given burst across all
// requests of the route.
func WithRateLimit(limit rate.Limit, burst int) RouteOption {
	return func(r *Route) {
		r.Limiter = rate.NewLimiter(limit, burst)
	}
}

func (r Route) validate() error {
	switch {
	case r.Handler == nil:
		return fmt.Errorf("route %s: nil handler", r.Name)
	case r.Type == nil:
		return fmt.Errorf("route %s: no declared result type", r.Name)
	case r.Timeout < 0:
		return fmt.Errorf("route %s: negative timeout", r.Name)
	case r.Status != 0 && (r.Status < 100 || r.Status > 999):
		return fmt.Errorf("route %s: invalid status %d", r.Name, r.Status)
	}
	return nil
}
