package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors.
var (
	// ErrResponseCompleted is returned when a write is attempted on a Sink
	// that has already completed.
	ErrResponseCompleted = errors.New("response already completed")
	// ErrResponseStarted is returned when headers are mutated or a full
	// response is sent after a streamed response has begun.
	ErrResponseStarted = errors.New("response already started")
	// ErrNoStrategy is returned by Build when no terminal strategy matches
	// the declared result type.
	ErrNoStrategy = errors.New("no send strategy for result type")
	// ErrLoopClosed is returned by Loop.Execute after the loop has closed.
	ErrLoopClosed = errors.New("loop closed")
	// ErrQueueFull is returned when the worker queue is at capacity.
	ErrQueueFull = errors.New("task queue is full")
	// ErrNotRunning is returned when tasks are submitted to a stopped pool.
	ErrNotRunning = errors.New("worker pool is not running")
	// ErrNotAcceptable is returned when no encoder satisfies the Accept header.
	ErrNotAcceptable = errors.New("no acceptable representation")
	// ErrPanic wraps a value recovered from a panicking handler.
	ErrPanic = errors.New("handler panicked")
	// ErrNoWorkers is returned by Build when a route needs the worker pool
	// and the Pipeline has none.
	ErrNoWorkers = errors.New("no worker pool configured")
)

// ErrTimeout is the cause set on a route context whose deadline passed
// before the response completed.
var ErrTimeout error = &HTTPError{Status: http.StatusServiceUnavailable, Message: "request timed out"}

// StatusCoder is implemented by errors or responses that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// ProblemDetail is an RFC 9457 problem details response.
//
//nolint:errname // RFC 9457 standard name
type ProblemDetail struct {
	Type     string `json:"type,omitempty"`
	Title    string `json:"title,omitempty"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"traceId,omitempty"`
}

// Error returns the detail message (or title if detail is empty).
func (p *ProblemDetail) Error() string {
	if p.Detail != "" {
		return p.Detail
	}
	return p.Title
}

// StatusCode returns the HTTP status code.
func (p *ProblemDetail) StatusCode() int { return p.Status }

// HTTPError is an error with an HTTP status code.
type HTTPError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error returns the error message.
func (e *HTTPError) Error() string { return e.Message }

// StatusCode returns the HTTP status code.
func (e *HTTPError) StatusCode() int { return e.Status }

// Unwrap returns the wrapped cause, if any.
func (e *HTTPError) Unwrap() error { return e.Err }

// Error returns an error with the given HTTP status code and message.
func Error(status int, message string) error {
	return &HTTPError{Status: status, Message: message}
}

// Errorf returns a formatted error with the given HTTP status code.
func Errorf(status int, format string, args ...any) error {
	return &HTTPError{Status: status, Message: fmt.Sprintf(format, args...)}
}

// wrapStatus attaches a status code to err without losing it for errors.Is.
func wrapStatus(status int, err error) error {
	return &HTTPError{Status: status, Message: err.Error(), Err: err}
}

// ErrorStatus extracts the HTTP status code from an error. Returns
// http.StatusInternalServerError if the error does not implement StatusCoder.
func ErrorStatus(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	switch {
	case errors.Is(err, ErrNotAcceptable):
		return http.StatusNotAcceptable
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrNotRunning):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
