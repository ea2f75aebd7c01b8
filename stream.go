package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// SSEEvent is a single server-sent event. A channel or Publisher of
// SSEEvent values is streamed as text/event-stream.
type SSEEvent struct {
	// Event is the event type (optional). Maps to the "event:" field.
	Event string
	// Data is the event payload. If it's a struct/map, it will be JSON-encoded.
	Data any
	// ID is the event ID (optional). Maps to the "id:" field.
	ID string
}

// chunkStream is a claimed chunked response. send, end and fail may be
// called from any goroutine; the work they post runs on the home executor,
// which is also the only place the fields below are touched.
type chunkStream struct {
	s    *Sink
	head *Response

	w        io.WriteCloser
	begun    bool
	finished bool
}

// beginStream moves the Sink from open to streaming.
func (s *Sink) beginStream(contentType string) (*chunkStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.claimable(); err != nil {
		return nil, err
	}

	s.state = StateStreaming
	if contentType != "" && s.header.Get("Content-Type") == "" {
		s.header.Set("Content-Type", contentType)
	}
	cs := &chunkStream{
		s: s,
		head: &Response{
			Status: s.status,
			Header: s.header.Clone(),
			Length: -1,
			Close:  !s.keepAlive,
		},
	}
	s.stream = cs
	return cs, nil
}

// send writes p as one chunk and reports the outcome to done.
func (c *chunkStream) send(p []byte, done func(error)) {
	err := c.s.homeExecutor().Execute(func() {
		done(c.writeChunk(p))
	})
	if err != nil {
		c.s.pl.metrics.writeSuppressed()
		done(err)
	}
}

func (c *chunkStream) writeChunk(p []byte) error {
	if c.s.Aborted() {
		c.s.pl.metrics.writeSuppressed()
		return errSuppressed
	}
	if c.finished {
		return ErrResponseCompleted
	}
	if !c.begun {
		w, err := c.s.conn.Begin(c.head)
		if err != nil {
			return err
		}
		c.w, c.begun = w, true
	}
	_, err := c.w.Write(p)
	return err
}

// end completes the stream normally.
func (c *chunkStream) end() {
	c.post(nil)
}

// fail ends the stream because of cause.
func (c *chunkStream) fail(cause error) {
	c.post(cause)
}

func (c *chunkStream) post(cause error) {
	if err := c.s.homeExecutor().Execute(func() { c.finish(cause) }); err != nil {
		c.s.pl.metrics.writeSuppressed()
		c.s.destroy()
	}
}

func (c *chunkStream) finish(cause error) {
	if c.finished {
		return
	}
	c.finished = true
	s := c.s

	if s.Aborted() {
		s.pl.metrics.writeSuppressed()
		s.destroy()
		return
	}

	// Nothing reached the wire yet, so the failure can still be reported
	// as a regular error response.
	if cause != nil && !c.begun {
		s.mu.Lock()
		s.state = StateOpen
		s.stream = nil
		s.mu.Unlock()
		//nolint:errcheck // terminal error path
		s.SendError(cause)
		return
	}

	s.mu.Lock()
	s.state = StateCompleted
	s.stream = nil
	s.mu.Unlock()
	defer s.destroy()

	if !c.begun {
		c.head.Length = 0
		if err := s.conn.Write(c.head); err != nil {
			s.logger().LogAttrs(s.ctx, slog.LevelWarn, "response write failed",
				slog.String("request_id", s.id),
				slog.String("error", err.Error()),
			)
		}
	}

	if cause != nil {
		// Headers are gone; the only signal left is dropping the connection.
		s.logger().LogAttrs(s.ctx, slog.LevelError, "stream failed",
			slog.String("request_id", s.id),
			slog.String("error", cause.Error()),
		)
		//nolint:errcheck,gosec // the connection is being dropped
		s.conn.Close()
	}
	if c.w != nil {
		if err := c.w.Close(); err != nil {
			s.logger().LogAttrs(s.ctx, slog.LevelWarn, "stream close failed",
				slog.String("request_id", s.id),
				slog.String("error", err.Error()),
			)
		}
	}
	if cause == nil && c.head.Close {
		//nolint:errcheck,gosec // the peer is going away either way
		s.conn.Close()
	}
	s.completed(c.head.Status)
}

func writeSSEEvent(w io.Writer, event SSEEvent, encode func(any) ([]byte, error)) error {
	if event.ID != "" {
		writeSSEField(w, "id", event.ID)
	}
	if event.Event != "" {
		writeSSEField(w, "event", event.Event)
	}

	switch v := event.Data.(type) {
	case string:
		writeSSEData(w, v)
	case []byte:
		writeSSEData(w, string(v))
	default:
		data, err := encode(v)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		writeSSEData(w, strings.TrimRight(string(data), "\n"))
	}

	//nolint:errcheck // writes to an in-memory buffer
	fmt.Fprint(w, "\n")
	return nil
}

func writeSSEData(w io.Writer, data string) {
	for line := range strings.SplitSeq(data, "\n") {
		writeSSEField(w, "data", line)
	}
}

func writeSSEField(w io.Writer, name, value string) {
	//nolint:errcheck // writes to an in-memory buffer
	fmt.Fprintf(w, "%s: %s\n", name, value)
}
