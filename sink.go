package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SinkState is the response state of a Sink.
type SinkState uint8

const (
	// StateOpen is the initial state. Status and headers may change.
	StateOpen SinkState = iota
	// StateStreaming means a chunked response has been claimed. Only the
	// stream itself may write.
	StateStreaming
	// StateCompleted is terminal. Nothing is written after it.
	StateCompleted
)

func (s SinkState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

const (
	textContentType   = "text/plain; charset=utf-8"
	binaryContentType = "application/octet-stream"
)

// errSuppressed marks a send dropped because the connection went away.
var errSuppressed = errors.New("connection aborted")

// errStreamingError is returned when an error handler starts a chunked response.
var errStreamingError = errors.New("error responses cannot be streamed")

// Sink is the per-request object through which the pipeline writes the
// response. It moves from StateOpen to StateCompleted exactly once and
// releases every resource registered with it exactly once.
//
// Send methods may be called from any goroutine. The state change happens
// in the caller; the write itself is posted to the Sink's home executor,
// which is the connection's Loop unless the route dispatches to its own
// Executor.
type Sink struct {
	id        string
	req       *Request
	conn      Conn
	pl        *Pipeline
	keepAlive bool
	started   time.Time

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu          sync.Mutex
	home        Executor
	state       SinkState
	aborted     bool
	status      int
	emptyStatus int
	header      http.Header
	strategy    string
	disposables []io.Closer
	destroyed   bool
	pending     func()
	stream      *chunkStream
	scratch     bool

	cleanup sync.Once
	done    chan struct{}
}

// NewSink creates the Sink for one request on conn. The loop is the
// goroutine that owns conn. The transport must call Abort if the connection
// closes before the Sink is done.
func (p *Pipeline) NewSink(ctx context.Context, req *Request, conn Conn, loop *Loop) *Sink {
	sctx, cancel := context.WithCancelCause(ctx)
	s := &Sink{
		id:          newID(),
		req:         req,
		conn:        conn,
		pl:          p,
		keepAlive:   keepAlive(req),
		started:     time.Now(),
		ctx:         sctx,
		cancel:      cancel,
		home:        loop,
		status:      http.StatusOK,
		emptyStatus: http.StatusNoContent,
		header:      make(http.Header),
		done:        make(chan struct{}),
	}
	if id := req.Header.Get(requestIDHeader); id != "" {
		s.id = id
	}
	s.header.Set(requestIDHeader, s.id)
	return s
}

// ID returns the request id. It is taken from the X-Request-ID header when
// present and generated otherwise.
func (s *Sink) ID() string { return s.id }

// Request returns the request being served.
func (s *Sink) Request() *Request { return s.req }

// Context is cancelled when the Sink is destroyed or aborted.
func (s *Sink) Context() context.Context { return s.ctx }

// Done is closed after the cleanup pass has run.
func (s *Sink) Done() <-chan struct{} { return s.done }

// KeepAlive reports whether the connection stays open after this response.
func (s *Sink) KeepAlive() bool { return s.keepAlive }

// State returns the current response state.
func (s *Sink) State() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Aborted reports whether the connection closed before completion.
func (s *Sink) Aborted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// Status returns the status code that the next send will use.
func (s *Sink) Status() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus sets the status code for the response.
func (s *Sink) SetStatus(code int) error {
	return s.mutate(func() { s.status = code })
}

// Header returns a copy of the pending response headers.
func (s *Sink) Header() http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.Clone()
}

// SetHeader sets a response header.
func (s *Sink) SetHeader(name, value string) error {
	return s.mutate(func() { s.header.Set(name, value) })
}

// ContentType returns the pending Content-Type header.
func (s *Sink) ContentType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.header.Get("Content-Type")
}

// SetContentType sets the Content-Type header.
func (s *Sink) SetContentType(contentType string) error {
	return s.mutate(func() { s.header.Set("Content-Type", contentType) })
}

func (s *Sink) mutate(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStreaming:
		return ErrResponseStarted
	case StateCompleted:
		return ErrResponseCompleted
	}
	fn()
	return nil
}

// Register adds a resource to release when the Sink is destroyed. If the
// Sink is already destroyed the resource is closed immediately.
func (s *Sink) Register(c io.Closer) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		s.dispose([]io.Closer{c})
		return
	}
	s.disposables = append(s.disposables, c)
	s.mu.Unlock()
}

// CreateUpload spools r to a temporary file that lives until the Sink is
// destroyed.
func (s *Sink) CreateUpload(name string, r io.Reader) (*Upload, error) {
	u, err := spoolUpload(s.pl.tempDir, name, r)
	if err != nil {
		return nil, err
	}
	s.Register(u)
	return u, nil
}

// Dispatch submits task to exec.
func (s *Sink) Dispatch(exec Executor, task func()) error {
	return exec.Execute(task)
}

func (s *Sink) setHome(exec Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = exec
}

func (s *Sink) homeExecutor() Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.home
}

func (s *Sink) setStrategy(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = name
}

// SendStatus completes the response with status code and no body.
func (s *Sink) SendStatus(code int) error {
	rsp, err := s.claim(code, "")
	if err != nil {
		return s.rejected(err)
	}
	rsp.Length = 0
	return s.send(rsp, nil)
}

// SendBytes completes the response with data.
func (s *Sink) SendBytes(data []byte) error {
	rsp, err := s.claim(0, binaryContentType)
	if err != nil {
		return s.rejected(err)
	}
	rsp.Body = bytes.NewReader(data)
	rsp.Length = int64(len(data))
	return s.send(rsp, nil)
}

// SendText completes the response with UTF-8 text.
func (s *Sink) SendText(text string) error {
	rsp, err := s.claim(0, textContentType)
	if err != nil {
		return s.rejected(err)
	}
	rsp.Body = strings.NewReader(text)
	rsp.Length = int64(len(text))
	return s.send(rsp, nil)
}

// SendBuffer completes the response with the contents of b and releases the
// caller's reference to b right after the write.
func (s *Sink) SendBuffer(b *Buffer) error {
	rsp, err := s.claim(0, binaryContentType)
	if err != nil {
		b.Release()
		return s.rejected(err)
	}
	rsp.Body = bytes.NewReader(b.Bytes())
	rsp.Length = int64(b.Len())
	return s.send(rsp, func() { b.Release() })
}

// SendStream completes the response with the contents of r. A negative
// length is replaced by the reader's own length when it exposes one;
// otherwise the body is sent without a fixed length. If r is an io.Closer
// it is closed after the write.
func (s *Sink) SendStream(r io.Reader, length int64) error {
	rsp, err := s.claim(0, binaryContentType)
	if err != nil {
		closeReader(r)
		return s.rejected(err)
	}
	if length < 0 {
		length = readerLength(r)
	}
	rsp.Body = r
	rsp.Length = length
	return s.send(rsp, nil)
}

// SendFile completes the response with the contents of f and closes it.
// The content type is derived from the file extension when not set.
func (s *Sink) SendFile(f *os.File) error {
	length := int64(-1)
	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
		length = info.Size()
	}
	rsp, err := s.claim(0, contentTypeFor(f.Name()))
	if err != nil {
		//nolint:errcheck,gosec // the response was never written
		f.Close()
		return s.rejected(err)
	}
	rsp.Body = f
	rsp.Length = length
	return s.send(rsp, nil)
}

// SendError completes the response through the pipeline's error handler.
// On a streaming response it terminates the stream instead.
//
// The handler writes to a scratch Sink. Its response is then claimed onto s
// in one step, so a send racing the error path either completes s first or
// is rejected; error status and success body never mix.
func (s *Sink) SendError(cause error) error {
	s.mu.Lock()
	state, aborted, stream := s.state, s.aborted, s.stream
	s.mu.Unlock()

	switch {
	case aborted:
		return s.rejected(errSuppressed)
	case state == StateCompleted:
		s.errorDropped(cause)
		return ErrResponseCompleted
	case state == StateStreaming:
		stream.fail(cause)
		return nil
	}

	status := ErrorStatus(cause)
	es, captured := s.errorSink(status)
	s.pl.errorHandler(es, cause)
	if captured.rsp == nil {
		es.destroy()
		es, captured = s.errorSink(status)
		//nolint:errcheck // captured below
		es.sendProblem(cause)
	}
	if captured.rsp == nil {
		return s.SendStatus(status)
	}

	rsp := captured.rsp
	if err := s.adopt(rsp); err != nil {
		if errors.Is(err, ErrResponseCompleted) {
			s.errorDropped(cause)
		}
		return s.rejected(err)
	}
	return s.send(rsp, nil)
}

func (s *Sink) errorDropped(cause error) {
	s.logger().LogAttrs(s.ctx, slog.LevelWarn, "error after response completed",
		slog.String("request_id", s.id),
		slog.String("error", cause.Error()),
	)
}

// errorSink returns a scratch Sink for the error handler. It shares the
// request and headers of s, minus the ones describing a success body, and
// records its single response instead of writing it.
func (s *Sink) errorSink(status int) (*Sink, *captureConn) {
	s.mu.Lock()
	header := s.header.Clone()
	s.mu.Unlock()
	header.Del("Content-Type")
	header.Del("Content-Length")
	header.Del("Content-Disposition")

	ctx, cancel := context.WithCancelCause(s.ctx)
	conn := &captureConn{}
	return &Sink{
		id:          s.id,
		req:         s.req,
		conn:        conn,
		pl:          s.pl,
		keepAlive:   s.keepAlive,
		started:     s.started,
		ctx:         ctx,
		cancel:      cancel,
		home:        inline,
		status:      status,
		emptyStatus: s.emptyStatus,
		header:      header,
		scratch:     true,
		done:        make(chan struct{}),
	}, conn
}

// Render completes the response with v, choosing a send strategy from v's
// dynamic type. Async adapters use it for resolved values.
func (s *Sink) Render(v any) error {
	return s.pl.render(s, v)
}

// Abort records that the connection closed. The cleanup pass runs now and
// every later send is dropped without error.
func (s *Sink) Abort(cause error) {
	if cause == nil {
		cause = errSuppressed
	}

	s.mu.Lock()
	if s.aborted || s.destroyed {
		s.mu.Unlock()
		return
	}
	s.aborted = true
	s.state = StateCompleted
	s.mu.Unlock()

	s.logger().LogAttrs(s.ctx, slog.LevelDebug, "connection aborted",
		slog.String("request_id", s.id),
		slog.String("cause", cause.Error()),
	)
	s.cancel(cause)
	s.destroy()
}

// claim moves the Sink from open to completed and snapshots the response
// head. A zero status keeps the current one; an empty contentType keeps the
// current Content-Type.
func (s *Sink) claim(status int, contentType string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.claimable(); err != nil {
		return nil, err
	}

	s.state = StateCompleted
	if status != 0 {
		s.status = status
	}
	if contentType != "" && s.header.Get("Content-Type") == "" {
		s.header.Set("Content-Type", contentType)
	}
	return &Response{
		Status: s.status,
		Header: s.header.Clone(),
		Length: -1,
		Close:  !s.keepAlive,
	}, nil
}

// adopt claims s for a response that was built on a scratch Sink.
func (s *Sink) adopt(rsp *Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.claimable(); err != nil {
		return err
	}
	s.state = StateCompleted
	s.status = rsp.Status
	s.header = rsp.Header.Clone()
	rsp.Close = !s.keepAlive
	return nil
}

// claimable reports why s can no longer be claimed. s.mu must be held.
func (s *Sink) claimable() error {
	switch s.state {
	case StateCompleted:
		if s.aborted {
			return errSuppressed
		}
		return ErrResponseCompleted
	case StateStreaming:
		return ErrResponseStarted
	}
	return nil
}

func (s *Sink) rejected(err error) error {
	if errors.Is(err, errSuppressed) {
		s.pl.metrics.writeSuppressed()
		return nil
	}
	return err
}

// send posts the single write for rsp to the home executor. after runs
// right after the write, or during cleanup if the write never happens.
func (s *Sink) send(rsp *Response, after func()) error {
	release := func() {
		if after != nil {
			after()
		}
		closeReader(rsp.Body)
	}

	s.mu.Lock()
	s.pending = release
	home := s.home
	s.mu.Unlock()

	if err := home.Execute(func() { s.write(rsp) }); err != nil {
		s.pl.metrics.writeSuppressed()
		level := slog.LevelDebug
		if !errors.Is(err, ErrLoopClosed) {
			level = slog.LevelError
		}
		s.logger().LogAttrs(s.ctx, level, "response dropped",
			slog.String("request_id", s.id),
			slog.String("error", err.Error()),
		)
		s.runPending()
		s.destroy()
	}
	return nil
}

// write runs on the home executor.
func (s *Sink) write(rsp *Response) {
	defer s.destroy()
	defer s.runPending()

	if s.Aborted() {
		s.pl.metrics.writeSuppressed()
		return
	}

	if err := s.conn.Write(rsp); errors.Is(err, errSuppressed) {
		s.pl.metrics.writeSuppressed()
	} else if err != nil {
		s.logger().LogAttrs(s.ctx, slog.LevelWarn, "response write failed",
			slog.String("request_id", s.id),
			slog.String("error", err.Error()),
		)
	}
	if rsp.Close {
		//nolint:errcheck,gosec // the peer is going away either way
		s.conn.Close()
	}
	s.completed(rsp.Status)
}

func (s *Sink) runPending() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if pending != nil {
		pending()
	}
}

func (s *Sink) completed(status int) {
	if s.scratch {
		return
	}
	s.mu.Lock()
	strategy := s.strategy
	s.mu.Unlock()

	elapsed := time.Since(s.started)
	s.pl.metrics.completed(strategy, status, elapsed)
	s.logger().LogAttrs(s.ctx, slog.LevelDebug, "request",
		slog.String("method", s.req.Method),
		slog.String("path", s.req.Path),
		slog.Int("status", status),
		slog.Duration("latency", elapsed),
		slog.String("strategy", strategy),
		slog.String("request_id", s.id),
	)
}

// destroy is the cleanup pass. It runs exactly once.
func (s *Sink) destroy() {
	s.cleanup.Do(func() {
		s.mu.Lock()
		s.destroyed = true
		disposables := s.disposables
		s.disposables = nil
		s.mu.Unlock()

		s.runPending()
		if !s.scratch {
			s.req.Release()
		}
		s.dispose(disposables)
		s.cancel(context.Canceled)
		close(s.done)
	})
}

func (s *Sink) dispose(disposables []io.Closer) {
	for _, d := range disposables {
		if err := d.Close(); err != nil {
			s.logger().LogAttrs(s.ctx, slog.LevelWarn, "dispose failed",
				slog.String("request_id", s.id),
				slog.String("error", err.Error()),
			)
		}
	}
	s.pl.metrics.disposed(len(disposables))
}

func (s *Sink) logger() *slog.Logger {
	return s.pl.logger
}

func closeReader(r io.Reader) {
	if c, ok := r.(io.Closer); ok {
		//nolint:errcheck,gosec // best-effort release after write
		c.Close()
	}
}

// readerLength returns the remaining length of readers that expose it, or -1.
func readerLength(r io.Reader) int64 {
	switch v := r.(type) {
	case interface{ Len() int }:
		return int64(v.Len())
	case *os.File:
		if info, err := v.Stat(); err == nil && info.Mode().IsRegular() {
			if off, err := v.Seek(0, io.SeekCurrent); err == nil {
				return info.Size() - off
			}
		}
	}
	return -1
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return binaryContentType
}
