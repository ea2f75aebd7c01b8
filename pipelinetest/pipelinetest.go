// Package pipelinetest provides a recording transport and HTTP helpers for
// testing pipeline routes.
package pipelinetest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"

	"github.com/bjaus/pipeline"
)

// GoroutineID returns the id of the calling goroutine. It is only meant for
// tests that assert where code ran.
func GoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	field := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))[0]
	id, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		panic("pipelinetest: cannot parse goroutine id: " + err.Error())
	}
	return id
}

// StartLoop runs a Loop on a new goroutine and returns it with that
// goroutine's id. The loop is closed when the test ends.
func StartLoop(t testing.TB) (*pipeline.Loop, uint64) {
	t.Helper()

	loop := pipeline.NewLoop()
	go loop.Run()
	t.Cleanup(loop.Close)

	ids := make(chan uint64, 1)
	if err := loop.Execute(func() { ids <- GoroutineID() }); err != nil {
		t.Fatalf("pipelinetest: start loop: %v", err)
	}
	return loop, <-ids
}

// Run executes fn on loop and waits for it to return.
func Run(t testing.TB, loop *pipeline.Loop, fn func()) {
	t.Helper()

	done := make(chan struct{})
	if err := loop.Execute(func() {
		defer close(done)
		fn()
	}); err != nil {
		t.Fatalf("pipelinetest: run on loop: %v", err)
	}
	<-done
}

// Written is one response recorded by Conn.
type Written struct {
	Status int
	Header http.Header
	Length int64
	Close  bool
	Body   []byte
	// Chunked is true for responses written through Begin.
	Chunked bool
	Chunks  [][]byte
	// GoID is the goroutine that started the write.
	GoID uint64
	// Finished is false while a chunked response is still open.
	Finished bool
}

// Conn is a pipeline.Conn that records every response.
type Conn struct {
	mu      sync.Mutex
	written []*Written
	closes  int
	// WriteErr, when set, is returned by Write and Begin.
	WriteErr error
}

var _ pipeline.Conn = (*Conn)(nil)

// NewConn creates an empty recording Conn.
func NewConn() *Conn {
	return &Conn{}
}

// Write implements pipeline.Conn.
func (c *Conn) Write(rsp *pipeline.Response) error {
	w := c.record(rsp, false)
	if c.WriteErr != nil {
		return c.WriteErr
	}
	var body []byte
	if rsp.Body != nil {
		var err error
		if body, err = io.ReadAll(rsp.Body); err != nil {
			return err
		}
	}
	c.mu.Lock()
	w.Body = body
	w.Finished = true
	c.mu.Unlock()
	return nil
}

// Begin implements pipeline.Conn.
func (c *Conn) Begin(rsp *pipeline.Response) (io.WriteCloser, error) {
	w := c.record(rsp, true)
	if c.WriteErr != nil {
		return nil, c.WriteErr
	}
	return &chunkWriter{c: c, w: w}, nil
}

// Close implements pipeline.Conn.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *Conn) record(rsp *pipeline.Response, chunked bool) *Written {
	w := &Written{
		Status:  rsp.Status,
		Header:  rsp.Header.Clone(),
		Length:  rsp.Length,
		Close:   rsp.Close,
		Chunked: chunked,
		GoID:    GoroutineID(),
	}
	c.mu.Lock()
	c.written = append(c.written, w)
	c.mu.Unlock()
	return w
}

// Count returns the number of responses started.
func (c *Conn) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

// Closes returns how often Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Responses returns copies of the recorded responses.
func (c *Conn) Responses() []Written {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Written, len(c.written))
	for i, w := range c.written {
		out[i] = *w
		out[i].Chunks = append([][]byte(nil), w.Chunks...)
	}
	return out
}

// Wait blocks until n responses have finished and returns the first one.
func (c *Conn) Wait(t testing.TB, n int) Written {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		rsps := c.Responses()
		finished := 0
		for _, w := range rsps {
			if w.Finished {
				finished++
			}
		}
		if finished >= n {
			return rsps[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("pipelinetest: waited for %d responses, have %d finished", n, finished)
		}
		time.Sleep(time.Millisecond)
	}
}

type chunkWriter struct {
	c *Conn
	w *Written
}

func (cw *chunkWriter) Write(p []byte) (int, error) {
	cw.c.mu.Lock()
	defer cw.c.mu.Unlock()
	cw.w.Chunks = append(cw.w.Chunks, bytes.Clone(p))
	cw.w.Body = append(cw.w.Body, p...)
	return len(p), nil
}

func (cw *chunkWriter) Close() error {
	cw.c.mu.Lock()
	defer cw.c.mu.Unlock()
	cw.w.Finished = true
	return nil
}

// Executor runs every task on one dedicated goroutine and counts them.
type Executor struct {
	tasks chan func()
	ran   atomic.Int64
	id    uint64
	once  sync.Once
	// Reject, when set, makes Execute fail with it.
	Reject error
}

var _ pipeline.Executor = (*Executor)(nil)

// NewExecutor starts an Executor. It stops when the test ends.
func NewExecutor(t testing.TB) *Executor {
	t.Helper()

	e := &Executor{tasks: make(chan func(), 64)}
	ids := make(chan uint64, 1)
	go func() {
		ids <- GoroutineID()
		for task := range e.tasks {
			task()
			e.ran.Add(1)
		}
	}()
	e.id = <-ids
	t.Cleanup(func() { e.once.Do(func() { close(e.tasks) }) })
	return e
}

// Execute implements pipeline.Executor.
func (e *Executor) Execute(task func()) error {
	if e.Reject != nil {
		return e.Reject
	}
	e.tasks <- task
	return nil
}

// GoID returns the id of the executor goroutine.
func (e *Executor) GoID() uint64 { return e.id }

// Ran returns how many tasks have completed.
func (e *Executor) Ran() int64 { return e.ran.Load() }

// Closer is a disposable resource that counts Close calls.
type Closer struct {
	closes atomic.Int32
}

// Close implements io.Closer.
func (c *Closer) Close() error {
	c.closes.Add(1)
	return nil
}

// Closes returns how often Close was called.
func (c *Closer) Closes() int {
	return int(c.closes.Load())
}

// Request builds a pipeline request with the given header pairs. The
// returned counter reports how often the request buffer was released.
func Request(method, path string, headers ...string) (*pipeline.Request, *atomic.Int32) {
	h := make(http.Header)
	for i := 0; i+1 < len(headers); i += 2 {
		h.Add(headers[i], headers[i+1])
	}
	released := new(atomic.Int32)
	req := pipeline.NewRequest(method, path, "HTTP/1.1", h, http.NoBody, func() { released.Add(1) })
	return req, released
}

// Client wraps an httptest.Server for convenient route testing.
type Client struct {
	Server *httptest.Server
}

// NewClient creates a test client from a router.
func NewClient(t testing.TB, r *pipeline.Router) *Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &Client{Server: srv}
}

// Response holds a received response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Decode unmarshals the JSON body into v.
func (r *Response) Decode(t testing.TB, v any) {
	t.Helper()
	if err := sonic.ConfigStd.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("pipelinetest: decode body %q: %v", r.Body, err)
	}
}

// Get sends a GET request with the given header pairs.
func (c *Client) Get(t testing.TB, path string, headers ...string) *Response {
	t.Helper()
	return c.Do(t, http.MethodGet, path, nil, headers...)
}

// Do sends a request and reads the whole response.
func (c *Client) Do(t testing.TB, method, path string, body io.Reader, headers ...string) *Response {
	t.Helper()

	req, err := http.NewRequestWithContext(context.Background(), method, c.Server.URL+path, body)
	if err != nil {
		t.Fatalf("pipelinetest: create request: %v", err)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Add(headers[i], headers[i+1])
	}

	resp, err := c.Server.Client().Do(req)
	if err != nil {
		t.Fatalf("pipelinetest: execute request: %v", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			t.Errorf("pipelinetest: close body: %v", closeErr)
		}
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("pipelinetest: read body: %v", err)
	}
	return &Response{Status: resp.StatusCode, Headers: resp.Header, Body: data}
}
