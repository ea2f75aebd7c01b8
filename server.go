package pipeline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
)

// serve adapts c to net/http. Each request gets its own Loop, run by the
// serving goroutine until the Sink is done or the client goes away.
func (r *Router) serve(c *Chain) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, hr *http.Request) {
		loop := NewLoop()
		conn := &httpConn{
			w:      w,
			rc:     http.NewResponseController(w),
			head:   hr.Method == http.MethodHead,
			http11: hr.ProtoMajor == 1,
		}
		req := NewRequest(hr.Method, hr.URL.Path, hr.Proto, hr.Header, hr.Body, func() {
			//nolint:errcheck,gosec // the server closes it again anyway
			hr.Body.Close()
		})
		req.RemoteAddr = hr.RemoteAddr
		req.pathValue = hr.PathValue

		s := r.pl.NewSink(hr.Context(), req, conn, loop)
		go watch(hr.Context(), s, loop)

		//nolint:errcheck // a new loop always accepts work
		loop.Execute(func() { c.Apply(s) })
		loop.Run()
		conn.shut()
	})
}

// watch aborts s when the client goes away and stops the loop once s is done.
func watch(ctx context.Context, s *Sink, loop *Loop) {
	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Abort(context.Cause(ctx))
	}
	loop.Close()
}

// httpConn is the Conn for one net/http request. A dispatched route writes
// from its executor's goroutine, which may still be running when the
// handler returns, so every access to w is guarded and refused once shut.
type httpConn struct {
	w      http.ResponseWriter
	rc     *http.ResponseController
	head   bool
	http11 bool

	mu     sync.Mutex
	closed bool
}

// shut waits for the write in progress, if any, and refuses later ones.
// net/http reuses w after the handler returns.
func (c *httpConn) shut() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *httpConn) writeHead(rsp *Response) {
	h := c.w.Header()
	for k, v := range rsp.Header {
		h[k] = v
	}
	if rsp.Length >= 0 && bodyAllowed(rsp.Status) {
		h.Set("Content-Length", strconv.FormatInt(rsp.Length, 10))
	}
	if rsp.Close && c.http11 {
		h.Set("Connection", "close")
	}
	c.w.WriteHeader(rsp.Status)
}

// Write implements Conn.
func (c *httpConn) Write(rsp *Response) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errSuppressed
	}
	c.writeHead(rsp)
	c.mu.Unlock()

	if rsp.Body == nil || c.head || !bodyAllowed(rsp.Status) {
		return nil
	}
	_, err := io.Copy(bodyWriter{c: c}, rsp.Body)
	return err
}

// Begin implements Conn.
func (c *httpConn) Begin(rsp *Response) (io.WriteCloser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errSuppressed
	}
	c.writeHead(rsp)
	if err := c.flush(); err != nil {
		return nil, err
	}
	return &flushWriter{c: c}, nil
}

// Close implements Conn. net/http closes the connection itself after a
// response that carried "Connection: close".
func (c *httpConn) Close() error { return nil }

// flush requires c.mu.
func (c *httpConn) flush() error {
	if err := c.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}
	return nil
}

// bodyWriter writes a fixed body one buffer at a time, so a body read that
// blocks never holds the lock.
type bodyWriter struct {
	c *httpConn
}

func (bw bodyWriter) Write(p []byte) (int, error) {
	bw.c.mu.Lock()
	defer bw.c.mu.Unlock()
	if bw.c.closed {
		return 0, errSuppressed
	}
	return bw.c.w.Write(p)
}

// flushWriter flushes every chunk to the client.
type flushWriter struct {
	c *httpConn
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	fw.c.mu.Lock()
	defer fw.c.mu.Unlock()
	if fw.c.closed {
		return 0, errSuppressed
	}
	n, err := fw.c.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, fw.c.flush()
}

func (fw *flushWriter) Close() error {
	fw.c.mu.Lock()
	defer fw.c.mu.Unlock()
	if fw.c.closed {
		return nil
	}
	return fw.c.flush()
}

func bodyAllowed(status int) bool {
	switch {
	case status >= 100 && status <= 199:
		return false
	case status == http.StatusNoContent, status == http.StatusNotModified:
		return false
	}
	return true
}
