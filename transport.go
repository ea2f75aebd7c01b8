package pipeline

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// Conn is the connection-side collaborator a Sink writes through. A Conn is
// only ever called from the Sink's home executor, one call at a time.
type Conn interface {
	// Write sends one complete response.
	Write(rsp *Response) error
	// Begin starts a response whose body is streamed in chunks. Each Write on
	// the returned writer is flushed to the peer; Close ends the response.
	Begin(rsp *Response) (io.WriteCloser, error)
	// Close schedules the connection for close once pending writes flush.
	Close() error
}

// Response is what a Sink hands to its Conn.
type Response struct {
	Status int
	Header http.Header
	Body   io.Reader
	// Length is the body length in bytes, or -1 when unknown.
	Length int64
	// Close reports that the connection must close after this response.
	Close bool
}

// Request is the transport's view of an incoming request.
type Request struct {
	Method     string
	Path       string
	Proto      string
	RemoteAddr string
	Header     http.Header
	Body       io.Reader

	releaseOnce sync.Once
	release     func()
	pathValue   func(name string) string
}

// NewRequest creates a Request. The release func, if non-nil, frees the
// transport-owned buffer behind the body; it runs at most once.
func NewRequest(method, path, proto string, header http.Header, body io.Reader, release func()) *Request {
	if header == nil {
		header = make(http.Header)
	}
	return &Request{
		Method:  method,
		Path:    path,
		Proto:   proto,
		Header:  header,
		Body:    body,
		release: release,
	}
}

// PathValue returns the value of a path wildcard matched by the router, or
// "" when there is none.
func (r *Request) PathValue(name string) string {
	if r.pathValue == nil {
		return ""
	}
	return r.pathValue(name)
}

// Release frees the transport-owned request buffer. Safe to call repeatedly.
func (r *Request) Release() {
	r.releaseOnce.Do(func() {
		if r.release != nil {
			r.release()
		}
	})
}

// keepAlive negotiates connection persistence from the request line and
// Connection header.
func keepAlive(req *Request) bool {
	conn := strings.ToLower(req.Header.Get("Connection"))
	hasToken := func(token string) bool {
		for part := range strings.SplitSeq(conn, ",") {
			if strings.TrimSpace(part) == token {
				return true
			}
		}
		return false
	}

	switch req.Proto {
	case "HTTP/1.0":
		return hasToken("keep-alive")
	case "":
		return !hasToken("close")
	default:
		major, minor, ok := http.ParseHTTPVersion(req.Proto)
		if !ok || major < 1 || (major == 1 && minor == 0) {
			return hasToken("keep-alive")
		}
		return !hasToken("close")
	}
}
