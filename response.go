package pipeline

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// HeaderSetter is optionally implemented by result values to set response headers.
type HeaderSetter interface {
	SetHeaders(h http.Header)
}

// Attachment is a downloadable body. Either Path or Content must be set.
type Attachment struct {
	// Name is the file name offered to the client.
	Name string
	// Path is a file to send. Ignored when Content is set.
	Path string
	// Content is the body. It is closed after the write if it is an io.Closer.
	Content io.Reader
	// ContentType overrides the type derived from Name.
	ContentType string
	// Length is the body length for Content, or 0 to detect it.
	Length int64
	// Inline sends "inline" instead of "attachment" as the disposition.
	Inline bool
}

// ErrorHandler writes the response for a failed request. It is registered
// once on the Pipeline and must complete the Sink with one of its send
// methods before returning. The Sink it receives is a scratch copy of the
// request's Sink whose status already holds ErrorStatus(err); its response
// is written unless another send completed the request first.
type ErrorHandler func(s *Sink, err error)

// inline runs tasks on the calling goroutine.
var inline = ExecutorFunc(func(task func()) error {
	task()
	return nil
})

// captureConn records the single response of a scratch Sink.
type captureConn struct {
	rsp *Response
	err error
}

// Write implements Conn. The body is read in full since the scratch Sink
// releases it right after the write.
func (c *captureConn) Write(rsp *Response) error {
	var body []byte
	if rsp.Body != nil {
		b, err := io.ReadAll(rsp.Body)
		if err != nil {
			c.err = err
			return err
		}
		body = b
	}
	c.rsp = &Response{
		Status: rsp.Status,
		Header: rsp.Header,
		Body:   bytes.NewReader(body),
		Length: int64(len(body)),
	}
	return nil
}

// Begin implements Conn. Error responses are never chunked.
func (c *captureConn) Begin(*Response) (io.WriteCloser, error) {
	c.err = errStreamingError
	return nil, errStreamingError
}

// Close implements Conn.
func (c *captureConn) Close() error { return nil }

// DefaultErrorHandler writes err as an RFC 9457 problem document and logs
// it, server errors at error level and the rest at warn level.
func DefaultErrorHandler(logger *slog.Logger) ErrorHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(s *Sink, err error) {
		status := s.Status()
		level := slog.LevelWarn
		if status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.LogAttrs(s.Context(), level, "request failed",
			slog.String("method", s.Request().Method),
			slog.String("path", s.Request().Path),
			slog.Int("status", status),
			slog.String("request_id", s.ID()),
			slog.String("error", err.Error()),
		)
		//nolint:errcheck // a failed send is reported by the sink
		s.sendProblem(err)
	}
}

// sendProblem completes the Sink with a problem document for err.
func (s *Sink) sendProblem(err error) error {
	status := ErrorStatus(err)

	var pd *ProblemDetail
	if errors.As(err, &pd) {
		problem := *pd
		pd = &problem
	} else {
		pd = &ProblemDetail{
			Type:   "about:blank",
			Title:  http.StatusText(status),
			Status: status,
			Detail: err.Error(),
		}
	}
	if pd.Instance == "" {
		pd.Instance = s.req.Path
	}
	if pd.TraceID == "" {
		pd.TraceID = s.id
	}

	body, _, encErr := s.pl.codecs.marshal(pd, "application/json")
	if encErr != nil {
		if serr := s.SetStatus(pd.Status); serr != nil {
			return serr
		}
		return s.SendText(pd.Error())
	}

	if serr := s.SetStatus(pd.Status); serr != nil {
		return serr
	}
	if serr := s.SetContentType("application/problem+json"); serr != nil {
		return serr
	}
	return s.SendBytes(body)
}
