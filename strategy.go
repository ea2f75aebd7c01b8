package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
)

// orEmpty completes the Sink with the empty status for nil and Void
// results and hands everything else to send.
func orEmpty(send sendFunc) sendFunc {
	return func(ctx context.Context, s *Sink, v any) error {
		if isVoid(v) {
			return s.sendEmpty()
		}
		return send(ctx, s, v)
	}
}

func (s *Sink) sendEmpty() error {
	s.mu.Lock()
	code := s.emptyStatus
	s.mu.Unlock()
	return s.SendStatus(code)
}

// setRouteStatus applies a route's configured success status.
func (s *Sink) setRouteStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpen {
		s.status = code
		s.emptyStatus = code
	}
}

func sendText(_ context.Context, s *Sink, v any) error {
	switch t := v.(type) {
	case string:
		return s.SendText(t)
	case *strings.Builder:
		return s.SendText(t.String())
	}
	return s.SendText(reflect.ValueOf(v).String())
}

func sendBytes(_ context.Context, s *Sink, v any) error {
	if b, ok := v.([]byte); ok {
		return s.SendBytes(b)
	}
	return s.SendBytes(reflect.ValueOf(v).Bytes())
}

func sendBuffer(_ context.Context, s *Sink, v any) error {
	b, ok := v.(*Buffer)
	if !ok {
		return fmt.Errorf("buffer strategy: unexpected %T", v)
	}
	return s.SendBuffer(b)
}

func sendStream(_ context.Context, s *Sink, v any) error {
	switch r := v.(type) {
	case *os.File:
		return s.SendFile(r)
	case io.Reader:
		return s.SendStream(r, -1)
	}
	return fmt.Errorf("stream strategy: unexpected %T", v)
}

func sendFile(_ context.Context, s *Sink, v any) error {
	f, ok := v.(*os.File)
	if !ok {
		return fmt.Errorf("file strategy: unexpected %T", v)
	}
	return s.SendFile(f)
}

// sendDirect is used for handlers that complete the Sink themselves.
func sendDirect(context.Context, *Sink, any) error {
	return nil
}

func sendAttachment(_ context.Context, s *Sink, v any) error {
	a, ok := v.(*Attachment)
	if !ok {
		return fmt.Errorf("attachment strategy: unexpected %T", v)
	}

	name := a.Name
	if name == "" && a.Path != "" {
		name = filepath.Base(a.Path)
	}
	disposition := "attachment"
	if a.Inline {
		disposition = "inline"
	}
	if name != "" {
		disposition = mime.FormatMediaType(disposition, map[string]string{"filename": name})
	}

	contentType := a.ContentType
	if contentType == "" {
		contentType = contentTypeFor(name)
	}

	err := s.mutate(func() {
		s.header.Set("Content-Disposition", disposition)
		if s.header.Get("Content-Type") == "" {
			s.header.Set("Content-Type", contentType)
		}
	})
	if err != nil {
		closeReader(a.Content)
		return err
	}

	if a.Content != nil {
		length := a.Length
		if length <= 0 {
			length = -1
		}
		return s.SendStream(a.Content, length)
	}

	f, err := os.Open(a.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return wrapStatus(http.StatusNotFound, err)
		}
		return err
	}
	return s.SendFile(f)
}

// sendEncoded writes v with the encoder negotiated from the Accept header.
// StatusCoder and HeaderSetter results adjust the response first.
func sendEncoded(_ context.Context, s *Sink, v any) error {
	if sc, ok := v.(StatusCoder); ok {
		if err := s.SetStatus(sc.StatusCode()); err != nil {
			return err
		}
	}
	if hs, ok := v.(HeaderSetter); ok {
		if err := s.mutate(func() { hs.SetHeaders(s.header) }); err != nil {
			return err
		}
	}

	body, contentType, err := s.pl.codecs.marshal(v, s.req.Header.Get("Accept"))
	if err != nil {
		return err
	}
	if s.ContentType() == "" {
		if err := s.SetContentType(contentType); err != nil {
			return err
		}
	}
	return s.SendBytes(body)
}

// sendRendered picks the strategy from the dynamic type of v.
func sendRendered(_ context.Context, s *Sink, v any) error {
	return s.pl.render(s, v)
}

// render completes s with v using the strategy for v's dynamic type.
func (p *Pipeline) render(s *Sink, v any) error {
	if isVoid(v) {
		return s.sendEmpty()
	}
	return p.dynamicStrategy(v).send(s.Context(), s, v)
}
