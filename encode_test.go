package pipeline_test

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/pipeline"
)

type yamlEncoder struct{}

func (yamlEncoder) ContentType() string { return "application/yaml" }

func (yamlEncoder) Encode(w io.Writer, v any) error {
	_, err := fmt.Fprintf(w, "value: %v\n", v)
	return err
}

func TestNegotiate(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		accept   string
		encoders []pipeline.Encoder
		want     string
		wantOK   bool
	}{
		"empty accept defaults to json": {
			want:   "application/json",
			wantOK: true,
		},
		"wildcard defaults to json": {
			accept: "*/*",
			want:   "application/json",
			wantOK: true,
		},
		"application wildcard defaults to json": {
			accept: "application/*",
			want:   "application/json",
			wantOK: true,
		},
		"explicit xml": {
			accept: "application/xml",
			want:   "application/xml",
			wantOK: true,
		},
		"highest quality wins": {
			accept: "application/json;q=0.5, application/xml;q=0.9",
			want:   "application/xml",
			wantOK: true,
		},
		"zero quality is excluded": {
			accept: "application/xml;q=0, application/json",
			want:   "application/json",
			wantOK: true,
		},
		"unknown type is not acceptable": {
			accept: "image/png",
		},
		"malformed parts are skipped": {
			accept: ";;;, application/xml",
			want:   "application/xml",
			wantOK: true,
		},
		"user encoder": {
			accept:   "application/yaml",
			encoders: []pipeline.Encoder{yamlEncoder{}},
			want:     "application/yaml",
			wantOK:   true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, ok := pipeline.Negotiate(tc.encoders, tc.accept)
			assert.Equal(t, tc.wantOK, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFraming(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		first  any
		accept string
		want   string
	}{
		"sse event":            {first: pipeline.SSEEvent{Data: "x"}, want: "text/event-stream"},
		"sse event pointer":    {first: &pipeline.SSEEvent{Data: "x"}, want: "text/event-stream"},
		"string":               {first: "x", want: "text/plain; charset=utf-8"},
		"bytes":                {first: []byte("x"), want: "application/octet-stream"},
		"struct is ndjson":     {first: greeting{}, want: "application/x-ndjson"},
		"struct as xml":        {first: greeting{}, accept: "application/xml", want: "application/xml"},
		"unacceptable ndjson":  {first: greeting{}, accept: "image/png", want: "application/x-ndjson"},
		"map is ndjson":        {first: map[string]int{"n": 1}, want: "application/x-ndjson"},
		"number is ndjson too": {first: 42, want: "application/x-ndjson"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, pipeline.Framing(tc.first, tc.accept))
		})
	}
}

func TestEncode_sse_stream(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil)
	c := p.MustBuild(pipeline.NewRoute(func(context.Context, *pipeline.Sink) (<-chan pipeline.SSEEvent, error) {
		ch := make(chan pipeline.SSEEvent, 3)
		ch <- pipeline.SSEEvent{ID: "1", Event: "tick", Data: map[string]int{"n": 1}}
		ch <- pipeline.SSEEvent{Data: "two\nlines"}
		ch <- pipeline.SSEEvent{Event: "done", Data: []byte("bye")}
		close(ch)
		return ch, nil
	}))

	h := newHarness(t, p, http.MethodGet, "/events")
	h.apply(t, c)

	w := h.conn.Wait(t, 1)
	h.done(t)
	require.Len(t, w.Chunks, 3)
	assert.Equal(t, "text/event-stream", w.Header.Get("Content-Type"))
	assert.Equal(t, "id: 1\nevent: tick\ndata: {\"n\":1}\n\n", string(w.Chunks[0]))
	assert.Equal(t, "data: two\ndata: lines\n\n", string(w.Chunks[1]))
	assert.Equal(t, "event: done\ndata: bye\n\n", string(w.Chunks[2]))
}

func TestEncode_ndjson_stream(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil)
	c := p.MustBuild(pipeline.NewRoute(func(context.Context, *pipeline.Sink) (chan greeting, error) {
		ch := make(chan greeting, 2)
		ch <- greeting{Message: "a"}
		ch <- greeting{Message: "b"}
		close(ch)
		return ch, nil
	}))

	h := newHarness(t, p, http.MethodGet, "/")
	h.apply(t, c)

	w := h.conn.Wait(t, 1)
	h.done(t)
	require.Len(t, w.Chunks, 2)
	assert.Equal(t, "application/x-ndjson", w.Header.Get("Content-Type"))
	assert.JSONEq(t, `{"message":"a"}`, string(w.Chunks[0]))
	assert.JSONEq(t, `{"message":"b"}`, string(w.Chunks[1]))
}

func TestEncode_empty_stream(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil)
	c := p.MustBuild(pipeline.NewRoute(func(context.Context, *pipeline.Sink) (chan string, error) {
		ch := make(chan string)
		close(ch)
		return ch, nil
	}))

	h := newHarness(t, p, http.MethodGet, "/")
	h.apply(t, c)

	w := h.conn.Wait(t, 1)
	h.done(t)
	assert.Equal(t, http.StatusOK, w.Status)
	assert.Equal(t, int64(0), w.Length)
	assert.Empty(t, w.Body)
}

func TestEncode_user_encoder(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil, pipeline.WithEncoder(yamlEncoder{}))
	c := p.MustBuild(pipeline.NewRoute(func(context.Context, *pipeline.Sink) (int, error) {
		return 7, nil
	}, pipeline.WithMode(pipeline.ModeEventLoop)))

	h := newHarness(t, p, http.MethodGet, "/", "Accept", "application/yaml")
	h.apply(t, c)

	w := h.conn.Wait(t, 1)
	assert.Equal(t, "application/yaml", w.Header.Get("Content-Type"))
	assert.Equal(t, "value: 7\n", string(w.Body))
}
