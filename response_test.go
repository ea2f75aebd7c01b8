package pipeline_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/pipeline"
)

// syncBuffer is a log sink that is safe for concurrent handlers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func failing(err error) pipeline.Route {
	return pipeline.NewRoute(func(context.Context, *pipeline.Sink) (string, error) {
		return "", err
	}, pipeline.WithMode(pipeline.ModeEventLoop))
}

func TestProblem_document(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err  error
		want pipeline.ProblemDetail
	}{
		"http error": {
			err: pipeline.Error(http.StatusNotFound, "no such item"),
			want: pipeline.ProblemDetail{
				Type:     "about:blank",
				Title:    "Not Found",
				Status:   http.StatusNotFound,
				Detail:   "no such item",
				Instance: "/items/9",
				TraceID:  "rid-1",
			},
		},
		"plain error is internal": {
			err: errors.New("db down"),
			want: pipeline.ProblemDetail{
				Type:     "about:blank",
				Title:    "Internal Server Error",
				Status:   http.StatusInternalServerError,
				Detail:   "db down",
				Instance: "/items/9",
				TraceID:  "rid-1",
			},
		},
		"problem detail keeps its fields": {
			err: &pipeline.ProblemDetail{
				Type:     "https://example.com/out-of-stock",
				Title:    "Out of stock",
				Status:   http.StatusConflict,
				Instance: "/orders/1",
			},
			want: pipeline.ProblemDetail{
				Type:     "https://example.com/out-of-stock",
				Title:    "Out of stock",
				Status:   http.StatusConflict,
				Instance: "/orders/1",
				TraceID:  "rid-1",
			},
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			p := pipeline.New(nil, pipeline.WithLogger(slog.New(slog.DiscardHandler)))
			h := newHarness(t, p, http.MethodGet, "/items/9", "X-Request-ID", "rid-1")
			h.apply(t, p.MustBuild(failing(tc.err)))

			w := h.conn.Wait(t, 1)
			assert.Equal(t, tc.want.Status, w.Status)
			assert.Equal(t, "application/problem+json", w.Header.Get("Content-Type"))

			var got pipeline.ProblemDetail
			require.NoError(t, sonic.ConfigStd.Unmarshal(w.Body, &got))
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestProblem_clears_success_headers(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil, pipeline.WithLogger(slog.New(slog.DiscardHandler)))
	c := p.MustBuild(pipeline.NewRoute(func(_ context.Context, s *pipeline.Sink) (string, error) {
		//nolint:errcheck // open sink
		s.SetContentType("text/csv")
		//nolint:errcheck // open sink
		s.SetHeader("Content-Disposition", "attachment")
		return "", errors.New("export failed")
	}, pipeline.WithMode(pipeline.ModeEventLoop)))

	h := newHarness(t, p, http.MethodGet, "/export")
	h.apply(t, c)

	w := h.conn.Wait(t, 1)
	assert.Equal(t, "application/problem+json", w.Header.Get("Content-Type"))
	assert.Empty(t, w.Header.Get("Content-Disposition"))
}

func TestErrorHandler_custom(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil, pipeline.WithErrorHandler(func(s *pipeline.Sink, err error) {
		//nolint:errcheck // test handler
		s.SendText("oops: " + err.Error())
	}))

	h := newHarness(t, p, http.MethodGet, "/")
	h.apply(t, p.MustBuild(failing(pipeline.Error(http.StatusTeapot, "short and stout"))))

	w := h.conn.Wait(t, 1)
	assert.Equal(t, http.StatusTeapot, w.Status)
	assert.Equal(t, "oops: short and stout", string(w.Body))
}

func TestErrorHandler_that_leaves_sink_open(t *testing.T) {
	t.Parallel()

	var seen error
	p := pipeline.New(nil, pipeline.WithErrorHandler(func(_ *pipeline.Sink, err error) {
		seen = err
	}))

	h := newHarness(t, p, http.MethodGet, "/")
	h.apply(t, p.MustBuild(failing(pipeline.Error(http.StatusForbidden, "nope"))))

	w := h.conn.Wait(t, 1)
	assert.EqualError(t, seen, "nope")
	assert.Equal(t, http.StatusForbidden, w.Status)
	assert.Equal(t, "application/problem+json", w.Header.Get("Content-Type"))
}

func TestDefaultErrorHandler_log_level(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		err       error
		wantLevel string
	}{
		"server error": {err: errors.New("boom"), wantLevel: "level=ERROR"},
		"client error": {err: pipeline.Error(http.StatusBadRequest, "bad"), wantLevel: "level=WARN"},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var logs syncBuffer
			p := pipeline.New(nil, pipeline.WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
			h := newHarness(t, p, http.MethodGet, "/fail")
			h.apply(t, p.MustBuild(failing(tc.err)))
			h.conn.Wait(t, 1)

			out := logs.String()
			assert.Contains(t, out, tc.wantLevel)
			assert.Contains(t, out, `msg="request failed"`)
			assert.Contains(t, out, "path=/fail")
			assert.Contains(t, out, "request_id="+h.sink.ID())
		})
	}
}

func TestSendError_concurrent_send_wins_whole(t *testing.T) {
	t.Parallel()

	var h *harness
	var late error
	p := pipeline.New(nil,
		pipeline.WithLogger(slog.New(slog.DiscardHandler)),
		pipeline.WithErrorHandler(func(s *pipeline.Sink, err error) {
			// A success send lands while the error response is being built.
			require.NoError(t, h.sink.SendText("ok"))
			late = s.SendText("failed: " + err.Error())
		}),
	)
	h = newHarness(t, p, http.MethodGet, "/")

	err := h.sink.SendError(pipeline.Error(http.StatusServiceUnavailable, "timed out"))
	assert.ErrorIs(t, err, pipeline.ErrResponseCompleted)
	assert.NoError(t, late)

	w := h.conn.Wait(t, 1)
	h.done(t)
	assert.Equal(t, http.StatusOK, w.Status)
	assert.Equal(t, "ok", string(w.Body))
	assert.Equal(t, 1, h.conn.Count())
}

func TestSendError_handler_writes_once(t *testing.T) {
	t.Parallel()

	p := pipeline.New(nil, pipeline.WithErrorHandler(func(s *pipeline.Sink, _ error) {
		assert.Equal(t, http.StatusServiceUnavailable, s.Status())
		//nolint:errcheck // test handler
		s.SendText("busy")
	}))
	h := newHarness(t, p, http.MethodGet, "/")

	require.NoError(t, h.sink.SendError(pipeline.Error(http.StatusServiceUnavailable, "busy")))
	assert.ErrorIs(t, h.sink.SendText("late"), pipeline.ErrResponseCompleted)

	w := h.conn.Wait(t, 1)
	h.done(t)
	assert.Equal(t, http.StatusServiceUnavailable, w.Status)
	assert.Equal(t, "busy", string(w.Body))
	assert.Equal(t, h.loopID, w.GoID)
	assert.Equal(t, 1, h.conn.Count())
}
