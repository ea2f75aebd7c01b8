package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bjaus/pipeline"
	"github.com/bjaus/pipeline/pipelinetest"
)

func newRouter(t *testing.T, opts ...pipeline.Option) *pipeline.Router {
	t.Helper()
	opts = append([]pipeline.Option{pipeline.WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	return pipeline.NewRouter(pipeline.New(startPool(t), opts...))
}

func TestRouter_text(t *testing.T) {
	t.Parallel()

	r := newRouter(t)
	c := pipeline.Get(r, "/hello", func(context.Context, *pipeline.Sink) (string, error) {
		return "hello", nil
	})
	assert.Equal(t, "GET /hello", c.Name())

	resp := pipelinetest.NewClient(t, r).Get(t, "/hello")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "5", resp.Headers.Get("Content-Length"))
	assert.Len(t, resp.Headers.Get("X-Request-ID"), 26)
}

func TestRouter_json_with_path_value(t *testing.T) {
	t.Parallel()

	r := newRouter(t)
	pipeline.Get(r, "/greet/{name}", func(_ context.Context, s *pipeline.Sink) (greeting, error) {
		return greeting{Message: "hi " + s.Request().PathValue("name")}, nil
	})

	resp := pipelinetest.NewClient(t, r).Get(t, "/greet/ada", "X-Request-ID", "req-7")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	assert.Equal(t, "req-7", resp.Headers.Get("X-Request-ID"))

	var got greeting
	resp.Decode(t, &got)
	assert.Equal(t, "hi ada", got.Message)
}

func TestRouter_methods(t *testing.T) {
	t.Parallel()

	r := newRouter(t)
	echo := func(_ context.Context, s *pipeline.Sink) (string, error) {
		return s.Request().Method, nil
	}
	pipeline.Put(r, "/item", echo)
	pipeline.Patch(r, "/item", echo)
	pipeline.Delete(r, "/item", func(context.Context, *pipeline.Sink) (pipeline.Void, error) {
		return pipeline.Void{}, nil
	})
	assert.Len(t, r.Routes(), 3)

	client := pipelinetest.NewClient(t, r)
	assert.Equal(t, "PUT", string(client.Do(t, http.MethodPut, "/item", nil).Body))
	assert.Equal(t, "PATCH", string(client.Do(t, http.MethodPatch, "/item", nil).Body))
	assert.Equal(t, http.StatusNoContent, client.Do(t, http.MethodDelete, "/item", nil).Status)
	assert.Equal(t, http.StatusMethodNotAllowed, client.Get(t, "/item").Status)
	assert.Equal(t, http.StatusNotFound, client.Get(t, "/missing").Status)
}

func TestRouter_upload(t *testing.T) {
	t.Parallel()

	r := newRouter(t, pipeline.WithTempDir(t.TempDir()))
	pipeline.Post(r, "/files", func(_ context.Context, s *pipeline.Sink) (greeting, error) {
		u, err := s.CreateUpload("body", s.Request().Body)
		if err != nil {
			return greeting{}, err
		}
		return greeting{Message: u.Name + ":" + strings.Repeat("x", int(u.Size))}, nil
	}, pipeline.WithStatus(http.StatusCreated))

	resp := pipelinetest.NewClient(t, r).Do(t, http.MethodPost, "/files", strings.NewReader("abc"))
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.JSONEq(t, `{"message":"body:xxx"}`, string(resp.Body))
}

func TestRouter_stream(t *testing.T) {
	t.Parallel()

	r := newRouter(t)
	pipeline.Get(r, "/events", func(context.Context, *pipeline.Sink) (<-chan pipeline.SSEEvent, error) {
		ch := make(chan pipeline.SSEEvent)
		go func() {
			defer close(ch)
			for _, d := range []string{"one", "two"} {
				ch <- pipeline.SSEEvent{Event: "msg", Data: d}
			}
		}()
		return ch, nil
	})

	resp := pipelinetest.NewClient(t, r).Get(t, "/events")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "text/event-stream", resp.Headers.Get("Content-Type"))
	assert.Empty(t, resp.Headers.Get("Content-Length"))
	assert.Equal(t, "event: msg\ndata: one\n\nevent: msg\ndata: two\n\n", string(resp.Body))
}

func TestRouter_head_has_no_body(t *testing.T) {
	t.Parallel()

	r := newRouter(t)
	if _, err := r.Handle(http.MethodHead, "/ping", pipeline.NewRoute(func(context.Context, *pipeline.Sink) (string, error) {
		return "pong", nil
	})); err != nil {
		t.Fatal(err)
	}

	resp := pipelinetest.NewClient(t, r).Do(t, http.MethodHead, "/ping", nil)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "4", resp.Headers.Get("Content-Length"))
	assert.Empty(t, resp.Body)
}

func TestRouter_default_mode(t *testing.T) {
	t.Parallel()

	r := pipeline.NewRouter(pipeline.New(nil), pipeline.WithDefaultMode(pipeline.ModeEventLoop))
	c := pipeline.Get(r, "/inline", func(context.Context, *pipeline.Sink) (string, error) {
		return "inline", nil
	})
	assert.Equal(t, "inline", c.Placement())

	resp := pipelinetest.NewClient(t, r).Get(t, "/inline")
	assert.Equal(t, "inline", string(resp.Body))
}

func TestRouter_register_panics_on_bad_route(t *testing.T) {
	t.Parallel()

	r := pipeline.NewRouter(pipeline.New(nil))
	assert.PanicsWithValue(t,
		"pipeline: register GET /x: route GET /x: no worker pool configured",
		func() {
			pipeline.Get(r, "/x", func(context.Context, *pipeline.Sink) (string, error) {
				return "", nil
			})
		})
}

func TestRouter_middleware_order(t *testing.T) {
	t.Parallel()

	r := newRouter(t)
	tag := func(name string) pipeline.Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				w.Header().Add("X-Order", name)
				next.ServeHTTP(w, req)
			})
		}
	}
	r.Use(tag("first"), tag("second"))
	pipeline.Get(r, "/", func(context.Context, *pipeline.Sink) (string, error) { return "ok", nil })

	resp := pipelinetest.NewClient(t, r).Get(t, "/")
	assert.Equal(t, []string{"first", "second"}, resp.Headers.Values("X-Order"))
}

func TestRouter_access_log(t *testing.T) {
	t.Parallel()

	var logs syncBuffer
	r := newRouter(t)
	r.Use(pipeline.AccessLog(slog.New(slog.NewTextHandler(&logs, nil))))
	pipeline.Get(r, "/logged", func(context.Context, *pipeline.Sink) (string, error) {
		return "ok", nil
	})

	resp := pipelinetest.NewClient(t, r).Get(t, "/logged", "X-Request-ID", "log-1")
	require.Equal(t, http.StatusOK, resp.Status)

	assert.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "request_id=log-1")
	}, 5*time.Second, 5*time.Millisecond)
	out := logs.String()
	assert.Contains(t, out, "msg=request")
	assert.Contains(t, out, "method=GET")
	assert.Contains(t, out, "path=/logged")
	assert.Contains(t, out, "status=200")
	assert.Contains(t, out, "size=2")
}

func TestRouter_serve_shuts_down_with_context(t *testing.T) {
	t.Parallel()

	r := newRouter(t)
	pipeline.Get(r, "/up", func(context.Context, *pipeline.Sink) (string, error) { return "up", nil })

	var lc net.ListenConfig
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, ln) }()

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, "http://"+ln.Addr().String()+"/up", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	assert.Equal(t, "up", string(body))

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestRouter_mount(t *testing.T) {
	t.Parallel()

	r := newRouter(t)
	r.Mount("GET /raw", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	resp := pipelinetest.NewClient(t, r).Get(t, "/raw")
	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Empty(t, r.Routes())
}

// gatedReader yields size bytes, waits for gate, then yields size more.
type gatedReader struct {
	gate   <-chan struct{}
	size   int
	served int
	opened bool
}

func (g *gatedReader) Read(p []byte) (int, error) {
	limit := g.size
	if g.served >= g.size {
		if !g.opened {
			<-g.gate
			g.opened = true
		}
		limit = 2 * g.size
	}
	if g.served >= limit {
		return 0, io.EOF
	}
	n := min(len(p), limit-g.served)
	for i := range p[:n] {
		p[i] = 'x'
	}
	g.served += n
	return n, nil
}

func TestRouter_executor_write_after_client_left(t *testing.T) {
	t.Parallel()

	var running sync.WaitGroup
	panics := make(chan any, 1)
	exec := pipeline.ExecutorFunc(func(task func()) error {
		running.Add(1)
		go func() {
			defer running.Done()
			defer func() {
				if rec := recover(); rec != nil {
					panics <- rec
				}
			}()
			task()
		}()
		return nil
	})

	returned := make(chan struct{})
	gate := make(chan struct{})
	r := newRouter(t)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			close(returned)
		})
	})
	pipeline.Get(r, "/download", func(context.Context, *pipeline.Sink) (io.Reader, error) {
		return &gatedReader{gate: gate, size: 64 << 10}, nil
	}, pipeline.WithExecutor(exec))

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/download", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	_, err = io.ReadFull(resp.Body, make([]byte, 10))
	require.NoError(t, err)
	cancel()
	//nolint:errcheck,gosec // the request is cancelled
	resp.Body.Close()

	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after the client left")
	}

	// The executor resumes writing after net/http has taken w back.
	close(gate)
	finished := make(chan struct{})
	go func() {
		running.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("executor write did not finish")
	}

	select {
	case rec := <-panics:
		t.Fatalf("executor write panicked: %v", rec)
	default:
	}
}
