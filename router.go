package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Router mounts route chains on an http.ServeMux. It implements http.Handler.
type Router struct {
	pl         *Pipeline
	mux        *http.ServeMux
	middleware []Middleware
	routes     []*Chain

	defaultMode       ExecutionMode
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration

	mu sync.Mutex
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDefaultMode sets the mode used by routes left at ModeDefault.
func WithDefaultMode(mode ExecutionMode) RouterOption {
	return func(r *Router) {
		r.defaultMode = mode
	}
}

// WithReadHeaderTimeout sets the server's ReadHeaderTimeout.
func WithReadHeaderTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		r.readHeaderTimeout = d
	}
}

// WithShutdownTimeout bounds graceful shutdown in ListenAndServe.
func WithShutdownTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		r.shutdownTimeout = d
	}
}

// NewRouter creates a Router whose routes are built by p.
func NewRouter(p *Pipeline, opts ...RouterOption) *Router {
	r := &Router{
		pl:                p,
		mux:               http.NewServeMux(),
		readHeaderTimeout: 10 * time.Second,
		shutdownTimeout:   30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Use adds middleware to the router. Middleware is applied in the order added.
func (r *Router) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// ServeHTTP implements http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	handler := http.Handler(r.mux)
	for i := len(r.middleware) - 1; i >= 0; i-- {
		handler = r.middleware[i](handler)
	}
	handler.ServeHTTP(w, req)
}

// Handle builds route and mounts it for method and pattern.
func (r *Router) Handle(method, pattern string, route Route) (*Chain, error) {
	if route.Name == "" {
		route.Name = method + " " + pattern
	}
	if route.Mode == ModeDefault {
		route.Mode = r.defaultMode
	}
	c, err := r.pl.Build(route)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.mux.Handle(method+" "+pattern, r.serve(c))
	r.routes = append(r.routes, c)
	return c, nil
}

// Mount registers a plain http.Handler for pattern, bypassing the pipeline.
// Router middleware still applies.
func (r *Router) Mount(pattern string, h http.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mux.Handle(pattern, h)
}

// Routes returns the chains mounted so far.
func (r *Router) Routes() []*Chain {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Chain(nil), r.routes...)
}

// ListenAndServe starts an HTTP server on the given address.
// It blocks until the context is cancelled, then shuts down gracefully.
func (r *Router) ListenAndServe(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return r.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: r.readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
