package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

type stageKind uint8

const (
	stageLimit stageKind = iota
	stageTimeout
	stageDispatch
	stageWorker
	stageSend
	stageDetach
	stageCustom
	stageInvoke
)

// stage is one node of a Chain. Only the fields of its kind are set.
type stage struct {
	kind stageKind
	next *stage

	limiter  *rate.Limiter
	timeout  time.Duration
	exec     Executor
	strategy *strategy
	handler  HandlerFunc
}

func (st *stage) String() string {
	switch st.kind {
	case stageLimit:
		return "limit"
	case stageTimeout:
		return fmt.Sprintf("timeout(%s)", st.timeout)
	case stageDispatch:
		return "dispatch"
	case stageWorker:
		return "worker"
	case stageSend:
		return "send(" + st.strategy.name + ")"
	case stageDetach:
		return "detach(" + st.strategy.name + ")"
	case stageCustom:
		return "custom"
	case stageInvoke:
		return "invoke"
	default:
		return "unknown"
	}
}

// Chain is the immutable handler chain built for one route. Apply may run
// concurrently for different Sinks.
type Chain struct {
	pl        *Pipeline
	name      string
	status    int
	strategy  string
	blocking  bool
	placement placement
	head      *stage
}

// Name returns the route name.
func (c *Chain) Name() string { return c.name }

// Strategy returns the name of the terminal send strategy.
func (c *Chain) Strategy() string { return c.strategy }

// Blocking reports whether the terminal strategy was tagged blocking.
func (c *Chain) Blocking() bool { return c.blocking }

// Placement returns where the handler runs: "inline", "worker" or
// "dispatch".
func (c *Chain) Placement() string { return c.placement.String() }

// String lists the stages, e.g. "worker -> send(text) -> invoke".
func (c *Chain) String() string {
	var parts []string
	for st := c.head; st != nil; st = st.next {
		parts = append(parts, st.String())
	}
	return strings.Join(parts, " -> ")
}

// Apply runs the chain for s. It must be called on the goroutine that owns
// the connection, at most once per Sink. Placement decides whether the
// handler runs before Apply returns.
func (c *Chain) Apply(s *Sink) *Sink {
	s.setStrategy(c.strategy)
	if c.status != 0 {
		s.setRouteStatus(c.status)
	}
	c.run(s.Context(), c.head, s)
	return s
}

func (c *Chain) run(ctx context.Context, st *stage, s *Sink) {
	for ; st != nil; st = st.next {
		switch st.kind {
		case stageLimit:
			if !st.limiter.Allow() {
				c.limited(s, st.limiter)
				return
			}
		case stageTimeout:
			ctx = c.deadline(ctx, s, st.timeout)
		case stageDispatch:
			c.dispatch(ctx, st, s)
			return
		case stageWorker:
			next := st.next
			if err := c.pl.workers.Execute(func() { c.run(ctx, next, s) }); err != nil {
				c.rejected(s, err)
			}
			return
		case stageSend, stageDetach, stageCustom:
			c.complete(ctx, st, s)
			return
		case stageInvoke:
			// Reached only through the send stages.
			return
		}
	}
}

func (c *Chain) dispatch(ctx context.Context, st *stage, s *Sink) {
	prev := s.homeExecutor()
	s.setHome(st.exec)
	next := st.next
	if err := s.Dispatch(st.exec, func() { c.run(ctx, next, s) }); err != nil {
		// The executor refused work, so it cannot carry the error response.
		s.setHome(prev)
		c.rejected(s, err)
	}
}

func (c *Chain) rejected(s *Sink, err error) {
	c.pl.logger.LogAttrs(s.Context(), slog.LevelWarn, "handler rejected",
		slog.String("route", c.name),
		slog.String("request_id", s.ID()),
		slog.String("error", err.Error()),
	)
	//nolint:errcheck // terminal error path
	s.SendError(wrapStatus(http.StatusServiceUnavailable, err))
}

// complete calls the handler and drives the Sink with the result.
func (c *Chain) complete(ctx context.Context, st *stage, s *Sink) {
	h := st.next.handler
	if st.kind == stageCustom {
		h = st.handler
	}

	v, err := c.call(ctx, h, s)
	if err != nil {
		//nolint:errcheck // terminal error path
		s.SendError(err)
		return
	}
	if st.kind == stageCustom && isNil(v) {
		return
	}
	if state := s.State(); state != StateOpen {
		if st.strategy.name != "direct" {
			c.pl.logger.LogAttrs(ctx, slog.LevelDebug, "result dropped",
				slog.String("route", c.name),
				slog.String("request_id", s.ID()),
				slog.String("state", state.String()),
			)
		}
		return
	}

	if err := st.strategy.send(ctx, s, v); err != nil {
		if errors.Is(err, ErrResponseCompleted) || errors.Is(err, ErrResponseStarted) {
			return
		}
		//nolint:errcheck // terminal error path
		s.SendError(err)
	}
}

// Build turns r into a Chain. It runs the strategy registry and the
// placement table once; the Chain never consults them again.
func (p *Pipeline) Build(r Route) (*Chain, error) {
	if r.Name == "" && r.Type != nil {
		r.Name = r.Type.String()
	}
	if err := r.validate(); err != nil {
		return nil, err
	}

	st, err := p.strategyFor(r)
	if err != nil {
		return nil, fmt.Errorf("route %s: %s: %w", r.Name, r.Type, err)
	}
	place, err := placementFor(r.Executor != nil, r.Mode, st.blocking)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", r.Name, err)
	}
	if place == placeWorker && p.workers == nil {
		return nil, fmt.Errorf("route %s: %w", r.Name, ErrNoWorkers)
	}

	head := &stage{kind: stageInvoke, handler: r.Handler}
	switch {
	case st.custom != nil:
		fallback := p.fallback
		head = &stage{kind: stageCustom, next: head, handler: st.custom.Create(r.Handler), strategy: &fallback}
	case st.async:
		head = &stage{kind: stageDetach, next: head, strategy: &st}
	default:
		head = &stage{kind: stageSend, next: head, strategy: &st}
	}

	switch place {
	case placeWorker:
		head = &stage{kind: stageWorker, next: head}
	case placeDispatch:
		head = &stage{kind: stageDispatch, next: head, exec: r.Executor}
	}
	if r.Timeout > 0 {
		head = &stage{kind: stageTimeout, next: head, timeout: r.Timeout}
	}
	if r.Limiter != nil {
		head = &stage{kind: stageLimit, next: head, limiter: r.Limiter}
	}

	c := &Chain{
		pl:        p,
		name:      r.Name,
		status:    r.Status,
		strategy:  st.name,
		blocking:  st.blocking,
		placement: place,
		head:      head,
	}
	p.logger.Debug("route built", "route", c.name, "chain", c.String())
	return c, nil
}

// MustBuild is like Build but panics on error.
func (p *Pipeline) MustBuild(r Route) *Chain {
	c, err := p.Build(r)
	if err != nil {
		panic(fmt.Sprintf("pipeline: %v", err))
	}
	return c
}
