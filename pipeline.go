package pipeline

import (
	"log/slog"
	"os"
)

// Pipeline builds route chains and creates Sinks. It holds everything that
// is shared between requests: the worker pool, the strategy registry, the
// encoders, the error handler and metrics.
type Pipeline struct {
	workers  Executor
	logger   *slog.Logger
	metrics  *Metrics
	tempDir  string
	handlers []ResponseHandler
	encoders []Encoder

	errorHandler ErrorHandler

	codecs   *codecRegistry
	probes   map[Capability]func() bool
	caps     map[Capability]bool
	entries  []capabilityEntry
	fallback strategy
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics records request metrics to m.
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithErrorHandler replaces the default problem+json error handler.
func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Pipeline) {
		p.errorHandler = h
	}
}

// WithResponseHandler registers a custom send strategy. Handlers are
// consulted in registration order.
func WithResponseHandler(h ResponseHandler) Option {
	return func(p *Pipeline) {
		p.handlers = append(p.handlers, h)
	}
}

// WithEncoder registers an additional response encoder.
func WithEncoder(enc Encoder) Option {
	return func(p *Pipeline) {
		p.encoders = append(p.encoders, enc)
	}
}

// WithCapability sets the probe that decides whether c is available.
func WithCapability(c Capability, probe func() bool) Option {
	return func(p *Pipeline) {
		p.probes[c] = probe
	}
}

// WithTempDir sets the directory for spooled uploads. The default is
// os.TempDir().
func WithTempDir(dir string) Option {
	return func(p *Pipeline) {
		p.tempDir = dir
	}
}

// New creates a Pipeline. workers runs blocking handlers; it may be nil
// when every route runs inline or on its own executor.
func New(workers Executor, opts ...Option) *Pipeline {
	p := &Pipeline{
		workers: workers,
		logger:  slog.Default(),
		tempDir: os.TempDir(),
		probes: map[Capability]func() bool{
			CapabilityReactive: func() bool { return true },
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.errorHandler == nil {
		p.errorHandler = DefaultErrorHandler(p.logger)
	}
	p.codecs = newCodecRegistry(p.encoders)
	p.probe()
	p.entries = p.registry()
	p.fallback = strategy{name: "encode", blocking: true, send: orEmpty(sendEncoded)}
	return p
}
