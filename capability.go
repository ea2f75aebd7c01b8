package pipeline

import (
	"context"
	"io"
	"os"
	"reflect"
	"strings"
)

// Capability names an optional family of result types. Whether the
// Pipeline supports it is decided once, by a probe run in New.
type Capability string

// CapabilityReactive covers channels and Publisher results.
const CapabilityReactive Capability = "reactive"

// sendFunc drives a Sink with one handler result.
type sendFunc func(ctx context.Context, s *Sink, v any) error

// strategy is the terminal send strategy selected for a route.
type strategy struct {
	name     string
	blocking bool
	// async strategies register a continuation and return at once.
	async  bool
	send   sendFunc
	custom ResponseHandler
}

// capabilityEntry is one row of the ordered strategy registry.
type capabilityEntry struct {
	name     string
	requires Capability // empty when always available
	custom   bool
	matches  func(t reflect.Type) bool
	create   func(r Route) strategy
}

var (
	futureType    = reflect.TypeFor[Future]()
	publisherType = reflect.TypeFor[Publisher]()
	awaiterType   = reflect.TypeFor[Awaiter]()
	readerType    = reflect.TypeFor[io.Reader]()
	sinkType      = reflect.TypeFor[*Sink]()
	attachType    = reflect.TypeFor[*Attachment]()
	fileType      = reflect.TypeFor[*os.File]()
	builderType   = reflect.TypeFor[*strings.Builder]()
	bufferType    = reflect.TypeFor[*Buffer]()
)

func implements(iface reflect.Type) func(reflect.Type) bool {
	return func(t reflect.Type) bool { return t.Implements(iface) }
}

func is(want reflect.Type) func(reflect.Type) bool {
	return func(t reflect.Type) bool { return t == want }
}

func isRecvChan(t reflect.Type) bool {
	return t.Kind() == reflect.Chan && t.ChanDir()&reflect.RecvDir != 0
}

func blockingStrategy(name string, send sendFunc) func(Route) strategy {
	return func(Route) strategy {
		return strategy{name: name, blocking: true, send: orEmpty(send)}
	}
}

// registry returns the strategy entries in priority order. User response
// handlers sit after the built-in shapes and before the default encoder.
func (p *Pipeline) registry() []capabilityEntry {
	entries := []capabilityEntry{
		{
			name:    "future",
			matches: implements(futureType),
			create: func(Route) strategy {
				return strategy{name: "future", async: true, send: func(ctx context.Context, s *Sink, v any) error {
					f, _ := v.(Future)
					subscribeFuture(ctx, s, f)
					return nil
				}}
			},
		},
		{
			name:     "publisher",
			requires: CapabilityReactive,
			matches: func(t reflect.Type) bool {
				return isRecvChan(t) || t.Implements(publisherType)
			},
			create: func(Route) strategy {
				return strategy{name: "publisher", async: true, send: func(ctx context.Context, s *Sink, v any) error {
					subscribePublisher(ctx, s, asPublisher(v))
					return nil
				}}
			},
		},
		{
			name:    "await",
			matches: implements(awaiterType),
			create: func(Route) strategy {
				return strategy{name: "await", async: true, send: func(ctx context.Context, s *Sink, v any) error {
					a, _ := v.(Awaiter)
					subscribeAwaiter(ctx, s, a)
					return nil
				}}
			},
		},
		{
			name:    "direct",
			matches: is(sinkType),
			create: func(r Route) strategy {
				return strategy{
					name:     "direct",
					blocking: r.Executor != nil || r.Mode != ModeEventLoop,
					send:     sendDirect,
				}
			},
		},
		{name: "attachment", matches: is(attachType), create: blockingStrategy("attachment", sendAttachment)},
		{name: "file", matches: is(fileType), create: blockingStrategy("file", sendFile)},
		{name: "stream", matches: implements(readerType), create: blockingStrategy("stream", sendStream)},
		{
			name: "text",
			matches: func(t reflect.Type) bool {
				return t.Kind() == reflect.String || t == builderType
			},
			create: blockingStrategy("text", sendText),
		},
		{
			name: "bytes",
			matches: func(t reflect.Type) bool {
				return t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8
			},
			create: blockingStrategy("bytes", sendBytes),
		},
		{name: "buffer", matches: is(bufferType), create: blockingStrategy("buffer", sendBuffer)},
	}

	for _, h := range p.handlers {
		entries = append(entries, capabilityEntry{
			name:    "custom",
			custom:  true,
			matches: h.Matches,
			create: func(Route) strategy {
				return strategy{name: "custom", blocking: true, custom: h}
			},
		})
	}

	return append(entries, capabilityEntry{
		name:    "encode",
		matches: func(reflect.Type) bool { return true },
		create: func(r Route) strategy {
			// An interface result is only known per request.
			if r.Type.Kind() == reflect.Interface {
				return strategy{name: "render", blocking: true, send: orEmpty(sendRendered)}
			}
			return strategy{name: "encode", blocking: true, send: orEmpty(sendEncoded)}
		},
	})
}

// Capable reports whether c was available when the Pipeline was created.
func (p *Pipeline) Capable(c Capability) bool {
	return p.caps[c]
}

func (p *Pipeline) probe() {
	p.caps = make(map[Capability]bool, len(p.probes))
	for c, probe := range p.probes {
		p.caps[c] = probe()
		if !p.caps[c] {
			p.logger.Warn("capability unavailable", "capability", string(c))
		}
	}
}

// strategyFor resolves the strategy for a declared result type. Entries
// whose capability is unavailable are skipped with a warning, so their
// types end up with a later entry.
func (p *Pipeline) strategyFor(r Route) (strategy, error) {
	for _, e := range p.entries {
		if !e.matches(r.Type) {
			continue
		}
		if e.requires != "" && !p.caps[e.requires] {
			p.logger.Warn("strategy unavailable, falling back",
				"route", r.Name,
				"strategy", e.name,
				"capability", string(e.requires),
			)
			continue
		}
		return e.create(r), nil
	}
	return strategy{}, ErrNoStrategy
}

// dynamicStrategy resolves the strategy for a value's dynamic type. User
// response handlers wrap the handler call and cannot take a bare value, so
// they are not consulted.
func (p *Pipeline) dynamicStrategy(v any) strategy {
	t := reflect.TypeOf(v)
	for _, e := range p.entries {
		if e.custom || !e.matches(t) || (e.requires != "" && !p.caps[e.requires]) {
			continue
		}
		return e.create(Route{Type: t, Mode: ModeEventLoop})
	}
	return strategy{name: "encode", blocking: true, send: orEmpty(sendEncoded)}
}

func asPublisher(v any) Publisher {
	switch pub := v.(type) {
	case Publisher:
		return pub
	case nil:
		return nil
	}
	if isNil(v) {
		return nil
	}
	return FromChannel(v)
}
