package pipeline

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Encoder encodes response values to a wire format.
type Encoder interface {
	ContentType() string
	Encode(w io.Writer, v any) error
}

// jsonCodec encodes JSON with sonic using encoding/json compatible settings.
type jsonCodec struct{}

func (jsonCodec) ContentType() string { return "application/json" }

func (jsonCodec) Encode(w io.Writer, v any) error {
	return sonic.ConfigStd.NewEncoder(w).Encode(v)
}

// xmlCodec encodes XML.
type xmlCodec struct{}

func (xmlCodec) ContentType() string { return "application/xml" }

func (xmlCodec) Encode(w io.Writer, v any) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}

// codecRegistry holds all registered encoders.
// Index 0 is always JSON (the default).
type codecRegistry struct {
	encoders []Encoder
}

// newCodecRegistry builds a registry with JSON first, XML second, then any
// user-registered encoders.
func newCodecRegistry(userEncoders []Encoder) *codecRegistry {
	cr := &codecRegistry{
		encoders: make([]Encoder, 0, 2+len(userEncoders)),
	}
	cr.encoders = append(cr.encoders, jsonCodec{}, xmlCodec{})
	cr.encoders = append(cr.encoders, userEncoders...)
	return cr
}

// negotiate picks an encoder based on the Accept header value.
// Returns (JSON, true) for empty or */* accept values.
// Returns (nil, false) if an explicit Accept has no match.
func (cr *codecRegistry) negotiate(accept string) (Encoder, bool) {
	if accept == "" {
		return cr.encoders[0], true
	}

	type candidate struct {
		encoder Encoder
		quality float64
	}

	var best candidate
	best.quality = -1

	for part := range strings.SplitSeq(accept, ",") {
		mediaType, params, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}

		q := 1.0
		if qs, ok := params["q"]; ok {
			if parsed, err := strconv.ParseFloat(qs, 64); err == nil {
				q = parsed
			}
		}

		if q <= 0 || q <= best.quality {
			continue
		}

		if mediaType == "*/*" || mediaType == "application/*" {
			best = candidate{encoder: cr.encoders[0], quality: q}
			continue
		}

		for _, enc := range cr.encoders {
			if enc.ContentType() == mediaType {
				best = candidate{encoder: enc, quality: q}
				break
			}
		}
	}

	if best.encoder == nil {
		return nil, false
	}
	return best.encoder, true
}

// marshal encodes v with the encoder negotiated for accept.
func (cr *codecRegistry) marshal(v any, accept string) ([]byte, string, error) {
	enc, ok := cr.negotiate(accept)
	if !ok {
		return nil, "", ErrNotAcceptable
	}
	var buf bytes.Buffer
	if err := enc.Encode(&buf, v); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), enc.ContentType(), nil
}

// frameFunc turns one published item into one chunk.
type frameFunc func(v any) ([]byte, error)

// framing chooses how a stream is framed from its first item.
func (cr *codecRegistry) framing(first any, accept string) (frameFunc, string) {
	encodeJSON := func(v any) ([]byte, error) {
		var buf bytes.Buffer
		if err := cr.encoders[0].Encode(&buf, v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	switch first.(type) {
	case SSEEvent, *SSEEvent:
		return func(v any) ([]byte, error) {
			var event SSEEvent
			switch e := v.(type) {
			case SSEEvent:
				event = e
			case *SSEEvent:
				event = *e
			default:
				event = SSEEvent{Data: v}
			}
			var buf bytes.Buffer
			if err := writeSSEEvent(&buf, event, encodeJSON); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		}, "text/event-stream"
	case string:
		return rawFrame, textContentType
	case []byte:
		return rawFrame, binaryContentType
	}

	enc, ok := cr.negotiate(accept)
	if !ok || enc.ContentType() == "application/json" {
		return encodeJSON, "application/x-ndjson"
	}
	return func(v any) ([]byte, error) {
		var buf bytes.Buffer
		if err := enc.Encode(&buf, v); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}, enc.ContentType()
}

func rawFrame(v any) ([]byte, error) {
	switch b := v.(type) {
	case string:
		return []byte(b), nil
	case []byte:
		return b, nil
	}
	return []byte(fmt.Sprint(v)), nil
}
