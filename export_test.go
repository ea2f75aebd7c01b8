package pipeline

// Test-only exports for internal functions.

// PlacementFor exposes the placement decision table.
func PlacementFor(executor bool, mode ExecutionMode, blocking bool) (string, error) {
	p, err := placementFor(executor, mode, blocking)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// Negotiate exposes encoder selection for an Accept header.
func Negotiate(encoders []Encoder, accept string) (string, bool) {
	enc, ok := newCodecRegistry(encoders).negotiate(accept)
	if !ok {
		return "", false
	}
	return enc.ContentType(), true
}

// Framing exposes the content type chosen for a stream from its first item.
func Framing(first any, accept string) string {
	_, contentType := newCodecRegistry(nil).framing(first, accept)
	return contentType
}

// NewID exposes the request id generator.
var NewID = newID
