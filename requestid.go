package pipeline

import "github.com/oklog/ulid/v2"

// requestIDHeader carries the request id in both directions.
const requestIDHeader = "X-Request-ID"

// newID returns a ULID, sortable by creation time. ulid.Make draws from a
// process-wide monotonic entropy source and is safe for concurrent use.
func newID() string {
	return ulid.Make().String()
}
