package pipeline

import (
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// limited rejects a request that exceeded the route limiter.
func (c *Chain) limited(s *Sink, l *rate.Limiter) {
	retryAfter := 1
	if limit := l.Limit(); limit > 0 && limit < 1 {
		retryAfter = int(math.Ceil(1 / float64(limit)))
	}
	//nolint:errcheck // the Sink is still open here
	s.SetHeader("Retry-After", strconv.Itoa(retryAfter))
	//nolint:errcheck // terminal error path
	s.SendError(Error(http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests)))
}
