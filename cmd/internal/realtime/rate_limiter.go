package realtime

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter caps inbound frames per connection: events per window, with the
// whole window available as burst.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter constructs a RateLimiter; non-positive inputs fall back to the
// gateway defaults.
func NewRateLimiter(events int, window time.Duration) *RateLimiter {
	if events <= 0 {
		events = defaultRateEvents
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	every := window / time.Duration(events)
	if every <= 0 {
		every = time.Nanosecond
	}
	return &RateLimiter{lim: rate.NewLimiter(rate.Every(every), events)}
}

// Allow reports whether a frame received at now is permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	return r.lim.AllowN(now, 1)
}
