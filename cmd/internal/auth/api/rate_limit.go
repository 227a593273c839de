package authapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ipLimiter throttles session creation per client IP.
type ipLimiter struct {
	mu      sync.Mutex
	every   rate.Limit
	burst   int
	idleTTL time.Duration
	entries map[string]*ipEntry
	lastGC  time.Time
}

type ipEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func newIPLimiter(perMinute, burst int) *ipLimiter {
	if perMinute <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   burst,
		idleTTL: 10 * time.Minute,
		entries: make(map[string]*ipEntry),
	}
}

// allow reports whether key may proceed at now and, if not, how long to wait.
func (l *ipLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	if l == nil || key == "" {
		return true, 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.gcLocked(now)

	e, ok := l.entries[key]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.every, l.burst)}
		l.entries[key] = e
	}
	e.seen = now

	r := e.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, time.Minute
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

func (l *ipLimiter) gcLocked(now time.Time) {
	if now.Sub(l.lastGC) < l.idleTTL {
		return
	}
	l.lastGC = now
	for k, e := range l.entries {
		if now.Sub(e.seen) > l.idleTTL {
			delete(l.entries, k)
		}
	}
}

func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	if retryAfter > 0 {
		secs := int64(retryAfter / time.Second)
		if retryAfter%time.Second != 0 {
			secs++
		}
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	}
	writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
}
