package server

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleClient is how long a client's bucket is kept after its last request
const idleClient = 10 * time.Minute

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// clientLimiter keeps one token bucket per client address. A budget of n per
// minute refills at n/60 per second and allows a burst of n.
type clientLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu      sync.Mutex
	clients map[string]*bucket
	swept   time.Time
}

func newClientLimiter(perMinute int, now func() time.Time) *clientLimiter {
	return &clientLimiter{
		limit:   rate.Limit(float64(perMinute) / 60),
		burst:   perMinute,
		now:     now,
		clients: make(map[string]*bucket),
		swept:   now(),
	}
}

// allow reports whether ip may make a request now. When it may not, the
// returned duration is how long until the next token.
func (l *clientLimiter) allow(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.swept) >= idleClient {
		for key, b := range l.clients {
			if now.Sub(b.seen) >= idleClient {
				delete(l.clients, key)
			}
		}
		l.swept = now
	}

	b, ok := l.clients[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = b
	}
	b.seen = now

	r := b.limiter.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}

// limited wraps h with the per-client budget configured for route. Routes
// without a positive budget are not limited.
func (s *Server) limited(route string, h http.HandlerFunc) http.HandlerFunc {
	perMinute := s.deps.RateLimits[route]
	if perMinute <= 0 {
		return h
	}
	l := newClientLimiter(perMinute, func() time.Time { return s.now() })
	return func(w http.ResponseWriter, r *http.Request) {
		ok, wait := l.allow(clientIP(r))
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			logger(r.Context()).Info("rate limited", "route", route, "client", clientIP(r), "retry_after", wait)
			writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		h(w, r)
	}
}
