package auth

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"auth-service/internal/observability"
)

// IPThrottle caps requests per client address in fixed windows. It sits in
// front of login and signup and is independent of per-account lockout.
type IPThrottle struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	windows   map[string]ipWindow
	nextSweep time.Time
	now       func() time.Time
}

type ipWindow struct {
	startedAt time.Time
	hits      int
}

func NewIPThrottle(maxHits int, window time.Duration) *IPThrottle {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &IPThrottle{
		maxHits: maxHits,
		window:  window,
		windows: make(map[string]ipWindow),
		now:     time.Now,
	}
}

func (t *IPThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := t.Allow(observability.ClientIP(r))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "too many attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Allow counts one hit for ip and reports whether it fits in the current
// window, and if not, how long until the window resets.
func (t *IPThrottle) Allow(ip string) (bool, time.Duration) {
	now := t.now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()

	if !now.Before(t.nextSweep) {
		t.sweep(now)
		t.nextSweep = now.Add(t.window)
	}

	current, ok := t.windows[ip]
	if !ok || !now.Before(current.startedAt.Add(t.window)) {
		current = ipWindow{startedAt: now}
	}
	current.hits++
	t.windows[ip] = current

	if current.hits <= t.maxHits {
		return true, 0
	}

	retryAfter := current.startedAt.Add(t.window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return false, retryAfter
}

// sweep drops windows that have run out. It runs at most once per window,
// so the map holds only addresses seen in the last two windows.
func (t *IPThrottle) sweep(now time.Time) {
	for ip, w := range t.windows {
		if !now.Before(w.startedAt.Add(t.window)) {
			delete(t.windows, ip)
		}
	}
}
