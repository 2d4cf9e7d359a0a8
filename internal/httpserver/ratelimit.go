package httpserver

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"followup/internal/observability"
	"followup/internal/util"
)

// RateLimiter is a fixed-window counter keyed by client address. Shared
// in-process state only: a multi-instance deployment must back this with a
// shared store to keep the per-window cap cluster-wide.
type RateLimiter struct {
	Max    int
	Window time.Duration

	mu      sync.Mutex
	windows map[string]*clientWindow

	Now func() time.Time
}

type clientWindow struct {
	count   int
	resetAt time.Time
}

func NewRateLimiter(max int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		Max:     max,
		Window:  window,
		windows: map[string]*clientWindow{},
	}
}

func (l *RateLimiter) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return util.NowUTC()
}

// Allow counts one request for key. When the window is exhausted it returns
// false and how long the client should wait before retrying.
func (l *RateLimiter) Allow(key string) (ok bool, retryAfter time.Duration) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, exists := l.windows[key]
	if !exists || !now.Before(w.resetAt) {
		l.windows[key] = &clientWindow{count: 1, resetAt: now.Add(l.Window)}
		return true, 0
	}
	if w.count >= l.Max {
		return false, w.resetAt.Sub(now)
	}
	w.count++
	return true, 0
}

// Sweep drops expired windows to bound memory. Run it periodically.
func (l *RateLimiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, key)
			removed++
		}
	}
	return removed
}

func (l *RateLimiter) RunSweeper(stop <-chan struct{}, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			l.Sweep()
		}
	}
}

func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retryAfter := l.Allow(ClientKey(r))
		if !ok {
			observability.WebhookRejected.WithLabelValues("rate_limit").Inc()
			secs := int(math.Ceil(retryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, ErrRateLimited, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientKey prefers the first forwarded-for hop, falling back to the socket
// address.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
