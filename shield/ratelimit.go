package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter is a fixed-window limiter keyed by client address and route.
// Only mutating methods count: reads of /status and /healthz are never
// limited.
type RateLimiter struct {
	limit      int
	window     time.Duration
	trustProxy bool
	logger     *slog.Logger
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a limiter. limit <= 0 allows everything.
func NewRateLimiter(limit int, window time.Duration, trustProxy bool, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		limit:      limit,
		window:     window,
		trustProxy: trustProxy,
		logger:     logger,
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
}

// Allow counts one request for key and reports whether it fits the window,
// with the time left until the window resets.
func (rl *RateLimiter) Allow(key string) (bool, time.Duration) {
	if rl.limit <= 0 {
		return true, 0
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		rl.buckets[key] = &bucket{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}
	b.count++
	return b.count <= rl.limit, b.resetAt.Sub(now)
}

// GC drops expired buckets and returns how many remain.
func (rl *RateLimiter) GC() int {
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, b := range rl.buckets {
		if !now.Before(b.resetAt) {
			delete(rl.buckets, k)
		}
	}
	return len(rl.buckets)
}

// Middleware rejects over-limit mutating requests with 429 and a JSON body.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			next.ServeHTTP(w, r)
			return
		}
		ip := ClientIP(r, rl.trustProxy)
		endpoint := r.Method + " " + r.URL.Path
		ok, retry := rl.Allow(ip + "|" + endpoint)
		if ok {
			next.ServeHTTP(w, r)
			return
		}
		rl.logger.Warn("shield: request rate limited", "ip", ip, "endpoint", endpoint)
		secs := int(retry.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ClientIP returns the client address. X-Forwarded-For is read only when
// trustProxy is set, since anyone can send it.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
