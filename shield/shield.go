// CLAUDE:SUMMARY HTTP middleware for the control surface: security headers, body limit, per-client rate limit.
// Package shield holds the HTTP middleware the control surface runs behind.
//
// Usage:
//
//	st := shield.New(cfg, logger)
//	for _, mw := range st.Middleware() {
//	    r.Use(mw)
//	}
//
// The rate limiter keeps one bucket per client and route; call GC
// periodically to drop expired buckets.
package shield

import (
	"log/slog"
	"net/http"
	"time"
)

// Config tunes the middleware stack.
type Config struct {
	// MaxBody caps request bodies, in bytes.
	MaxBody int64 `yaml:"max_body"`
	// RateLimit is the number of mutating requests one client may send to
	// one route per RateWindow. Zero disables limiting.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
}

// DefaultConfig is a 1 MiB body cap and 60 mutating requests per minute.
func DefaultConfig() Config {
	return Config{MaxBody: 1 << 20, RateLimit: 60, RateWindow: time.Minute}
}

// Stack is the configured middleware together with its limiter.
type Stack struct {
	cfg     Config
	Limiter *RateLimiter
}

// New builds the stack. A nil logger uses slog.Default.
func New(cfg Config, logger *slog.Logger) *Stack {
	d := DefaultConfig()
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = d.MaxBody
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = d.RateWindow
	}
	return &Stack{cfg: cfg, Limiter: NewRateLimiter(cfg.RateLimit, cfg.RateWindow, cfg.TrustProxy, logger)}
}

// Middleware returns the stack in application order.
func (s *Stack) Middleware() []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		SecurityHeaders(DefaultHeaders()),
		MaxBody(s.cfg.MaxBody),
		s.Limiter.Middleware,
	}
}
