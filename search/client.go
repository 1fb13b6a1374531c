// Package search is the resilient multi-engine search client.
//
// A search runs tiered query strategies (primary, fallback, aggressive)
// against interchangeable JSON engines. Each engine's consecutive failures
// are tracked; failing engines are excluded from selection until they
// succeed again or until every engine is excluded, at which point all are
// reinstated. A global inter-request delay grows with the number of excluded
// engines. Expected failures never surface as errors: callers get whatever
// the healthy engines produced.
package search

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/harvest/connectivity"
)

// ErrNoEngines is returned when a client is built without engines.
var ErrNoEngines = errors.New("search: no engines configured")

// ErrUnknownEngine is returned by SearchOnce for unregistered names.
var ErrUnknownEngine = errors.New("search: unknown engine")

// Config tunes the client.
type Config struct {
	// FailureThreshold excludes an engine after this many consecutive failures. Default: 3.
	FailureThreshold int `yaml:"failure_threshold"`
	// BaseDelay is the minimum gap between two requests, multiplied by
	// 1 + excluded engines. Default: 250ms.
	BaseDelay time.Duration `yaml:"base_delay"`
	// MaxRetries per request. Default: 3.
	MaxRetries int `yaml:"max_retries"`
	// RetryBase is the first retry backoff; it doubles per attempt. Default: 500ms.
	RetryBase time.Duration `yaml:"retry_base"`
	// RetryJitter is the random extra added to each backoff. Default: 250ms.
	RetryJitter time.Duration `yaml:"retry_jitter"`
	// RequestTimeout bounds one HTTP request. Default: 15s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// RecentWindow marks results this young as relevant regardless of
	// keywords. Default: 7 days.
	RecentWindow time.Duration `yaml:"recent_window"`
	// FallbackYield and AggressiveYield are the fractions of the target
	// below which the next tier runs. Defaults: 0.3 and 0.6.
	FallbackYield   float64 `yaml:"fallback_yield"`
	AggressiveYield float64 `yaml:"aggressive_yield"`
}

func (c *Config) defaults() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 250 * time.Millisecond
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 15 * time.Second
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 7 * 24 * time.Hour
	}
	if c.FallbackYield <= 0 {
		c.FallbackYield = 0.3
	}
	if c.AggressiveYield <= 0 {
		c.AggressiveYield = 0.6
	}
}

// Query is one instrument-level search.
type Query struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	Intent   Intent `json:"intent"`
	// Target is the number of results wanted. Default: 10.
	Target int `json:"target"`
	// Aggressive allows the maximal-recall tier.
	Aggressive bool `json:"aggressive"`
}

// Response is the outcome of Search. Errors lists per-engine failures that
// were absorbed.
type Response struct {
	Results []Result       `json:"results"`
	Stages  map[string]int `json:"stages"`
	Errors  []string       `json:"errors,omitempty"`
}

// Client executes searches. Safe for concurrent use.
type Client struct {
	http    *http.Client
	engines []*Engine
	byName  map[string]*Engine
	health  *healthTracker
	policy  *bluemonday.Policy
	logger  *slog.Logger
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   Config

	paceMu sync.Mutex
	last   time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithClock overrides the clock used for recency.
func WithClock(fn func() time.Time) Option { return func(c *Client) { c.now = fn } }

// New builds a client over engines.
func New(engines []Engine, cfg Config, opts ...Option) (*Client, error) {
	if len(engines) == 0 {
		return nil, ErrNoEngines
	}
	cfg.defaults()
	c := &Client{
		http:   &http.Client{},
		byName: make(map[string]*Engine, len(engines)),
		policy: bluemonday.StrictPolicy(),
		logger: slog.Default(),
		now:    time.Now,
		cfg:    cfg,
	}
	for _, o := range opts {
		o(c)
	}
	for i := range engines {
		e := engines[i]
		if e.Name == "" || e.URLTemplate == "" {
			return nil, fmt.Errorf("search: engine %d: name and url_template required", i)
		}
		if _, dup := c.byName[e.Name]; dup {
			return nil, fmt.Errorf("search: duplicate engine %q", e.Name)
		}
		c.engines = append(c.engines, &e)
		c.byName[e.Name] = &e
	}
	c.health = newHealthTracker(cfg.FailureThreshold, c.logger)
	return c, nil
}

// SetConfig swaps tuning values at runtime.
func (c *Client) SetConfig(cfg Config) {
	cfg.defaults()
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
	c.health.setThreshold(cfg.FailureThreshold)
}

func (c *Client) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// Engines returns the engine names in registration order.
func (c *Client) Engines() []string {
	out := make([]string, len(c.engines))
	for i, e := range c.engines {
		out[i] = e.Name
	}
	return out
}

// Health returns the engine health table.
func (c *Client) Health() []EngineHealth { return c.health.snapshot() }

// Candidates returns the engines currently eligible, priority first.
func (c *Client) Candidates() []string {
	cands := c.health.candidates(c.engines)
	out := make([]string, len(cands))
	for i, e := range cands {
		out[i] = e.Name
	}
	return out
}

// Healthy reports whether at least one engine is not excluded.
func (c *Client) Healthy() bool { return c.health.excluded() < len(c.engines) }

// Search runs the tiered strategies for q and returns filtered, deduplicated
// and ranked results, at most q.Target of them.
func (c *Client) Search(ctx context.Context, q Query) Response {
	cfg := c.config()
	target := q.Target
	if target <= 0 {
		target = 10
	}
	strat := BuildStrategies(q.Symbol, q.Name, q.Exchange, q.Intent)
	resp := Response{Stages: map[string]int{}}

	var all []Result
	run := func(stage string, queries []string, limit int) {
		got := c.runStage(ctx, stage, queries, limit, &resp)
		resp.Stages[stage] = len(got)
		all = append(all, got...)
	}

	run("primary", strat.Primary, target)
	if ctx.Err() == nil && float64(len(all)) < cfg.FallbackYield*float64(target) {
		run("fallback", strat.Fallback, max(1, target/2))
	}
	if q.Aggressive && ctx.Err() == nil && float64(len(all)) < cfg.AggressiveYield*float64(target) {
		run("aggressive", strat.Aggressive, max(1, target/2))
	}

	now := c.now()
	kept := make([]Result, 0, len(all))
	for _, r := range all {
		if !relevant(r, q.Intent, now, cfg.RecentWindow) {
			continue
		}
		r.Score = score(r, q.Symbol, q.Intent)
		kept = append(kept, r)
	}
	kept = dedupe(kept)
	rank(kept)
	if len(kept) > target {
		kept = kept[:target]
	}
	resp.Results = kept
	c.logger.Debug("search: done", "symbol", q.Symbol, "intent", q.Intent, "stages", resp.Stages, "results", len(kept))
	return resp
}

// runStage issues the stage's queries until limit raw results are gathered.
// Each query tries candidate engines in order until one answers.
func (c *Client) runStage(ctx context.Context, stage string, queries []string, limit int, resp *Response) []Result {
	var out []Result
	for _, query := range queries {
		if len(out) >= limit || ctx.Err() != nil {
			break
		}
		for _, e := range c.health.candidates(c.engines) {
			rs, err := c.request(ctx, e, query, limit-len(out))
			if err != nil {
				resp.Errors = append(resp.Errors, fmt.Sprintf("%s: %v", e.Name, err))
				if ctx.Err() != nil {
					return out
				}
				continue
			}
			for i := range rs {
				rs[i].Stage = stage
			}
			room := limit - len(out)
			if len(rs) > room {
				rs = rs[:room]
			}
			out = append(out, rs...)
			break
		}
	}
	return out
}

// SearchOnce sends one raw query to a named engine: a single HTTP attempt
// with the client's pacing and health bookkeeping, no retry. The optimizer
// uses it as its provider call so that every attempt is charged to the
// provider's quota.
func (c *Client) SearchOnce(ctx context.Context, engine, query string, count int) ([]Result, error) {
	e, ok := c.byName[engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	return c.attempt(ctx, c.config(), e, query, count)
}

// request retries one query on one engine with jittered exponential backoff.
// Every attempt updates the engine's health; once the engine is excluded the
// retries stop.
func (c *Client) request(ctx context.Context, e *Engine, query string, count int) ([]Result, error) {
	cfg := c.config()
	var out []Result
	backoff := connectivity.Backoff{MaxRetries: cfg.MaxRetries, Base: cfg.RetryBase, Jitter: cfg.RetryJitter}
	err := connectivity.Do(ctx, backoff, c.logger, func(ctx context.Context) error {
		rs, err := c.attempt(ctx, cfg, e, query, count)
		if err != nil {
			return err
		}
		out = rs
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// attempt is one paced HTTP request. An error that got the engine excluded
// comes back marked permanent.
func (c *Client) attempt(ctx context.Context, cfg Config, e *Engine, query string, count int) ([]Result, error) {
	if count <= 0 {
		count = 10
	}
	if err := c.pace(ctx, cfg.BaseDelay); err != nil {
		return nil, err
	}
	rctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	out, err := e.do(rctx, c.http, query, count)
	if excluded := c.health.record(e.Name, err); err != nil {
		if excluded {
			return nil, connectivity.Permanent(err)
		}
		return nil, err
	}
	for i := range out {
		out[i].Title = c.clean(out[i].Title)
		out[i].Snippet = c.clean(out[i].Snippet)
		if out[i].Source == "" {
			out[i].Source = hostOf(out[i].URL)
		}
	}
	return out, nil
}

func (c *Client) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(c.policy.Sanitize(s)))
}

// pace enforces the global minimum gap between requests:
// base × (1 + excluded engines).
func (c *Client) pace(ctx context.Context, base time.Duration) error {
	delay := base * time.Duration(1+c.health.excluded())
	c.paceMu.Lock()
	wait := time.Until(c.last.Add(delay))
	if wait < 0 {
		wait = 0
	}
	c.last = time.Now().Add(wait)
	c.paceMu.Unlock()
	if wait == 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Delay returns the current inter-request delay.
func (c *Client) Delay() time.Duration {
	return c.config().BaseDelay * time.Duration(1+c.health.excluded())
}
