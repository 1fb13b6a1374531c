package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/connectivity"
	"github.com/hazyhaar/harvest/content"
)

// ClientConfig configures the HTTP generator.
type ClientConfig struct {
	Endpoint string `yaml:"endpoint"`
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`
	// Timeout per attempt. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries on temporary failures. Default: 2.
	MaxRetries int `yaml:"max_retries"`
	// RetryBase is the first backoff. Default: 1s.
	RetryBase time.Duration `yaml:"retry_base"`
	// BreakerThreshold opens the breaker after this many failed calls. Default: 5.
	BreakerThreshold int `yaml:"breaker_threshold"`
	// BreakerReset is how long the breaker stays open. Default: 60s.
	BreakerReset time.Duration `yaml:"breaker_reset"`
	// MaxDocuments sent per request, longest text cut. Default: 20.
	MaxDocuments int `yaml:"max_documents"`
	// AllowPrivate permits a generator on a private network.
	AllowPrivate bool `yaml:"allow_private"`
}

func (c *ClientConfig) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 60 * time.Second
	}
	if c.MaxDocuments <= 0 {
		c.MaxDocuments = 20
	}
}

// Client posts requests to an HTTP insight service as JSON and decodes a
// Data body. Calls go through recovery, a circuit breaker, retry and a
// per-attempt timeout.
type Client struct {
	call    connectivity.Handler
	breaker *connectivity.CircuitBreaker
	cfg     ClientConfig
	now     func() time.Time
}

// NewClient builds the HTTP generator.
func NewClient(cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	post, err := connectivity.HTTPPost(cfg.Endpoint, connectivity.HTTPOptions{
		Client:       &http.Client{},
		Header:       header,
		AllowPrivate: cfg.AllowPrivate,
	})
	if err != nil {
		return nil, fmt.Errorf("insight: %w", err)
	}
	cb := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(cfg.BreakerThreshold),
		connectivity.WithBreakerResetTimeout(cfg.BreakerReset),
	)
	call := connectivity.Chain(
		connectivity.Recovery(logger),
		connectivity.Logging(logger, "insight"),
		connectivity.WithCircuitBreaker(cb, "insight"),
		connectivity.WithRetry(connectivity.Backoff{MaxRetries: cfg.MaxRetries, Base: cfg.RetryBase, Jitter: cfg.RetryBase / 2}, logger),
		connectivity.Timeout(cfg.Timeout),
	)(post)
	return &Client{call: call, breaker: cb, cfg: cfg, now: time.Now}, nil
}

// Enabled is always true for a constructed client.
func (c *Client) Enabled() bool { return true }

// Breaker exposes the breaker state for status probes.
func (c *Client) Breaker() connectivity.BreakerState { return c.breaker.State() }

// GenerateInsights sends req and returns the generator's answer.
func (c *Client) GenerateInsights(ctx context.Context, req Request) (*Data, error) {
	docs := make([]content.Result, 0, min(len(req.Documents), c.cfg.MaxDocuments))
	for _, d := range req.Documents[:min(len(req.Documents), c.cfg.MaxDocuments)] {
		// Markdown supersedes the raw text on the wire.
		if d.Markdown != "" {
			d.ExtractedText = ""
		}
		docs = append(docs, d)
	}
	req.Documents = docs
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("insight: marshal: %w", err)
	}
	body, err := c.call(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("insight: %s: %w", req.Symbol, err)
	}
	var d Data
	if err := json.Unmarshal(body, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if strings.TrimSpace(d.Summary) == "" && len(d.KeyPoints) == 0 {
		return nil, fmt.Errorf("%w: empty insight", ErrBadResponse)
	}
	if d.Symbol == "" {
		d.Symbol = req.Symbol
	}
	if d.GeneratedAt.IsZero() {
		d.GeneratedAt = c.now()
	}
	d.Available = true
	return &d, nil
}
