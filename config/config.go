// CLAUDE:SUMMARY YAML configuration of the harvester: defaults, env overrides, validation, hot reload fan-out.
// Package config loads the harvester configuration.
//
// Load starts from Default, decodes the YAML file over it (maps merge,
// lists replace), applies environment overrides and validates. Values out
// of range fail Load: a bad file never reaches the components.
//
// The reloadable sections (cadence tables, provider rate limits, search
// tuning, retry policy) are pushed to the running components by a Reloader
// whenever the file changes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/harvest/content"
	"github.com/hazyhaar/harvest/insight"
	"github.com/hazyhaar/harvest/optimizer"
	"github.com/hazyhaar/harvest/orchestrator"
	"github.com/hazyhaar/harvest/schedule"
	"github.com/hazyhaar/harvest/search"
	"github.com/hazyhaar/harvest/shield"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the whole harvester configuration.
type Config struct {
	// DataDir holds the SQLite databases. Env: HARVEST_DATA_DIR.
	DataDir string `yaml:"data_dir"`
	// Listen is the control surface address. Env: HARVEST_LISTEN.
	Listen string `yaml:"listen"`
	// LogLevel is debug, info, warn or error. Env: LOG_LEVEL.
	LogLevel string `yaml:"log_level"`
	// MarkdownDir, when set, mirrors stored documents as .md files.
	MarkdownDir string `yaml:"markdown_dir"`

	Auth         Auth                 `yaml:"auth"`
	HTTP         shield.Config        `yaml:"http"`
	MCP          MCP                  `yaml:"mcp"`
	Schedule     schedule.Config      `yaml:"schedule"`
	Tables       schedule.Tables      `yaml:"tables"`
	Queue        Queue                `yaml:"queue"`
	Orchestrator orchestrator.Config  `yaml:"orchestrator"`
	Search       Search               `yaml:"search"`
	Optimizer    optimizer.Config     `yaml:"optimizer"`
	Content      Content              `yaml:"content"`
	Insight      insight.ClientConfig `yaml:"insight"`
	Retention    Retention            `yaml:"retention"`
}

// Auth protects the control surface with Basic auth. An empty PasswordHash
// leaves it open. Env: HARVEST_AUTH_USER, HARVEST_AUTH_HASH.
type Auth struct {
	User         string `yaml:"user"`
	PasswordHash string `yaml:"password_hash"`
}

// MCP enables the MCP tool server on stdio.
type MCP struct {
	Stdio bool `yaml:"stdio"`
}

// Queue is the durable queue tuning.
//
// Lease may be shorter than the task timeouts: the pool renews it every
// Lease/3 while a handler runs, up to the type's timeout. It bounds how long a
// task from a crashed process stays invisible.
type Queue struct {
	Lease        time.Duration `yaml:"lease"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	BaseBackoff  time.Duration `yaml:"base_backoff"`
	MaxStalls    int           `yaml:"max_stalls"`
}

// Search is the resilient client tuning and its engines.
type Search struct {
	search.Config `yaml:",inline"`
	Engines       []search.Engine `yaml:"engines"`
}

// Content is the fetch and processing tuning. Browser is nil when pages
// are never rendered.
type Content struct {
	content.Config `yaml:",inline"`
	Fetch          content.FetchConfig    `yaml:"fetch"`
	Browser        *content.BrowserConfig `yaml:"browser"`
}

// Retention bounds what the harvester keeps.
type Retention struct {
	Tasks   time.Duration `yaml:"tasks"`
	Events  time.Duration `yaml:"events"`
	Metrics time.Duration `yaml:"metrics"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:  "data",
		Listen:   ":8080",
		LogLevel: "info",
		HTTP:     shield.DefaultConfig(),
		Tables:   schedule.DefaultTables(),
		Queue: Queue{
			Lease:        3 * time.Minute,
			PollInterval: 250 * time.Millisecond,
			MaxAttempts:  3,
			BaseBackoff:  2 * time.Second,
			MaxStalls:    2,
		},
		Orchestrator: orchestrator.Config{
			Concurrency: orchestrator.DefaultConcurrency(),
			Timeouts:    orchestrator.DefaultTimeouts(),
		},
		Search: Search{Config: search.Config{
			FailureThreshold: 3,
			BaseDelay:        250 * time.Millisecond,
			MaxRetries:       3,
			FallbackYield:    0.3,
			AggressiveYield:  0.6,
		}},
		Optimizer: optimizer.Config{DefaultRateLimit: 30, BatchSize: 3},
		Retention: Retention{
			Tasks:   7 * 24 * time.Hour,
			Events:  30 * 24 * time.Hour,
			Metrics: 30 * 24 * time.Hour,
		},
	}
}

// Load reads path over Default. An empty path loads Default alone.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Decode unmarshals YAML over cfg, rejecting unknown keys.
func Decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	env := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	env("HARVEST_DATA_DIR", &c.DataDir)
	env("HARVEST_LISTEN", &c.Listen)
	env("LOG_LEVEL", &c.LogLevel)
	env("HARVEST_MARKDOWN_DIR", &c.MarkdownDir)
	env("HARVEST_AUTH_USER", &c.Auth.User)
	env("HARVEST_AUTH_HASH", &c.Auth.PasswordHash)
	env("HARVEST_INSIGHT_ENDPOINT", &c.Insight.Endpoint)
	env("HARVEST_INSIGHT_API_KEY", &c.Insight.APIKey)
	if v := getenv("HARVEST_MCP_STDIO"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MCP.Stdio = b
		}
	}
}

// Validate checks every section. It also normalises the cadence tables.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrInvalid)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalid, c.LogLevel)
	}
	if c.Auth.PasswordHash != "" && c.Auth.User == "" {
		return fmt.Errorf("%w: auth.password_hash set without auth.user", ErrInvalid)
	}
	if c.HTTP.MaxBody < 1024 {
		return fmt.Errorf("%w: http.max_body %d below 1024", ErrInvalid, c.HTTP.MaxBody)
	}
	if c.HTTP.RateLimit < 0 || (c.HTTP.RateLimit > 0 && c.HTTP.RateWindow <= 0) {
		return fmt.Errorf("%w: http.rate_limit needs a positive rate_window", ErrInvalid)
	}
	if err := c.Tables.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := c.Orchestrator.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if c.Queue.MaxAttempts < 1 || c.Queue.MaxAttempts > 20 {
		return fmt.Errorf("%w: queue.max_attempts %d out of [1,20]", ErrInvalid, c.Queue.MaxAttempts)
	}
	if c.Queue.BaseBackoff <= 0 || c.Queue.Lease <= 0 || c.Queue.PollInterval <= 0 {
		return fmt.Errorf("%w: queue durations must be positive", ErrInvalid)
	}
	if c.Queue.MaxStalls < 1 {
		return fmt.Errorf("%w: queue.max_stalls must be >= 1", ErrInvalid)
	}
	if err := validateSearch(c.Search); err != nil {
		return err
	}
	if err := ValidateRateLimits(c.Optimizer.RateLimits); err != nil {
		return err
	}
	if c.Optimizer.BatchSize < 0 || c.Optimizer.BatchSize > 10 {
		return fmt.Errorf("%w: optimizer.batch_size %d out of [0,10]", ErrInvalid, c.Optimizer.BatchSize)
	}
	if n := c.Content.Concurrency; n < 0 || n > 32 {
		return fmt.Errorf("%w: content.concurrency %d out of [0,32]", ErrInvalid, n)
	}
	if t := c.Content.RelevanceThreshold; t < 0 || t > 1 {
		return fmt.Errorf("%w: content.relevance_threshold %v out of [0,1]", ErrInvalid, t)
	}
	return nil
}

func validateSearch(s Search) error {
	if s.FailureThreshold < 1 {
		return fmt.Errorf("%w: search.failure_threshold must be >= 1", ErrInvalid)
	}
	if s.MaxRetries < 1 || s.MaxRetries > 10 {
		return fmt.Errorf("%w: search.max_retries %d out of [1,10]", ErrInvalid, s.MaxRetries)
	}
	if s.FallbackYield < 0 || s.FallbackYield > 1 || s.AggressiveYield < 0 || s.AggressiveYield > 1 {
		return fmt.Errorf("%w: search yields must be in [0,1]", ErrInvalid)
	}
	seen := map[string]bool{}
	for _, e := range s.Engines {
		if e.Name == "" || e.URLTemplate == "" {
			return fmt.Errorf("%w: search engine needs name and url_template", ErrInvalid)
		}
		if seen[e.Name] {
			return fmt.Errorf("%w: duplicate search engine %q", ErrInvalid, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// ValidateRateLimits rejects non-positive per-minute quotas.
func ValidateRateLimits(limits map[string]int) error {
	for p, n := range limits {
		if n < 1 {
			return fmt.Errorf("%w: rate limit for %s must be >= 1", ErrInvalid, p)
		}
	}
	return nil
}
