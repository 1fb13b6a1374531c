package config

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/harvest/schedule"
	"github.com/hazyhaar/harvest/search"
	"github.com/hazyhaar/harvest/watch"
)

// Reloadable components. *schedule.Scheduler, *optimizer.Optimizer,
// *search.Client and *taskqueue.Q satisfy them.
type (
	TableSetter interface {
		SetTables(schedule.Tables)
	}
	RateLimitSetter interface {
		SetRateLimits(map[string]int)
	}
	SearchTuner interface {
		SetConfig(search.Config)
	}
	RetryTuner interface {
		SetRetryPolicy(maxAttempts int, baseBackoff time.Duration)
	}
)

// Targets receives reloaded sections. Nil members are skipped.
type Targets struct {
	Scheduler TableSetter
	Optimizer RateLimitSetter
	Search    SearchTuner
	Queue     RetryTuner
}

// Reloader re-reads a config file on change and pushes the reloadable
// sections to its targets. A file that fails to load or validate is
// rejected and the previous configuration stays in force.
type Reloader struct {
	path    string
	targets Targets
	watcher *watch.Watcher
	logger  *slog.Logger

	mu      sync.Mutex
	current Config
}

// NewReloader starts from the already-loaded cfg.
func NewReloader(path string, cfg Config, targets Targets, debounce time.Duration, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		path:    path,
		targets: targets,
		watcher: watch.New(path, watch.Options{Debounce: debounce, Logger: logger}),
		logger:  logger,
		current: cfg,
	}
}

// Current returns the configuration in force.
func (r *Reloader) Current() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Version counts successful reloads.
func (r *Reloader) Version() int64 { return r.watcher.Version() }

// WaitForVersion blocks until at least n reloads succeeded.
func (r *Reloader) WaitForVersion(ctx context.Context, n int64) error {
	return r.watcher.WaitForVersion(ctx, n)
}

// Run blocks until ctx is cancelled.
func (r *Reloader) Run(ctx context.Context) error {
	return r.watcher.OnChange(ctx, r.Reload)
}

// Reload loads the file now and applies it.
func (r *Reloader) Reload() error {
	next, err := Load(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	prev := r.current
	r.current = next
	r.mu.Unlock()

	r.apply(next)
	for _, f := range restartOnly(prev, next) {
		r.logger.Warn("config: change needs a restart", "field", f)
	}
	return nil
}

func (r *Reloader) apply(c Config) {
	t := r.targets
	if t.Scheduler != nil {
		t.Scheduler.SetTables(c.Tables)
	}
	if t.Optimizer != nil {
		t.Optimizer.SetRateLimits(c.Optimizer.RateLimits)
	}
	if t.Search != nil {
		t.Search.SetConfig(c.Search.Config)
	}
	if t.Queue != nil {
		t.Queue.SetRetryPolicy(c.Queue.MaxAttempts, c.Queue.BaseBackoff)
	}
	r.logger.Info("config: applied",
		"exchanges", len(c.Tables.Exchanges),
		"rate_limits", len(c.Optimizer.RateLimits),
		"max_attempts", c.Queue.MaxAttempts)
}

// restartOnly lists the changed fields no running component picks up.
func restartOnly(a, b Config) []string {
	var out []string
	check := func(name string, changed bool) {
		if changed {
			out = append(out, name)
		}
	}
	check("data_dir", a.DataDir != b.DataDir)
	check("listen", a.Listen != b.Listen)
	check("log_level", a.LogLevel != b.LogLevel)
	check("markdown_dir", a.MarkdownDir != b.MarkdownDir)
	check("auth", a.Auth != b.Auth)
	check("http", a.HTTP != b.HTTP)
	check("mcp", a.MCP != b.MCP)
	check("queue.lease", a.Queue.Lease != b.Queue.Lease)
	check("insight", a.Insight != b.Insight)
	return out
}
