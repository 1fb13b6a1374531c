package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/hazyhaar/harvest/schedule"
	"github.com/hazyhaar/harvest/search"
	"github.com/hazyhaar/harvest/task"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// WHAT: With no file, Load returns the validated defaults.
// WHY: The harvester must start with zero configuration.
func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.MaxAttempts != 3 || cfg.Queue.BaseBackoff != 2*time.Second {
		t.Fatalf("queue = %+v", cfg.Queue)
	}
	if cfg.Tables.Exchanges["BSE"] != 1.3 {
		t.Fatalf("BSE multiplier = %v", cfg.Tables.Exchanges["BSE"])
	}
	if cfg.Orchestrator.Concurrency[task.LiveAnalysis] != 4 {
		t.Fatalf("live concurrency = %d", cfg.Orchestrator.Concurrency[task.LiveAnalysis])
	}
}

// WHAT: A partial file overrides named keys and keeps the other defaults.
// WHY: Operators only write what they change; maps merge key by key.
func TestLoad_MergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	writeFile(t, path, `
data_dir: /var/lib/harvest
queue:
  max_attempts: 5
  base_backoff: 3s
tables:
  exchanges:
    NSE: 1.2
orchestrator:
  concurrency:
    live_analysis: 8
optimizer:
  rate_limits:
    brave: 20
search:
  failure_threshold: 4
  engines:
    - name: brave
      url_template: https://api.example.com/search?q={query}
      result_path: results
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != "/var/lib/harvest" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.Queue.MaxAttempts != 5 || cfg.Queue.BaseBackoff != 3*time.Second || cfg.Queue.MaxStalls != 2 {
		t.Errorf("queue = %+v", cfg.Queue)
	}
	if got := cfg.Tables.Exchanges; got["NSE"] != 1.2 || got["BSE"] != 1.3 {
		t.Errorf("exchanges = %v", got)
	}
	if got := cfg.Orchestrator.Concurrency; got[task.LiveAnalysis] != 8 || got[task.CompanyAnalysis] != 3 {
		t.Errorf("concurrency = %v", got)
	}
	if cfg.Search.FailureThreshold != 4 || cfg.Search.MaxRetries != 3 {
		t.Errorf("search = %+v", cfg.Search.Config)
	}
	want := []search.Engine{{Name: "brave", URLTemplate: "https://api.example.com/search?q={query}", ResultPath: "results"}}
	if diff := cmp.Diff(want, cfg.Search.Engines); diff != "" {
		t.Errorf("engines (-want +got):\n%s", diff)
	}
	if cfg.Optimizer.RateLimits["brave"] != 20 {
		t.Errorf("rate limits = %v", cfg.Optimizer.RateLimits)
	}
}

// WHAT: Out-of-range values and unknown keys fail Load.
// WHY: A bad file must never reach running components.
func TestLoad_Rejects(t *testing.T) {
	cases := map[string]string{
		"max attempts":      "queue:\n  max_attempts: 0\n",
		"negative rate":     "optimizer:\n  rate_limits:\n    brave: 0\n",
		"log level":         "log_level: loud\n",
		"exchange":          "tables:\n  exchanges:\n    NSE: -1\n",
		"concurrency":       "orchestrator:\n  concurrency:\n    live_analysis: 500\n",
		"yield":             "search:\n  fallback_yield: 1.5\n",
		"duplicate engine":  "search:\n  engines:\n    - {name: a, url_template: x}\n    - {name: a, url_template: y}\n",
		"auth without user": "auth:\n  password_hash: $2a$10$abc\n",
		"tiny body cap":     "http:\n  max_body: 10\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "harvest.yaml")
			writeFile(t, path, body)
			_, err := Load(path)
			if !errors.Is(err, ErrInvalid) {
				t.Fatalf("err = %v, want ErrInvalid", err)
			}
		})
	}

	path := filepath.Join(t.TempDir(), "harvest.yaml")
	writeFile(t, path, "queue:\n  max_atempts: 4\n")
	if _, err := Load(path); err == nil {
		t.Fatal("unknown key accepted")
	}
}

// WHAT: Environment variables override paths, addresses and secrets.
// WHY: Deployments inject secrets without writing them to the file.
func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HARVEST_DATA_DIR":         "/data",
		"HARVEST_LISTEN":           "127.0.0.1:9000",
		"LOG_LEVEL":                "debug",
		"HARVEST_INSIGHT_ENDPOINT": "http://insight.local/generate",
		"HARVEST_INSIGHT_API_KEY":  "k",
		"HARVEST_MCP_STDIO":        "true",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })
	got := []string{cfg.DataDir, cfg.Listen, cfg.LogLevel, cfg.Insight.Endpoint, cfg.Insight.APIKey}
	want := []string{"/data", "127.0.0.1:9000", "debug", "http://insight.local/generate", "k"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if !cfg.MCP.Stdio {
		t.Error("mcp stdio not enabled")
	}
}

type targets struct {
	mu       sync.Mutex
	tables   []schedule.Tables
	limits   []map[string]int
	searches []search.Config
	retries  []int
}

func (f *targets) SetTables(t schedule.Tables) {
	f.mu.Lock()
	f.tables = append(f.tables, t)
	f.mu.Unlock()
}

func (f *targets) SetRateLimits(l map[string]int) {
	f.mu.Lock()
	f.limits = append(f.limits, l)
	f.mu.Unlock()
}

func (f *targets) SetConfig(c search.Config) {
	f.mu.Lock()
	f.searches = append(f.searches, c)
	f.mu.Unlock()
}

func (f *targets) SetRetryPolicy(n int, _ time.Duration) {
	f.mu.Lock()
	f.retries = append(f.retries, n)
	f.mu.Unlock()
}

// WHAT: An edited file is pushed to every target; an invalid edit is rejected.
// WHY: Cadence tables and quotas change without a restart, and a typo must
// not wipe them.
func TestReloader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	writeFile(t, path, "queue:\n  max_attempts: 3\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	f := &targets{}
	r := NewReloader(path, cfg, Targets{Scheduler: f, Optimizer: f, Search: f, Queue: f}, 50*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	time.Sleep(50 * time.Millisecond)

	writeFile(t, path, "queue:\n  max_attempts: 6\ntables:\n  exchanges:\n    NSE: 2\noptimizer:\n  rate_limits:\n    brave: 10\n")
	wctx, wcancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer wcancel()
	if err := r.WaitForVersion(wctx, 1); err != nil {
		t.Fatalf("no reload: %v", err)
	}

	f.mu.Lock()
	if len(f.tables) != 1 || f.tables[0].Exchanges["NSE"] != 2 {
		t.Errorf("tables = %+v", f.tables)
	}
	if len(f.limits) != 1 || f.limits[0]["brave"] != 10 {
		t.Errorf("limits = %v", f.limits)
	}
	if diff := cmp.Diff([]int{6}, f.retries); diff != "" {
		t.Errorf("retries (-want +got):\n%s", diff)
	}
	if len(f.searches) != 1 {
		t.Errorf("search configs = %d", len(f.searches))
	}
	f.mu.Unlock()

	writeFile(t, path, "queue:\n  max_attempts: 0\n")
	time.Sleep(300 * time.Millisecond)
	if r.Version() != 1 {
		t.Fatalf("version = %d after invalid edit", r.Version())
	}
	if got := r.Current().Queue.MaxAttempts; got != 6 {
		t.Fatalf("current max_attempts = %d, want 6", got)
	}
}
