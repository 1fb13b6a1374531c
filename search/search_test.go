package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var fast = Config{
	BaseDelay:   time.Microsecond,
	MaxRetries:  1,
	RetryBase:   time.Microsecond,
	RetryJitter: time.Microsecond,
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func jsonServer(t *testing.T, fn func(q string) (int, any)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, body := fn(r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hits(items ...map[string]any) map[string]any {
	if items == nil {
		items = []map[string]any{}
	}
	return map[string]any{"data": map[string]any{"results": items}}
}

func engine(name, base string, priority bool) Engine {
	return Engine{
		Name:        name,
		URLTemplate: base + "?q={query}&n={count}",
		ResultPath:  "data.results",
		Fields:      map[string]string{"snippet": "description", "published": "meta.date"},
		Priority:    priority,
	}
}

func TestEngine_DoMapsFields(t *testing.T) {
	// WHAT: Nested result path and dotted field paths are mapped into Results.
	srv := jsonServer(t, func(q string) (int, any) {
		return 200, hits(
			map[string]any{"title": "AAPL beats", "url": "https://www.reuters.com/a", "description": "Apple results", "meta": map[string]any{"date": "2026-03-01"}},
			map[string]any{"title": "no url"},
		)
	})
	e := engine("brave", srv.URL, false)
	rs, err := e.do(context.Background(), srv.Client(), "AAPL earnings", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(rs) != 1 {
		t.Fatalf("results: %+v", rs)
	}
	r := rs[0]
	if r.Snippet != "Apple results" || r.Engine != "brave" || r.PublishedAt.Format("2006-01-02") != "2026-03-01" {
		t.Fatalf("mapped: %+v", r)
	}
}

func TestParsePublished(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	cases := map[string]time.Time{
		"2 days ago":           now.Add(-48 * time.Hour),
		"an hour ago":          now.Add(-time.Hour),
		"2026-02-27T10:00:00Z": time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC),
		"garbage":              {},
	}
	for in, want := range cases {
		if got := parsePublished(in, now); !got.Equal(want) {
			t.Errorf("parsePublished(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestHealth_AllExcludedResets(t *testing.T) {
	// WHAT: When every engine hits the failure threshold the next selection is non-empty.
	// WHY: A transient outage across all engines must not lock the client out forever.
	engines := []*Engine{{Name: "a"}, {Name: "b", Priority: true}, {Name: "c"}}
	h := newHealthTracker(3, quiet())
	boom := errors.New("503")
	for _, e := range engines {
		for range 3 {
			h.record(e.Name, boom)
		}
	}
	if h.excluded() != 3 {
		t.Fatalf("excluded: %d", h.excluded())
	}
	got := h.candidates(engines)
	if len(got) != 3 || got[0].Name != "b" {
		t.Fatalf("candidates after reset: %v", got)
	}
	if h.excluded() != 0 {
		t.Fatal("exclusions not cleared")
	}
}

func TestHealth_SuccessReinstates(t *testing.T) {
	h := newHealthTracker(2, quiet())
	h.record("a", errors.New("x"))
	if h.record("a", errors.New("x")) != true {
		t.Fatal("should be excluded")
	}
	h.record("a", nil)
	if s := h.snapshot(); s[0].Excluded || s[0].ConsecutiveFailures != 0 {
		t.Fatalf("not reinstated: %+v", s)
	}
}

func TestSearch_EscalatesToFallback(t *testing.T) {
	// WHAT: A primary tier under 30% of target triggers the fallback tier.
	srv := jsonServer(t, func(q string) (int, any) {
		if strings.Contains(q, `"`) { // primary queries are quoted
			return 200, hits()
		}
		return 200, hits(
			map[string]any{"title": "AAPL news roundup", "url": "https://example.com/1"},
			map[string]any{"title": "AAPL shares move", "url": "https://example.com/2"},
		)
	})
	c, err := New([]Engine{engine("e1", srv.URL, true)}, fast, WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}
	resp := c.Search(context.Background(), Query{Symbol: "AAPL", Name: "Apple", Intent: News, Target: 10})
	if resp.Stages["primary"] != 0 || resp.Stages["fallback"] == 0 {
		t.Fatalf("stages: %v", resp.Stages)
	}
	if _, ran := resp.Stages["aggressive"]; ran {
		t.Fatal("aggressive tier ran without opt-in")
	}
	if len(resp.Results) != 2 || resp.Results[0].Stage != "fallback" {
		t.Fatalf("results: %+v", resp.Results)
	}
}

func TestSearch_StageCaps(t *testing.T) {
	// WHAT: The fallback tier never contributes more than target/2 results.
	srv := jsonServer(t, func(q string) (int, any) {
		if strings.Contains(q, `"`) {
			return 200, hits()
		}
		items := make([]map[string]any, 0, 20)
		for i := range 20 {
			items = append(items, map[string]any{"title": "AAPL stock story " + string(rune('a'+i)), "url": "https://example.com/" + string(rune('a'+i))})
		}
		return 200, hits(items...)
	})
	c, _ := New([]Engine{engine("e1", srv.URL, false)}, fast, WithLogger(quiet()))
	resp := c.Search(context.Background(), Query{Symbol: "AAPL", Intent: News, Target: 10, Aggressive: true})
	if resp.Stages["fallback"] != 5 {
		t.Fatalf("fallback stage: %d, want 5", resp.Stages["fallback"])
	}
	if resp.Stages["aggressive"] != 5 {
		t.Fatalf("aggressive stage: %d, want 5", resp.Stages["aggressive"])
	}
}

func TestSearch_FailoverAndExclusion(t *testing.T) {
	// WHAT: A failing priority engine is excluded and the healthy one serves.
	var badCalls atomic.Int32
	bad := jsonServer(t, func(string) (int, any) {
		badCalls.Add(1)
		return 503, map[string]string{"error": "down"}
	})
	good := jsonServer(t, func(string) (int, any) {
		return 200, hits(map[string]any{"title": "AAPL earnings beat", "url": "https://www.cnbc.com/x"})
	})
	cfg := fast
	cfg.FailureThreshold = 2
	c, _ := New([]Engine{engine("bad", bad.URL, true), engine("good", good.URL, false)}, cfg, WithLogger(quiet()))

	resp := c.Search(context.Background(), Query{Symbol: "AAPL", Intent: Earnings, Target: 1})
	if len(resp.Results) != 1 || resp.Results[0].Engine != "good" {
		t.Fatalf("results: %+v", resp.Results)
	}
	if len(resp.Errors) == 0 {
		t.Fatal("absorbed error not reported")
	}
	health := c.Health()
	if !health[0].Excluded || health[0].Engine != "bad" {
		t.Fatalf("health: %+v", health)
	}
	if got := c.Candidates(); len(got) != 1 || got[0] != "good" {
		t.Fatalf("candidates: %v", got)
	}
	if c.Delay() != 2*time.Microsecond {
		t.Fatalf("delay with one exclusion: %s", c.Delay())
	}
	calls := badCalls.Load()
	c.Search(context.Background(), Query{Symbol: "AAPL", Intent: Earnings, Target: 1})
	if badCalls.Load() != calls {
		t.Fatal("excluded engine was called")
	}
}

func TestSearch_SanitizesAndFilters(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	srv := jsonServer(t, func(string) (int, any) {
		return 200, hits(
			map[string]any{"title": "<b>AAPL</b> earnings &amp; revenue <script>x()</script>", "url": "https://example.com/e"},
			map[string]any{"title": "Unrelated gardening tips", "url": "https://blog.example.org/g"},
			map[string]any{"title": "Morning briefing", "url": "https://www.reuters.com/m"},
			map[string]any{"title": "Fresh post", "url": "https://blog.example.org/f", "meta": map[string]any{"date": "2026-03-01"}},
			map[string]any{"title": "AAPL earnings &amp; revenue", "url": "https://example.com/dup"},
		)
	})
	c, _ := New([]Engine{engine("e1", srv.URL, false)}, fast, WithLogger(quiet()), WithClock(func() time.Time { return now }))
	resp := c.Search(context.Background(), Query{Symbol: "AAPL", Intent: Earnings, Target: 10})

	titles := map[string]bool{}
	for _, r := range resp.Results {
		titles[r.Title] = true
	}
	if !titles["AAPL earnings & revenue"] {
		t.Fatalf("sanitized title missing: %v", titles)
	}
	if titles["Unrelated gardening tips"] {
		t.Fatal("irrelevant result kept")
	}
	if !titles["Morning briefing"] || !titles["Fresh post"] {
		t.Fatalf("quality-domain or recent result dropped: %v", titles)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("title-prefix duplicate kept: %v", titles)
	}
	if resp.Results[0].Title != "AAPL earnings & revenue" {
		t.Fatalf("ranking: %+v", resp.Results)
	}
}

func TestBuildStrategies(t *testing.T) {
	s := BuildStrategies("RELIANCE", "", "NSE", Filings)
	if len(s.Primary) != 1 || s.Primary[0] != "RELIANCE NSE filing annual report" {
		t.Fatalf("primary: %v", s.Primary)
	}
	if len(s.Fallback) != 1 || len(s.Aggressive) != 1 {
		t.Fatalf("name templates not skipped: %+v", s)
	}
}

func TestSearchOnce_SingleAttempt(t *testing.T) {
	// WHAT: SearchOnce sends exactly one request even when the engine fails.
	// WHY: The optimizer charges one quota token per call; hidden retries would overrun it.
	var calls atomic.Int32
	srv := jsonServer(t, func(q string) (int, any) {
		calls.Add(1)
		return http.StatusServiceUnavailable, map[string]string{"error": "busy"}
	})
	cfg := fast
	cfg.MaxRetries = 3
	c, err := New([]Engine{engine("e1", srv.URL, false)}, cfg, WithHTTPClient(srv.Client()), WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.SearchOnce(context.Background(), "e1", "AAPL news", 5); err == nil {
		t.Fatal("503 reported as success")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("engine got %d requests, want 1", n)
	}
}

func TestSearchOnceUnknown(t *testing.T) {
	c, _ := New([]Engine{{Name: "a", URLTemplate: "http://x"}}, fast)
	if _, err := c.SearchOnce(context.Background(), "zzz", "q", 1); !errors.Is(err, ErrUnknownEngine) {
		t.Fatalf("got %v", err)
	}
	if _, err := New(nil, fast); !errors.Is(err, ErrNoEngines) {
		t.Fatalf("got %v", err)
	}
}
