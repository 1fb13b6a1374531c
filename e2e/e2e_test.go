// Package e2e drives the wired harvester end to end: catalog, scheduler,
// durable queue, orchestrator, search, content processing and storage,
// against httptest search engines, article sites and insight generators.
package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/harvest"
	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/orchestrator"
	"github.com/hazyhaar/harvest/search"
	"github.com/hazyhaar/harvest/task"
)

// monday is 10:00 in New York (regular session) and 20:30 in Mumbai (closed).
var monday = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

var (
	aapl = instrument.MarketSignals{
		Instrument:      instrument.Instrument{Symbol: "AAPL", Name: "Apple Inc.", AssetClass: instrument.Stock, Exchange: "NASDAQ", Volume24h: 15_000_000, MarketCap: 3e12},
		TrackingEnabled: true,
	}
	xyzfund = instrument.MarketSignals{
		Instrument:      instrument.Instrument{Symbol: "XYZFUND", Name: "XYZ Fund", AssetClass: instrument.MutualFund, Exchange: "BSE", MarketCap: 5e9},
		TrackingEnabled: true,
	}
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// article is a page the keyword scorer finds relevant to sym. The path
// makes every page's fingerprint distinct.
func article(sym, path string) string {
	para := "<p>" + sym + " reported quarterly earnings and revenue growth with EPS above estimates as shares of the stock rose in early trading according to analysts covering " + path + ".</p>"
	return `<html><head><title>` + sym + ` quarterly update</title>
<meta property="article:published_time" content="` + time.Now().UTC().Format(time.RFC3339) + `">
</head><body><nav><a href="/">Home</a></nav>
<article><h2>Results</h2>` + strings.Repeat(para, 6) + `</article>
<footer>Copyright</footer></body></html>`
}

// slug keeps the URLs of distinct queries apart so concurrent stages never
// race on the same page.
func slug(q string) string {
	h := fnv.New32a()
	h.Write([]byte(q))
	return fmt.Sprintf("%08x", h.Sum32())
}

// world is a search engine plus the site its results point to.
type world struct {
	site   *httptest.Server
	engine *httptest.Server

	mu      sync.Mutex
	queries []string
}

func newWorld(t *testing.T, symbols ...string) *world {
	t.Helper()
	w := &world{}
	w.site = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		sym := strings.ToUpper(strings.Split(strings.Trim(r.URL.Path, "/"), "/")[0])
		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(rw, article(sym, r.URL.Path))
	}))
	t.Cleanup(w.site.Close)

	w.engine = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		w.mu.Lock()
		w.queries = append(w.queries, q)
		w.mu.Unlock()
		type hit struct {
			Title     string `json:"title"`
			URL       string `json:"url"`
			Snippet   string `json:"snippet"`
			Published string `json:"published"`
		}
		var hits []hit
		for _, sym := range symbols {
			if !strings.Contains(strings.ToUpper(q), sym) {
				continue
			}
			for i := range 3 {
				hits = append(hits, hit{
					Title:     fmt.Sprintf("%s news filing annual report results %d", sym, i),
					URL:       fmt.Sprintf("%s/%s/%s/%d", w.site.URL, strings.ToLower(sym), slug(q), i),
					Snippet:   sym + " shares stock update and analyst rating",
					Published: time.Now().UTC().Format(time.RFC3339),
				})
			}
		}
		rw.Header().Set("Content-Type", "application/json")
		json.NewEncoder(rw).Encode(map[string]any{"results": hits})
	}))
	t.Cleanup(w.engine.Close)
	return w
}

func baseConfig(t *testing.T, w *world) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Search.Engines = []search.Engine{{
		Name:        "fake",
		URLTemplate: w.engine.URL + "/search?q={query}&count={count}",
		ResultPath:  "results",
	}}
	cfg.Search.BaseDelay = time.Millisecond
	cfg.Search.RetryBase = time.Millisecond
	cfg.Search.RetryJitter = time.Millisecond
	cfg.Content.Fetch.AllowPrivate = true
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Orchestrator.SweepInterval = time.Hour
	return cfg
}

func newService(t *testing.T, cfg config.Config) *harvest.Service {
	t.Helper()
	svc, err := harvest.New(context.Background(), cfg, quiet())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := svc.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return svc
}

// WHAT: Scenarios A and B through the running pipeline. AAPL gets a 2-minute
// HIGH cadence and its tick runs a live analysis; XYZFUND gets a LOW cadence
// of 11232 minutes and its tick runs a document discovery. Both harvests
// land in storage.
// WHY: This is the whole chain from catalog row to stored document.
func TestScheduledHarvest_ScenariosAB(t *testing.T) {
	w := newWorld(t, "AAPL", "XYZFUND")
	clk := &clock{now: monday}
	cfg := baseConfig(t, w)
	cfg.Schedule.Now = clk.Now
	cfg.Schedule.ReconcileInterval = time.Hour
	svc := newService(t, cfg)
	ctx := context.Background()

	for _, s := range []instrument.MarketSignals{aapl, xyzfund} {
		if err := svc.Catalog.Upsert(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	events, cancel := svc.Orchestrator.Subscribe(16)
	defer cancel()
	svc.Start(ctx)

	entries := svc.Scheduler.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	bySym := map[string]int{}
	for _, e := range entries {
		bySym[e.Symbol] = e.Freq.Minutes
		switch e.Symbol {
		case "AAPL":
			if e.Freq.Priority != instrument.High {
				t.Errorf("AAPL priority = %s", e.Freq.Priority)
			}
		case "XYZFUND":
			if e.Freq.Priority != instrument.Low {
				t.Errorf("XYZFUND priority = %s", e.Freq.Priority)
			}
		}
	}
	if bySym["AAPL"] != 2 || bySym["XYZFUND"] != 11232 {
		t.Fatalf("minutes = %v", bySym)
	}

	clk.Advance(11232 * time.Minute)
	if n := svc.Scheduler.Tick(ctx); n != 2 {
		t.Fatalf("ticks = %d, want 2", n)
	}

	got := map[string]string{}
	deadline := time.After(20 * time.Second)
	for len(got) < 2 {
		select {
		case e := <-events:
			if e.Kind != orchestrator.EventCompleted {
				t.Fatalf("event %+v", e)
			}
			got[e.Symbol] = e.TaskType
		case <-deadline:
			t.Fatalf("completed tasks: %v", got)
		}
	}
	if got["AAPL"] != string(task.LiveAnalysis) || got["XYZFUND"] != string(task.DocumentDiscovery) {
		t.Fatalf("dispatched = %v", got)
	}

	for _, sym := range []string{"AAPL", "XYZFUND"} {
		c, err := svc.Store.Counts(ctx, sym)
		if err != nil {
			t.Fatal(err)
		}
		if c.SearchResults == 0 || c.Documents == 0 {
			t.Errorf("%s stored %+v", sym, c)
		}
	}
	docs, err := svc.Store.SearchDocuments(ctx, "AAPL", "earnings", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) == 0 {
		t.Fatal("full-text search found no AAPL documents")
	}

	st := svc.Status(ctx)
	if st.Orchestrator.Completed < 2 || !st.Scheduler.Running || st.Scheduler.Instruments != 2 {
		t.Fatalf("status = %+v", st)
	}
	if !st.Orchestrator.Health["storage"] || !st.Orchestrator.Health["queue"] {
		t.Fatalf("health = %v", st.Orchestrator.Health)
	}
}

// WHAT: Scenario C. The generator never answers within the insight
// timeout, yet the knowledge base carries search results, documents and
// recommendations, and marks insights as absent.
// WHY: A slow generator must degrade the task, not fail it.
func TestKnowledgeBase_InsightTimeout_ScenarioC(t *testing.T) {
	w := newWorld(t, "AAPL")
	slow := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(10 * time.Second):
		}
	}))
	defer slow.Close()

	cfg := baseConfig(t, w)
	cfg.Insight.Endpoint = slow.URL
	cfg.Insight.AllowPrivate = true
	cfg.Insight.MaxRetries = -1
	cfg.Orchestrator.InsightTimeout = 300 * time.Millisecond
	svc := newService(t, cfg)
	ctx := context.Background()
	if err := svc.Catalog.Upsert(ctx, aapl); err != nil {
		t.Fatal(err)
	}
	svc.Optimizer.Start(ctx)

	rep, err := svc.Orchestrator.Execute(ctx, task.Request{Type: task.KnowledgeBase, Symbol: "AAPL", Priority: instrument.High})
	if err != nil {
		t.Fatal(err)
	}
	kb := rep.Knowledge
	if kb == nil {
		t.Fatal("no knowledge base")
	}
	if kb.InsightsAvailable {
		t.Fatal("insights marked available after a timeout")
	}
	if st := kb.Stages[orchestrator.StageInsightGeneration]; st.OK {
		t.Fatalf("insight stage = %+v", st)
	}
	if len(kb.SearchIntelligence) == 0 || len(kb.Content) == 0 || len(kb.Documents) == 0 {
		t.Fatalf("search=%d content=%d documents=%d", len(kb.SearchIntelligence), len(kb.Content), len(kb.Documents))
	}
	if len(kb.Recommendations) == 0 {
		t.Fatal("no recommendations")
	}
	if kb.Quality.Completeness != 0.75 {
		t.Fatalf("completeness = %v", kb.Quality.Completeness)
	}
}

// WHAT: Without the queue, AddTask still runs the task in-process.
// WHY: The documented direct-execution fallback keeps harvesting alive.
func TestDirectExecution(t *testing.T) {
	w := newWorld(t, "AAPL")
	svc, err := harvest.New(context.Background(), baseConfig(t, w), quiet(), harvest.WithoutQueue())
	if err != nil {
		t.Fatal(err)
	}
	defer svc.Close()
	ctx := context.Background()
	if svc.Orchestrator.QueueAvailable() {
		t.Fatal("queue available")
	}
	events, cancel := svc.Orchestrator.Subscribe(4)
	defer cancel()

	id, err := svc.AddTask(ctx, task.Request{Type: task.LiveAnalysis, Symbol: "aapl", Priority: "high"})
	if err != nil || id == "" {
		t.Fatalf("AddTask = %q, %v", id, err)
	}
	select {
	case e := <-events:
		if e.Kind != orchestrator.EventCompleted || e.TaskID != id {
			t.Fatalf("event %+v", e)
		}
	case <-time.After(20 * time.Second):
		t.Fatal("direct task never finished")
	}
	c, err := svc.Store.Counts(ctx, "AAPL")
	if err != nil {
		t.Fatal(err)
	}
	if c.Documents == 0 {
		t.Fatalf("stored %+v", c)
	}
}
