package optimizer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/kvcache"
	"github.com/hazyhaar/harvest/search"
)

func TestMain(m *testing.M) { goleak.VerifyTestMain(m) }

var symbols = []string{"AAPL", "MSFT", "GOOG", "TSLA"}

type call struct {
	provider, query string
	count           int
}

type fakeSearcher struct {
	mu        sync.Mutex
	providers []string
	calls     []call
	fail      map[string]error
}

func (f *fakeSearcher) Candidates() []string { return f.providers }

func (f *fakeSearcher) SearchOnce(_ context.Context, provider, query string, count int) ([]search.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{provider, query, count})
	err := f.fail[provider]
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []search.Result
	for _, s := range symbols {
		if strings.Contains(query, s) {
			out = append(out, search.Result{Title: s + " headline", URL: "https://example.com/" + s, Engine: provider})
		}
	}
	return out, nil
}

func (f *fakeSearcher) queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.query)
	}
	slices.Sort(out)
	return out
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRequestKey(t *testing.T) {
	r := Request{Symbol: "aapl", Type: search.News, Query: strings.Repeat("q", 80)}
	want := "search:AAPL:news:" + strings.Repeat("q", 50)
	if got := r.Key(); got != want {
		t.Fatalf("key = %q", got)
	}
}

func TestLimiter_BucketResetsAtResetTime(t *testing.T) {
	// WHAT: An exhausted bucket reports the exact wait until its reset.
	t0 := time.Unix(1_700_000_000, 0)
	l := newLimiter(2, map[string]int{"a": 2})
	l.refill(t0)
	if !l.take("a", t0) || !l.take("a", t0) {
		t.Fatal("initial tokens")
	}
	if l.take("a", t0) {
		t.Fatal("third take within the window")
	}
	if got := l.available(t0, nil); len(got) != 0 {
		t.Fatalf("available: %v", got)
	}
	if w := l.wait(t0.Add(10*time.Second), nil); w != 50*time.Second {
		t.Fatalf("wait = %s, want 50s", w)
	}
	l.refill(t0.Add(59 * time.Second))
	if len(l.available(t0.Add(59*time.Second), nil)) != 0 {
		t.Fatal("refilled before reset")
	}
	l.refill(t0.Add(time.Minute))
	snap := l.snapshot()
	if snap[0].RequestsRemaining != 2 || !snap[0].ResetTime.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("after reset: %+v", snap[0])
	}
}

func TestLimiter_RollingWindowNeverExceeded(t *testing.T) {
	// WHAT: Greedy sending at irregular instants never puts more than N sends
	// in any rolling 60s window.
	// WHY: A bare fixed-window bucket allows 2N across a reset boundary.
	const n = 5
	t0 := time.Unix(1_700_000_000, 0)
	l := newLimiter(n, map[string]int{"a": n})
	var sent []time.Time
	for now := t0; now.Before(t0.Add(10 * time.Minute)); now = now.Add(7 * time.Second) {
		l.refill(now)
		for l.take("a", now) {
			sent = append(sent, now)
		}
	}
	if len(sent) == 0 {
		t.Fatal("nothing sent")
	}
	for i, start := range sent {
		inWindow := 0
		for _, s := range sent[i:] {
			if s.Sub(start) < time.Minute {
				inWindow++
			}
		}
		if inWindow > n {
			t.Fatalf("%d sends in the window starting %s", inWindow, start.Sub(t0))
		}
	}
}

func TestLimiter_CapacityChangeAppliesAtReset(t *testing.T) {
	t0 := time.Unix(1_700_000_000, 0)
	l := newLimiter(10, map[string]int{"a": 1})
	l.refill(t0)
	l.configure(map[string]int{"a": 3})
	if s := l.snapshot()[0]; s.RequestsPerMinute != 1 {
		t.Fatalf("capacity changed mid-window: %+v", s)
	}
	l.refill(t0.Add(time.Minute))
	if s := l.snapshot()[0]; s.RequestsRemaining != 3 {
		t.Fatalf("capacity not applied: %+v", s)
	}
	l.ensure([]string{"b"})
	if s := l.snapshot()[1]; s.Provider != "b" || s.RequestsPerMinute != 10 {
		t.Fatalf("default capacity: %+v", s)
	}
}

func TestOptimizer_MergesByTypeAndPriority(t *testing.T) {
	// WHAT: The highest-priority requests form the batch and those sharing
	// (type, priority) go out as one combined query.
	fs := &fakeSearcher{providers: []string{"a", "b", "c"}}
	o := New(fs, nil, nil, Config{}, quiet())
	ctx := context.Background()

	low, _ := o.Submit(ctx, Request{Symbol: "AAPL", Type: search.News, Priority: instrument.Low})
	msft, _ := o.Submit(ctx, Request{Symbol: "MSFT", Type: search.News, Priority: instrument.High})
	goog, _ := o.Submit(ctx, Request{Symbol: "GOOG", Type: search.News, Priority: instrument.High})
	tsla, _ := o.Submit(ctx, Request{Symbol: "TSLA", Type: search.News, Priority: instrument.Medium})

	if wait, err := o.step(ctx); wait != 0 || err != nil {
		t.Fatalf("step: %s %v", wait, err)
	}
	want := []string{"(MSFT OR GOOG) stock news", "TSLA stock news"}
	if got := fs.queries(); !slices.Equal(got, want) {
		t.Fatalf("queries = %q, want %q", got, want)
	}
	for sym, ch := range map[string]<-chan Reply{"MSFT": msft, "GOOG": goog, "TSLA": tsla} {
		rep := <-ch
		if rep.Err != nil || len(rep.Results) != 1 || rep.Results[0].Title != sym+" headline" {
			t.Fatalf("%s reply: %+v", sym, rep)
		}
	}
	if o.Pending() != 1 {
		t.Fatalf("pending = %d", o.Pending())
	}
	o.step(ctx)
	if rep := <-low; rep.Err != nil || len(rep.Results) != 1 {
		t.Fatalf("low reply: %+v", rep)
	}
}

func TestOptimizer_WaitsForNearestReset(t *testing.T) {
	// WHAT: With every provider out of quota the step sends nothing and
	// returns the time to the nearest reset.
	now := time.Unix(1_700_000_000, 0)
	fs := &fakeSearcher{providers: []string{"a", "b"}}
	o := New(fs, nil, nil, Config{
		RateLimits: map[string]int{"a": 1, "b": 1},
		Now:        func() time.Time { return now },
	}, quiet())
	ctx := context.Background()

	o.Submit(ctx, Request{Symbol: "AAPL", Type: search.News, Priority: instrument.High})
	o.Submit(ctx, Request{Symbol: "MSFT", Type: search.Filings, Priority: instrument.High})
	o.step(ctx)
	if len(fs.queries()) != 2 {
		t.Fatalf("calls: %v", fs.queries())
	}

	now = now.Add(20 * time.Second)
	o.Submit(ctx, Request{Symbol: "GOOG", Type: search.News, Priority: instrument.High})
	wait, err := o.step(ctx)
	if err != nil || wait != 40*time.Second {
		t.Fatalf("wait = %s, err = %v", wait, err)
	}
	if len(fs.queries()) != 2 || o.Pending() != 1 {
		t.Fatal("request sent without quota")
	}

	now = now.Add(40 * time.Second)
	if wait, _ := o.step(ctx); wait != 0 || len(fs.queries()) != 3 {
		t.Fatalf("after reset: wait %s calls %d", wait, len(fs.queries()))
	}
}

func TestOptimizer_FailedBatchContinues(t *testing.T) {
	fs := &fakeSearcher{providers: []string{"a"}, fail: map[string]error{"a": errors.New("503")}}
	o := New(fs, nil, nil, Config{MaxRetries: -1}, quiet())
	ctx := context.Background()
	bad, _ := o.Submit(ctx, Request{Symbol: "AAPL", Type: search.News, Priority: instrument.High})
	next, _ := o.Submit(ctx, Request{Symbol: "MSFT", Type: search.News, Priority: instrument.High})

	if _, err := o.step(ctx); err == nil {
		t.Fatal("batch error not reported")
	}
	if rep := <-bad; rep.Err == nil {
		t.Fatal("request error not delivered")
	}
	fs.mu.Lock()
	fs.fail = nil
	fs.mu.Unlock()
	o.step(ctx)
	if rep := <-next; rep.Err != nil || len(rep.Results) != 1 {
		t.Fatalf("next: %+v", rep)
	}
}

func TestOptimizer_CacheAndLifecycle(t *testing.T) {
	// WHAT: A served request is cached per key and answered without a provider
	// call; Stop fails nothing once drained and AddSearchRequest reports
	// ErrNotRunning afterwards.
	cache := kvcache.NewSQLite(dbopen.OpenMemory(t))
	if err := cache.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	fs := &fakeSearcher{providers: []string{"a", "b", "c"}}
	o := New(fs, cache, nil, Config{}, quiet())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := Request{Symbol: "TSLA", Type: search.Earnings, Priority: instrument.Medium}
	if _, err := o.AddSearchRequest(ctx, req); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("before start: %v", err)
	}
	o.Start(ctx)
	o.Start(ctx)
	if !o.Available() {
		t.Fatal("not available after start")
	}
	first, err := o.AddSearchRequest(ctx, req)
	if err != nil || len(first) != 1 {
		t.Fatalf("first: %v %v", first, err)
	}
	again, err := o.AddSearchRequest(ctx, req)
	if err != nil || len(again) != 1 || again[0].URL != first[0].URL {
		t.Fatalf("cached: %v %v", again, err)
	}
	if n := len(fs.queries()); n != 1 {
		t.Fatalf("provider calls = %d, want 1", n)
	}
	o.Stop()
	o.Stop()
	if o.Available() {
		t.Fatal("available after stop")
	}
}

func TestOptimizer_RetriesChargeQuota(t *testing.T) {
	// WHAT: Against a failing provider with a quota of one request per minute,
	// each retry waits for a fresh token, so the provider sees one HTTP
	// request per window until the retries are spent.
	// WHY: Retries hidden inside the provider call would send several requests
	// on a single token.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	client, err := search.New([]search.Engine{{Name: "e1", URLTemplate: srv.URL + "?q={query}&n={count}"}},
		search.Config{BaseDelay: time.Microsecond, MaxRetries: 3, FailureThreshold: 10},
		search.WithHTTPClient(srv.Client()), search.WithLogger(quiet()))
	if err != nil {
		t.Fatal(err)
	}

	now := time.Unix(1_700_000_000, 0)
	o := New(client, nil, nil, Config{
		RateLimits: map[string]int{"e1": 1},
		MaxRetries: 2,
		RetryBase:  time.Millisecond,
		Now:        func() time.Time { return now },
	}, quiet())
	ctx := context.Background()
	done, _ := o.Submit(ctx, Request{Symbol: "AAPL", Type: search.News, Priority: instrument.High})

	for window := 1; window <= 2; window++ {
		if _, err := o.step(ctx); err != nil {
			t.Fatalf("window %d: %v", window, err)
		}
		if n := int(hits.Load()); n != window {
			t.Fatalf("window %d: provider got %d requests in total, want %d", window, n, window)
		}
		if o.Pending() != 1 {
			t.Fatalf("window %d: request not waiting for quota", window)
		}
		if wait, _ := o.step(ctx); wait <= 0 || int(hits.Load()) != window {
			t.Fatalf("window %d: sent without quota (wait %s)", window, wait)
		}
		now = now.Add(time.Minute)
	}

	if _, err := o.step(ctx); err == nil {
		t.Fatal("exhausted retries not reported")
	}
	if rep := <-done; rep.Err == nil {
		t.Fatal("request error not delivered")
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("provider got %d requests, want 3", n)
	}
}

func TestOptimizer_EmptyFanOutNotCached(t *testing.T) {
	// WHAT: A request that yields nothing is searched again next time.
	// WHY: Caching an empty answer would hide the symbol for the whole TTL.
	cache := kvcache.NewSQLite(dbopen.OpenMemory(t))
	if err := cache.EnsureSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	fs := &fakeSearcher{providers: []string{"a"}}
	o := New(fs, cache, nil, Config{}, quiet())
	ctx := context.Background()
	req := Request{Symbol: "NVDA", Type: search.News, Priority: instrument.High}

	for i := range 2 {
		done, cached := o.Submit(ctx, req)
		if done == nil {
			t.Fatalf("round %d: empty result served from cache: %v", i, cached)
		}
		o.step(ctx)
		if rep := <-done; rep.Err != nil || len(rep.Results) != 0 {
			t.Fatalf("round %d: %+v", i, rep)
		}
	}
	if n := len(fs.queries()); n != 2 {
		t.Fatalf("provider calls = %d, want 2", n)
	}
}
