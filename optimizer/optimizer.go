// Package optimizer sits in front of search providers. It serves cached
// results, merges compatible pending requests into one combined query, and
// keeps every provider under its per-minute quota.
//
// One goroutine owns the pending queue and forms batches. A batch takes up
// to min(3, providers with quota) of the highest-priority requests, merges
// those sharing (type, priority) and sends each merged query to a distinct
// provider. When no provider has quota the loop sleeps until the nearest
// reset.
package optimizer

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvest/connectivity"
	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/kvcache"
	"github.com/hazyhaar/harvest/observability"
	"github.com/hazyhaar/harvest/search"
)

// ErrNotRunning is returned by AddSearchRequest when the loop is not
// running, and to requests still pending when it stops.
var ErrNotRunning = errors.New("optimizer: not running")

// ErrNoProviders is returned when the searcher exposes no provider.
var ErrNoProviders = errors.New("optimizer: no providers")

// Searcher is the provider call. *search.Client satisfies it. SearchOnce
// must send at most one request: the optimizer retries itself, charging
// every attempt to the provider's quota.
type Searcher interface {
	Candidates() []string
	SearchOnce(ctx context.Context, engine, query string, count int) ([]search.Result, error)
}

// Request is one search wanted by a task.
type Request struct {
	Symbol   string              `json:"symbol"`
	Type     search.Intent       `json:"type"`
	Query    string              `json:"query,omitempty"`
	Priority instrument.Priority `json:"priority"`
	// Count is the number of results wanted. Default: 10.
	Count int `json:"count,omitempty"`
}

// Key is the cache key of r.
func (r Request) Key() string {
	q := r.Query
	if len(q) > 50 {
		q = q[:50]
	}
	return fmt.Sprintf("search:%s:%s:%s", strings.ToUpper(r.Symbol), r.Type, q)
}

// Config tunes the optimizer.
type Config struct {
	// RateLimits is requests per minute per provider.
	RateLimits map[string]int `yaml:"rate_limits"`
	// DefaultRateLimit applies to providers absent from RateLimits. Default: 30.
	DefaultRateLimit int `yaml:"default_rate_limit"`
	// BatchSize caps requests per batch. Default: 3.
	BatchSize int `yaml:"batch_size"`
	// MaxCombinedResults caps the count asked of one merged query. Default: 30.
	MaxCombinedResults int `yaml:"max_combined_results"`
	// CacheTTL of fanned-out results. Default: 15m.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// RequestTimeout bounds one provider call. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
	// MaxRetries is the number of retries after a failed provider call.
	// Each retry takes a quota token. Default: 2; negative disables retry.
	MaxRetries int `yaml:"max_retries"`
	// RetryBase is the first retry delay, doubled per attempt. Default: 500ms.
	RetryBase time.Duration `yaml:"retry_base"`
	// Now is the clock used for quota bookkeeping. Default: time.Now.
	Now func() time.Time `yaml:"-"`
}

func (c *Config) defaults() {
	if c.DefaultRateLimit <= 0 {
		c.DefaultRateLimit = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 3
	}
	if c.MaxCombinedResults <= 0 {
		c.MaxCombinedResults = 30
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Minute
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// typeSuffix is appended to merged symbol lists.
var typeSuffix = map[search.Intent]string{
	search.News:         "stock news",
	search.Filings:      "annual report filing",
	search.Earnings:     "earnings results",
	search.Analysis:     "analyst rating",
	search.Sentiment:    "investor sentiment",
	search.Intelligence: "company strategy",
}

// Reply is the outcome of one queued request.
type Reply struct {
	Results []search.Result
	Err     error
}

type pending struct {
	req      Request
	seq      uint64
	index    int
	attempts int
	done     chan Reply
}

// Optimizer batches and rate-limits search requests.
type Optimizer struct {
	searcher Searcher
	cache    kvcache.Cache
	metrics  observability.Recorder
	limiter  *limiter
	logger   *slog.Logger
	cfg      Config

	mu      sync.Mutex
	queue   pendingHeap
	seq     uint64
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	wake    chan struct{}
}

// New builds an optimizer. cache and metrics may be nil.
func New(searcher Searcher, cache kvcache.Cache, metrics observability.Recorder, cfg Config, logger *slog.Logger) *Optimizer {
	cfg.defaults()
	if cache == nil {
		cache = kvcache.Noop{}
	}
	if metrics == nil {
		metrics = observability.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		searcher: searcher,
		cache:    cache,
		metrics:  metrics,
		limiter:  newLimiter(cfg.DefaultRateLimit, cfg.RateLimits),
		logger:   logger,
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
	}
}

// SetRateLimits changes provider capacities. A provider's new capacity
// applies from its next reset.
func (o *Optimizer) SetRateLimits(limits map[string]int) {
	o.limiter.configure(limits)
	o.logger.Info("optimizer: rate limits updated", "providers", len(limits))
}

// RateLimits returns the current quota bookkeeping.
func (o *Optimizer) RateLimits() []ProviderRateLimit { return o.limiter.snapshot() }

// Available reports whether the batching loop is running. Callers that get
// false search directly.
func (o *Optimizer) Available() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Pending returns the number of queued requests.
func (o *Optimizer) Pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queue.Len()
}

// Start launches the batching loop. Calling Start twice is a no-op.
func (o *Optimizer) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	ctx, o.cancel = context.WithCancel(context.WithoutCancel(ctx))
	o.done = make(chan struct{})
	o.running = true
	go o.loop(ctx, o.done)
	o.signal()
	o.logger.Info("optimizer: started")
}

// Stop ends the loop and fails every pending request with ErrNotRunning.
// Idempotent.
func (o *Optimizer) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	cancel, done := o.cancel, o.done
	o.mu.Unlock()

	cancel()
	<-done

	o.mu.Lock()
	for o.queue.Len() > 0 {
		p := heap.Pop(&o.queue).(*pending)
		p.done <- Reply{Err: ErrNotRunning}
	}
	o.mu.Unlock()
	o.logger.Info("optimizer: stopped")
}

// AddSearchRequest returns cached results for r when present. Otherwise it
// queues r and waits for its batch.
func (o *Optimizer) AddSearchRequest(ctx context.Context, r Request) ([]search.Result, error) {
	if !o.Available() {
		return nil, ErrNotRunning
	}
	done, cached := o.Submit(ctx, r)
	if done == nil {
		return cached, nil
	}
	select {
	case rep := <-done:
		return rep.Results, rep.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Submit is the non-blocking form of AddSearchRequest. On a cache hit it
// returns the results and a nil channel. Requests submitted before Start
// wait for the loop.
func (o *Optimizer) Submit(ctx context.Context, r Request) (<-chan Reply, []search.Result) {
	if r.Count <= 0 {
		r.Count = 10
	}
	if !r.Priority.Valid() {
		r.Priority = instrument.Medium
	}
	r.Symbol = strings.ToUpper(r.Symbol)
	var cached []search.Result
	if kvcache.GetJSON(ctx, o.cache, o.logger, r.Key(), &cached) {
		return nil, cached
	}
	p := &pending{req: r, done: make(chan Reply, 1)}
	o.mu.Lock()
	o.seq++
	p.seq = o.seq
	heap.Push(&o.queue, p)
	o.mu.Unlock()
	o.signal()
	return p.done, nil
}

func (o *Optimizer) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Optimizer) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if o.Pending() == 0 {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
			}
			continue
		}
		wait, err := o.step(ctx)
		if err != nil {
			o.logger.Warn("optimizer: batch failed", "error", err)
		}
		if wait > 0 {
			o.metrics.Record(observability.Metric{
				Name: observability.MetricProviderWaitMs, Timestamp: o.cfg.Now(),
				Value: float64(wait.Milliseconds()), Unit: "ms",
			})
			o.logger.Debug("optimizer: quota exhausted, waiting", "wait", wait)
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// step forms and runs one batch. When no provider has quota it returns the
// time until the nearest reset instead.
func (o *Optimizer) step(ctx context.Context) (time.Duration, error) {
	now := o.cfg.Now()
	providers := o.searcher.Candidates()
	if len(providers) == 0 {
		o.failAll(ErrNoProviders)
		return 0, ErrNoProviders
	}
	o.limiter.ensure(providers)
	o.limiter.refill(now)
	avail := o.limiter.available(now, providers)
	if len(avail) == 0 {
		return o.limiter.wait(now, providers), nil
	}

	batch := o.popBatch(min(o.cfg.BatchSize, len(avail)))
	groups := merge(batch)

	var g errgroup.Group
	for i, grp := range groups {
		provider := avail[i%len(avail)]
		if !o.limiter.take(provider, now) {
			o.requeue(grp)
			continue
		}
		g.Go(func() error { return o.run(ctx, provider, grp) })
	}
	return 0, g.Wait()
}

func (o *Optimizer) popBatch(n int) []*pending {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*pending, 0, n)
	for len(out) < n && o.queue.Len() > 0 {
		out = append(out, heap.Pop(&o.queue).(*pending))
	}
	return out
}

func (o *Optimizer) requeue(ps []*pending) {
	o.mu.Lock()
	for _, p := range ps {
		heap.Push(&o.queue, p)
	}
	o.mu.Unlock()
}

func (o *Optimizer) failAll(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for o.queue.Len() > 0 {
		heap.Pop(&o.queue).(*pending).done <- Reply{Err: err}
	}
}

// merge groups requests by (type, priority), keeping batch order.
func merge(batch []*pending) [][]*pending {
	type key struct {
		t search.Intent
		p instrument.Priority
	}
	idx := map[key]int{}
	var groups [][]*pending
	for _, p := range batch {
		k := key{p.req.Type, p.req.Priority}
		i, ok := idx[k]
		if !ok {
			i = len(groups)
			idx[k] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	return groups
}

// combinedQuery renders the merged query of a group. A single request keeps
// its own query text when it has one.
func combinedQuery(grp []*pending) string {
	first := grp[0].req
	if len(grp) == 1 && first.Query != "" {
		return first.Query
	}
	syms := make([]string, 0, len(grp))
	for _, p := range grp {
		syms = append(syms, p.req.Symbol)
	}
	suffix := typeSuffix[first.Type]
	if suffix == "" {
		suffix = typeSuffix[search.News]
	}
	if len(syms) == 1 {
		return syms[0] + " " + suffix
	}
	return "(" + strings.Join(syms, " OR ") + ") " + suffix
}

func (o *Optimizer) run(ctx context.Context, provider string, grp []*pending) error {
	query := combinedQuery(grp)
	count := 0
	for _, p := range grp {
		count += p.req.Count
	}
	count = min(count, o.cfg.MaxCombinedResults)

	for {
		attempts := 0
		for _, p := range grp {
			p.attempts++
			attempts = max(attempts, p.attempts)
		}
		rctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
		results, err := o.searcher.SearchOnce(rctx, provider, query, count)
		cancel()
		if err == nil {
			o.serve(ctx, provider, query, grp, results)
			return nil
		}
		if ctx.Err() != nil || attempts > o.cfg.MaxRetries || connectivity.IsPermanent(err) {
			for _, p := range grp {
				p.done <- Reply{Err: err}
			}
			return fmt.Errorf("optimizer: %s %q: %w", provider, query, err)
		}
		wait := o.cfg.RetryBase << uint(attempts-1)
		o.logger.Debug("optimizer: provider call failed, retrying", "provider", provider, "attempt", attempts, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			for _, p := range grp {
				p.done <- Reply{Err: ctx.Err()}
			}
			return ctx.Err()
		case <-t.C:
		}
		now := o.cfg.Now()
		o.limiter.refill(now)
		if !o.limiter.take(provider, now) {
			// Out of quota: the group waits for the next batch, which may
			// pick another provider.
			o.requeue(grp)
			o.signal()
			return nil
		}
	}
}

func (o *Optimizer) serve(ctx context.Context, provider, query string, grp []*pending, results []search.Result) {
	o.metrics.Record(observability.Metric{
		Name: observability.MetricSearchResults, Timestamp: o.cfg.Now(),
		Value: float64(len(results)), Labels: map[string]string{"provider": provider},
	})
	for _, p := range grp {
		out := fanOut(results, p.req, len(grp) == 1)
		if len(out) > 0 {
			kvcache.SetJSON(ctx, o.cache, o.logger, p.req.Key(), out, o.cfg.CacheTTL)
		}
		p.done <- Reply{Results: out}
	}
	o.logger.Debug("optimizer: batch served", "provider", provider, "query", query, "requests", len(grp), "results", len(results))
}

// fanOut picks the results of a merged query that belong to r. A solo
// request gets everything.
func fanOut(results []search.Result, r Request, solo bool) []search.Result {
	out := make([]search.Result, 0, len(results))
	sym := strings.ToLower(r.Symbol)
	for _, res := range results {
		if !solo {
			text := strings.ToLower(res.Title + " " + res.Snippet + " " + res.URL)
			if !strings.Contains(text, sym) {
				continue
			}
		}
		out = append(out, res)
		if len(out) >= r.Count {
			break
		}
	}
	return out
}

// pendingHeap orders by priority rank then arrival.
type pendingHeap []*pending

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	ri, rj := h[i].req.Priority.Rank(), h[j].req.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	p := x.(*pending)
	p.index = len(*h)
	*h = append(*h, p)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return p
}
