// Package content turns URLs into scored, classified and deduplicated
// documents.
//
// ProcessURLs fetches at most three URLs at a time. A URL already processed
// in this process is skipped, and one whose result is cached is served from
// the cache without a network call. A failing URL is logged and left out;
// it never aborts the batch. Only results that are relevant, timely and not
// duplicates are returned, best first.
package content

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvest/kvcache"
	"github.com/hazyhaar/harvest/observability"
)

// ErrUnsupported is returned for bodies that are neither HTML nor PDF.
var ErrUnsupported = errors.New("content: unsupported content type")

// Result is one processed URL.
type Result struct {
	URL             string      `json:"url"`
	Symbol          string      `json:"symbol"`
	Title           string      `json:"title"`
	ExtractedText   string      `json:"extracted_text"`
	Markdown        string      `json:"markdown,omitempty"`
	PublishedAt     time.Time   `json:"published_at,omitzero"`
	RelevanceScore  float64     `json:"relevance_score"`
	TimelinessScore float64     `json:"timeliness_score"`
	OverallScore    float64     `json:"overall_score"`
	ContentType     ContentType `json:"content_type"`
	Fingerprint     string      `json:"fingerprint"`
	DuplicateOf     string      `json:"duplicate_of,omitempty"`
	IsDuplicate     bool        `json:"is_duplicate"`
	IsRelevant      bool        `json:"is_relevant"`
	IsTimely        bool        `json:"is_timely"`
	ProcessedAt     time.Time   `json:"processed_at"`
}

// Keep reports whether r belongs in a final set.
func (r *Result) Keep() bool { return r.IsRelevant && r.IsTimely && !r.IsDuplicate }

// PageFetcher retrieves one URL. *Fetcher satisfies it.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// Config tunes the processor.
type Config struct {
	// Concurrency is the fetch fan-out. Default: 3.
	Concurrency int `yaml:"concurrency"`
	// MaxTextLength caps extracted text in runes. Default: 10000.
	MaxTextLength int `yaml:"max_text_length"`
	// MaxAge is where timeliness reaches zero. Default: 30 days.
	MaxAge time.Duration `yaml:"max_age"`
	// RelevanceThreshold marks results relevant. Default: 0.3.
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	// Timeout per URL. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
	// CacheTTL of processed results. Default: 1h.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// MaxTracked bounds the processed-URL set and the dedup index. Default: 50000.
	MaxTracked int `yaml:"max_tracked"`
	// Now is the clock. Default: time.Now.
	Now func() time.Time `yaml:"-"`
}

func (c *Config) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.MaxTextLength <= 0 {
		c.MaxTextLength = 10000
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * 24 * time.Hour
	}
	if c.RelevanceThreshold <= 0 {
		c.RelevanceThreshold = 0.3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = time.Hour
	}
	if c.MaxTracked <= 0 {
		c.MaxTracked = 50000
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Options adjust one ProcessURLs call.
type Options struct {
	// MaxAge overrides Config.MaxAge when positive.
	MaxAge time.Duration
	// All returns every processed result, unfiltered, still sorted.
	All bool
}

// Processor scores and deduplicates fetched content. Safe for concurrent use.
type Processor struct {
	fetcher    PageFetcher
	cache      kvcache.Cache
	metrics    observability.Recorder
	scorer     Scorer
	classifier Classifier
	md         *converter.Converter
	logger     *slog.Logger
	cfg        Config

	dedup     *DedupIndex
	processed *urlSet
	// mu serializes the dedup decision with the processed mark.
	mu sync.Mutex
}

// Option configures a Processor.
type Option func(*Processor)

// WithScorer replaces the keyword scorer.
func WithScorer(s Scorer) Option { return func(p *Processor) { p.scorer = s } }

// WithClassifier replaces the keyword classifier.
func WithClassifier(c Classifier) Option { return func(p *Processor) { p.classifier = c } }

// WithCache sets the result cache.
func WithCache(c kvcache.Cache) Option { return func(p *Processor) { p.cache = c } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.Recorder) Option { return func(p *Processor) { p.metrics = m } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(p *Processor) { p.logger = l } }

// NewProcessor builds a processor over fetcher.
func NewProcessor(fetcher PageFetcher, cfg Config, opts ...Option) *Processor {
	cfg.defaults()
	p := &Processor{
		fetcher:    fetcher,
		cache:      kvcache.Noop{},
		metrics:    observability.Nop{},
		scorer:     KeywordScorer{},
		classifier: KeywordClassifier{},
		md:         newMarkdownConverter(),
		logger:     slog.Default(),
		cfg:        cfg,
		dedup:      NewDedupIndex(cfg.MaxTracked),
		processed:  newURLSet(cfg.MaxTracked),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ProcessURLs processes urls for symbol and returns the retained results
// sorted by overall score.
func (p *Processor) ProcessURLs(ctx context.Context, urls []string, symbol string, opts Options) []Result {
	maxAge := p.cfg.MaxAge
	if opts.MaxAge > 0 {
		maxAge = opts.MaxAge
	}
	seen := make(map[string]bool, len(urls))
	var (
		mu  sync.Mutex
		out []Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		g.Go(func() error {
			r, err := p.process(gctx, u, symbol, maxAge)
			if err != nil {
				p.logger.Debug("content: url excluded", "url", u, "error", err)
				return nil
			}
			if r == nil {
				return nil
			}
			mu.Lock()
			out = append(out, *r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	kept := out[:0:0]
	for _, r := range out {
		if opts.All || r.Keep() {
			kept = append(kept, r)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].OverallScore > kept[j].OverallScore })
	p.metrics.Record(observability.Metric{
		Name: observability.MetricContentProcessed, Timestamp: p.cfg.Now(), Value: float64(len(kept)),
		Labels: map[string]string{"symbol": symbol, "requested": strconv.Itoa(len(seen)), "processed": strconv.Itoa(len(out))},
	})
	p.logger.Info("content: batch processed", "symbol", symbol, "urls", len(seen), "processed", len(out), "kept", len(kept))
	return kept
}

// Process handles one URL. It returns nil, nil for a URL already processed
// for symbol whose result is no longer cached.
func (p *Processor) Process(ctx context.Context, url, symbol string) (*Result, error) {
	return p.process(ctx, url, symbol, p.cfg.MaxAge)
}

func (p *Processor) process(ctx context.Context, url, symbol string, maxAge time.Duration) (*Result, error) {
	key := cacheKey(url, symbol)
	var cached Result
	if kvcache.GetJSON(ctx, p.cache, p.logger, key, &cached) {
		return &cached, nil
	}
	if p.processed.has(key) {
		return nil, nil
	}

	fctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	page, err := p.fetcher.Fetch(fctx, url)
	if err != nil {
		return nil, err
	}
	ext, err := p.extract(page)
	if err != nil {
		return nil, err
	}
	r := p.score(url, symbol, ext, maxAge)

	p.mu.Lock()
	if !p.processed.add(key) {
		p.mu.Unlock()
		return nil, nil
	}
	r.IsDuplicate, r.DuplicateOf = p.dedup.Check(r.Fingerprint, url)
	p.mu.Unlock()
	if !r.IsDuplicate {
		r.DuplicateOf = ""
	}

	kvcache.SetJSON(ctx, p.cache, p.logger, key, r, p.cfg.CacheTTL)
	return r, nil
}

func (p *Processor) extract(page *Page) (*Extracted, error) {
	if page.IsPDF() {
		return extractPDF(page.Body, p.cfg.MaxTextLength)
	}
	switch {
	case page.ContentType == "", strings.Contains(page.ContentType, "html"), strings.HasPrefix(page.ContentType, "text/"):
		return extractHTML(page.Body, page.URL, p.cfg.MaxTextLength, p.md)
	}
	return nil, ErrUnsupported
}

func (p *Processor) score(url, symbol string, ext *Extracted, maxAge time.Duration) *Result {
	now := p.cfg.Now()
	body := ext.Title + " " + ext.Text
	r := &Result{
		URL:           url,
		Symbol:        strings.ToUpper(symbol),
		Title:         ext.Title,
		ExtractedText: ext.Text,
		Markdown:      ext.Markdown,
		PublishedAt:   ext.PublishedAt,
		Fingerprint:   Fingerprint(ext.Text),
		ContentType:   p.classifier.Classify(ext.Title, ext.Text),
		ProcessedAt:   now,
	}
	r.RelevanceScore = max(0, min(1, p.scorer.Relevance(body, symbol)))
	r.TimelinessScore = Timeliness(ext.PublishedAt, now, maxAge)
	r.OverallScore = 0.7*r.RelevanceScore + 0.3*r.TimelinessScore
	r.IsRelevant = r.RelevanceScore >= p.cfg.RelevanceThreshold
	r.IsTimely = ext.PublishedAt.IsZero() || now.Sub(ext.PublishedAt) < maxAge
	return r
}

// Clear empties the processed-URL set and the dedup index.
func (p *Processor) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.processed.clear()
	p.dedup.Clear()
	p.logger.Info("content: state cleared")
}

// Stats reports the tracked URL and fingerprint counts.
func (p *Processor) Stats() (urls, fingerprints int) {
	return p.processed.len(), p.dedup.Len()
}

func cacheKey(url, symbol string) string {
	sum := sha256.Sum256([]byte(url))
	return "content:" + strings.ToUpper(symbol) + ":" + hex.EncodeToString(sum[:12])
}
