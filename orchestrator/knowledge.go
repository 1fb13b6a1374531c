package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvest/content"
	"github.com/hazyhaar/harvest/insight"
	"github.com/hazyhaar/harvest/search"
	"github.com/hazyhaar/harvest/storage"
)

// Knowledge-base stages.
const (
	StageSearchIntelligence = "search_intelligence"
	StageEnhancedContent    = "enhanced_content"
	StageDocumentDiscovery  = "document_discovery"
	StageInsightGeneration  = "insight_generation"
)

var errNoResults = errors.New("no results")

// StageResult records how one stage ended.
type StageResult struct {
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Items    int           `json:"items"`
	Duration time.Duration `json:"duration"`
}

// Quality summarises a knowledge base.
type Quality struct {
	SearchResults   int     `json:"search_results"`
	Documents       int     `json:"documents"`
	Sources         int     `json:"sources"`
	AvgRelevance    float64 `json:"avg_relevance"`
	AvgTimeliness   float64 `json:"avg_timeliness"`
	StagesSucceeded int     `json:"stages_succeeded"`
	Completeness    float64 `json:"completeness"`
	Score           float64 `json:"score"`
}

// KnowledgeBase is the combined harvest of one instrument.
type KnowledgeBase struct {
	Symbol             string                 `json:"symbol"`
	SearchIntelligence []search.Result        `json:"search_intelligence"`
	Content            []content.Result       `json:"content"`
	Documents          []content.Result       `json:"documents"`
	Insights           *insight.Data          `json:"insights"`
	InsightsAvailable  bool                   `json:"insights_available"`
	Stages             map[string]StageResult `json:"stages"`
	Quality            Quality                `json:"quality"`
	Recommendations    []string               `json:"recommendations"`
	GeneratedAt        time.Time              `json:"generated_at"`
}

// knowledgeBase runs the three harvesting stages in parallel, then insight
// generation over whatever they produced. A failing stage is recorded and
// does not fail the task.
func (o *Orchestrator) knowledgeBase(ctx context.Context, j *Job) (*Report, error) {
	inst := o.lookup(ctx, j.Symbol)
	target := j.Int("target", o.cfg.SearchTarget)
	kb := &KnowledgeBase{Symbol: j.Symbol, Stages: make(map[string]StageResult, 4)}

	var mu sync.Mutex
	stage := func(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (int, error)) {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		start := time.Now()
		n, err := fn(sctx)
		if err == nil && sctx.Err() != nil {
			err = sctx.Err()
		}
		r := StageResult{OK: err == nil, Items: n, Duration: time.Since(start)}
		if err != nil {
			r.Error = err.Error()
			o.logger.Warn("orchestrator: knowledge stage failed", "symbol", j.Symbol, "stage", name, "error", err)
		}
		mu.Lock()
		kb.Stages[name] = r
		mu.Unlock()
	}

	var g errgroup.Group
	g.Go(func() error {
		stage(ctx, StageSearchIntelligence, o.cfg.StageTimeout, func(ctx context.Context) (int, error) {
			res := o.search(ctx, inst, search.Intelligence, j.Priority, target)
			mu.Lock()
			kb.SearchIntelligence = res
			mu.Unlock()
			if len(res) == 0 {
				return 0, errNoResults
			}
			return len(res), nil
		})
		return nil
	})
	g.Go(func() error {
		stage(ctx, StageEnhancedContent, o.cfg.StageTimeout, func(ctx context.Context) (int, error) {
			res := o.search(ctx, inst, search.News, j.Priority, target)
			res = append(res, o.search(ctx, inst, search.Analysis, j.Priority, target)...)
			docs := o.process(ctx, j.Symbol, res, content.Options{})
			mu.Lock()
			kb.Content = docs
			mu.Unlock()
			if len(docs) == 0 {
				return 0, errNoResults
			}
			return len(docs), nil
		})
		return nil
	})
	g.Go(func() error {
		stage(ctx, StageDocumentDiscovery, o.cfg.StageTimeout, func(ctx context.Context) (int, error) {
			res := o.search(ctx, inst, search.Filings, j.Priority, target)
			docs := o.process(ctx, j.Symbol, res, content.Options{MaxAge: o.cfg.DocumentMaxAge})
			mu.Lock()
			kb.Documents = docs
			mu.Unlock()
			if len(docs) == 0 {
				return 0, errNoResults
			}
			return len(docs), nil
		})
		return nil
	})
	g.Wait()
	if err := j.Progress(ctx); err != nil {
		return nil, err
	}

	all := append(append([]content.Result{}, kb.Content...), kb.Documents...)
	stage(ctx, StageInsightGeneration, o.cfg.InsightTimeout, func(ctx context.Context) (int, error) {
		data, err := o.generate(ctx, j.Symbol, all, kb.SearchIntelligence)
		kb.Insights = data
		if err != nil {
			return 0, err
		}
		return 1, nil
	})
	kb.InsightsAvailable = kb.Stages[StageInsightGeneration].OK && kb.Insights != nil && kb.Insights.Available
	if !kb.InsightsAvailable && kb.Insights == nil {
		kb.Insights = insight.Placeholder(j.Symbol, kb.Stages[StageInsightGeneration].Error, o.cfg.Now())
	}

	kb.Quality = assess(kb)
	kb.Recommendations = recommend(kb)
	kb.GeneratedAt = o.cfg.Now()

	stored := 0
	if o.deps.Store != nil {
		if _, err := o.deps.Store.StoreSearchResults(ctx, j.Symbol, search.Intelligence, kb.SearchIntelligence); err != nil {
			return nil, fmt.Errorf("knowledge base %s: %w", j.Symbol, err)
		}
		n, err := o.deps.Store.StoreDocuments(ctx, j.Symbol, all)
		if err != nil {
			return nil, fmt.Errorf("knowledge base %s: %w", j.Symbol, err)
		}
		stored = n
		if kb.InsightsAvailable {
			if err := o.storeInsight(ctx, j.Symbol, storage.KindKnowledgeBase, kb.Insights); err != nil {
				return nil, fmt.Errorf("knowledge base %s: %w", j.Symbol, err)
			}
		}
	}

	o.logger.Info("orchestrator: knowledge base built",
		"symbol", j.Symbol, "stages_ok", kb.Quality.StagesSucceeded, "score", kb.Quality.Score, "insights", kb.InsightsAvailable)
	return &Report{
		SearchResults: len(kb.SearchIntelligence),
		Documents:     len(all),
		Stored:        stored,
		Insights:      kb.Insights,
		Knowledge:     kb,
	}, nil
}

// assess computes the quality metrics from the stages that produced output.
func assess(kb *KnowledgeBase) Quality {
	q := Quality{SearchResults: len(kb.SearchIntelligence), Documents: len(kb.Content) + len(kb.Documents)}
	for _, s := range kb.Stages {
		if s.OK {
			q.StagesSucceeded++
		}
	}
	q.Completeness = float64(q.StagesSucceeded) / 4

	hosts := map[string]bool{}
	for _, r := range kb.SearchIntelligence {
		hosts[host(r.URL)] = true
	}
	var rel, tim float64
	for _, d := range append(append([]content.Result{}, kb.Content...), kb.Documents...) {
		hosts[host(d.URL)] = true
		rel += d.RelevanceScore
		tim += d.TimelinessScore
	}
	delete(hosts, "")
	q.Sources = len(hosts)
	if q.Documents > 0 {
		q.AvgRelevance = rel / float64(q.Documents)
		q.AvgTimeliness = tim / float64(q.Documents)
	}
	q.Score = 0.4*q.Completeness +
		0.3*q.AvgRelevance +
		0.2*min(1, float64(q.Documents)/10) +
		0.1*min(1, float64(q.Sources)/5)
	return q
}

// recommend lists follow-up actions. The list is never empty.
func recommend(kb *KnowledgeBase) []string {
	var out []string
	q := kb.Quality
	if !kb.InsightsAvailable {
		out = append(out, "insights unavailable: rerun insight_generation once the generator is reachable")
	}
	for _, name := range []string{StageSearchIntelligence, StageEnhancedContent, StageDocumentDiscovery} {
		if s, ok := kb.Stages[name]; ok && !s.OK {
			out = append(out, fmt.Sprintf("stage %s failed (%s): retry the knowledge base later", name, s.Error))
		}
	}
	if q.Documents < 3 {
		out = append(out, "broaden document discovery: fewer than 3 relevant documents")
	}
	if q.Documents > 0 && q.AvgRelevance < 0.4 {
		out = append(out, fmt.Sprintf("refine search terms: average relevance %.2f", q.AvgRelevance))
	}
	if q.Documents > 0 && q.AvgTimeliness < 0.5 {
		out = append(out, "increase refresh frequency: content is mostly stale")
	}
	if q.Sources < 3 {
		out = append(out, "add search engines: results come from fewer than 3 domains")
	}
	if len(out) == 0 {
		out = append(out, "knowledge base complete: keep the current schedule")
	}
	return out
}

func host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
