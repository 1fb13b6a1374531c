package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/harvest/content"
	"github.com/hazyhaar/harvest/insight"
	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/optimizer"
	"github.com/hazyhaar/harvest/search"
	"github.com/hazyhaar/harvest/storage"
	"github.com/hazyhaar/harvest/task"
)

// ErrMissingDependency is returned by a handler whose collaborator is not
// configured.
var ErrMissingDependency = errors.New("orchestrator: missing dependency")

// lookup returns the catalog entry of symbol, or a bare instrument when the
// catalog does not know it.
func (o *Orchestrator) lookup(ctx context.Context, symbol string) instrument.Instrument {
	bare := instrument.Instrument{Symbol: symbol}
	if o.deps.Catalog == nil {
		return bare
	}
	list, err := o.deps.Catalog.ListActive(ctx)
	if err != nil {
		o.logger.Warn("orchestrator: catalog lookup", "symbol", symbol, "error", err)
		return bare
	}
	for _, inst := range list {
		if strings.EqualFold(inst.Symbol, symbol) {
			return inst
		}
	}
	return bare
}

// search goes through the optimizer when it runs and falls back to the
// resilient client only when it does not. A provider failure reported by
// the optimizer is final: searching directly would bypass the quotas.
func (o *Orchestrator) search(ctx context.Context, inst instrument.Instrument, intent search.Intent, prio instrument.Priority, target int) []search.Result {
	sym := inst.SearchSymbol()
	if opt := o.deps.Optimizer; opt != nil && opt.Available() {
		res, err := opt.AddSearchRequest(ctx, optimizer.Request{Symbol: sym, Type: intent, Priority: prio, Count: target})
		if err == nil {
			return res
		}
		if !errors.Is(err, optimizer.ErrNotRunning) {
			o.logger.Warn("orchestrator: optimizer request failed", "symbol", sym, "intent", intent, "error", err)
			return nil
		}
		o.logger.Warn("orchestrator: optimizer stopped, searching directly", "symbol", sym, "intent", intent)
	}
	if o.deps.Search == nil {
		return nil
	}
	resp := o.deps.Search.Search(ctx, search.Query{
		Symbol: sym, Name: inst.Name, Exchange: inst.Exchange, Intent: intent, Target: target,
	})
	return resp.Results
}

// harvest runs search → content → storage for one intent.
func (o *Orchestrator) harvest(ctx context.Context, j *Job, intent search.Intent, opts content.Options) ([]search.Result, []content.Result, int, error) {
	inst := o.lookup(ctx, j.Symbol)
	results := o.search(ctx, inst, intent, j.Priority, j.Int("target", o.cfg.SearchTarget))
	if err := j.Progress(ctx); err != nil {
		return nil, nil, 0, err
	}
	docs := o.process(ctx, j.Symbol, results, opts)
	if err := j.Progress(ctx); err != nil {
		return nil, nil, 0, err
	}
	stored, err := o.persist(ctx, j.Symbol, intent, results, docs)
	return results, docs, stored, err
}

func (o *Orchestrator) process(ctx context.Context, symbol string, results []search.Result, opts content.Options) []content.Result {
	if o.deps.Content == nil || len(results) == 0 {
		return nil
	}
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	return o.deps.Content.ProcessURLs(ctx, urls, symbol, opts)
}

func (o *Orchestrator) persist(ctx context.Context, symbol string, intent search.Intent, results []search.Result, docs []content.Result) (int, error) {
	if o.deps.Store == nil {
		return 0, nil
	}
	if _, err := o.deps.Store.StoreSearchResults(ctx, symbol, intent, results); err != nil {
		return 0, err
	}
	return o.deps.Store.StoreDocuments(ctx, symbol, docs)
}

// generate asks the insight generator, substituting a placeholder when it is
// disabled or fails. The returned error is the generator's, for callers that
// record it.
func (o *Orchestrator) generate(ctx context.Context, symbol string, docs []content.Result, results []search.Result) (*insight.Data, error) {
	gctx, cancel := context.WithTimeout(ctx, o.cfg.InsightTimeout)
	defer cancel()
	data, err := o.deps.Insights.GenerateInsights(gctx, insight.Request{
		Symbol: symbol, Documents: docs, SearchResults: results,
	})
	if err == nil && data != nil {
		return data, nil
	}
	if err == nil {
		err = insight.ErrBadResponse
	}
	if !errors.Is(err, insight.ErrDisabled) {
		o.logger.Warn("orchestrator: insight generation failed", "symbol", symbol, "error", err)
	}
	return insight.Placeholder(symbol, err.Error(), o.cfg.Now()), err
}

func (o *Orchestrator) storeInsight(ctx context.Context, symbol, kind string, data *insight.Data) error {
	if o.deps.Store == nil || data == nil {
		return nil
	}
	_, err := o.deps.Store.StoreInsights(ctx, symbol, kind, data)
	return err
}

func (o *Orchestrator) liveAnalysis(ctx context.Context, j *Job) (*Report, error) {
	results, docs, stored, err := o.harvest(ctx, j, search.News, content.Options{})
	if err != nil {
		return nil, fmt.Errorf("live analysis %s: %w", j.Symbol, err)
	}
	return &Report{SearchResults: len(results), Documents: len(docs), Stored: stored}, nil
}

func (o *Orchestrator) documentDiscovery(ctx context.Context, j *Job) (*Report, error) {
	results, docs, stored, err := o.harvest(ctx, j, search.Filings, content.Options{MaxAge: o.cfg.DocumentMaxAge})
	if err != nil {
		return nil, fmt.Errorf("document discovery %s: %w", j.Symbol, err)
	}
	return &Report{SearchResults: len(results), Documents: len(docs), Stored: stored}, nil
}

func (o *Orchestrator) companyAnalysis(ctx context.Context, j *Job) (*Report, error) {
	results, docs, stored, err := o.harvest(ctx, j, search.Analysis, content.Options{})
	if err != nil {
		return nil, fmt.Errorf("company analysis %s: %w", j.Symbol, err)
	}
	data, _ := o.generate(ctx, j.Symbol, docs, results)
	if err := o.storeInsight(ctx, j.Symbol, storage.KindCompany, data); err != nil {
		return nil, fmt.Errorf("company analysis %s: %w", j.Symbol, err)
	}
	return &Report{SearchResults: len(results), Documents: len(docs), Stored: stored, Insights: data}, nil
}

func (o *Orchestrator) insightGeneration(ctx context.Context, j *Job) (*Report, error) {
	if o.deps.Store == nil {
		return nil, fmt.Errorf("%w: storage for %s", ErrMissingDependency, task.InsightGeneration)
	}
	limit := j.Int("documents", 20)
	docs, err := o.deps.Store.RecentDocuments(ctx, j.Symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("insight generation %s: %w", j.Symbol, err)
	}
	results, err := o.deps.Store.RecentSearchResults(ctx, j.Symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("insight generation %s: %w", j.Symbol, err)
	}
	rep := &Report{SearchResults: len(results), Documents: len(docs)}
	if len(docs) == 0 && len(results) == 0 {
		rep.Insights = insight.Placeholder(j.Symbol, "no stored material", o.cfg.Now())
		return rep, nil
	}
	if err := j.Progress(ctx); err != nil {
		return nil, err
	}
	rep.Insights, _ = o.generate(ctx, j.Symbol, docs, results)
	if err := o.storeInsight(ctx, j.Symbol, storage.KindInsight, rep.Insights); err != nil {
		return nil, fmt.Errorf("insight generation %s: %w", j.Symbol, err)
	}
	return rep, nil
}

// marketScan enqueues a live analysis for each priority instrument.
func (o *Orchestrator) marketScan(ctx context.Context, j *Job) (*Report, error) {
	if o.deps.Catalog == nil {
		return nil, fmt.Errorf("%w: catalog for %s", ErrMissingDependency, task.MarketScan)
	}
	list, err := o.deps.Catalog.PriorityInstruments(ctx, j.Int("limit", o.cfg.ScanLimit))
	if err != nil {
		return nil, fmt.Errorf("market scan: %w", err)
	}
	rep := &Report{}
	for _, inst := range list {
		_, err := o.AddTask(ctx, task.Request{Type: task.LiveAnalysis, Symbol: inst.Symbol, Priority: j.Priority})
		switch {
		case err == nil, errors.Is(err, ErrPossiblyQueued):
			rep.Enqueued++
		default:
			o.logger.Warn("orchestrator: market scan enqueue", "symbol", inst.Symbol, "error", err)
		}
	}
	return rep, nil
}
