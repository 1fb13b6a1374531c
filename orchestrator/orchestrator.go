// CLAUDE:SUMMARY Task orchestrator: validated AddTask over the durable queue, per-type worker pools, stall sweeper, events, direct-execution fallback.
// Package orchestrator runs typed harvesting tasks with bounded per-type
// concurrency on top of the durable taskqueue.
//
// AddTask validates synchronously and publishes with a short timeout. A
// publish that does not answer in time is reported as ErrPossiblyQueued: the
// row may or may not exist, and the task is neither retried nor dropped by
// the orchestrator.
//
// When no queue is configured QueueAvailable reports false and AddTask runs
// the task directly in the background under the same per-type caps and
// timeouts. Waiting direct tasks are admitted by priority, and a failed run
// is retried up to MaxAttempts before it is reported dead. Direct tasks live
// in memory only: Stop drops those still waiting.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/harvest/content"
	"github.com/hazyhaar/harvest/idgen"
	"github.com/hazyhaar/harvest/insight"
	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/kvcache"
	"github.com/hazyhaar/harvest/observability"
	"github.com/hazyhaar/harvest/optimizer"
	"github.com/hazyhaar/harvest/search"
	"github.com/hazyhaar/harvest/storage"
	"github.com/hazyhaar/harvest/task"
	"github.com/hazyhaar/harvest/taskqueue"
)

var (
	// ErrPossiblyQueued is returned by AddTask when the publish did not
	// answer within the add timeout.
	ErrPossiblyQueued = errors.New("orchestrator: task possibly queued")
	// ErrTimeout wraps a handler that ran past its type timeout.
	ErrTimeout = errors.New("orchestrator: task timed out")
	// ErrInvalidConfig is returned by New for out-of-range settings.
	ErrInvalidConfig = errors.New("orchestrator: invalid config")
)

// Queue is the durable queue. *taskqueue.Q satisfies it.
type Queue interface {
	Publish(ctx context.Context, t *taskqueue.Task) error
	Run(ctx context.Context, p taskqueue.Pool)
	Extend(ctx context.Context, id, lease string) error
	SweepStalled(ctx context.Context) (requeued, dead []*taskqueue.Task, err error)
	Counts(ctx context.Context) (map[taskqueue.Status]int, error)
	Totals(ctx context.Context) (map[taskqueue.Status]int, error)
	Resubmit(ctx context.Context, id string) error
	Purge(ctx context.Context, cutoff time.Time) (int64, error)
	Ping(ctx context.Context) error
}

// Searcher is the resilient search client. *search.Client satisfies it.
type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	Healthy() bool
}

// SearchOptimizer is the batching front of the providers.
// *optimizer.Optimizer satisfies it.
type SearchOptimizer interface {
	Available() bool
	AddSearchRequest(ctx context.Context, r optimizer.Request) ([]search.Result, error)
}

// ContentProcessor turns URLs into scored documents. *content.Processor
// satisfies it.
type ContentProcessor interface {
	ProcessURLs(ctx context.Context, urls []string, symbol string, opts content.Options) []content.Result
}

// Deps are the collaborators of the task handlers. Queue, Optimizer, Cache,
// Metrics, Events and Insights are optional.
type Deps struct {
	Queue     Queue
	Catalog   instrument.Catalog
	Search    Searcher
	Optimizer SearchOptimizer
	Content   ContentProcessor
	Store     storage.Store
	Insights  insight.Generator
	Cache     kvcache.Cache
	Metrics   observability.Recorder
	Events    *observability.EventLog
}

// Config tunes the orchestrator.
type Config struct {
	// Concurrency caps each type's pool. Missing types use DefaultConcurrency.
	Concurrency map[task.Type]int `yaml:"concurrency"`
	// Timeouts bound one run of each type. Missing types use DefaultTimeouts.
	Timeouts map[task.Type]time.Duration `yaml:"timeouts"`
	// AddTimeout bounds one publish. Default: 5s.
	AddTimeout time.Duration `yaml:"add_timeout"`
	// ProbeTimeout bounds each health probe of Status. Default: 2s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
	// SweepInterval is how often stalled leases are collected. Default: 30s.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// StageTimeout bounds the search and content stages of a knowledge-base
	// task. Default: 2m.
	StageTimeout time.Duration `yaml:"stage_timeout"`
	// InsightTimeout bounds one insight generation. Default: 90s.
	InsightTimeout time.Duration `yaml:"insight_timeout"`
	// SearchTarget is the result count asked per search. Default: 10.
	SearchTarget int `yaml:"search_target"`
	// DocumentMaxAge is the age limit of filings. Default: 365 days.
	DocumentMaxAge time.Duration `yaml:"document_max_age"`
	// ScanLimit caps the instruments a market scan enqueues. Default: 20.
	ScanLimit int `yaml:"scan_limit"`
	// MaxAttempts bounds direct runs of one task, mirroring the queue's
	// retry policy when no queue is configured. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryBackoff is the first delay between direct attempts, doubled
	// after each failure. Default: 2s.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	// Now overrides the clock.
	Now func() time.Time `yaml:"-"`
}

// DefaultConcurrency is the per-type pool size.
func DefaultConcurrency() map[task.Type]int {
	return map[task.Type]int{
		task.LiveAnalysis:      4,
		task.CompanyAnalysis:   3,
		task.InsightGeneration: 2,
		task.DocumentDiscovery: 2,
		task.KnowledgeBase:     1,
		task.MarketScan:        1,
	}
}

// DefaultTimeouts is the per-type run timeout.
func DefaultTimeouts() map[task.Type]time.Duration {
	return map[task.Type]time.Duration{
		task.LiveAnalysis:      2 * time.Minute,
		task.CompanyAnalysis:   5 * time.Minute,
		task.InsightGeneration: 5 * time.Minute,
		task.DocumentDiscovery: 5 * time.Minute,
		task.KnowledgeBase:     10 * time.Minute,
		task.MarketScan:        2 * time.Minute,
	}
}

// MaxConcurrency bounds a pool size.
const MaxConcurrency = 64

func (c *Config) defaults() {
	conc := DefaultConcurrency()
	for t, n := range c.Concurrency {
		conc[t] = n
	}
	c.Concurrency = conc
	tos := DefaultTimeouts()
	for t, d := range c.Timeouts {
		tos[t] = d
	}
	c.Timeouts = tos
	if c.AddTimeout <= 0 {
		c.AddTimeout = 5 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.InsightTimeout <= 0 {
		c.InsightTimeout = 90 * time.Second
	}
	if c.SearchTarget <= 0 {
		c.SearchTarget = 10
	}
	if c.DocumentMaxAge <= 0 {
		c.DocumentMaxAge = 365 * 24 * time.Hour
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 20
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Validate rejects unknown types and out-of-range caps and timeouts.
func (c Config) Validate() error {
	for t, n := range c.Concurrency {
		if !t.Valid() {
			return fmt.Errorf("%w: concurrency for unknown type %q", ErrInvalidConfig, t)
		}
		if n < 1 || n > MaxConcurrency {
			return fmt.Errorf("%w: concurrency %s=%d out of [1,%d]", ErrInvalidConfig, t, n, MaxConcurrency)
		}
	}
	for t, d := range c.Timeouts {
		if !t.Valid() {
			return fmt.Errorf("%w: timeout for unknown type %q", ErrInvalidConfig, t)
		}
		if d <= 0 {
			return fmt.Errorf("%w: timeout %s must be positive", ErrInvalidConfig, t)
		}
	}
	return nil
}

// Handler runs one task.
type Handler func(ctx context.Context, j *Job) (*Report, error)

// Job is a task being run.
type Job struct {
	ID       string              `json:"id"`
	Type     task.Type           `json:"type"`
	Symbol   string              `json:"symbol,omitempty"`
	Priority instrument.Priority `json:"priority"`
	Options  map[string]any      `json:"options,omitempty"`
	Attempt  int                 `json:"attempt"`

	heartbeat func(ctx context.Context) error
}

// Progress extends the lease of a queued task. It returns
// taskqueue.ErrLeaseLost once the task has stalled and been reclaimed.
func (j *Job) Progress(ctx context.Context) error {
	if j.heartbeat == nil {
		return nil
	}
	return j.heartbeat(ctx)
}

// Int reads a numeric option.
func (j *Job) Int(key string, def int) int {
	switch v := j.Options[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Report is the outcome of a run.
type Report struct {
	TaskID        string         `json:"task_id"`
	Type          task.Type      `json:"type"`
	Symbol        string         `json:"symbol,omitempty"`
	SearchResults int            `json:"search_results"`
	Documents     int            `json:"documents"`
	Stored        int            `json:"stored"`
	Insights      *insight.Data  `json:"insights,omitempty"`
	Enqueued      int            `json:"enqueued,omitempty"`
	Knowledge     *KnowledgeBase `json:"knowledge,omitempty"`
}

func (r *Report) summary() string {
	if r == nil {
		return ""
	}
	s := fmt.Sprintf("results=%d documents=%d stored=%d", r.SearchResults, r.Documents, r.Stored)
	if r.Enqueued > 0 {
		s += fmt.Sprintf(" enqueued=%d", r.Enqueued)
	}
	if r.Insights != nil && !r.Insights.Available {
		s += " insights=absent"
	}
	return s
}

// Orchestrator dispatches tasks to per-type handlers.
type Orchestrator struct {
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	newID    idgen.Generator
	handlers map[task.Type]Handler
	probes   []Probe
	bus      *bus

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	direct  sync.WaitGroup
	slots   map[task.Type]*gate

	lastProcessed  atomic.Int64
	directDone     atomic.Int64
	directFailed   atomic.Int64
	directInFlight atomic.Int64
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHandler replaces the handler of one type.
func WithHandler(t task.Type, h Handler) Option {
	return func(o *Orchestrator) { o.handlers[t] = h }
}

// WithProbe adds a health probe reported by Status.
func WithProbe(p Probe) Option { return func(o *Orchestrator) { o.probes = append(o.probes, p) } }

// WithIDGenerator overrides task ids.
func WithIDGenerator(g idgen.Generator) Option { return func(o *Orchestrator) { o.newID = g } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// New validates cfg and builds an orchestrator. Handlers for every task type
// are wired to deps.
func New(deps Deps, cfg Config, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.defaults()
	if deps.Insights == nil {
		deps.Insights = insight.Disabled{}
	}
	if deps.Cache == nil {
		deps.Cache = kvcache.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.Nop{}
	}
	o := &Orchestrator{
		deps:     deps,
		cfg:      cfg,
		newID:    idgen.Task,
		handlers: make(map[task.Type]Handler),
		slots:    make(map[task.Type]*gate),
	}
	o.handlers[task.LiveAnalysis] = o.liveAnalysis
	o.handlers[task.CompanyAnalysis] = o.companyAnalysis
	o.handlers[task.InsightGeneration] = o.insightGeneration
	o.handlers[task.DocumentDiscovery] = o.documentDiscovery
	o.handlers[task.MarketScan] = o.marketScan
	o.handlers[task.KnowledgeBase] = o.knowledgeBase
	o.probes = o.defaultProbes()
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.bus = newBus(o.logger)
	for _, t := range task.Types {
		o.slots[t] = newGate(cfg.Concurrency[t])
	}
	return o, nil
}

// QueueAvailable reports whether tasks go through the durable queue.
func (o *Orchestrator) QueueAvailable() bool { return o.deps.Queue != nil }

// Running reports whether Start has been called without Stop.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Start launches one pool per task type and the stall sweeper. It is a no-op
// when already running.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.runCtx, o.cancel = ctx, cancel
	o.running = true

	if o.deps.Queue == nil {
		o.logger.Info("orchestrator: started without queue, direct execution")
		return
	}
	for _, t := range task.Types {
		pool := taskqueue.Pool{
			Type:        string(t),
			Concurrency: o.cfg.Concurrency[t],
			Handler:     o.queued,
			RenewFor:    o.cfg.Timeouts[t],
			OnDone:      o.delivered,
		}
		o.wg.Go(func() { o.deps.Queue.Run(ctx, pool) })
	}
	o.wg.Go(func() { o.sweep(ctx) })
	o.logger.Info("orchestrator: started", "pools", len(task.Types))
}

// Stop cancels the pools and waits for in-flight tasks, queued and direct.
// It is a no-op when not running.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	o.runCtx = nil
	cancel := o.cancel
	o.mu.Unlock()

	cancel()
	o.wg.Wait()
	o.direct.Wait()
	o.logger.Info("orchestrator: stopped")
}

// AddTask validates req and queues it. The id is returned even with
// ErrPossiblyQueued so the caller can look the task up later.
func (o *Orchestrator) AddTask(ctx context.Context, req task.Request) (string, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := req.Validate(); err != nil {
		return "", err
	}
	id := o.newID()

	if !o.QueueAvailable() {
		o.runDirect(id, req)
		return id, nil
	}

	var opts []byte
	if len(req.Options) > 0 {
		b, err := json.Marshal(req.Options)
		if err != nil {
			return "", fmt.Errorf("orchestrator: options: %w", err)
		}
		opts = b
	}
	t := &taskqueue.Task{
		ID:           id,
		Type:         string(req.Type),
		Symbol:       req.Symbol,
		Priority:     string(req.Priority),
		Rank:         req.Priority.Rank(),
		Options:      opts,
		ScheduledFor: req.ScheduledFor,
		CreatedAt:    o.cfg.Now(),
	}

	actx, cancel := context.WithTimeout(ctx, o.cfg.AddTimeout)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- o.deps.Queue.Publish(actx, t) }()

	select {
	case err := <-errc:
		if err == nil {
			o.logger.Debug("orchestrator: task queued", "id", id, "type", req.Type, "symbol", req.Symbol, "priority", req.Priority)
			return id, nil
		}
		if actx.Err() == nil {
			return "", fmt.Errorf("orchestrator: add %s: %w", req.Type, err)
		}
	case <-actx.Done():
	}
	o.logger.Warn("orchestrator: possibly queued", "id", id, "type", req.Type, "symbol", req.Symbol, "timeout", o.cfg.AddTimeout)
	return id, fmt.Errorf("%w: %w", ErrPossiblyQueued, actx.Err())
}

// Execute runs req synchronously without the queue. It is the direct path
// used when the queue is unavailable, and by the control surface for
// one-off runs.
func (o *Orchestrator) Execute(ctx context.Context, req task.Request) (*Report, error) {
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := req.Validate(); err != nil {
		return nil, err
	}
	j := &Job{
		ID:       o.newID(),
		Type:     req.Type,
		Symbol:   req.Symbol,
		Priority: req.Priority,
		Options:  req.Options,
		Attempt:  1,
	}
	start := time.Now()
	rep, err := o.run(ctx, j)
	kind := EventCompleted
	if err != nil {
		kind = EventDead
		o.directFailed.Add(1)
	} else {
		o.directDone.Add(1)
	}
	o.finish(kind, j, time.Since(start), err, rep)
	return rep, err
}

// lifetime is the context of direct runs: the Start context while running,
// otherwise a background context.
func (o *Orchestrator) lifetime() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}

func (o *Orchestrator) runDirect(id string, req task.Request) {
	ctx := o.lifetime()
	slot := o.slots[req.Type]
	o.directInFlight.Add(1)
	o.direct.Go(func() {
		defer o.directInFlight.Add(-1)
		if d := req.ScheduledFor.Sub(o.cfg.Now()); !req.ScheduledFor.IsZero() && d > 0 {
			if !sleepCtx(ctx, d) {
				o.logger.Warn("orchestrator: scheduled direct task dropped on stop", "id", id, "type", req.Type)
				return
			}
		}
		j := &Job{ID: id, Type: req.Type, Symbol: req.Symbol, Priority: req.Priority, Options: req.Options}
		for attempt := 1; ; attempt++ {
			if slot.acquire(ctx, req.Priority.Rank()) != nil {
				return
			}
			j.Attempt = attempt
			start := time.Now()
			rep, err := o.run(ctx, j)
			slot.release()

			kind := EventCompleted
			switch {
			case err == nil:
				o.directDone.Add(1)
			case attempt < o.cfg.MaxAttempts && ctx.Err() == nil:
				kind = EventFailed
			default:
				kind = EventDead
				o.directFailed.Add(1)
			}
			o.finish(kind, j, time.Since(start), err, rep)
			if kind != EventFailed {
				return
			}
			if !sleepCtx(ctx, o.cfg.RetryBackoff<<(attempt-1)) {
				o.logger.Warn("orchestrator: direct retry dropped on stop", "id", id, "type", req.Type, "attempt", attempt)
				return
			}
		}
	})
}

// sleepCtx waits d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// run applies the type timeout around the handler.
func (o *Orchestrator) run(ctx context.Context, j *Job) (*Report, error) {
	h, ok := o.handlers[j.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", task.ErrUnknownType, j.Type)
	}
	timeout := o.cfg.Timeouts[j.Type]
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rep, err := h(rctx, j)
	if err != nil && errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, err)
	}
	if rep != nil {
		rep.TaskID, rep.Type, rep.Symbol = j.ID, j.Type, j.Symbol
	}
	return rep, err
}

// queued adapts a claimed queue row to a handler run.
func (o *Orchestrator) queued(ctx context.Context, t *taskqueue.Task) error {
	j := &Job{
		ID:       t.ID,
		Type:     task.Type(t.Type),
		Symbol:   t.Symbol,
		Priority: instrument.Priority(t.Priority),
		Attempt:  t.Attempts,
		heartbeat: func(ctx context.Context) error {
			return o.deps.Queue.Extend(ctx, t.ID, t.Lease)
		},
	}
	if len(t.Options) > 0 {
		if err := json.Unmarshal(t.Options, &j.Options); err != nil {
			return fmt.Errorf("orchestrator: options of %s: %w", t.ID, err)
		}
	}
	rep, err := o.run(ctx, j)
	if err == nil {
		o.logger.Info("orchestrator: task done", "id", j.ID, "type", j.Type, "symbol", j.Symbol, "summary", rep.summary())
	}
	return err
}

// delivered records the outcome of a queued delivery.
func (o *Orchestrator) delivered(out taskqueue.Outcome) {
	j := &Job{ID: out.Task.ID, Type: task.Type(out.Task.Type), Symbol: out.Task.Symbol, Attempt: out.Task.Attempts}
	var kind string
	switch out.Status {
	case taskqueue.StatusCompleted:
		kind = EventCompleted
	case taskqueue.StatusFailed:
		kind = EventFailed
	case taskqueue.StatusDead:
		kind = EventDead
	default:
		return
	}
	o.finish(kind, j, out.Duration, out.Err, nil)
}

func (o *Orchestrator) finish(kind string, j *Job, d time.Duration, err error, rep *Report) {
	now := o.cfg.Now()
	o.lastProcessed.Store(now.UnixMilli())
	labels := map[string]string{"type": string(j.Type), "outcome": kind}
	o.deps.Metrics.Record(observability.Metric{
		Name: observability.MetricTaskDurationMs, Timestamp: now,
		Value: float64(d.Milliseconds()), Labels: labels, Unit: "ms",
	})
	var outcome float64
	if kind == EventCompleted {
		outcome = 1
	}
	o.deps.Metrics.Record(observability.Metric{
		Name: observability.MetricTaskOutcome, Timestamp: now, Value: outcome, Labels: labels,
	})

	detail := rep.summary()
	if err != nil {
		detail = err.Error()
	}
	if kind == EventDead {
		o.logger.Error("orchestrator: task dead", "id", j.ID, "type", j.Type, "symbol", j.Symbol, "attempt", j.Attempt, "error", err)
	}
	o.emit(Event{Kind: kind, TaskID: j.ID, TaskType: string(j.Type), Symbol: j.Symbol, Attempt: j.Attempt, Detail: detail, CreatedAt: now})
}

func (o *Orchestrator) sweep(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SweepStalled(ctx)
		}
	}
}

// SweepStalled collects expired leases once. The sweeper goroutine calls it
// every SweepInterval.
func (o *Orchestrator) SweepStalled(ctx context.Context) {
	if o.deps.Queue == nil {
		return
	}
	requeued, dead, err := o.deps.Queue.SweepStalled(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("orchestrator: stall sweep", "error", err)
		}
		return
	}
	now := o.cfg.Now()
	for _, t := range requeued {
		o.logger.Warn("orchestrator: task stalled, requeued", "id", t.ID, "type", t.Type, "stalls", t.Stalls)
		o.emit(Event{Kind: EventStalled, TaskID: t.ID, TaskType: t.Type, Symbol: t.Symbol, Attempt: t.Attempts, Detail: "requeued", CreatedAt: now})
	}
	for _, t := range dead {
		j := &Job{ID: t.ID, Type: task.Type(t.Type), Symbol: t.Symbol, Attempt: t.Attempts}
		o.finish(EventDead, j, 0, errors.New("stalled"), nil)
	}
}

// Resubmit moves a dead task back to the queue.
func (o *Orchestrator) Resubmit(ctx context.Context, id string) error {
	if o.deps.Queue == nil {
		return taskqueue.ErrNotFound
	}
	return o.deps.Queue.Resubmit(ctx, id)
}

// Purge deletes finished tasks older than retention.
func (o *Orchestrator) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	if o.deps.Queue == nil {
		return 0, nil
	}
	n, err := o.deps.Queue.Purge(ctx, o.cfg.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("orchestrator: purge: %w", err)
	}
	if n > 0 {
		o.logger.Info("orchestrator: purged tasks", "count", n, "retention", retention)
	}
	return n, nil
}
