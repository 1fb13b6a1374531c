// CLAUDE:SUMMARY Service wiring: opens the database, builds every component from config and owns their lifecycle.
// Package harvest assembles the harvesting pipeline from a config.Config:
// catalog, scheduler, durable queue, orchestrator, search optimizer,
// resilient search client, content processor, storage and insight
// generator, all sharing one SQLite database under the data directory.
package harvest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/content"
	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/insight"
	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/kvcache"
	"github.com/hazyhaar/harvest/observability"
	"github.com/hazyhaar/harvest/optimizer"
	"github.com/hazyhaar/harvest/orchestrator"
	"github.com/hazyhaar/harvest/schedule"
	"github.com/hazyhaar/harvest/search"
	"github.com/hazyhaar/harvest/shield"
	"github.com/hazyhaar/harvest/storage"
	"github.com/hazyhaar/harvest/taskqueue"
)

// DBFile is the database file name under the data directory.
const DBFile = "harvest.db"

// HousekeepInterval is how often retention cleanup runs while started.
const HousekeepInterval = time.Hour

// ErrNotStarted is returned by control operations needing a started service.
var ErrNotStarted = errors.New("harvest: service not started")

// Service owns every component of the pipeline.
type Service struct {
	cfg    config.Config
	logger *slog.Logger
	db     *sql.DB
	ownsDB bool

	Catalog      *instrument.SQLiteCatalog
	Cache        *kvcache.SQLite
	Queue        *taskqueue.Q
	Store        *storage.SQLite
	Search       *search.Client
	Optimizer    *optimizer.Optimizer
	Content      *content.Processor
	Insights     insight.Generator
	Metrics      *observability.MetricsManager
	Events       *observability.EventLog
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *schedule.Scheduler
	Shield       *shield.Stack

	browser    *content.Browser
	httpClient *http.Client
	noQueue    bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithDB uses db instead of opening DataDir/harvest.db. The caller keeps
// ownership of db.
func WithDB(db *sql.DB) Option { return func(s *Service) { s.db = db } }

// WithHTTPClient sets the client the search engines are called with.
func WithHTTPClient(c *http.Client) Option { return func(s *Service) { s.httpClient = c } }

// WithoutQueue runs every task in-process through the direct-execution
// path instead of the durable queue.
func WithoutQueue() Option { return func(s *Service) { s.noQueue = true } }

// New opens the database and builds the components. Nothing runs until Start.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{cfg: cfg, logger: logger}
	for _, o := range opts {
		o(s)
	}
	if s.db == nil {
		db, err := dbopen.Open(filepath.Join(cfg.DataDir, DBFile), dbopen.WithMkdirAll(), dbopen.WithMaxOpenConns(8))
		if err != nil {
			return nil, err
		}
		s.db, s.ownsDB = db, true
	}
	if err := s.build(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg, logger := s.cfg, s.logger

	s.Catalog = instrument.NewSQLiteCatalog(s.db, logger)
	s.Shield = shield.New(cfg.HTTP, logger)
	s.Cache = kvcache.NewSQLite(s.db)
	storeOpts := []storage.Option{storage.WithLogger(logger)}
	if cfg.MarkdownDir != "" {
		storeOpts = append(storeOpts, storage.WithSink(storage.NewMarkdownSink(cfg.MarkdownDir)))
	}
	s.Store = storage.NewSQLite(s.db, storeOpts...)
	s.Queue = taskqueue.New(s.db, taskqueue.Options{
		Lease:        cfg.Queue.Lease,
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BaseBackoff:  cfg.Queue.BaseBackoff,
		MaxStalls:    cfg.Queue.MaxStalls,
		Logger:       logger,
	})
	for name, fn := range map[string]func(context.Context) error{
		"instruments":   s.Catalog.EnsureSchema,
		"cache":         s.Cache.EnsureSchema,
		"storage":       s.Store.EnsureSchema,
		"queue":         s.Queue.EnsureTable,
		"observability": func(ctx context.Context) error { return observability.Init(ctx, s.db) },
	} {
		if err := fn(ctx); err != nil {
			return fmt.Errorf("harvest: schema %s: %w", name, err)
		}
	}

	s.Metrics = observability.NewMetricsManager(s.db, 0, 0, logger)
	s.Events = observability.NewEventLog(s.db, logger)

	searchOpts := []search.Option{search.WithLogger(logger)}
	if s.httpClient != nil {
		searchOpts = append(searchOpts, search.WithHTTPClient(s.httpClient))
	}
	sc, err := search.New(cfg.Search.Engines, cfg.Search.Config, searchOpts...)
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	s.Search = sc
	s.Optimizer = optimizer.New(sc, s.Cache, s.Metrics, cfg.Optimizer, logger)

	var renderer content.Renderer
	if cfg.Content.Browser != nil {
		s.browser = content.NewBrowser(*cfg.Content.Browser, logger)
		renderer = s.browser
	}
	fetcher := content.NewFetcher(cfg.Content.Fetch, renderer, logger)
	s.Content = content.NewProcessor(fetcher, cfg.Content.Config,
		content.WithCache(s.Cache),
		content.WithMetrics(s.Metrics),
		content.WithLogger(logger))

	s.Insights = insight.Disabled{}
	if cfg.Insight.Endpoint != "" {
		gen, err := insight.NewClient(cfg.Insight, logger)
		if err != nil {
			return fmt.Errorf("harvest: %w", err)
		}
		s.Insights = gen
	}

	deps := orchestrator.Deps{
		Queue:     s.Queue,
		Catalog:   s.Catalog,
		Search:    s.Search,
		Optimizer: s.Optimizer,
		Content:   s.Content,
		Store:     s.Store,
		Insights:  s.Insights,
		Cache:     s.Cache,
		Metrics:   s.Metrics,
		Events:    s.Events,
	}
	if s.noQueue {
		deps.Queue = nil
	}
	ocfg := cfg.Orchestrator
	if ocfg.MaxAttempts == 0 {
		ocfg.MaxAttempts = cfg.Queue.MaxAttempts
	}
	if ocfg.RetryBackoff == 0 {
		ocfg.RetryBackoff = cfg.Queue.BaseBackoff
	}
	orch, err := orchestrator.New(deps, ocfg, orchestrator.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("harvest: %w", err)
	}
	s.Orchestrator = orch
	s.Scheduler = schedule.New(s.Catalog, orch, cfg.Tables, cfg.Schedule, logger)
	logger.Info("harvest: built",
		"engines", len(cfg.Search.Engines),
		"insights", s.Insights.Enabled(),
		"queue", orch.QueueAvailable(),
		"browser", s.browser != nil)
	return nil
}

// Config returns the configuration the service was built with.
func (s *Service) Config() config.Config { return s.cfg }

// DB returns the shared database.
func (s *Service) DB() *sql.DB { return s.db }

// ReloadTargets are the components a config.Reloader pushes changes to.
func (s *Service) ReloadTargets() config.Targets {
	return config.Targets{
		Scheduler: s.Scheduler,
		Optimizer: s.Optimizer,
		Search:    s.Search,
		Queue:     s.Queue,
	}
}

// Start runs the optimizer, the orchestrator pools, the scheduler and the
// housekeeping loop. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.Optimizer.Start(ctx)
	s.Orchestrator.Start(ctx)
	s.Scheduler.Start(ctx)
	s.wg.Go(func() { s.housekeepLoop(ctx) })
	s.logger.Info("harvest: started")
}

// Stop stops the scheduler first so nothing new is enqueued, then the
// orchestrator and the optimizer.
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	s.Scheduler.Stop()
	s.Orchestrator.Stop()
	s.Optimizer.Stop()
	cancel()
	s.wg.Wait()
	s.logger.Info("harvest: stopped")
}

// Close stops the service and releases the browser, the metrics flusher
// and the database when the service opened it.
func (s *Service) Close() error {
	if s.Scheduler != nil {
		s.Stop()
	}
	var errs []error
	if s.browser != nil {
		errs = append(errs, s.browser.Close())
	}
	if s.Metrics != nil {
		errs = append(errs, s.Metrics.Close())
	}
	if s.ownsDB && s.db != nil {
		errs = append(errs, s.db.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) housekeepLoop(ctx context.Context) {
	t := time.NewTicker(HousekeepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Housekeep(ctx); err != nil {
				s.logger.Warn("harvest: housekeeping", "error", err)
			}
		}
	}
}

// Housekeep applies the retention settings: old finished tasks, task
// events and metrics are deleted and expired cache entries swept.
func (s *Service) Housekeep(ctx context.Context) error {
	r := s.cfg.Retention
	var errs []error
	if r.Tasks > 0 {
		n, err := s.Orchestrator.Purge(ctx, r.Tasks)
		errs = append(errs, err)
		s.logger.Debug("harvest: purged tasks", "rows", n)
	}
	if r.Events > 0 {
		_, err := s.Events.Cleanup(ctx, r.Events)
		errs = append(errs, err)
	}
	if r.Metrics > 0 {
		_, err := s.Metrics.Cleanup(ctx, r.Metrics)
		errs = append(errs, err)
	}
	_, err := s.Cache.Sweep(ctx)
	errs = append(errs, err)
	s.Shield.Limiter.GC()
	return errors.Join(errs...)
}

// Status is the combined view of the control surface.
type Status struct {
	Orchestrator orchestrator.Status   `json:"orchestrator"`
	Scheduler    SchedulerStatus       `json:"scheduler"`
	Optimizer    OptimizerStatus       `json:"optimizer"`
	Stored       storage.Counts        `json:"stored"`
	Engines      []search.EngineHealth `json:"engines"`
}

// SchedulerStatus summarises the timer set.
type SchedulerStatus struct {
	Running        bool      `json:"running"`
	Instruments    int       `json:"instruments"`
	LastReconciled time.Time `json:"last_reconciled,omitzero"`
	NextFire       time.Time `json:"next_fire,omitzero"`
}

// OptimizerStatus summarises the batching front.
type OptimizerStatus struct {
	Available  bool                          `json:"available"`
	Pending    int                           `json:"pending"`
	RateLimits []optimizer.ProviderRateLimit `json:"rate_limits"`
}

// Status collects the state of every component.
func (s *Service) Status(ctx context.Context) Status {
	entries := s.Scheduler.Entries()
	st := Status{
		Orchestrator: s.Orchestrator.Status(ctx),
		Scheduler: SchedulerStatus{
			Running:        s.Scheduler.Running(),
			Instruments:    len(entries),
			LastReconciled: s.Scheduler.LastReconciled(),
		},
		Optimizer: OptimizerStatus{
			Available:  s.Optimizer.Available(),
			Pending:    s.Optimizer.Pending(),
			RateLimits: s.Optimizer.RateLimits(),
		},
		Engines: s.Search.Health(),
	}
	for _, e := range entries {
		if st.Scheduler.NextFire.IsZero() || e.NextFire.Before(st.Scheduler.NextFire) {
			st.Scheduler.NextFire = e.NextFire
		}
	}
	counts, err := s.Store.Counts(ctx, "")
	if err != nil {
		s.logger.Warn("harvest: storage counts", "error", err)
	}
	st.Stored = counts
	return st
}

// Frequency computes the cadence of one catalog instrument now.
func (s *Service) Frequency(ctx context.Context, symbol string) (instrument.Instrument, schedule.Frequency, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	list, err := s.Catalog.ListActive(ctx)
	if err != nil {
		return instrument.Instrument{}, schedule.Frequency{}, err
	}
	for _, inst := range list {
		if strings.ToUpper(inst.Symbol) == sym {
			f, err := s.Scheduler.ComputeFrequency(inst, time.Now())
			return inst, f, err
		}
	}
	return instrument.Instrument{}, schedule.Frequency{}, fmt.Errorf("%w: %s", schedule.ErrUnknownSymbol, sym)
}
