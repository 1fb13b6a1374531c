// CLAUDE:SUMMARY Adaptive scheduler: one heap timer per instrument, diff-and-patch reconciliation, tick emission into the orchestrator.
// Package schedule computes per-instrument refresh cadences and emits
// harvesting tasks at that cadence.
//
// All timers live in one min-heap served by a single goroutine. Each entry
// carries a handle that changes only when its timer is replaced, so a
// reconciliation pass over an unchanged snapshot leaves every handle intact.
package schedule

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/harvest/instrument"
	"github.com/hazyhaar/harvest/task"
)

// ErrUnknownSymbol is returned by RefreshInstrument for symbols missing from
// the active snapshot.
var ErrUnknownSymbol = errors.New("schedule: symbol not in active snapshot")

// Enqueuer receives the tasks emitted on each tick.
type Enqueuer interface {
	AddTask(ctx context.Context, req task.Request) (string, error)
}

// Config configures the scheduler.
type Config struct {
	// ReconcileInterval is how often the snapshot is re-pulled. Default: 30m.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	// EmitTimeout bounds one tick's enqueue call. Default: 10s.
	EmitTimeout time.Duration `yaml:"emit_timeout"`
	// Now overrides the clock.
	Now func() time.Time `yaml:"-"`
}

func (c *Config) defaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 30 * time.Minute
	}
	if c.EmitTimeout <= 0 {
		c.EmitTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Entry is the derived schedule state of one instrument.
type Entry struct {
	Symbol   string                `json:"symbol"`
	Handle   uint64                `json:"handle"`
	Freq     Frequency             `json:"frequency"`
	TaskType task.Type             `json:"task_type"`
	NextFire time.Time             `json:"next_fire"`
	Inst     instrument.Instrument `json:"instrument"`
}

type entry struct {
	inst   instrument.Instrument
	freq   Frequency
	handle uint64
	next   time.Time
	index  int
}

type emission struct {
	symbol string
	req    task.Request
}

// Scheduler owns every instrument timer.
type Scheduler struct {
	catalog instrument.Catalog
	sink    Enqueuer
	config  Config
	logger  *slog.Logger

	mu         sync.Mutex
	tables     Tables
	entries    map[string]*entry
	timers     timerHeap
	nextHandle uint64
	lastRecon  time.Time

	wake chan struct{}

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	emitted sync.WaitGroup
}

// New creates a Scheduler. tables must already be validated.
func New(catalog instrument.Catalog, sink Enqueuer, tables Tables, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		catalog: catalog,
		sink:    sink,
		config:  cfg,
		logger:  logger,
		tables:  tables.Clone(),
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

// SetTables swaps the multiplier tables. The next reconciliation uses them.
func (s *Scheduler) SetTables(t Tables) {
	s.mu.Lock()
	s.tables = t.Clone()
	s.mu.Unlock()
	s.logger.Info("scheduler: tables updated")
}

// ComputeFrequency derives the cadence of inst at now from the current tables.
func (s *Scheduler) ComputeFrequency(inst instrument.Instrument, now time.Time) (Frequency, error) {
	s.mu.Lock()
	t := s.tables
	s.mu.Unlock()
	return t.Compute(inst, now)
}

// Start loads the snapshot, installs timers and launches the timer loop.
// A failed initial snapshot is logged; the loop retries at the next
// reconciliation. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("scheduler: initial reconciliation failed", "error", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
	s.logger.Info("scheduler: started", "instruments", len(s.Entries()), "reconcile_interval", s.config.ReconcileInterval)
}

// Stop cancels every timer and the reconciliation timer, waiting for
// in-flight emissions. Idempotent.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.emitted.Wait()
	s.cancel = nil

	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.timers = nil
	s.mu.Unlock()
	s.logger.Info("scheduler: stopped")
}

// Running reports whether the timer loop is active.
func (s *Scheduler) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.cancel != nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	recon := time.NewTicker(s.config.ReconcileInterval)
	defer recon.Stop()
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		timer.Reset(s.untilNext())
		select {
		case <-ctx.Done():
			return
		case <-recon.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Warn("scheduler: reconciliation failed, keeping previous entries", "error", err)
			}
		case <-s.wake:
		case <-timer.C:
			for _, em := range s.fireDue(s.config.Now()) {
				s.emitted.Add(1)
				go func(em emission) {
					defer s.emitted.Done()
					s.emit(ctx, em)
				}(em)
			}
		}
	}
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return time.Hour
	}
	return max(0, s.timers[0].next.Sub(s.config.Now()))
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// fireDue pops every entry due at now, re-arms it one interval later and
// returns the tasks to emit.
func (s *Scheduler) fireDue(now time.Time) []emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []emission
	for len(s.timers) > 0 && !s.timers[0].next.After(now) {
		e := s.timers[0]
		out = append(out, emission{
			symbol: e.inst.Symbol,
			req: task.Request{
				Type:     task.ForFrequency(e.freq.Minutes),
				Symbol:   e.inst.Symbol,
				Priority: e.freq.Priority,
				Options: map[string]any{
					"source":            "scheduler",
					"frequency_minutes": e.freq.Minutes,
				},
			},
		})
		e.next = now.Add(e.freq.Interval())
		heap.Fix(&s.timers, e.index)
	}
	return out
}

// Tick emits every entry due at the scheduler clock and waits for the
// enqueue calls. It returns the number of ticks emitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	due := s.fireDue(s.config.Now())
	var wg sync.WaitGroup
	for _, em := range due {
		wg.Go(func() { s.emit(ctx, em) })
	}
	wg.Wait()
	return len(due)
}

// emit enqueues one tick. Failures are logged; the timer stays armed.
func (s *Scheduler) emit(ctx context.Context, em emission) {
	ctx, cancel := context.WithTimeout(ctx, s.config.EmitTimeout)
	defer cancel()
	id, err := s.sink.AddTask(ctx, em.req)
	if err != nil {
		s.logger.Warn("scheduler: tick enqueue failed", "symbol", em.symbol, "type", em.req.Type, "error", err)
		return
	}
	s.logger.Debug("scheduler: tick", "symbol", em.symbol, "type", em.req.Type, "priority", em.req.Priority, "task_id", id)
}

// Reconcile re-pulls the active snapshot and patches the timer set: new or
// re-priced instruments get a fresh timer, unchanged ones keep theirs,
// vanished ones are removed. On a snapshot error the entries are kept.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	snapshot, err := s.catalog.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("schedule: snapshot: %w", err)
	}
	now := s.config.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(snapshot))
	var added, replaced, removed, skipped int
	for _, inst := range snapshot {
		sym := strings.ToUpper(inst.Symbol)
		inst.Symbol = sym
		f, err := s.tables.Compute(inst, now)
		if err != nil {
			skipped++
			s.logger.Warn("scheduler: cannot schedule instrument", "symbol", sym, "error", err)
			continue
		}
		seen[sym] = true
		cur, ok := s.entries[sym]
		switch {
		case !ok:
			added++
			s.install(inst, f, now)
		case cur.freq.Minutes != f.Minutes:
			replaced++
			s.remove(sym)
			s.install(inst, f, now)
		default:
			cur.inst = inst
			cur.freq = f
		}
	}
	for sym := range s.entries {
		if !seen[sym] {
			removed++
			s.remove(sym)
		}
	}
	s.lastRecon = now
	s.logger.Info("scheduler: reconciled",
		"instruments", len(s.entries), "added", added, "replaced", replaced, "removed", removed, "skipped", skipped)
	if added+replaced > 0 {
		s.signal()
	}
	return nil
}

// RefreshInstrument recomputes one symbol and always replaces its timer.
func (s *Scheduler) RefreshInstrument(ctx context.Context, symbol string) (Entry, error) {
	sym := strings.ToUpper(strings.TrimSpace(symbol))
	snapshot, err := s.catalog.ListActive(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("schedule: snapshot: %w", err)
	}
	now := s.config.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range snapshot {
		if strings.ToUpper(inst.Symbol) != sym {
			continue
		}
		inst.Symbol = sym
		f, err := s.tables.Compute(inst, now)
		if err != nil {
			return Entry{}, err
		}
		s.remove(sym)
		e := s.install(inst, f, now)
		s.signal()
		s.logger.Info("scheduler: instrument refreshed", "symbol", sym, "minutes", f.Minutes, "priority", f.Priority)
		return e.snapshot(), nil
	}
	if _, ok := s.entries[sym]; ok {
		s.remove(sym)
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
}

// Entries returns a snapshot of every live entry, sorted by symbol.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// LastReconciled returns the time of the last successful reconciliation.
func (s *Scheduler) LastReconciled() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRecon
}

// install must be called with mu held. The first fire is one interval away.
func (s *Scheduler) install(inst instrument.Instrument, f Frequency, now time.Time) *entry {
	s.nextHandle++
	e := &entry{inst: inst, freq: f, handle: s.nextHandle, next: now.Add(f.Interval())}
	s.entries[inst.Symbol] = e
	heap.Push(&s.timers, e)
	return e
}

// remove must be called with mu held.
func (s *Scheduler) remove(sym string) {
	e, ok := s.entries[sym]
	if !ok {
		return
	}
	delete(s.entries, sym)
	if e.index >= 0 && e.index < len(s.timers) && s.timers[e.index] == e {
		heap.Remove(&s.timers, e.index)
	}
}

func (e *entry) snapshot() Entry {
	return Entry{
		Symbol:   e.inst.Symbol,
		Handle:   e.handle,
		Freq:     e.freq,
		TaskType: task.ForFrequency(e.freq.Minutes),
		NextFire: e.next,
		Inst:     e.inst,
	}
}
