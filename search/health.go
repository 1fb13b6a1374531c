package search

import (
	"log/slog"
	"sort"
	"sync"
)

// EngineHealth is the failure bookkeeping of one engine.
type EngineHealth struct {
	Engine              string `json:"engine"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Excluded            bool   `json:"excluded"`
}

// healthTracker owns the engine health map. Every access goes through its
// mutex.
type healthTracker struct {
	mu        sync.Mutex
	threshold int
	engines   map[string]*EngineHealth
	resets    int
	logger    *slog.Logger
}

func newHealthTracker(threshold int, logger *slog.Logger) *healthTracker {
	return &healthTracker{threshold: threshold, engines: make(map[string]*EngineHealth), logger: logger}
}

func (h *healthTracker) get(name string) *EngineHealth {
	e, ok := h.engines[name]
	if !ok {
		e = &EngineHealth{Engine: name}
		h.engines[name] = e
	}
	return e
}

// record feeds one attempt. A success reinstates the engine; reaching the
// threshold excludes it. It reports whether the engine is now excluded.
func (h *healthTracker) record(name string, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	e := h.get(name)
	if err == nil {
		if e.Excluded {
			h.logger.Info("search: engine reinstated", "engine", name)
		}
		e.ConsecutiveFailures = 0
		e.Excluded = false
		return false
	}
	e.ConsecutiveFailures++
	if !e.Excluded && e.ConsecutiveFailures >= h.threshold {
		e.Excluded = true
		h.logger.Warn("search: engine excluded", "engine", name, "failures", e.ConsecutiveFailures)
	}
	return e.Excluded
}

// candidates filters out excluded engines. When that would leave nothing,
// every exclusion is cleared and the full set is returned.
func (h *healthTracker) candidates(engines []*Engine) []*Engine {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Engine, 0, len(engines))
	for _, e := range engines {
		if !h.get(e.Name).Excluded {
			out = append(out, e)
		}
	}
	if len(out) == 0 && len(engines) > 0 {
		for _, e := range engines {
			st := h.get(e.Name)
			st.Excluded = false
			st.ConsecutiveFailures = 0
		}
		h.resets++
		h.logger.Warn("search: all engines excluded, resetting health", "engines", len(engines))
		out = append(out, engines...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority && !out[j].Priority })
	return out
}

func (h *healthTracker) excluded() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.engines {
		if e.Excluded {
			n++
		}
	}
	return n
}

func (h *healthTracker) snapshot() []EngineHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EngineHealth, 0, len(h.engines))
	for _, e := range h.engines {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Engine < out[j].Engine })
	return out
}

func (h *healthTracker) setThreshold(n int) {
	h.mu.Lock()
	h.threshold = n
	h.mu.Unlock()
}
