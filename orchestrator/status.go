package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvest/taskqueue"
)

// Probe checks one collaborator. A nil error is healthy.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Status is the orchestrator snapshot exposed to the control surface.
// Completed and Failed are cumulative: direct runs since start plus every
// queued task that ever reached completed or dead, purged or not.
type Status struct {
	Running        bool              `json:"running"`
	QueueAvailable bool              `json:"queue_available"`
	QueueDepth     int               `json:"queue_depth"`
	Active         int               `json:"active"`
	Completed      int               `json:"completed"`
	Failed         int               `json:"failed"`
	Retrying       int               `json:"retrying"`
	LastProcessed  time.Time         `json:"last_processed,omitzero"`
	Health         map[string]bool   `json:"health"`
	Errors         map[string]string `json:"errors,omitempty"`
}

var errUnhealthy = errors.New("unhealthy")

func (o *Orchestrator) defaultProbes() []Probe {
	var ps []Probe
	if o.deps.Queue != nil {
		ps = append(ps, Probe{Name: "queue", Check: o.deps.Queue.Ping})
	}
	if s := o.deps.Search; s != nil {
		ps = append(ps, Probe{Name: "search", Check: func(context.Context) error {
			if !s.Healthy() {
				return errUnhealthy
			}
			return nil
		}})
	}
	if o.deps.Content != nil {
		ps = append(ps, Probe{Name: "content", Check: func(context.Context) error { return nil }})
	}
	ps = append(ps, Probe{Name: "cache", Check: o.deps.Cache.Ping})
	if o.deps.Store != nil {
		ps = append(ps, Probe{Name: "storage", Check: o.deps.Store.Ping})
	}
	return ps
}

// Status gathers counters and runs every probe in parallel, each bounded by
// ProbeTimeout. A probe that does not answer in time counts as unhealthy.
func (o *Orchestrator) Status(ctx context.Context) Status {
	st := Status{
		Running:        o.Running(),
		QueueAvailable: o.QueueAvailable(),
		Active:         int(o.directInFlight.Load()),
		Completed:      int(o.directDone.Load()),
		Failed:         int(o.directFailed.Load()),
		Health:         make(map[string]bool, len(o.probes)),
	}
	if ms := o.lastProcessed.Load(); ms > 0 {
		st.LastProcessed = time.UnixMilli(ms).UTC()
	}

	var mu sync.Mutex
	set := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		st.Health[name] = err == nil
		if err != nil {
			if st.Errors == nil {
				st.Errors = make(map[string]string)
			}
			st.Errors[name] = err.Error()
		}
	}

	var g errgroup.Group
	for _, p := range o.probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
			defer cancel()
			errc := make(chan error, 1)
			go func() { errc <- p.Check(pctx) }()
			select {
			case err := <-errc:
				set(p.Name, err)
			case <-pctx.Done():
				set(p.Name, pctx.Err())
			}
			return nil
		})
	}
	if q := o.deps.Queue; q != nil {
		g.Go(func() error {
			qctx, cancel := context.WithTimeout(ctx, o.cfg.ProbeTimeout)
			defer cancel()
			counts, err := q.Counts(qctx)
			if err != nil {
				o.logger.Warn("orchestrator: status counts", "error", err)
				return nil
			}
			totals, err := q.Totals(qctx)
			if err != nil {
				o.logger.Warn("orchestrator: status totals", "error", err)
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			st.QueueDepth = counts[taskqueue.StatusQueued] + counts[taskqueue.StatusFailed]
			st.Active += counts[taskqueue.StatusActive]
			st.Completed += totals[taskqueue.StatusCompleted]
			st.Failed += totals[taskqueue.StatusDead]
			st.Retrying = counts[taskqueue.StatusFailed]
			return nil
		})
	}
	g.Wait()
	return st
}
