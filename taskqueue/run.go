package taskqueue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Handler processes a claimed task. Return nil to complete it, non-nil to
// fail the attempt.
type Handler func(ctx context.Context, t *Task) error

// Outcome reports how a delivery ended. Status is the row status after the
// ack, or empty when the lease had already been lost.
type Outcome struct {
	Task     *Task
	Status   Status
	Err      error
	Duration time.Duration
}

// Pool describes one consumer: tasks of Type, at most Concurrency at a time.
type Pool struct {
	Type        string
	Concurrency int
	Handler     Handler
	// RenewFor bounds how long the lease is renewed while the handler runs.
	// A handler still running after RenewFor loses its lease within one
	// Lease and is swept as stalled. Zero renews until the handler returns.
	RenewFor time.Duration
	// OnDone, if set, is called after every delivery.
	OnDone func(Outcome)
}

// Run claims tasks for the pool and runs them with bounded concurrency. It
// blocks until ctx is cancelled, draining in-flight handlers before
// returning. Handlers receive ctx; acks use a background context so a
// shutdown does not strand a finished task in the active state.
func (q *Q) Run(ctx context.Context, p Pool) {
	o := q.options()
	log := o.Logger
	if p.Concurrency <= 0 {
		p.Concurrency = 1
	}
	log.Info("taskqueue: pool started", "type", p.Type, "concurrency", p.Concurrency, "lease", o.Lease)

	sem := make(chan struct{}, p.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(o.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("taskqueue: pool stopping, draining in-flight handlers", "type", p.Type)
			wg.Wait()
			log.Info("taskqueue: pool stopped", "type", p.Type)
			return
		case <-ticker.C:
		}

		// Fill every free slot before waiting for the next tick.
	fill:
		for ctx.Err() == nil {
			select {
			case sem <- struct{}{}:
			default:
				break fill
			}
			t, err := q.Claim(ctx, p.Type)
			if err != nil || t == nil {
				<-sem
				if err != nil && ctx.Err() == nil {
					log.Warn("taskqueue: claim failed", "type", p.Type, "error", err)
				}
				break fill
			}
			wg.Add(1)
			go func(t *Task) {
				defer wg.Done()
				defer func() { <-sem }()
				q.deliver(ctx, p, t)
			}(t)
		}
	}
}

func (q *Q) deliver(ctx context.Context, p Pool, t *Task) {
	log := q.options().Logger
	start := time.Now()
	stop := q.renew(ctx, p, t)
	herr := p.Handler(ctx, t)
	stop()

	out := Outcome{Task: t, Err: herr}
	var err error
	if herr == nil {
		err = q.Complete(context.Background(), t.ID, t.Lease)
		if err == nil {
			out.Status = StatusCompleted
		}
	} else {
		out.Status, err = q.Fail(context.Background(), t.ID, t.Lease, herr.Error())
		if err == nil {
			log.Warn("taskqueue: handler failed", "id", t.ID, "type", t.Type, "attempt", t.Attempts, "status", out.Status, "error", herr)
		}
	}
	switch {
	case errors.Is(err, ErrLeaseLost):
		log.Warn("taskqueue: late ack ignored", "id", t.ID, "type", t.Type)
	case err != nil:
		log.Warn("taskqueue: ack failed", "id", t.ID, "error", err)
	}
	out.Duration = time.Since(start)
	if p.OnDone != nil {
		p.OnDone(out)
	}
}

// renew extends t's lease every Lease/3 until stop is called or RenewFor
// elapses. It outlives ctx so a draining handler keeps its lease.
func (q *Q) renew(ctx context.Context, p Pool, t *Task) (stop func()) {
	o := q.options()
	base := context.WithoutCancel(ctx)
	var (
		rctx   context.Context
		cancel context.CancelFunc
	)
	if p.RenewFor > 0 {
		rctx, cancel = context.WithTimeout(base, p.RenewFor)
	} else {
		rctx, cancel = context.WithCancel(base)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		tick := time.NewTicker(max(o.Lease/3, time.Millisecond))
		defer tick.Stop()
		for {
			select {
			case <-rctx.Done():
				return
			case <-tick.C:
			}
			err := q.Extend(rctx, t.ID, t.Lease)
			switch {
			case errors.Is(err, ErrLeaseLost):
				o.Logger.Warn("taskqueue: lease lost while running", "id", t.ID, "type", t.Type)
				return
			case err != nil && rctx.Err() == nil:
				o.Logger.Warn("taskqueue: lease renewal failed", "id", t.ID, "error", err)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}
