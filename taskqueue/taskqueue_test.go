package taskqueue_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/harvest/dbopen"
	"github.com/hazyhaar/harvest/taskqueue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newQ(t *testing.T, opts taskqueue.Options) (*taskqueue.Q, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = c.Now
	}
	q := taskqueue.New(dbopen.OpenMemory(t), opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q, c
}

func publish(t *testing.T, q *taskqueue.Q, id, prio string, rank int) {
	t.Helper()
	err := q.Publish(context.Background(), &taskqueue.Task{ID: id, Type: "live_analysis", Priority: prio, Rank: rank})
	if err != nil {
		t.Fatal(err)
	}
}

func TestClaimPriorityOrder(t *testing.T) {
	// WHAT: Mixed priorities published in arbitrary order are claimed HIGH, then MEDIUM, then LOW, FIFO within a tier.
	// WHY: Lower ranks must dispatch strictly first whenever both are eligible.
	q, _ := newQ(t, taskqueue.Options{})
	ctx := context.Background()

	publish(t, q, "low1", "LOW", 10)
	publish(t, q, "med1", "MEDIUM", 5)
	publish(t, q, "high1", "HIGH", 1)
	publish(t, q, "low2", "LOW", 10)
	publish(t, q, "high2", "HIGH", 1)
	publish(t, q, "med2", "MEDIUM", 5)

	var got []string
	for {
		task, err := q.Claim(ctx, "live_analysis")
		if err != nil {
			t.Fatal(err)
		}
		if task == nil {
			break
		}
		got = append(got, task.ID)
	}
	want := []string{"high1", "high2", "med1", "med2", "low1", "low2"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("claim order (-want +got):\n%s", diff)
	}
}

func TestClaimByType(t *testing.T) {
	q, _ := newQ(t, taskqueue.Options{})
	ctx := context.Background()
	q.Publish(ctx, &taskqueue.Task{ID: "a", Type: "market_scan", Priority: "LOW", Rank: 10})

	if task, _ := q.Claim(ctx, "live_analysis"); task != nil {
		t.Fatal("claimed a task of another type")
	}
	task, err := q.Claim(ctx, "market_scan")
	if err != nil || task == nil {
		t.Fatalf("claim: %v %v", task, err)
	}
	if task.Status != taskqueue.StatusActive || task.Attempts != 1 || task.Lease == "" {
		t.Fatalf("claimed task: %+v", task)
	}
}

func TestScheduledFor(t *testing.T) {
	q, c := newQ(t, taskqueue.Options{})
	ctx := context.Background()
	q.Publish(ctx, &taskqueue.Task{ID: "later", Type: "kb", Priority: "LOW", Rank: 10, ScheduledFor: c.Now().Add(time.Minute)})

	if task, _ := q.Claim(ctx, "kb"); task != nil {
		t.Fatal("delayed task visible too early")
	}
	c.Advance(time.Minute)
	if task, _ := q.Claim(ctx, "kb"); task == nil {
		t.Fatal("delayed task not visible after its time")
	}
}

func TestFailBackoffThenDead(t *testing.T) {
	// WHAT: Failures back off 2s then 4s and the third failure is terminal.
	// WHY: Retries are bounded with exponential backoff; exhaustion marks the task dead.
	q, c := newQ(t, taskqueue.Options{MaxAttempts: 3, BaseBackoff: 2 * time.Second})
	ctx := context.Background()
	publish(t, q, "t1", "HIGH", 1)

	for i, wait := range []time.Duration{2 * time.Second, 4 * time.Second} {
		task, _ := q.Claim(ctx, "live_analysis")
		if task == nil {
			t.Fatalf("attempt %d: not claimable", i+1)
		}
		st, err := q.Fail(ctx, task.ID, task.Lease, "boom")
		if err != nil {
			t.Fatal(err)
		}
		if st != taskqueue.StatusFailed {
			t.Fatalf("attempt %d: status %s, want failed", i+1, st)
		}
		c.Advance(wait - time.Millisecond)
		if again, _ := q.Claim(ctx, "live_analysis"); again != nil {
			t.Fatalf("attempt %d: visible before backoff elapsed", i+1)
		}
		c.Advance(time.Millisecond)
	}

	task, _ := q.Claim(ctx, "live_analysis")
	if task == nil || task.Attempts != 3 {
		t.Fatalf("third attempt: %+v", task)
	}
	st, err := q.Fail(ctx, task.ID, task.Lease, "boom")
	if err != nil || st != taskqueue.StatusDead {
		t.Fatalf("final failure: %s %v", st, err)
	}
	got, _ := q.Get(ctx, "t1")
	if got.LastError != "boom" {
		t.Fatalf("last error: %q", got.LastError)
	}
}

func TestStallRequeueThenDead(t *testing.T) {
	// WHAT: An expired lease requeues once; the second expiry is terminal.
	// WHY: A job that stops reporting progress is retried once, repeated stalls fail it.
	q, c := newQ(t, taskqueue.Options{Lease: time.Minute})
	ctx := context.Background()
	publish(t, q, "t1", "HIGH", 1)

	first, _ := q.Claim(ctx, "live_analysis")
	c.Advance(30 * time.Second)
	if err := q.Extend(ctx, first.ID, first.Lease); err != nil {
		t.Fatalf("extend: %v", err)
	}
	c.Advance(59 * time.Second)
	requeued, dead, err := q.SweepStalled(ctx)
	if err != nil || len(requeued)+len(dead) != 0 {
		t.Fatalf("heartbeat did not keep lease: %v %v %v", requeued, dead, err)
	}

	c.Advance(time.Second)
	requeued, dead, err = q.SweepStalled(ctx)
	if err != nil || len(requeued) != 1 || len(dead) != 0 {
		t.Fatalf("first stall: requeued=%d dead=%d err=%v", len(requeued), len(dead), err)
	}

	// The stalled worker's late completion must be ignored.
	if err := q.Complete(ctx, first.ID, first.Lease); !errors.Is(err, taskqueue.ErrLeaseLost) {
		t.Fatalf("late ack: got %v, want ErrLeaseLost", err)
	}

	second, _ := q.Claim(ctx, "live_analysis")
	if second == nil {
		t.Fatal("requeued task not claimable")
	}
	c.Advance(time.Minute)
	requeued, dead, _ = q.SweepStalled(ctx)
	if len(requeued) != 0 || len(dead) != 1 {
		t.Fatalf("second stall: requeued=%d dead=%d", len(requeued), len(dead))
	}
	if dead[0].Stalls != 2 {
		t.Fatalf("stalls: %d", dead[0].Stalls)
	}
}

func TestResubmitAndPurge(t *testing.T) {
	q, c := newQ(t, taskqueue.Options{MaxAttempts: 1})
	ctx := context.Background()
	publish(t, q, "t1", "LOW", 10)
	publish(t, q, "t2", "LOW", 10)

	task, _ := q.Claim(ctx, "live_analysis")
	q.Fail(ctx, task.ID, task.Lease, "x")
	if err := q.Resubmit(ctx, "t2"); !errors.Is(err, taskqueue.ErrNotDead) {
		t.Fatalf("resubmit queued task: %v", err)
	}
	if err := q.Resubmit(ctx, "nope"); !errors.Is(err, taskqueue.ErrNotFound) {
		t.Fatalf("resubmit unknown task: %v", err)
	}
	if err := q.Resubmit(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	n, _ := q.Len(ctx)
	if n != 2 {
		t.Fatalf("len after resubmit: %d", n)
	}

	task, _ = q.Claim(ctx, "live_analysis")
	q.Complete(ctx, task.ID, task.Lease)
	c.Advance(time.Hour)
	removed, err := q.Purge(ctx, c.Now().Add(-time.Minute))
	if err != nil || removed != 1 {
		t.Fatalf("purge: %d %v", removed, err)
	}
	counts, _ := q.Counts(ctx)
	if counts[taskqueue.StatusQueued] != 1 {
		t.Fatalf("counts: %v", counts)
	}
}

func TestRunPool(t *testing.T) {
	// WHAT: Run completes successful tasks, retries failures, and drains on cancel.
	// WHY: The per-type pool is the only consumer loop of the orchestrator.
	q, _ := taskqueueWithRealClock(t)
	ctx, cancel := context.WithCancel(context.Background())

	for i := range 5 {
		q.Publish(ctx, &taskqueue.Task{ID: fmt.Sprintf("t%d", i), Type: "company_analysis", Priority: "MEDIUM", Rank: 5})
	}

	var inflight, peak atomic.Int32
	var mu sync.Mutex
	outcomes := map[string]taskqueue.Status{}
	done := make(chan struct{})

	go func() {
		defer close(done)
		q.Run(ctx, taskqueue.Pool{
			Type:        "company_analysis",
			Concurrency: 2,
			Handler: func(ctx context.Context, task *taskqueue.Task) error {
				n := inflight.Add(1)
				defer inflight.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				if task.ID == "t3" {
					return errors.New("bad page")
				}
				return nil
			},
			OnDone: func(o taskqueue.Outcome) {
				mu.Lock()
				outcomes[o.Task.ID] = o.Status
				mu.Unlock()
			},
		})
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(outcomes)
		mu.Unlock()
		if n == 5 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 5 {
		t.Fatalf("outcomes: %v", outcomes)
	}
	if outcomes["t3"] != taskqueue.StatusFailed || outcomes["t0"] != taskqueue.StatusCompleted {
		t.Fatalf("outcomes: %v", outcomes)
	}
	if peak.Load() > 2 {
		t.Fatalf("concurrency cap exceeded: %d", peak.Load())
	}
}

func taskqueueWithRealClock(t *testing.T) (*taskqueue.Q, *clock) {
	return newQ(t, taskqueue.Options{Now: time.Now, PollInterval: 5 * time.Millisecond, BaseBackoff: time.Hour})
}

// runUntil runs a pool in the background, sweeping stalled tasks every
// sweep, and returns a stop func that cancels and drains both loops.
func runUntil(t *testing.T, q *taskqueue.Q, p taskqueue.Pool, sweep time.Duration) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { q.Run(ctx, p) })
	wg.Go(func() {
		tick := time.NewTicker(sweep)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				q.SweepStalled(ctx)
			}
		}
	})
	return func() {
		cancel()
		wg.Wait()
	}
}

func TestRunRenewsLease(t *testing.T) {
	// WHAT: A handler running four leases long, with a concurrent sweeper,
	// runs once and completes.
	// WHY: Without renewal a healthy long task is swept, runs twice, then dies.
	q, _ := newQ(t, taskqueue.Options{Now: time.Now, Lease: 200 * time.Millisecond, PollInterval: 5 * time.Millisecond, BaseBackoff: time.Hour})
	ctx := context.Background()
	q.Publish(ctx, &taskqueue.Task{ID: "long", Type: "live_analysis", Priority: "HIGH", Rank: 1})

	var runs atomic.Int32
	outcome := make(chan taskqueue.Outcome, 4)
	stop := runUntil(t, q, taskqueue.Pool{
		Type:        "live_analysis",
		Concurrency: 2,
		RenewFor:    2 * time.Second,
		Handler: func(ctx context.Context, task *taskqueue.Task) error {
			runs.Add(1)
			time.Sleep(800 * time.Millisecond)
			return nil
		},
		OnDone: func(o taskqueue.Outcome) { outcome <- o },
	}, 50*time.Millisecond)

	var got taskqueue.Outcome
	select {
	case got = <-outcome:
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
	}
	stop()

	if got.Status != taskqueue.StatusCompleted {
		t.Errorf("status: got %q, want completed", got.Status)
	}
	if n := runs.Load(); n != 1 {
		t.Errorf("runs: got %d, want 1", n)
	}
	task, err := q.Get(ctx, "long")
	if err != nil {
		t.Fatal(err)
	}
	if task.Stalls != 0 {
		t.Errorf("stalls: got %d, want 0", task.Stalls)
	}
}

func TestRunRenewalBounded(t *testing.T) {
	// WHAT: Renewal stops after RenewFor, so a wedged handler is swept.
	// WHY: A hung handler must not hold its task forever.
	q, _ := newQ(t, taskqueue.Options{Now: time.Now, Lease: 100 * time.Millisecond, PollInterval: 5 * time.Millisecond, BaseBackoff: time.Hour, MaxStalls: 5})
	ctx := context.Background()
	q.Publish(ctx, &taskqueue.Task{ID: "wedged", Type: "live_analysis", Priority: "HIGH", Rank: 1})

	release := make(chan struct{})
	outcome := make(chan taskqueue.Outcome, 4)
	stop := runUntil(t, q, taskqueue.Pool{
		Type:        "live_analysis",
		Concurrency: 1,
		RenewFor:    50 * time.Millisecond,
		Handler: func(ctx context.Context, task *taskqueue.Task) error {
			<-release
			return nil
		},
		OnDone: func(o taskqueue.Outcome) { outcome <- o },
	}, 20*time.Millisecond)

	deadline := time.Now().Add(5 * time.Second)
	var stalls int
	for time.Now().Before(deadline) {
		task, err := q.Get(ctx, "wedged")
		if err != nil {
			t.Fatal(err)
		}
		if stalls = task.Stalls; stalls > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	close(release)

	var got taskqueue.Outcome
	select {
	case got = <-outcome:
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome")
	}
	stop()

	if stalls == 0 {
		t.Fatal("wedged task was never swept")
	}
	if got.Status != "" {
		t.Errorf("first delivery status: got %q, want lease lost", got.Status)
	}
}

func TestTotalsSurvivePurge(t *testing.T) {
	// WHAT: Totals count terminal transitions once and survive Purge.
	// WHY: Counts only sees rows still on disk.
	q, c := newQ(t, taskqueue.Options{MaxAttempts: 1})
	ctx := context.Background()
	publish(t, q, "ok", "HIGH", 1)
	publish(t, q, "bad", "HIGH", 1)

	for range 2 {
		tk, err := q.Claim(ctx, "live_analysis")
		if err != nil || tk == nil {
			t.Fatalf("claim: %v %v", tk, err)
		}
		if tk.ID == "ok" {
			if err := q.Complete(ctx, tk.ID, tk.Lease); err != nil {
				t.Fatal(err)
			}
			// A late second ack leaves the total alone.
			if err := q.Complete(ctx, tk.ID, tk.Lease); !errors.Is(err, taskqueue.ErrLeaseLost) {
				t.Fatalf("second complete: %v", err)
			}
			continue
		}
		if st, err := q.Fail(ctx, tk.ID, tk.Lease, "boom"); err != nil || st != taskqueue.StatusDead {
			t.Fatalf("fail: %s %v", st, err)
		}
	}

	want := map[taskqueue.Status]int{taskqueue.StatusCompleted: 1, taskqueue.StatusDead: 1}
	got, err := q.Totals(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("totals (-want +got):\n%s", diff)
	}

	c.Advance(time.Hour)
	if n, err := q.Purge(ctx, c.Now()); err != nil || n != 2 {
		t.Fatalf("purge: %d %v", n, err)
	}
	got, _ = q.Totals(ctx)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("totals after purge (-want +got):\n%s", diff)
	}
}
