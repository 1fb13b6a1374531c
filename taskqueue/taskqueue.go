// Package taskqueue implements the durable priority queue behind the task
// orchestrator. It is a visibility-timeout queue backed by SQLite.
//
// A claimed task is leased: it stays invisible to other claimers until the
// lease expires. The holder extends the lease while it makes progress and
// completes or fails the task with the lease token it was given. A task whose
// lease expires while still active has stalled. The first stall puts it back
// in the queue, the second one marks it dead.
//
// Claim order is rank ascending (lower rank first), then enqueue order.
//
// Lifecycle:
//
//	queued → active → completed
//	             ↘ failed (backoff) → active → … → dead
//
// Expected schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS harvest_tasks (
//	    seq           INTEGER PRIMARY KEY AUTOINCREMENT,
//	    id            TEXT NOT NULL UNIQUE,
//	    type          TEXT NOT NULL,
//	    symbol        TEXT NOT NULL DEFAULT '',
//	    priority      TEXT NOT NULL,
//	    rank          INTEGER NOT NULL,
//	    options       BLOB,
//	    status        TEXT NOT NULL,
//	    attempts      INTEGER NOT NULL DEFAULT 0,
//	    stalls        INTEGER NOT NULL DEFAULT 0,
//	    lease         TEXT NOT NULL DEFAULT '',
//	    visible_at    INTEGER NOT NULL,  -- milliseconds since epoch
//	    scheduled_for INTEGER NOT NULL DEFAULT 0,
//	    created_at    INTEGER NOT NULL,
//	    updated_at    INTEGER NOT NULL,
//	    last_error    TEXT NOT NULL DEFAULT ''
//	);
package taskqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/harvest/idgen"
)

// Status is the lifecycle state of a task row.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusDead      Status = "dead"
)

var (
	// ErrNotFound is returned when no task has the given id.
	ErrNotFound = errors.New("taskqueue: task not found")
	// ErrLeaseLost is returned when a completion or heartbeat carries a lease
	// token that no longer owns the task (stalled and reclaimed, or finished).
	ErrLeaseLost = errors.New("taskqueue: lease lost")
	// ErrNotDead is returned by Resubmit for tasks that are not dead.
	ErrNotDead = errors.New("taskqueue: task is not dead")
)

// Task is a row in the queue.
type Task struct {
	ID           string
	Type         string
	Symbol       string
	Priority     string
	Rank         int
	Options      []byte
	Status       Status
	Attempts     int
	Stalls       int
	Lease        string
	VisibleAt    time.Time
	ScheduledFor time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	LastError    string
}

// Options configures queue behaviour.
type Options struct {
	// Lease is how long a claimed task stays invisible without a heartbeat.
	// It doubles as the stall threshold. Default: 3m.
	Lease time.Duration
	// PollInterval is the delay between claim attempts in Run. Default: 250ms.
	PollInterval time.Duration
	// MaxAttempts bounds deliveries before a failing task goes dead. Default: 3.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; it doubles on every
	// further attempt. Default: 2s.
	BaseBackoff time.Duration
	// MaxStalls is the stall count at which a task goes dead. Default: 2.
	MaxStalls int
	// Now overrides the clock.
	Now func() time.Time
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Lease <= 0 {
		o.Lease = 3 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 2 * time.Second
	}
	if o.MaxStalls <= 0 {
		o.MaxStalls = 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db *sql.DB

	mu   sync.RWMutex
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the harvest_tasks table, its indexes, and the
// harvest_task_totals counters kept by trigger on every terminal transition.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS harvest_tasks (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			id            TEXT NOT NULL UNIQUE,
			type          TEXT NOT NULL,
			symbol        TEXT NOT NULL DEFAULT '',
			priority      TEXT NOT NULL,
			rank          INTEGER NOT NULL,
			options       BLOB,
			status        TEXT NOT NULL,
			attempts      INTEGER NOT NULL DEFAULT 0,
			stalls        INTEGER NOT NULL DEFAULT 0,
			lease         TEXT NOT NULL DEFAULT '',
			visible_at    INTEGER NOT NULL,
			scheduled_for INTEGER NOT NULL DEFAULT 0,
			created_at    INTEGER NOT NULL,
			updated_at    INTEGER NOT NULL,
			last_error    TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_harvest_tasks_claim ON harvest_tasks (type, status, visible_at, rank, seq);
		CREATE INDEX IF NOT EXISTS idx_harvest_tasks_status ON harvest_tasks (status, updated_at);

		CREATE TABLE IF NOT EXISTS harvest_task_totals (
			status TEXT PRIMARY KEY,
			n      INTEGER NOT NULL DEFAULT 0
		);
		CREATE TRIGGER IF NOT EXISTS trg_harvest_tasks_totals
		AFTER UPDATE OF status ON harvest_tasks
		FOR EACH ROW
		WHEN NEW.status IN ('completed', 'dead') AND OLD.status <> NEW.status
		BEGIN
			INSERT INTO harvest_task_totals (status, n) VALUES (NEW.status, 1)
			ON CONFLICT(status) DO UPDATE SET n = n + 1;
		END;
	`)
	return err
}

func (q *Q) options() Options {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.opts
}

// SetRetryPolicy changes the attempt bound and base backoff. It applies to
// every failure reported after the call.
func (q *Q) SetRetryPolicy(maxAttempts int, baseBackoff time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if maxAttempts > 0 {
		q.opts.MaxAttempts = maxAttempts
	}
	if baseBackoff > 0 {
		q.opts.BaseBackoff = baseBackoff
	}
}

// Publish inserts a queued task. A ScheduledFor in the future delays its
// visibility. Publish fills CreatedAt and Status.
func (q *Q) Publish(ctx context.Context, t *Task) error {
	now := q.options().Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	visible := now
	var scheduled int64
	if !t.ScheduledFor.IsZero() {
		scheduled = t.ScheduledFor.UnixMilli()
		if t.ScheduledFor.After(now) {
			visible = t.ScheduledFor
		}
	}
	t.Status = StatusQueued
	t.VisibleAt = visible
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO harvest_tasks
			(id, type, symbol, priority, rank, options, status, visible_at, scheduled_for, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Type, t.Symbol, t.Priority, t.Rank, t.Options, string(StatusQueued),
		visible.UnixMilli(), scheduled, t.CreatedAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("taskqueue: publish %s: %w", t.ID, err)
	}
	return nil
}

const returning = `RETURNING id, type, symbol, priority, rank, options, status, attempts, stalls, lease,
	visible_at, scheduled_for, created_at, updated_at, last_error`

// Claim leases the best visible task of the given type: lowest rank first,
// enqueue order within a rank. Returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context, taskType string) (*Task, error) {
	o := q.options()
	now := o.Now()
	lease := idgen.New()
	row := q.db.QueryRowContext(ctx, `
		UPDATE harvest_tasks
		SET status = 'active', attempts = attempts + 1, lease = ?, visible_at = ?, updated_at = ?
		WHERE seq = (
			SELECT seq FROM harvest_tasks
			WHERE type = ? AND status IN ('queued', 'failed') AND visible_at <= ?
			ORDER BY rank ASC, seq ASC
			LIMIT 1
		)
		`+returning,
		lease, now.Add(o.Lease).UnixMilli(), now.UnixMilli(), taskType, now.UnixMilli(),
	)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("taskqueue: claim %s: %w", taskType, err)
	}
	return t, nil
}

// Extend pushes the lease of an active task forward (progress heartbeat).
func (q *Q) Extend(ctx context.Context, id, lease string) error {
	o := q.options()
	now := o.Now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE harvest_tasks SET visible_at = ?, updated_at = ?
		WHERE id = ? AND lease = ? AND status = 'active'`,
		now.Add(o.Lease).UnixMilli(), now.UnixMilli(), id, lease,
	)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

// Complete marks a task completed. A lease that no longer owns the task
// yields ErrLeaseLost and leaves the row untouched.
func (q *Q) Complete(ctx context.Context, id, lease string) error {
	now := q.options().Now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE harvest_tasks SET status = 'completed', lease = '', updated_at = ?, last_error = ''
		WHERE id = ? AND lease = ? AND status = 'active'`,
		now, id, lease,
	)
	if err != nil {
		return err
	}
	return leaseHeld(res)
}

// Fail records a failed attempt. While attempts remain the task becomes
// visible again after BaseBackoff × 2^(attempts-1) with status failed;
// otherwise it goes dead. The resulting status is returned.
func (q *Q) Fail(ctx context.Context, id, lease, cause string) (Status, error) {
	o := q.options()
	now := o.Now().UnixMilli()
	row := q.db.QueryRowContext(ctx, `
		UPDATE harvest_tasks
		SET status = CASE WHEN attempts >= ? THEN 'dead' ELSE 'failed' END,
		    visible_at = ? + ? * (1 << (CASE WHEN attempts > 1 THEN attempts - 1 ELSE 0 END)),
		    lease = '', updated_at = ?, last_error = ?
		WHERE id = ? AND lease = ? AND status = 'active'
		RETURNING status`,
		o.MaxAttempts, now, o.BaseBackoff.Milliseconds(), now, cause, id, lease,
	)
	var st string
	if err := row.Scan(&st); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrLeaseLost
		}
		return "", err
	}
	return Status(st), nil
}

// SweepStalled handles every active task whose lease has expired. Tasks
// below MaxStalls are requeued immediately, the rest go dead. Both sets are
// returned so the caller can publish events.
func (q *Q) SweepStalled(ctx context.Context) (requeued, dead []*Task, err error) {
	o := q.options()
	now := o.Now().UnixMilli()
	rows, err := q.db.QueryContext(ctx, `
		UPDATE harvest_tasks
		SET stalls = stalls + 1,
		    status = CASE WHEN stalls + 1 >= ? THEN 'dead' ELSE 'queued' END,
		    lease = '', visible_at = ?, updated_at = ?, last_error = 'stalled'
		WHERE status = 'active' AND visible_at <= ?
		`+returning,
		o.MaxStalls, now, now, now,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("taskqueue: sweep: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, nil, err
		}
		if t.Status == StatusDead {
			dead = append(dead, t)
		} else {
			requeued = append(requeued, t)
		}
	}
	return requeued, dead, rows.Err()
}

// Resubmit moves a dead task back to the queue with fresh counters.
func (q *Q) Resubmit(ctx context.Context, id string) error {
	now := q.options().Now().UnixMilli()
	res, err := q.db.ExecContext(ctx, `
		UPDATE harvest_tasks
		SET status = 'queued', attempts = 0, stalls = 0, lease = '', visible_at = ?, updated_at = ?
		WHERE id = ? AND status = 'dead'`,
		now, now, id,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := q.Get(ctx, id); err != nil {
			return err
		}
		return ErrNotDead
	}
	return nil
}

// Get returns one task by id.
func (q *Q) Get(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, type, symbol, priority, rank, options, status, attempts, stalls, lease,
		       visible_at, scheduled_for, created_at, updated_at, last_error
		FROM harvest_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Counts returns the number of rows per status.
func (q *Q) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM harvest_tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// Totals returns how many tasks ever reached each terminal status. Unlike
// Counts it survives Purge and never decreases.
func (q *Q) Totals(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, n FROM harvest_task_totals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[Status]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

// Len returns the number of tasks waiting to run (queued or failed awaiting retry).
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM harvest_tasks WHERE status IN ('queued', 'failed')`,
	).Scan(&n)
	return n, err
}

// Purge deletes completed and dead tasks last updated before cutoff.
func (q *Q) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM harvest_tasks WHERE status IN ('completed', 'dead') AND updated_at < ?`,
		cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Ping checks that the backing table answers.
func (q *Q) Ping(ctx context.Context) error {
	var n int
	return q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM harvest_tasks WHERE status = 'active'`).Scan(&n)
}

func leaseHeld(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var st string
	var vis, sched, cre, upd int64
	if err := s.Scan(&t.ID, &t.Type, &t.Symbol, &t.Priority, &t.Rank, &t.Options, &st,
		&t.Attempts, &t.Stalls, &t.Lease, &vis, &sched, &cre, &upd, &t.LastError); err != nil {
		return nil, err
	}
	t.Status = Status(st)
	t.VisibleAt = time.UnixMilli(vis)
	if sched > 0 {
		t.ScheduledFor = time.UnixMilli(sched)
	}
	t.CreatedAt = time.UnixMilli(cre)
	t.UpdatedAt = time.UnixMilli(upd)
	return &t, nil
}
