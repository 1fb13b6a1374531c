package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/harvest/idgen"
)

// TaskEvent is one persisted task lifecycle transition.
type TaskEvent struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	TaskID    string    `json:"task_id"`
	TaskType  string    `json:"task_type"`
	Symbol    string    `json:"symbol,omitempty"`
	Attempt   int       `json:"attempt"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventLog persists task events for later inspection.
type EventLog struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// NewEventLog writes into the observability database.
func NewEventLog(db *sql.DB, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{db: db, newID: idgen.Event, logger: logger}
}

// Append records an event. Errors are logged and swallowed.
func (l *EventLog) Append(ctx context.Context, e TaskEvent) {
	if e.ID == "" {
		e.ID = l.newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO task_events (event_id, kind, task_id, task_type, symbol, attempt, detail, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Kind, e.TaskID, e.TaskType, e.Symbol, e.Attempt, e.Detail, e.CreatedAt.UnixMilli())
	if err != nil {
		l.logger.Warn("observability: append task event", "task_id", e.TaskID, "error", err)
	}
}

// ForTask returns a task's events, oldest first.
func (l *EventLog) ForTask(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT event_id, kind, task_id, task_type, symbol, attempt, detail, created_at
		FROM task_events WHERE task_id = ? ORDER BY created_at, event_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("observability: task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var ts int64
		if err := rows.Scan(&e.ID, &e.Kind, &e.TaskID, &e.TaskType, &e.Symbol, &e.Attempt, &e.Detail, &ts); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than retention.
func (l *EventLog) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?`,
		time.Now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
