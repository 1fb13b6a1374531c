package observability

import (
	"context"
	"database/sql"
)

// Schema is the DDL of the observability tables. It lives in its own
// database file so metric writes never contend with the task queue.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id   TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp   INTEGER NOT NULL,
    value       REAL NOT NULL,
    labels      TEXT,
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS task_events (
    event_id    TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    task_id     TEXT NOT NULL,
    task_type   TEXT NOT NULL,
    symbol      TEXT NOT NULL DEFAULT '',
    attempt     INTEGER NOT NULL DEFAULT 0,
    detail      TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, created_at);
CREATE INDEX IF NOT EXISTS idx_task_events_time ON task_events(created_at DESC);
`

// Init applies Schema.
func Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, Schema)
	return err
}
