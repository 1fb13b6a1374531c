// Package observability records pipeline metrics and task lifecycle events
// in SQLite.
//
// Persistence is asynchronous: datapoints are buffered and flushed in
// batches, and a full buffer flushes inline. A failing store logs and drops
// the batch; it never blocks a worker.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric names recorded by the pipeline.
const (
	MetricTaskDurationMs   = "task_duration_ms"
	MetricTaskOutcome      = "task_outcome"
	MetricSearchResults    = "search_results"
	MetricContentProcessed = "content_processed"
	MetricProviderWaitMs   = "provider_wait_ms"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

// Recorder accepts datapoints. Implementations must not block.
type Recorder interface {
	Record(m Metric)
}

// Nop discards every datapoint.
type Nop struct{}

func (Nop) Record(Metric) {}

// MetricsManager buffers metrics and flushes them to SQLite in batches.
type MetricsManager struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu     sync.Mutex
	buffer []Metric

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMetricsManager starts a manager flushing every flushInterval or every
// bufferSize datapoints. Defaults: 100 and 5s.
func NewMetricsManager(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *MetricsManager {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	mm := &MetricsManager{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		buffer:        make([]Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go mm.flushLoop()
	return mm
}

// Record queues a datapoint.
func (mm *MetricsManager) Record(m Metric) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.buffer = append(mm.buffer, m)
	if len(mm.buffer) >= mm.bufferSize {
		mm.flushLocked()
	}
}

// Flush writes the buffer now.
func (mm *MetricsManager) Flush() {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.flushLocked()
}

// Query returns datapoints by name (empty for all) since a time, newest first.
func (mm *MetricsManager) Query(ctx context.Context, name string, since time.Time, limit int) ([]Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE timestamp >= ?"
	args := []any{since.UnixMilli()}
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := mm.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels, unit sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		m.Timestamp = time.UnixMilli(ts)
		m.Unit = unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than retention.
func (mm *MetricsManager) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	res, err := mm.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?",
		time.Now().Add(-retention).UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup metrics: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes what is left and stops the flush loop. Idempotent.
func (mm *MetricsManager) Close() error {
	mm.closeOnce.Do(func() {
		close(mm.stop)
		<-mm.done
	})
	return nil
}

func (mm *MetricsManager) flushLoop() {
	defer close(mm.done)
	ticker := time.NewTicker(mm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-mm.stop:
			mm.Flush()
			return
		case <-ticker.C:
			mm.Flush()
		}
	}
}

func (mm *MetricsManager) flushLocked() {
	if len(mm.buffer) == 0 {
		return
	}
	defer func() { mm.buffer = mm.buffer[:0] }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := mm.db.BeginTx(ctx, nil)
	if err != nil {
		mm.logger.Error("observability: begin tx", "error", err, "dropped", len(mm.buffer))
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		mm.logger.Error("observability: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range mm.buffer {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			mm.logger.Error("observability: insert", "error", err, "metric", m.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		mm.logger.Error("observability: commit", "error", err)
	}
}
