// CLAUDE:SUMMARY Key-value cache contract (get/set/del/ping) with a SQLite TTL store and a silent no-op.
// Package kvcache is the key-value cache consumed by the search optimizer and
// the content processor.
//
// An unconfigured cache is Noop: every call succeeds and every read misses.
// JSON helpers treat a malformed payload as corruption: the entry is deleted
// and the read reports a miss.
package kvcache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Cache is the key-value cache contract.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Ping(ctx context.Context) error
}

// Noop is the unconfigured cache.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Del(context.Context, string) error                        { return nil }
func (Noop) Ping(context.Context) error                               { return nil }

// Schema is the DDL of the SQLite cache.
const Schema = `
CREATE TABLE IF NOT EXISTS kv_cache (
    key        TEXT PRIMARY KEY,
    value      BLOB NOT NULL,
    expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_kv_cache_expiry ON kv_cache(expires_at);
`

// SQLite is a TTL cache stored in a SQLite table.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a SQLite cache.
type Option func(*SQLite)

// WithClock overrides the clock.
func WithClock(fn func() time.Time) Option { return func(c *SQLite) { c.now = fn } }

// NewSQLite wraps db. EnsureSchema must run once before use.
func NewSQLite(db *sql.DB, opts ...Option) *SQLite {
	c := &SQLite{db: db, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// EnsureSchema creates the cache table.
func (c *SQLite) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, Schema)
	return err
}

// Get returns a live entry. Expired entries are misses.
func (c *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM kv_cache WHERE key = ? AND expires_at > ?`, key, c.now().UnixMilli(),
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kvcache: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set stores value for ttl. A non-positive ttl deletes the key.
func (c *SQLite) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return c.Del(ctx, key)
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO kv_cache (key, value, expires_at) VALUES (?,?,?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, c.now().Add(ttl).UnixMilli())
	if err != nil {
		return fmt.Errorf("kvcache: set %s: %w", key, err)
	}
	return nil
}

// Del removes a key.
func (c *SQLite) Del(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE key = ?`, key)
	return err
}

// Ping checks the table answers.
func (c *SQLite) Ping(ctx context.Context) error {
	var n int
	return c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv_cache WHERE key = ''`).Scan(&n)
}

// Sweep deletes expired rows and returns how many went.
func (c *SQLite) Sweep(ctx context.Context) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE expires_at <= ?`, c.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetJSON decodes a cached value into v. A value that does not decode is
// deleted and reported as a miss. Backend errors are logged and reported as
// a miss too; the cache is never on the critical path.
func GetJSON(ctx context.Context, c Cache, logger *slog.Logger, key string, v any) bool {
	raw, ok, err := c.Get(ctx, key)
	if err != nil {
		if logger != nil {
			logger.Warn("kvcache: get failed", "key", key, "error", err)
		}
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		if logger != nil {
			logger.Warn("kvcache: corrupt entry deleted", "key", key, "error", err)
		}
		_ = c.Del(ctx, key)
		return false
	}
	return true
}

// SetJSON encodes v and stores it. Failures are logged and swallowed.
func SetJSON(ctx context.Context, c Cache, logger *slog.Logger, key string, v any, ttl time.Duration) {
	raw, err := json.Marshal(v)
	if err == nil {
		err = c.Set(ctx, key, raw, ttl)
	}
	if err != nil && logger != nil {
		logger.Warn("kvcache: set failed", "key", key, "error", err)
	}
}
