// CLAUDE:SUMMARY SQLite-backed instrument catalog: upsert from quotes, active listing, priority ranking.
package instrument

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Schema is the catalog DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS instruments (
    symbol           TEXT PRIMARY KEY,
    name             TEXT NOT NULL DEFAULT '',
    asset_class      TEXT NOT NULL,
    exchange         TEXT NOT NULL DEFAULT '',
    sector           TEXT NOT NULL DEFAULT '',
    volume_24h       REAL NOT NULL DEFAULT 0,
    avg_volume_30d   REAL NOT NULL DEFAULT 0,
    market_cap       REAL NOT NULL DEFAULT 0,
    volatility       REAL NOT NULL DEFAULT 0,
    price_change_pct REAL NOT NULL DEFAULT 0,
    active           INTEGER NOT NULL DEFAULT 1,
    updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_instruments_active ON instruments(active, volume_24h DESC);
`

// SQLiteCatalog implements Catalog on a SQLite database.
type SQLiteCatalog struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteCatalog wraps db. Call EnsureSchema once at startup.
func NewSQLiteCatalog(db *sql.DB, logger *slog.Logger) *SQLiteCatalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteCatalog{db: db, logger: logger}
}

// EnsureSchema creates the instruments table.
func (c *SQLiteCatalog) EnsureSchema(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, Schema)
	return err
}

// Upsert inserts or refreshes an instrument row from a quote.
func (c *SQLiteCatalog) Upsert(ctx context.Context, s MarketSignals) error {
	if err := s.Validate(); err != nil {
		return err
	}
	updated := s.LastUpdated
	if updated.IsZero() {
		updated = time.Now()
	}
	active := 1
	if !s.TrackingEnabled {
		active = 0
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO instruments
			(symbol, name, asset_class, exchange, sector, volume_24h, avg_volume_30d,
			 market_cap, volatility, price_change_pct, active, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name,
			asset_class = excluded.asset_class,
			exchange = excluded.exchange,
			sector = excluded.sector,
			volume_24h = excluded.volume_24h,
			avg_volume_30d = excluded.avg_volume_30d,
			market_cap = excluded.market_cap,
			volatility = excluded.volatility,
			price_change_pct = excluded.price_change_pct,
			active = excluded.active,
			updated_at = excluded.updated_at`,
		strings.ToUpper(s.Symbol), s.Name, string(s.AssetClass), strings.ToUpper(s.Exchange), s.Sector,
		s.Volume24h, s.AvgVolume30d, s.MarketCap, s.Volatility, s.PriceChangePct, active, updated.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", s.Symbol, err)
	}
	return nil
}

// SetActive toggles tracking for a symbol.
func (c *SQLiteCatalog) SetActive(ctx context.Context, symbol string, active bool) error {
	v := 0
	if active {
		v = 1
	}
	_, err := c.db.ExecContext(ctx,
		`UPDATE instruments SET active = ?, updated_at = ? WHERE symbol = ?`,
		v, time.Now().UnixMilli(), strings.ToUpper(symbol))
	return err
}

// ListActive returns every tracked instrument.
func (c *SQLiteCatalog) ListActive(ctx context.Context) ([]Instrument, error) {
	signals, err := c.query(ctx, `WHERE active = 1 ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	out := make([]Instrument, len(signals))
	for i, s := range signals {
		out[i] = s.Instrument
	}
	return out, nil
}

// WithCharacteristics returns active instruments with their market signals.
func (c *SQLiteCatalog) WithCharacteristics(ctx context.Context) ([]MarketSignals, error) {
	return c.query(ctx, `WHERE active = 1 ORDER BY symbol`)
}

// PriorityInstruments returns the most traded active instruments.
func (c *SQLiteCatalog) PriorityInstruments(ctx context.Context, limit int) ([]Instrument, error) {
	if limit <= 0 {
		limit = 50
	}
	signals, err := c.query(ctx, `WHERE active = 1 ORDER BY volume_24h DESC, market_cap DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Instrument, len(signals))
	for i, s := range signals {
		out[i] = s.Instrument
	}
	return out, nil
}

func (c *SQLiteCatalog) query(ctx context.Context, where string, args ...any) ([]MarketSignals, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT symbol, name, asset_class, exchange, sector, volume_24h, avg_volume_30d,
		       market_cap, volatility, price_change_pct, active, updated_at
		FROM instruments `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: query: %w", err)
	}
	defer rows.Close()

	var out []MarketSignals
	for rows.Next() {
		var s MarketSignals
		var class string
		var active int
		var updated int64
		if err := rows.Scan(&s.Symbol, &s.Name, &class, &s.Exchange, &s.Sector, &s.Volume24h,
			&s.AvgVolume30d, &s.MarketCap, &s.Volatility, &s.PriceChangePct, &active, &updated); err != nil {
			return nil, fmt.Errorf("catalog: scan: %w", err)
		}
		ac, err := ParseAssetClass(class)
		if err != nil {
			c.logger.Warn("catalog: skipping instrument", "symbol", s.Symbol, "error", err)
			continue
		}
		s.AssetClass = ac
		s.TrackingEnabled = active == 1
		s.LastUpdated = time.UnixMilli(updated)
		out = append(out, s)
	}
	return out, rows.Err()
}
