// CLAUDE:SUMMARY Persistence of search results, processed documents and insights, idempotent per symbol and URL/content hash.
// Package storage persists what the pipeline harvests.
//
// Every write is idempotent: a record already stored for the same symbol and
// URL (or the same insight content) is skipped, and the write reports how
// many rows were actually new. Tasks retried after a stall can therefore
// store their output again without duplicating it.
package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/content"
	"github.com/hazyhaar/harvest/idgen"
	"github.com/hazyhaar/harvest/insight"
	"github.com/hazyhaar/harvest/search"
)

// ErrNotFound is returned by lookups with no matching row.
var ErrNotFound = errors.New("storage: not found")

// Store is the persistence contract consumed by task handlers.
type Store interface {
	StoreSearchResults(ctx context.Context, symbol string, intent search.Intent, results []search.Result) (int, error)
	StoreDocuments(ctx context.Context, symbol string, docs []content.Result) (int, error)
	StoreInsights(ctx context.Context, symbol, kind string, data *insight.Data) (bool, error)
	RecentDocuments(ctx context.Context, symbol string, limit int) ([]content.Result, error)
	RecentSearchResults(ctx context.Context, symbol string, limit int) ([]search.Result, error)
	LatestInsight(ctx context.Context, symbol, kind string) (*insight.Data, error)
	Ping(ctx context.Context) error
}

// Insight kinds.
const (
	KindInsight       = "insight"
	KindCompany       = "company"
	KindKnowledgeBase = "knowledge_base"
)

// Counts is a per-table row count.
type Counts struct {
	SearchResults int `json:"search_results"`
	Documents     int `json:"documents"`
	Insights      int `json:"insights"`
}

// SQLite is the Store on a SQLite database.
type SQLite struct {
	db     *sql.DB
	sink   *MarkdownSink
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a SQLite store.
type Option func(*SQLite)

// WithSink mirrors every newly stored document into a Markdown directory.
func WithSink(s *MarkdownSink) Option { return func(st *SQLite) { st.sink = s } }

// WithIDGenerator overrides record ids.
func WithIDGenerator(g idgen.Generator) Option { return func(st *SQLite) { st.newID = g } }

// WithClock overrides the clock.
func WithClock(fn func() time.Time) Option { return func(st *SQLite) { st.now = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(st *SQLite) { st.logger = l } }

// NewSQLite wraps db. EnsureSchema must run once before use.
func NewSQLite(db *sql.DB, opts ...Option) *SQLite {
	s := &SQLite{db: db, newID: idgen.Default, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// EnsureSchema creates the tables, indexes and FTS triggers.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("storage: schema: %w", err)
	}
	return nil
}

// Ping checks the database.
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// StoreSearchResults inserts results not yet stored for symbol.
func (s *SQLite) StoreSearchResults(ctx context.Context, symbol string, intent search.Intent, results []search.Result) (int, error) {
	if len(results) == 0 {
		return 0, nil
	}
	symbol = normSymbol(symbol)
	now := s.now().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO search_results
		(id, symbol, intent, url, url_hash, title, snippet, source, engine, score, published_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		res, err := stmt.ExecContext(ctx, s.newID(), symbol, string(intent), r.URL, Hash(r.URL),
			r.Title, r.Snippet, r.Source, r.Engine, r.Score, nullTime(r.PublishedAt), now)
		if err != nil {
			return 0, fmt.Errorf("storage: insert search result: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit: %w", err)
	}
	return inserted, nil
}

// StoreDocuments inserts documents not yet stored for symbol. Newly inserted
// documents are mirrored into the Markdown sink when one is configured; a
// sink failure is logged and does not fail the write.
func (s *SQLite) StoreDocuments(ctx context.Context, symbol string, docs []content.Result) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	symbol = normSymbol(symbol)
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO documents
		(id, symbol, url, url_hash, title, extracted_text, markdown, content_type, fingerprint,
		 relevance, timeliness, overall, published_at, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare: %w", err)
	}
	defer stmt.Close()

	type written struct {
		id  string
		doc content.Result
	}
	var fresh []written
	for _, d := range docs {
		if d.URL == "" {
			continue
		}
		id := s.newID()
		res, err := stmt.ExecContext(ctx, id, symbol, d.URL, Hash(d.URL), d.Title, d.ExtractedText,
			d.Markdown, string(d.ContentType), d.Fingerprint, d.RelevanceScore, d.TimelinessScore,
			d.OverallScore, nullTime(d.PublishedAt), now.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("storage: insert document: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			fresh = append(fresh, written{id, d})
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit: %w", err)
	}

	if s.sink != nil {
		for _, w := range fresh {
			if _, err := s.sink.Write(symbol, w.id, w.doc, now); err != nil {
				s.logger.Warn("storage: markdown sink", "symbol", symbol, "url", w.doc.URL, "error", err)
			}
		}
	}
	return len(fresh), nil
}

// StoreInsights inserts data unless an identical payload is already stored
// for (symbol, kind). It reports whether a row was written.
func (s *SQLite) StoreInsights(ctx context.Context, symbol, kind string, data *insight.Data) (bool, error) {
	if data == nil {
		return false, nil
	}
	symbol = normSymbol(symbol)
	if kind == "" {
		kind = KindInsight
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return false, fmt.Errorf("storage: encode insight: %w", err)
	}
	generated := data.GeneratedAt
	if generated.IsZero() {
		generated = s.now()
	}
	// The hash ignores the generation time so a regenerated identical insight
	// is not stored twice.
	hashed := *data
	hashed.GeneratedAt = time.Time{}
	body, _ := json.Marshal(hashed)

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO insights (id, symbol, kind, content_hash, available, payload, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.newID(), symbol, kind, Hash(string(body)), boolInt(data.Available), string(payload), generated.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("storage: insert insight: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecentDocuments returns the latest stored documents for symbol, newest first.
func (s *SQLite) RecentDocuments(ctx context.Context, symbol string, limit int) ([]content.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, url, title, extracted_text, markdown, content_type, fingerprint,
		relevance, timeliness, overall, published_at, stored_at
		FROM documents WHERE symbol = ?
		ORDER BY stored_at DESC, rowid DESC LIMIT ?`, normSymbol(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// SearchDocuments runs a full-text query over stored documents of symbol.
// An empty symbol searches every instrument.
func (s *SQLite) SearchDocuments(ctx context.Context, symbol, query string, limit int) ([]content.Result, error) {
	if limit <= 0 {
		limit = 20
	}
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.symbol, d.url, d.title, d.extracted_text, d.markdown, d.content_type, d.fingerprint,
		d.relevance, d.timeliness, d.overall, d.published_at, d.stored_at
		FROM documents_fts f JOIN documents d ON d.rowid = f.rowid
		WHERE documents_fts MATCH ? AND (? = '' OR d.symbol = ?)
		ORDER BY rank LIMIT ?`, match, normSymbol(symbol), normSymbol(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: search documents: %w", err)
	}
	defer rows.Close()
	return scanDocuments(rows)
}

// RecentSearchResults returns the latest stored search results for symbol.
func (s *SQLite) RecentSearchResults(ctx context.Context, symbol string, limit int) ([]search.Result, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT url, title, snippet, source, engine, score, published_at
		FROM search_results WHERE symbol = ?
		ORDER BY stored_at DESC, rowid DESC LIMIT ?`, normSymbol(symbol), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent search results: %w", err)
	}
	defer rows.Close()

	var out []search.Result
	for rows.Next() {
		var r search.Result
		var published sql.NullInt64
		if err := rows.Scan(&r.URL, &r.Title, &r.Snippet, &r.Source, &r.Engine, &r.Score, &published); err != nil {
			return nil, fmt.Errorf("storage: scan search result: %w", err)
		}
		r.PublishedAt = fromNull(published)
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestInsight returns the most recent insight of kind for symbol.
func (s *SQLite) LatestInsight(ctx context.Context, symbol, kind string) (*insight.Data, error) {
	if kind == "" {
		kind = KindInsight
	}
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM insights WHERE symbol = ? AND kind = ?
		ORDER BY generated_at DESC, rowid DESC LIMIT 1`, normSymbol(symbol), kind).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: latest insight: %w", err)
	}
	var d insight.Data
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return nil, fmt.Errorf("storage: decode insight: %w", err)
	}
	return &d, nil
}

// Counts reports per-table row counts for symbol, or for every symbol when
// symbol is empty.
func (s *SQLite) Counts(ctx context.Context, symbol string) (Counts, error) {
	var c Counts
	symbol = normSymbol(symbol)
	for _, q := range []struct {
		table string
		dst   *int
	}{
		{"search_results", &c.SearchResults},
		{"documents", &c.Documents},
		{"insights", &c.Insights},
	} {
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+q.table+` WHERE ? = '' OR symbol = ?`, symbol, symbol).Scan(q.dst)
		if err != nil {
			return Counts{}, fmt.Errorf("storage: count %s: %w", q.table, err)
		}
	}
	return c, nil
}

func scanDocuments(rows *sql.Rows) ([]content.Result, error) {
	var out []content.Result
	for rows.Next() {
		var d content.Result
		var ctype string
		var published sql.NullInt64
		var stored int64
		if err := rows.Scan(&d.Symbol, &d.URL, &d.Title, &d.ExtractedText, &d.Markdown, &ctype,
			&d.Fingerprint, &d.RelevanceScore, &d.TimelinessScore, &d.OverallScore, &published, &stored); err != nil {
			return nil, fmt.Errorf("storage: scan document: %w", err)
		}
		d.ContentType = content.ContentType(ctype)
		d.PublishedAt = fromNull(published)
		d.ProcessedAt = time.UnixMilli(stored).UTC()
		d.IsRelevant, d.IsTimely = true, true
		out = append(out, d)
	}
	return out, rows.Err()
}

// Hash is the hex sha256 used for the idempotency keys.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ftsQuery quotes every term so user input cannot inject FTS5 syntax.
func ftsQuery(q string) string {
	var terms []string
	for _, t := range strings.Fields(q) {
		t = strings.ReplaceAll(t, `"`, "")
		if t != "" {
			terms = append(terms, `"`+t+`"`)
		}
	}
	return strings.Join(terms, " ")
}

func normSymbol(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
