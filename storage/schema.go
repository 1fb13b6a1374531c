// CLAUDE:SUMMARY Storage schema: search results, documents (with FTS5 index) and insights, unique per symbol and URL/content hash.
package storage

// Schema is applied by EnsureSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS search_results (
    id           TEXT PRIMARY KEY,
    symbol       TEXT NOT NULL,
    intent       TEXT NOT NULL DEFAULT '',
    url          TEXT NOT NULL,
    url_hash     TEXT NOT NULL,
    title        TEXT NOT NULL DEFAULT '',
    snippet      TEXT NOT NULL DEFAULT '',
    source       TEXT NOT NULL DEFAULT '',
    engine       TEXT NOT NULL DEFAULT '',
    score        REAL NOT NULL DEFAULT 0,
    published_at INTEGER,
    stored_at    INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_search_results_symbol_url ON search_results(symbol, url_hash);
CREATE INDEX IF NOT EXISTS idx_search_results_recent ON search_results(symbol, stored_at DESC);

CREATE TABLE IF NOT EXISTS documents (
    id             TEXT PRIMARY KEY,
    symbol         TEXT NOT NULL,
    url            TEXT NOT NULL,
    url_hash       TEXT NOT NULL,
    title          TEXT NOT NULL DEFAULT '',
    extracted_text TEXT NOT NULL DEFAULT '',
    markdown       TEXT NOT NULL DEFAULT '',
    content_type   TEXT NOT NULL DEFAULT 'other',
    fingerprint    TEXT NOT NULL DEFAULT '',
    relevance      REAL NOT NULL DEFAULT 0,
    timeliness     REAL NOT NULL DEFAULT 0,
    overall        REAL NOT NULL DEFAULT 0,
    published_at   INTEGER,
    stored_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_symbol_url ON documents(symbol, url_hash);
CREATE INDEX IF NOT EXISTS idx_documents_recent ON documents(symbol, stored_at DESC);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    title, extracted_text, content='documents', content_rowid='rowid',
    tokenize='unicode61 remove_diacritics 2'
);
CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
    INSERT INTO documents_fts(rowid, title, extracted_text) VALUES (new.rowid, new.title, new.extracted_text);
END;
CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
    INSERT INTO documents_fts(documents_fts, rowid, title, extracted_text) VALUES('delete', old.rowid, old.title, old.extracted_text);
END;

CREATE TABLE IF NOT EXISTS insights (
    id           TEXT PRIMARY KEY,
    symbol       TEXT NOT NULL,
    kind         TEXT NOT NULL,
    content_hash TEXT NOT NULL,
    available    INTEGER NOT NULL DEFAULT 1,
    payload      TEXT NOT NULL,
    generated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_insights_symbol_hash ON insights(symbol, kind, content_hash);
CREATE INDEX IF NOT EXISTS idx_insights_recent ON insights(symbol, kind, generated_at DESC);
`
