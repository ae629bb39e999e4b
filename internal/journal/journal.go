// Package journal persists committed transactions per document in SQLite
// and indexes node text for search. It is fed from the event bus.
package journal

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	schema     TEXT NOT NULL,
	initial    TEXT NOT NULL,
	checksum   TEXT NOT NULL DEFAULT '',
	revision   INTEGER NOT NULL DEFAULT 0,
	closed     INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS transactions (
	doc_id     TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	seq        INTEGER NOT NULL,
	tx_id      TEXT NOT NULL,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (doc_id, revision, seq)
);

CREATE TABLE IF NOT EXISTS node_text (
	doc_id    TEXT NOT NULL,
	node_id   TEXT NOT NULL,
	node_type TEXT NOT NULL,
	text      TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (doc_id, node_id)
);

CREATE INDEX IF NOT EXISTS idx_transactions_tx ON transactions(tx_id);
`

// DB wraps a sql.DB with journal operations.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database and applies the schema.
func Open(dsn string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dsn+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("journal: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("journal: apply fts schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
