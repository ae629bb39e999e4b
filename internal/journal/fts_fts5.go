//go:build sqlite_fts5

package journal

import (
	"database/sql"
	"fmt"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS node_fts USING fts5(
			doc_id UNINDEXED,
			node_id UNINDEXED,
			node_type UNINDEXED,
			text,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsUpsert(tx *sql.Tx, docID string, t NodeText) error {
	_, _ = tx.Exec(`DELETE FROM node_fts WHERE doc_id = ? AND node_id = ?`, docID, t.NodeID)
	if t.Text == "" {
		return nil
	}
	_, err := tx.Exec(`INSERT INTO node_fts (doc_id, node_id, node_type, text) VALUES (?, ?, ?, ?)`,
		docID, t.NodeID, t.NodeType, t.Text)
	if err != nil {
		return fmt.Errorf("journal: upsert fts: %w", err)
	}
	return nil
}

func ftsDelete(tx *sql.Tx, docID, nodeID string) {
	_, _ = tx.Exec(`DELETE FROM node_fts WHERE doc_id = ? AND node_id = ?`, docID, nodeID)
}

// Search performs an FTS5 full-text search over node text with snippets.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.Query(`
		SELECT doc_id, node_id, node_type,
		       snippet(node_fts, 3, '<b>', '</b>', '...', 32)
		FROM node_fts
		WHERE node_fts MATCH ?
		ORDER BY rank
		LIMIT ?
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.DocID, &r.NodeID, &r.NodeType, &r.Snippet); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
