//go:build !sqlite_fts5

package journal

import (
	"database/sql"
	"fmt"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; search uses LIKE on node_text.text.
	return nil
}

func ftsUpsert(_ *sql.Tx, _ string, _ NodeText) error { return nil }

func ftsDelete(_ *sql.Tx, _, _ string) {}

// Search performs a LIKE-based search over node text.
func (db *DB) Search(query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	like := "%" + query + "%"
	rows, err := db.conn.Query(`
		SELECT doc_id, node_id, node_type, substr(text, 1, 200)
		FROM node_text
		WHERE text LIKE ?
		ORDER BY doc_id, node_id
		LIMIT ?
	`, like, limit)
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
