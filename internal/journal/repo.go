package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned for an unknown document.
var ErrNotFound = errors.New("journal: document not found")

// DocumentRow is one journaled document.
type DocumentRow struct {
	ID        string
	Schema    string
	Initial   []byte // tree JSON at creation
	Checksum  string // digest of the latest tree
	Revision  int64
	Closed    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TransactionRow is one committed transaction. Transactions committed by
// the same apply share a revision and are ordered by Seq.
type TransactionRow struct {
	DocID     string
	Revision  int64
	Seq       int
	TxID      string
	Kind      string
	Payload   []byte
	Checksum  string
	CreatedAt time.Time
}

// NodeText is the indexed text of one node.
type NodeText struct {
	NodeID   string
	NodeType string
	Text     string
}

// SearchResult represents one search hit.
type SearchResult struct {
	DocID    string `json:"doc_id"`
	NodeID   string `json:"node_id"`
	NodeType string `json:"node_type"`
	Snippet  string `json:"snippet"`
}

// CreateDocument records a new document. Recreating a known id only
// reopens it.
func (db *DB) CreateDocument(d DocumentRow, text []NodeText) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("journal: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	res, err := tx.Exec(`
		INSERT INTO documents (id, schema, initial, checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, d.ID, d.Schema, string(d.Initial), d.Checksum, d.CreatedAt, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("journal: insert document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := tx.Exec(`UPDATE documents SET closed = 0 WHERE id = ?`, d.ID); err != nil {
			return fmt.Errorf("journal: reopen document: %w", err)
		}
		return tx.Commit()
	}
	if err := upsertText(tx, d.ID, text); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendTransactions stores the transactions of one apply under the next
// revision and updates the node text index.
func (db *DB) AppendTransactions(docID, checksum string, rows []TransactionRow, upserts []NodeText, deletes []string) (int64, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return 0, fmt.Errorf("journal: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var rev int64
	if err := tx.QueryRow(`SELECT revision FROM documents WHERE id = ?`, docID).Scan(&rev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, docID)
		}
		return 0, fmt.Errorf("journal: read revision: %w", err)
	}
	rev++

	stmt, err := tx.Prepare(`
		INSERT INTO transactions (doc_id, revision, seq, tx_id, kind, payload, checksum, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("journal: prepare transaction insert: %w", err)
	}
	defer stmt.Close()
	for i, r := range rows {
		if _, err := stmt.Exec(docID, rev, i, r.TxID, r.Kind, string(r.Payload), r.Checksum, r.CreatedAt); err != nil {
			return 0, fmt.Errorf("journal: insert transaction: %w", err)
		}
	}

	if _, err := tx.Exec(`UPDATE documents SET revision = ?, checksum = ?, updated_at = ? WHERE id = ?`,
		rev, checksum, time.Now().UTC(), docID); err != nil {
		return 0, fmt.Errorf("journal: update document: %w", err)
	}
	if err := upsertText(tx, docID, upserts); err != nil {
		return 0, err
	}
	if err := deleteText(tx, docID, deletes); err != nil {
		return 0, err
	}
	return rev, tx.Commit()
}

// CloseDocument marks a document closed. Its journal is kept.
func (db *DB) CloseDocument(id string) error {
	_, err := db.conn.Exec(`UPDATE documents SET closed = 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("journal: close document: %w", err)
	}
	return nil
}

// Document returns the row of a journaled document.
func (db *DB) Document(id string) (*DocumentRow, error) {
	var d DocumentRow
	var initial string
	err := db.conn.QueryRow(`
		SELECT id, schema, initial, checksum, revision, closed, created_at, updated_at
		FROM documents WHERE id = ?
	`, id).Scan(&d.ID, &d.Schema, &initial, &d.Checksum, &d.Revision, &d.Closed, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: get document: %w", err)
	}
	d.Initial = []byte(initial)
	return &d, nil
}

// Transactions returns every transaction of a document in commit order.
func (db *DB) Transactions(id string) ([]TransactionRow, error) {
	rows, err := db.conn.Query(`
		SELECT doc_id, revision, seq, tx_id, kind, payload, checksum, created_at
		FROM transactions WHERE doc_id = ?
		ORDER BY revision, seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("journal: list transactions: %w", err)
	}
	defer rows.Close()

	var out []TransactionRow
	for rows.Next() {
		var r TransactionRow
		var payload string
		if err := rows.Scan(&r.DocID, &r.Revision, &r.Seq, &r.TxID, &r.Kind, &payload, &r.Checksum, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Payload = []byte(payload)
		out = append(out, r)
	}
	return out, rows.Err()
}

func upsertText(tx *sql.Tx, docID string, text []NodeText) error {
	if len(text) == 0 {
		return nil
	}
	stmt, err := tx.Prepare(`
		INSERT INTO node_text (doc_id, node_id, node_type, text) VALUES (?, ?, ?, ?)
		ON CONFLICT(doc_id, node_id) DO UPDATE SET
			node_type = excluded.node_type,
			text      = excluded.text
	`)
	if err != nil {
		return fmt.Errorf("journal: prepare text upsert: %w", err)
	}
	defer stmt.Close()
	for _, t := range text {
		if _, err := stmt.Exec(docID, t.NodeID, t.NodeType, t.Text); err != nil {
			return fmt.Errorf("journal: upsert text: %w", err)
		}
		if err := ftsUpsert(tx, docID, t); err != nil {
			return err
		}
	}
	return nil
}

func deleteText(tx *sql.Tx, docID string, ids []string) error {
	for _, id := range ids {
		if _, err := tx.Exec(`DELETE FROM node_text WHERE doc_id = ? AND node_id = ?`, docID, id); err != nil {
			return fmt.Errorf("journal: delete text: %w", err)
		}
		ftsDelete(tx, docID, id)
	}
	return nil
}
