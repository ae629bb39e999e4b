package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/starford/arbor/internal/checksum"
	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/metrics"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/state"
)

// Recorder adapts a DB into an event bus handler.
type Recorder struct {
	db     *DB
	logger *slog.Logger
}

// NewRecorder returns a Recorder writing to db.
func NewRecorder(db *DB, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{db: db, logger: logger}
}

// Handle persists ev. Failures are logged; the editor never waits on the journal.
func (r *Recorder) Handle(ev event.Event) {
	if err := r.db.Record(ev); err != nil {
		metrics.JournalError()
		r.logger.Error("journal: record failed",
			slog.String("doc_id", ev.DocID),
			slog.String("kind", ev.Kind.String()),
			slog.String("error", err.Error()))
	}
}

// Record persists one lifecycle event. Events that change nothing durable
// are ignored.
func (db *DB) Record(ev event.Event) error {
	switch ev.Kind {
	case event.Create:
		return db.recordCreate(ev)
	case event.TransactionApplied, event.Undo, event.Redo, event.Jump:
		return db.recordApply(ev)
	case event.Destroy:
		return db.CloseDocument(ev.DocID)
	}
	return nil
}

func (db *DB) recordCreate(ev event.Event) error {
	t := ev.New.Tree()
	initial, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("journal: encode tree: %w", err)
	}
	return db.CreateDocument(DocumentRow{
		ID:        ev.DocID,
		Schema:    ev.New.Schema().Name(),
		Initial:   initial,
		Checksum:  checksum.Sum(initial),
		CreatedAt: ev.At,
	}, TreeText(t))
}

func (db *DB) recordApply(ev event.Event) error {
	rows := make([]TransactionRow, 0, len(ev.Transactions))
	for _, tr := range ev.Transactions {
		payload, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("journal: encode transaction %s: %w", tr.ID(), err)
		}
		rows = append(rows, TransactionRow{
			TxID:      tr.ID(),
			Kind:      ev.Kind.String(),
			Payload:   payload,
			Checksum:  checksum.Sum(payload),
			CreatedAt: tr.CreatedAt(),
		})
	}
	sum, err := checksum.JSON(ev.New.Tree())
	if err != nil {
		return err
	}
	upserts, deletes := DiffText(ev.Old.Tree(), ev.New.Tree())
	_, err = db.AppendTransactions(ev.DocID, sum, rows, upserts, deletes)
	return err
}

// TreeText returns the text of every text-bearing node of t.
func TreeText(t *model.Tree) []NodeText {
	var out []NodeText
	t.Walk(func(n *model.Node, _ int) bool {
		if n.Text != "" {
			out = append(out, NodeText{NodeID: n.ID, NodeType: n.Type, Text: n.Text})
		}
		return true
	})
	return out
}

// DiffText compares two versions of a tree. Nodes shared between them are
// skipped, so the cost follows the size of the change plus one walk.
func DiffText(old, next *model.Tree) (upserts []NodeText, deletes []string) {
	next.Walk(func(n *model.Node, _ int) bool {
		prev, ok := old.Get(n.ID)
		if ok && (prev == n || prev.Text == n.Text) {
			return true
		}
		if n.Text != "" {
			upserts = append(upserts, NodeText{NodeID: n.ID, NodeType: n.Type, Text: n.Text})
		} else if ok {
			deletes = append(deletes, n.ID)
		}
		return true
	})
	old.Walk(func(n *model.Node, _ int) bool {
		if n.Text != "" && !next.Has(n.ID) {
			deletes = append(deletes, n.ID)
		}
		return true
	})
	return upserts, deletes
}

// Replay rebuilds the latest tree of a document from its initial tree and
// every journaled transaction. Plugin state is not journaled.
func (db *DB) Replay(id string, schema *model.Schema) (*model.Tree, int64, error) {
	doc, err := db.Document(id)
	if err != nil {
		return nil, 0, err
	}
	t, err := model.UnmarshalTree(doc.Initial)
	if err != nil {
		return nil, 0, fmt.Errorf("journal: decode initial tree of %s: %w", id, err)
	}
	rows, err := db.Transactions(id)
	if err != nil {
		return nil, 0, err
	}
	for _, row := range rows {
		if checksum.Sum(row.Payload) != row.Checksum {
			return nil, 0, fmt.Errorf("journal: %s revision %d: checksum mismatch", id, row.Revision)
		}
		tr, err := state.DecodeTransaction(row.Payload, t, schema)
		if err != nil {
			return nil, 0, fmt.Errorf("journal: %s revision %d: %w", id, row.Revision, err)
		}
		t = tr.Doc()
	}
	return t, doc.Revision, nil
}
