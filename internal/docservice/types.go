package docservice

import (
	"encoding/json"
	"time"

	"github.com/starford/arbor/internal/checksum"
	"github.com/starford/arbor/internal/editor"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/state"
	"github.com/starford/arbor/internal/step"
)

// Summary is a lightweight item in a list response.
type Summary struct {
	ID       string `json:"id"`
	Schema   string `json:"schema"`
	Version  uint64 `json:"version"`
	Nodes    int    `json:"nodes"`
	ReadOnly bool   `json:"read_only"`
}

// Detail is the full representation of a document.
type Detail struct {
	Summary
	Checksum string                     `json:"checksum"`
	Undo     int                        `json:"undo"`
	Redo     int                        `json:"redo"`
	Plugins  []string                   `json:"plugins"`
	Doc      *model.Tree                `json:"doc"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
}

// ApplyRequest is one transaction in wire form.
type ApplyRequest struct {
	Steps []step.Envelope `json:"steps"`
	Meta  map[string]any  `json:"meta,omitempty"`
	// IfMatch rejects the request when the document checksum differs.
	IfMatch string `json:"if_match,omitempty"`
}

// ApplyResult reports the outcome of an apply, undo, redo or jump.
type ApplyResult struct {
	// Applied is false when nothing changed: a veto or an empty history.
	Applied      bool     `json:"applied"`
	RejectedBy   string   `json:"rejected_by,omitempty"`
	Transactions []string `json:"transactions,omitempty"`
	Document     *Detail  `json:"document"`
}

// TransactionItem is one journaled transaction.
type TransactionItem struct {
	Revision  int64           `json:"revision"`
	Seq       int             `json:"seq"`
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func newSummary(id string, st *state.State, readOnly bool) Summary {
	return Summary{
		ID:       id,
		Schema:   st.Schema().Name(),
		Version:  st.Version(),
		Nodes:    st.Tree().Len(),
		ReadOnly: readOnly,
	}
}

func newDetail(id string, st *state.State, e *editor.Editor, readOnly bool) (*Detail, error) {
	sum, err := checksum.JSON(st.Tree())
	if err != nil {
		return nil, err
	}
	undo, redo := e.History().Sizes()
	d := &Detail{
		Summary:  newSummary(id, st, readOnly),
		Checksum: sum,
		Undo:     undo,
		Redo:     redo,
		Plugins:  st.PluginKeys(),
		Doc:      st.Tree(),
	}
	for _, key := range st.PluginKeys() {
		data, err := st.EncodeField(key)
		if err != nil {
			continue
		}
		if d.Fields == nil {
			d.Fields = make(map[string]json.RawMessage)
		}
		d.Fields[key] = data
	}
	return d, nil
}

func newApplyResult(id string, doc *document, res *state.Result) (*ApplyResult, error) {
	detail, err := newDetail(id, res.State, doc.editor, doc.readOnly.Load())
	if err != nil {
		return nil, err
	}
	out := &ApplyResult{
		Applied:    !res.Unchanged,
		RejectedBy: res.RejectedBy,
		Document:   detail,
	}
	for _, tr := range res.Transactions {
		out.Transactions = append(out.Transactions, tr.ID())
	}
	return out, nil
}
