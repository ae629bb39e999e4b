package state

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/step"
	"github.com/starford/arbor/internal/transform"
)

// Reserved metadata keys.
const (
	MetaIsUndo       = "is_undo"
	MetaIsRedo       = "is_redo"
	MetaJump         = "jump"
	MetaAddToHistory = "add_to_history"
	// MetaAppendedFrom holds the id of the transaction an appended one
	// followed.
	MetaAppendedFrom = "appended_from"
)

// Transaction is a Transform with identity and metadata.
type Transaction struct {
	*transform.Transform

	id        string
	createdAt time.Time
	meta      map[string]any
}

func newTransaction(tf *transform.Transform) *Transaction {
	return &Transaction{
		Transform: tf,
		id:        uuid.NewString(),
		createdAt: time.Now().UTC(),
		meta:      map[string]any{},
	}
}

// NewTransaction starts a transaction over base.
func NewTransaction(base *model.Tree, schema *model.Schema) *Transaction {
	return newTransaction(transform.New(base, schema))
}

// ID returns the transaction id.
func (tr *Transaction) ID() string { return tr.id }

// CreatedAt returns the creation time.
func (tr *Transaction) CreatedAt() time.Time { return tr.createdAt }

// SetMeta stores a metadata value and returns tr for chaining.
func (tr *Transaction) SetMeta(key string, value any) *Transaction {
	tr.meta[key] = value
	return tr
}

// Meta returns a metadata value.
func (tr *Transaction) Meta(key string) (any, bool) {
	v, ok := tr.meta[key]
	return v, ok
}

// MetaMap returns a copy of all metadata.
func (tr *Transaction) MetaMap() map[string]any {
	return maps.Clone(tr.meta)
}

// MetaAs returns the metadata value for key when it holds a T.
func MetaAs[T any](tr *Transaction, key string) (T, bool) {
	v, ok := tr.meta[key].(T)
	return v, ok
}

// Flag reports whether a boolean metadata key is set to true.
func (tr *Transaction) Flag(key string) bool {
	v, _ := MetaAs[bool](tr, key)
	return v
}

// AddToHistory reports whether history should record the transaction.
// It defaults to true.
func (tr *Transaction) AddToHistory() bool {
	v, ok := MetaAs[bool](tr, MetaAddToHistory)
	return !ok || v
}

// withTransform returns a copy of tr carrying tf and the same identity.
func (tr *Transaction) withTransform(tf *transform.Transform) *Transaction {
	return &Transaction{Transform: tf, id: tr.id, createdAt: tr.createdAt, meta: maps.Clone(tr.meta)}
}

type transactionJSON struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Meta      map[string]any  `json:"meta,omitempty"`
	Steps     []step.Envelope `json:"steps"`
}

// MarshalJSON encodes the transaction as id, timestamp, metadata and tagged
// steps.
func (tr *Transaction) MarshalJSON() ([]byte, error) {
	envs, err := step.EncodeList(tr.Steps())
	if err != nil {
		return nil, err
	}
	return json.Marshal(transactionJSON{ID: tr.id, CreatedAt: tr.createdAt, Meta: tr.meta, Steps: envs})
}

// DecodeTransaction rebuilds a serialized transaction on top of base.
func DecodeTransaction(data []byte, base *model.Tree, schema *model.Schema) (*Transaction, error) {
	var raw transactionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("state: decode transaction: %w", err)
	}
	steps, err := step.DecodeList(raw.Steps)
	if err != nil {
		return nil, fmt.Errorf("state: decode transaction: %w", err)
	}
	tr := NewTransaction(base, schema)
	for i, st := range steps {
		if err := tr.Step(st); err != nil {
			return nil, fmt.Errorf("state: decode transaction step %d: %w", i, err)
		}
	}
	if raw.ID != "" {
		tr.id = raw.ID
	}
	if !raw.CreatedAt.IsZero() {
		tr.createdAt = raw.CreatedAt
	}
	if raw.Meta != nil {
		tr.meta = raw.Meta
	}
	return tr, nil
}
