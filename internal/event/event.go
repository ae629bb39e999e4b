// Package event publishes document lifecycle events to subscribers.
package event

import (
	"time"

	"github.com/starford/arbor/internal/state"
	"github.com/starford/arbor/internal/step"
)

// Kind identifies a lifecycle event.
type Kind int

// Event kinds.
const (
	Create Kind = iota + 1
	TransactionApplied
	Undo
	Redo
	Jump
	TransactionFailed
	HistoryCleared
	Destroy
	PluginsChanged
)

var kindNames = map[Kind]string{
	Create:             "create",
	TransactionApplied: "transaction_applied",
	Undo:               "undo",
	Redo:               "redo",
	Jump:               "jump",
	TransactionFailed:  "transaction_failed",
	HistoryCleared:     "history_cleared",
	Destroy:            "destroy",
	PluginsChanged:     "plugins_changed",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// MarshalText renders the kind name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event describes one state transition of a document.
//
// Create, HistoryCleared, Destroy and PluginsChanged carry only New. TransactionFailed
// carries Old and Err. The others carry Old, New and the committed
// Transactions. Jump also sets Distance to the signed number of history
// entries moved.
type Event struct {
	Kind         Kind
	DocID        string
	Old          *state.State
	New          *state.State
	Transactions []*state.Transaction
	Distance     int
	Err          error
	At           time.Time
}

// AppliedSteps returns every step of the event's transactions in order.
func (e Event) AppliedSteps() []step.Step {
	var out []step.Step
	for _, tr := range e.Transactions {
		out = append(out, tr.Steps()...)
	}
	return out
}
