// Package history keeps bounded undo and redo stacks over committed
// transactions.
package history

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/starford/arbor/internal/state"
	"github.com/starford/arbor/internal/step"
)

// DefaultDepth is used when New is given a non-positive depth.
const DefaultDepth = 100

var tracer = otel.Tracer("arbor.history")

// Entry is one undoable unit: everything one apply committed.
type Entry struct {
	// IDs of the committed transactions.
	IDs []string
	// Steps replays the entry forward.
	Steps []step.Step
	// Inverse undoes the entry, already in application order.
	Inverse []step.Step
	At      time.Time
}

// Manager holds the undo and redo stacks of one document. It is safe for
// concurrent use, but Undo, Redo and Jump must be serialized with every
// other apply on the same document.
type Manager struct {
	mu    sync.Mutex
	depth int
	undo  []Entry
	redo  []Entry
}

// New returns a manager keeping at most depth entries per stack.
func New(depth int) *Manager {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Manager{depth: depth}
}

// Depth returns the stack bound.
func (m *Manager) Depth() int { return m.depth }

// Sizes returns the number of undo and redo entries.
func (m *Manager) Sizes() (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo), len(m.redo)
}

// Clear empties both stacks.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo, m.redo = nil, nil
}

// Record stores the outcome of a normal apply. Results of Undo, Redo and
// Jump, vetoed results and transactions flagged add_to_history=false are
// skipped. Recording clears the redo stack.
func (m *Manager) Record(res *state.Result) bool {
	if res == nil || res.Unchanged || len(res.Transactions) == 0 {
		return false
	}
	root := res.Transactions[0]
	if root.Flag(state.MetaIsUndo) || root.Flag(state.MetaIsRedo) {
		return false
	}
	e := Entry{At: time.Now().UTC()}
	for _, tr := range res.Transactions {
		if !tr.AddToHistory() || !tr.DocChanged() {
			continue
		}
		e.IDs = append(e.IDs, tr.ID())
		e.Steps = append(e.Steps, tr.Steps()...)
		inv := tr.InvertSteps()
		slices.Reverse(inv)
		e.Inverse = append(inv, e.Inverse...)
	}
	if len(e.Steps) == 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo = push(m.undo, e, m.depth)
	m.redo = nil
	return true
}

func push(stack []Entry, e Entry, depth int) []Entry {
	if len(stack) >= depth {
		stack = slices.Delete(stack, 0, len(stack)-depth+1)
	}
	return append(stack, e)
}

// Undo reverts the newest entry as a transaction tagged is_undo. An empty
// stack or a vetoed transaction yields an unchanged result and leaves the
// stacks as they were.
func (m *Manager) Undo(ctx context.Context, st *state.State) (*state.Result, error) {
	return m.Jump(ctx, st, -1)
}

// Redo reapplies the newest undone entry as a transaction tagged is_redo.
func (m *Manager) Redo(ctx context.Context, st *state.State) (*state.Result, error) {
	return m.Jump(ctx, st, 1)
}

// Jump moves |n| entries back (n < 0) or forward (n > 0) in one transaction
// and one apply. Jumping further than the stack holds is a no-op.
func (m *Manager) Jump(ctx context.Context, st *state.State, n int) (*state.Result, error) {
	ctx, span := tracer.Start(ctx, "history.Jump", trace.WithAttributes(attribute.Int("history.n", n)))
	defer span.End()

	res, err := m.jump(ctx, st, n)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (m *Manager) jump(ctx context.Context, st *state.State, n int) (*state.Result, error) {
	undo := n < 0
	count := n
	if undo {
		count = -n
	}

	m.mu.Lock()
	src := m.redo
	if undo {
		src = m.undo
	}
	if count == 0 || count > len(src) {
		m.mu.Unlock()
		return &state.Result{State: st, Unchanged: true}, nil
	}
	entries := slices.Clone(src[len(src)-count:])
	m.mu.Unlock()
	slices.Reverse(entries)

	tr := st.Tr()
	for _, e := range entries {
		steps := e.Steps
		if undo {
			steps = e.Inverse
		}
		for i, s := range steps {
			if err := tr.Step(s); err != nil {
				return nil, fmt.Errorf("history: replay step %d: %w", i, err)
			}
		}
	}
	if count > 1 {
		tr.SetMeta(state.MetaJump, n)
	}
	if undo {
		tr.SetMeta(state.MetaIsUndo, true)
	} else {
		tr.SetMeta(state.MetaIsRedo, true)
	}

	res, err := st.Apply(ctx, tr)
	if err != nil {
		return nil, err
	}
	if res.Unchanged {
		return res, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		if undo {
			m.undo = m.undo[:len(m.undo)-1]
			m.redo = push(m.redo, e, m.depth)
		} else {
			m.redo = m.redo[:len(m.redo)-1]
			m.undo = push(m.undo, e, m.depth)
		}
	}
	return res, nil
}
