// Package transform accumulates steps against a base tree and keeps the
// inverse of every step it accepts.
package transform

import (
	"errors"
	"fmt"
	"slices"

	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/step"
)

// ErrNilStep is returned when a nil step is queued.
var ErrNilStep = errors.New("transform: nil step")

// Transform is a sequence of steps over a base tree.
//
// Every accepted step is validated against the tree produced by the steps
// before it, and its inverse is computed from that same tree at the moment
// the step is accepted. The resulting tree is kept up to date as steps are
// added; with persistent trees this costs only the changed paths. Doc is
// that cached draft, and Replay is the path that re-derives it from Base
// and the step list.
//
// A Transform is not safe for concurrent mutation.
type Transform struct {
	schema  *model.Schema
	base    *model.Tree
	doc     *model.Tree
	steps   []step.Step
	inverts []step.Step
}

// New starts an empty transform over base.
func New(base *model.Tree, schema *model.Schema) *Transform {
	return &Transform{schema: schema, base: base, doc: base}
}

// Schema returns the schema steps are checked against.
func (t *Transform) Schema() *model.Schema { return t.schema }

// Base returns the tree the transform started from.
func (t *Transform) Base() *model.Tree { return t.base }

// Doc returns the tree after all accepted steps.
func (t *Transform) Doc() *model.Tree { return t.doc }

// Steps returns the accepted steps in order.
func (t *Transform) Steps() []step.Step { return slices.Clone(t.steps) }

// InvertSteps returns the inverse of each accepted step, index-aligned with
// Steps.
func (t *Transform) InvertSteps() []step.Step { return slices.Clone(t.inverts) }

// Len returns the number of accepted steps.
func (t *Transform) Len() int { return len(t.steps) }

// DocChanged reports whether any step was accepted.
func (t *Transform) DocChanged() bool { return len(t.steps) > 0 }

// Step applies s to the current document. On error the transform is left
// exactly as it was.
func (t *Transform) Step(s step.Step) error {
	if s == nil {
		return ErrNilStep
	}
	inv, err := s.Invert(t.doc, t.schema)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	next, err := s.Apply(t.doc, t.schema)
	if err != nil {
		return fmt.Errorf("transform: %w", err)
	}
	t.steps = append(t.steps, s)
	t.inverts = append(t.inverts, inv)
	t.doc = next
	return nil
}

// Replay re-applies every accepted step to the base tree. The result is
// structurally equal to Doc.
func (t *Transform) Replay() (*model.Tree, error) {
	return Replay(t.base, t.schema, t.steps)
}

// Replay applies steps to base in order.
func Replay(base *model.Tree, schema *model.Schema, steps []step.Step) (*model.Tree, error) {
	cur := base
	for i, s := range steps {
		next, err := s.Apply(cur, schema)
		if err != nil {
			return nil, fmt.Errorf("transform: replay step %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}

// Invert returns a transform starting at Doc whose steps are the stored
// inverses in reverse order. Its Doc is structurally equal to Base.
func (t *Transform) Invert() (*Transform, error) {
	out := New(t.doc, t.schema)
	for i := len(t.inverts) - 1; i >= 0; i-- {
		if err := out.Step(t.inverts[i]); err != nil {
			return nil, fmt.Errorf("transform: invert step %d: %w", i, err)
		}
	}
	return out, nil
}

// Rebase replays the steps of t on another tree and returns the resulting
// transform. Inverses are recomputed against the new base.
func (t *Transform) Rebase(base *model.Tree) (*Transform, error) {
	out := New(base, t.schema)
	for i, s := range t.steps {
		if err := out.Step(s); err != nil {
			return nil, fmt.Errorf("transform: rebase step %d: %w", i, err)
		}
	}
	return out, nil
}

// AddNode appends nodes (each without children) to parent.
func (t *Transform) AddNode(parent string, nodes ...*model.Node) error {
	subs := make([]*model.Subtree, 0, len(nodes))
	for _, n := range nodes {
		subs = append(subs, model.Leaf(n))
	}
	return t.Step(step.AddNode{Parent: parent, Nodes: subs})
}

// InsertNode inserts whole subtrees into parent at index.
func (t *Transform) InsertNode(parent string, index int, subs ...*model.Subtree) error {
	return t.Step(step.AddNode{Parent: parent, Nodes: subs, Index: &index})
}

// RemoveNode removes children of parent.
func (t *Transform) RemoveNode(parent string, ids ...string) error {
	return t.Step(step.RemoveNode{Parent: parent, IDs: ids})
}

// MoveNode appends id, a child of src, to dst.
func (t *Transform) MoveNode(src, dst, id string) error {
	return t.Step(step.MoveNode{Src: src, Dst: dst, ID: id})
}

// MoveNodeTo moves id from src to position index in dst.
func (t *Transform) MoveNodeTo(src, dst, id string, index int) error {
	return t.Step(step.MoveNode{Src: src, Dst: dst, ID: id, Index: &index})
}

// SetAttrs merges attrs into node.
func (t *Transform) SetAttrs(node string, attrs model.Attrs) error {
	return t.Step(step.SetAttr{Node: node, Attrs: attrs})
}

// UnsetAttrs resets keys of node to their defaults.
func (t *Transform) UnsetAttrs(node string, keys ...string) error {
	return t.Step(step.SetAttr{Node: node, Unset: keys})
}

// AddMark attaches m to node.
func (t *Transform) AddMark(node string, m model.Mark) error {
	return t.Step(step.AddMark{Node: node, Mark: m})
}

// RemoveMark drops the mark of markType from node.
func (t *Transform) RemoveMark(node, markType string) error {
	return t.Step(step.RemoveMark{Node: node, MarkType: markType})
}

// Batch applies steps as a single unit.
func (t *Transform) Batch(steps ...step.Step) error {
	return t.Step(step.Batch{Steps: steps})
}
