package step

import (
	"fmt"
	"maps"
	"slices"

	"github.com/starford/arbor/internal/model"
)

// SetAttr merges Attrs into a node and resets the Unset keys to their schema
// default, or drops them when no default exists.
type SetAttr struct {
	Node  string      `json:"node"`
	Attrs model.Attrs `json:"attrs,omitempty"`
	Unset []string    `json:"unset,omitempty"`
}

func (SetAttr) Kind() string { return KindSetAttr }

func (a SetAttr) Apply(t *model.Tree, s *model.Schema) (*model.Tree, error) {
	n, err := t.Node(a.Node)
	if err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindSetAttr, err)
	}
	if err := s.CheckAttrKeys(n.Type, append(slices.Collect(maps.Keys(a.Attrs)), a.Unset...)); err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindSetAttr, err)
	}
	nn := n.Clone()
	if nn.Attrs == nil {
		nn.Attrs = model.Attrs{}
	}
	defaults := s.DefaultAttrs(n.Type)
	for _, k := range a.Unset {
		if v, ok := defaults[k]; ok {
			nn.Attrs[k] = v
		} else {
			delete(nn.Attrs, k)
		}
	}
	maps.Copy(nn.Attrs, a.Attrs)
	if err := s.CheckRequired(n.Type, nn.Attrs); err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindSetAttr, err)
	}
	if len(nn.Attrs) == 0 {
		nn.Attrs = nil
	}
	next, err := t.Replace(nn)
	if err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindSetAttr, err)
	}
	return next, nil
}

// Invert captures the previous value of every key the step touches.
func (a SetAttr) Invert(before *model.Tree, _ *model.Schema) (Step, error) {
	n, err := before.Node(a.Node)
	if err != nil {
		return nil, fmt.Errorf("step: invert %s: %w", KindSetAttr, err)
	}
	inv := SetAttr{Node: a.Node}
	keys := append(slices.Sorted(maps.Keys(a.Attrs)), a.Unset...)
	for _, k := range keys {
		if v, ok := n.Attrs[k]; ok {
			if inv.Attrs == nil {
				inv.Attrs = model.Attrs{}
			}
			inv.Attrs[k] = v
		} else if !slices.Contains(inv.Unset, k) {
			inv.Unset = append(inv.Unset, k)
		}
	}
	return inv, nil
}

// AddMark attaches Mark to a node. A mark of the same type is replaced.
// Index places the mark in the node's mark list; nil keeps the replaced
// mark's position or appends.
type AddMark struct {
	Node  string     `json:"node"`
	Mark  model.Mark `json:"mark"`
	Index *int       `json:"index,omitempty"`
}

func (AddMark) Kind() string { return KindAddMark }

func (a AddMark) Apply(t *model.Tree, s *model.Schema) (*model.Tree, error) {
	n, err := t.Node(a.Node)
	if err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindAddMark, err)
	}
	m, err := s.CheckMark(n.Type, n.Marks, a.Mark)
	if err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindAddMark, err)
	}
	nn := n.Clone()
	pos := len(nn.Marks)
	if i := nn.MarkIndex(m.Type); i >= 0 {
		nn.Marks = slices.Delete(nn.Marks, i, i+1)
		pos = i
	}
	if a.Index != nil {
		pos = *a.Index
	}
	if pos < 0 || pos > len(nn.Marks) {
		return nil, fmt.Errorf("step: %s: %w: mark index %d", KindAddMark, model.ErrIndexOutOfRange, pos)
	}
	nn.Marks = slices.Insert(nn.Marks, pos, m)
	next, err := t.Replace(nn)
	if err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindAddMark, err)
	}
	return next, nil
}

func (a AddMark) Invert(before *model.Tree, _ *model.Schema) (Step, error) {
	n, err := before.Node(a.Node)
	if err != nil {
		return nil, fmt.Errorf("step: invert %s: %w", KindAddMark, err)
	}
	if i := n.MarkIndex(a.Mark.Type); i >= 0 {
		return AddMark{Node: a.Node, Mark: n.Marks[i], Index: intPtr(i)}, nil
	}
	return RemoveMark{Node: a.Node, MarkType: a.Mark.Type}, nil
}

// RemoveMark drops the mark of MarkType from a node. Removing an absent mark
// is a no-op.
type RemoveMark struct {
	Node     string `json:"node"`
	MarkType string `json:"mark_type"`
}

func (RemoveMark) Kind() string { return KindRemoveMark }

func (r RemoveMark) Apply(t *model.Tree, _ *model.Schema) (*model.Tree, error) {
	n, err := t.Node(r.Node)
	if err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindRemoveMark, err)
	}
	i := n.MarkIndex(r.MarkType)
	if i < 0 {
		return t, nil
	}
	nn := n.Clone()
	nn.Marks = slices.Delete(nn.Marks, i, i+1)
	if len(nn.Marks) == 0 {
		nn.Marks = nil
	}
	next, err := t.Replace(nn)
	if err != nil {
		return nil, fmt.Errorf("step: %s: %w", KindRemoveMark, err)
	}
	return next, nil
}

func (r RemoveMark) Invert(before *model.Tree, _ *model.Schema) (Step, error) {
	n, err := before.Node(r.Node)
	if err != nil {
		return nil, fmt.Errorf("step: invert %s: %w", KindRemoveMark, err)
	}
	i := n.MarkIndex(r.MarkType)
	if i < 0 {
		return Batch{}, nil
	}
	return AddMark{Node: r.Node, Mark: n.Marks[i], Index: intPtr(i)}, nil
}
