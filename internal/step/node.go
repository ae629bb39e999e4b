package step

import (
	"fmt"
	"slices"

	"github.com/starford/arbor/internal/model"
)

// AddNode inserts subtrees as children of Parent at Index, appending when
// Index is nil. Missing attributes are filled from schema defaults.
type AddNode struct {
	Parent string           `json:"parent"`
	Nodes  []*model.Subtree `json:"nodes"`
	Index  *int             `json:"index,omitempty"`
}

func (AddNode) Kind() string { return KindAddNode }

func (a AddNode) Apply(t *model.Tree, s *model.Schema) (*model.Tree, error) {
	return applyValidated(a, t, s)
}

func (a AddNode) applyStructure(t *model.Tree, s *model.Schema) (*model.Tree, []string, error) {
	if _, err := t.Node(a.Parent); err != nil {
		return nil, nil, fmt.Errorf("step: %s: %w", KindAddNode, err)
	}
	touched := []string{a.Parent}
	subs := make([]*model.Subtree, 0, len(a.Nodes))
	for _, sub := range a.Nodes {
		prepared, err := prepare(sub, s, &touched)
		if err != nil {
			return nil, nil, fmt.Errorf("step: %s: %w", KindAddNode, err)
		}
		subs = append(subs, prepared)
	}
	next, err := t.Insert(a.Parent, index(a.Index), subs)
	if err != nil {
		return nil, nil, fmt.Errorf("step: %s: %w", KindAddNode, err)
	}
	return next, touched, nil
}

// prepare copies sub with attributes and marks checked against s.
func prepare(sub *model.Subtree, s *model.Schema, touched *[]string) (*model.Subtree, error) {
	if sub == nil || sub.Node == nil {
		return nil, fmt.Errorf("empty subtree")
	}
	if sub.Node.ID == "" {
		return nil, fmt.Errorf("%s node without id", sub.Node.Type)
	}
	n := sub.Node.Clone()
	attrs, err := s.ComputeAttrs(n.Type, n.Attrs)
	if err != nil {
		return nil, err
	}
	n.Attrs = attrs
	marks := make([]model.Mark, 0, len(n.Marks))
	for _, m := range n.Marks {
		checked, err := s.CheckMark(n.Type, marks, m)
		if err != nil {
			return nil, err
		}
		if i := slices.IndexFunc(marks, func(e model.Mark) bool { return e.Type == checked.Type }); i >= 0 {
			marks[i] = checked
			continue
		}
		marks = append(marks, checked)
	}
	if len(marks) > 0 {
		n.Marks = marks
	}
	*touched = append(*touched, n.ID)
	out := &model.Subtree{Node: n}
	for _, c := range sub.Children {
		pc, err := prepare(c, s, touched)
		if err != nil {
			return nil, err
		}
		out.Children = append(out.Children, pc)
	}
	return out, nil
}

func (a AddNode) Invert(before *model.Tree, _ *model.Schema) (Step, error) {
	if _, err := before.Node(a.Parent); err != nil {
		return nil, fmt.Errorf("step: invert %s: %w", KindAddNode, err)
	}
	ids := make([]string, 0, len(a.Nodes))
	for _, sub := range a.Nodes {
		if sub == nil || sub.Node == nil {
			return nil, fmt.Errorf("step: invert %s: empty subtree", KindAddNode)
		}
		ids = append(ids, sub.Node.ID)
	}
	return RemoveNode{Parent: a.Parent, IDs: ids}, nil
}

// RemoveNode detaches direct children of Parent together with their subtrees.
type RemoveNode struct {
	Parent string   `json:"parent"`
	IDs    []string `json:"ids"`
}

func (RemoveNode) Kind() string { return KindRemoveNode }

func (r RemoveNode) Apply(t *model.Tree, s *model.Schema) (*model.Tree, error) {
	return applyValidated(r, t, s)
}

func (r RemoveNode) applyStructure(t *model.Tree, _ *model.Schema) (*model.Tree, []string, error) {
	next, err := t.Remove(r.Parent, r.IDs)
	if err != nil {
		return nil, nil, fmt.Errorf("step: %s: %w", KindRemoveNode, err)
	}
	return next, []string{r.Parent}, nil
}

// Invert restores the removed subtrees at their original positions,
// lowest index first.
func (r RemoveNode) Invert(before *model.Tree, _ *model.Schema) (Step, error) {
	p, err := before.Node(r.Parent)
	if err != nil {
		return nil, fmt.Errorf("step: invert %s: %w", KindRemoveNode, err)
	}
	type removed struct {
		pos int
		sub *model.Subtree
	}
	items := make([]removed, 0, len(r.IDs))
	for _, id := range r.IDs {
		pos := p.IndexOf(id)
		if pos < 0 {
			return nil, fmt.Errorf("step: invert %s: %w: %q in %q", KindRemoveNode, model.ErrNotChild, id, r.Parent)
		}
		sub, err := before.Subtree(id)
		if err != nil {
			return nil, fmt.Errorf("step: invert %s: %w", KindRemoveNode, err)
		}
		items = append(items, removed{pos: pos, sub: sub})
	}
	slices.SortFunc(items, func(a, b removed) int { return a.pos - b.pos })

	steps := make([]Step, 0, len(items))
	for _, it := range items {
		steps = append(steps, AddNode{Parent: r.Parent, Nodes: []*model.Subtree{it.sub}, Index: intPtr(it.pos)})
	}
	if len(steps) == 1 {
		return steps[0], nil
	}
	return Batch{Steps: steps}, nil
}

// MoveNode detaches ID from Src and inserts it into Dst at Index, counted
// after the detach. A nil Index appends.
type MoveNode struct {
	Src   string `json:"src"`
	Dst   string `json:"dst"`
	ID    string `json:"id"`
	Index *int   `json:"index,omitempty"`
}

func (MoveNode) Kind() string { return KindMoveNode }

func (m MoveNode) Apply(t *model.Tree, s *model.Schema) (*model.Tree, error) {
	return applyValidated(m, t, s)
}

func (m MoveNode) applyStructure(t *model.Tree, _ *model.Schema) (*model.Tree, []string, error) {
	next, err := t.Move(m.Src, m.Dst, m.ID, index(m.Index))
	if err != nil {
		return nil, nil, fmt.Errorf("step: %s: %w", KindMoveNode, err)
	}
	return next, []string{m.Src, m.Dst}, nil
}

func (m MoveNode) Invert(before *model.Tree, _ *model.Schema) (Step, error) {
	src, err := before.Node(m.Src)
	if err != nil {
		return nil, fmt.Errorf("step: invert %s: %w", KindMoveNode, err)
	}
	pos := src.IndexOf(m.ID)
	if pos < 0 {
		return nil, fmt.Errorf("step: invert %s: %w: %q in %q", KindMoveNode, model.ErrNotChild, m.ID, m.Src)
	}
	return MoveNode{Src: m.Dst, Dst: m.Src, ID: m.ID, Index: intPtr(pos)}, nil
}
