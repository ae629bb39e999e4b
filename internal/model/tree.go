package model

import (
	"encoding/json"
	"fmt"
	"slices"

	"github.com/benbjohnson/immutable"
)

// Tree is an immutable snapshot of a document. Nodes live in a persistent hash
// map keyed by id; a second persistent map indexes each node's parent. Every
// edit returns a new Tree sharing all untouched entries with the receiver.
type Tree struct {
	root    string
	nodes   *immutable.Map[string, *Node]
	parents *immutable.Map[string, string]
}

// NewTree builds a tree from root and its descendants.
func NewTree(root *Subtree) (*Tree, error) {
	if root == nil || root.Node == nil {
		return nil, fmt.Errorf("model: new tree: %w", ErrNodeNotFound)
	}
	t := &Tree{
		root:    root.Node.ID,
		nodes:   immutable.NewMap[string, *Node](nil),
		parents: immutable.NewMap[string, string](nil),
	}
	b := t.builder()
	if err := b.add(root, ""); err != nil {
		return nil, fmt.Errorf("model: new tree: %w", err)
	}
	return b.tree(), nil
}

// Root returns the root node id.
func (t *Tree) Root() string { return t.root }

// RootNode returns the root node.
func (t *Tree) RootNode() *Node {
	n, _ := t.nodes.Get(t.root)
	return n
}

// Len returns the number of nodes.
func (t *Tree) Len() int { return t.nodes.Len() }

// Has reports whether id is in the tree.
func (t *Tree) Has(id string) bool {
	_, ok := t.nodes.Get(id)
	return ok
}

// Get returns the node with the given id.
func (t *Tree) Get(id string) (*Node, bool) {
	return t.nodes.Get(id)
}

// Node is Get returning a *NodeNotFoundError for unknown ids.
func (t *Tree) Node(id string) (*Node, error) {
	n, ok := t.nodes.Get(id)
	if !ok {
		return nil, &NodeNotFoundError{ID: id}
	}
	return n, nil
}

// Parent returns the parent id of id. The root has no parent.
func (t *Tree) Parent(id string) (string, bool) {
	return t.parents.Get(id)
}

// Children returns the child nodes of id in order.
func (t *Tree) Children(id string) []*Node {
	n, ok := t.nodes.Get(id)
	if !ok {
		return nil
	}
	out := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if cn, ok := t.nodes.Get(c); ok {
			out = append(out, cn)
		}
	}
	return out
}

// ChildTypes returns the types of the children of n.
func (t *Tree) ChildTypes(n *Node) []string {
	types := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		if cn, ok := t.nodes.Get(c); ok {
			types = append(types, cn.Type)
		}
	}
	return types
}

// IsAncestor reports whether anc is id or one of its ancestors.
func (t *Tree) IsAncestor(anc, id string) bool {
	for cur, ok := id, true; ok; cur, ok = t.parents.Get(cur) {
		if cur == anc {
			return true
		}
	}
	return false
}

// Subtree returns id and all its descendants.
func (t *Tree) Subtree(id string) (*Subtree, error) {
	n, err := t.Node(id)
	if err != nil {
		return nil, err
	}
	s := &Subtree{Node: n}
	for _, c := range n.Children {
		cs, err := t.Subtree(c)
		if err != nil {
			return nil, err
		}
		s.Children = append(s.Children, cs)
	}
	return s, nil
}

// Walk visits nodes in document order. Returning false from fn skips the
// node's descendants.
func (t *Tree) Walk(fn func(n *Node, depth int) bool) {
	t.walk(t.root, 0, fn)
}

func (t *Tree) walk(id string, depth int, fn func(*Node, int) bool) {
	n, ok := t.nodes.Get(id)
	if !ok || !fn(n, depth) {
		return
	}
	for _, c := range n.Children {
		t.walk(c, depth+1, fn)
	}
}

// Insert adds subs as children of parent starting at index. A negative index
// appends.
func (t *Tree) Insert(parent string, index int, subs []*Subtree) (*Tree, error) {
	p, err := t.Node(parent)
	if err != nil {
		return nil, err
	}
	if index < 0 {
		index = len(p.Children)
	}
	if index > len(p.Children) {
		return nil, fmt.Errorf("%w: %d not in [0,%d]", ErrIndexOutOfRange, index, len(p.Children))
	}
	b := t.builder()
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		if s == nil || s.Node == nil {
			return nil, fmt.Errorf("model: insert: empty subtree")
		}
		if err := b.add(s, parent); err != nil {
			return nil, err
		}
		ids = append(ids, s.Node.ID)
	}
	np := p.Clone()
	np.Children = slices.Insert(np.Children, index, ids...)
	b.nodes = b.nodes.Set(parent, np)
	return b.tree(), nil
}

// Remove detaches the given direct children of parent and drops their
// subtrees.
func (t *Tree) Remove(parent string, ids []string) (*Tree, error) {
	p, err := t.Node(parent)
	if err != nil {
		return nil, err
	}
	np := p.Clone()
	b := t.builder()
	for _, id := range ids {
		i := np.IndexOf(id)
		if i < 0 {
			return nil, fmt.Errorf("%w: %q in %q", ErrNotChild, id, parent)
		}
		np.Children = slices.Delete(np.Children, i, i+1)
		b.drop(id)
	}
	b.nodes = b.nodes.Set(parent, np)
	return b.tree(), nil
}

// Move detaches id from src and inserts it into dst at index, counted after
// the detach. A negative index appends.
func (t *Tree) Move(src, dst, id string, index int) (*Tree, error) {
	if id == t.root {
		return nil, ErrRootImmutable
	}
	sp, err := t.Node(src)
	if err != nil {
		return nil, err
	}
	if _, err := t.Node(dst); err != nil {
		return nil, err
	}
	i := sp.IndexOf(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %q in %q", ErrNotChild, id, src)
	}
	if t.IsAncestor(id, dst) {
		return nil, fmt.Errorf("%w: %q into %q", ErrCycle, id, dst)
	}

	nodes := t.nodes
	nsp := sp.Clone()
	nsp.Children = slices.Delete(nsp.Children, i, i+1)
	nodes = nodes.Set(src, nsp)

	dp, _ := nodes.Get(dst)
	if index < 0 {
		index = len(dp.Children)
	}
	if index > len(dp.Children) {
		return nil, fmt.Errorf("%w: %d not in [0,%d]", ErrIndexOutOfRange, index, len(dp.Children))
	}
	ndp := dp.Clone()
	ndp.Children = slices.Insert(ndp.Children, index, id)
	nodes = nodes.Set(dst, ndp)

	return &Tree{root: t.root, nodes: nodes, parents: t.parents.Set(id, dst)}, nil
}

// Replace swaps the stored node with n, keeping the existing child list.
func (t *Tree) Replace(n *Node) (*Tree, error) {
	old, err := t.Node(n.ID)
	if err != nil {
		return nil, err
	}
	nn := n.Clone()
	nn.Children = slices.Clone(old.Children)
	return &Tree{root: t.root, nodes: t.nodes.Set(n.ID, nn), parents: t.parents}, nil
}

// Equal reports structural equality: same root, same nodes, same order.
func (t *Tree) Equal(o *Tree) bool {
	if t == o {
		return true
	}
	if t == nil || o == nil || t.root != o.root || t.Len() != o.Len() {
		return false
	}
	itr := t.nodes.Iterator()
	for !itr.Done() {
		id, n, _ := itr.Next()
		m, ok := o.nodes.Get(id)
		if !ok {
			return false
		}
		if n == m {
			continue
		}
		if !n.equalContent(m) || !slices.Equal(n.Children, m.Children) {
			return false
		}
	}
	return true
}

type jsonNode struct {
	ID      string      `json:"id"`
	Type    string      `json:"type"`
	Attrs   Attrs       `json:"attrs,omitempty"`
	Text    string      `json:"text,omitempty"`
	Marks   []Mark      `json:"marks,omitempty"`
	Content []*jsonNode `json:"content,omitempty"`
}

func (t *Tree) toJSON(id string) *jsonNode {
	n, ok := t.nodes.Get(id)
	if !ok {
		return nil
	}
	j := &jsonNode{ID: n.ID, Type: n.Type, Attrs: n.Attrs, Text: n.Text, Marks: n.Marks}
	for _, c := range n.Children {
		if cj := t.toJSON(c); cj != nil {
			j.Content = append(j.Content, cj)
		}
	}
	return j
}

// MarshalJSON renders the tree as nested nodes. Output is deterministic, so
// two structurally equal trees marshal to identical bytes.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.toJSON(t.root))
}

// UnmarshalTree parses the nested form produced by MarshalJSON.
func UnmarshalTree(data []byte) (*Tree, error) {
	var j jsonNode
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("model: unmarshal tree: %w", err)
	}
	return NewTree(fromJSON(&j))
}

func fromJSON(j *jsonNode) *Subtree {
	s := &Subtree{Node: &Node{ID: j.ID, Type: j.Type, Attrs: j.Attrs, Text: j.Text, Marks: j.Marks}}
	for _, c := range j.Content {
		s.Children = append(s.Children, fromJSON(c))
	}
	return s
}

// builder batches map updates for a single edit.
type builder struct {
	root    string
	nodes   *immutable.Map[string, *Node]
	parents *immutable.Map[string, string]
}

func (t *Tree) builder() *builder {
	return &builder{root: t.root, nodes: t.nodes, parents: t.parents}
}

func (b *builder) tree() *Tree {
	return &Tree{root: b.root, nodes: b.nodes, parents: b.parents}
}

func (b *builder) add(s *Subtree, parent string) error {
	id := s.Node.ID
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrDuplicateID)
	}
	if _, ok := b.nodes.Get(id); ok {
		return fmt.Errorf("%w: %q", ErrDuplicateID, id)
	}
	n := s.Node.Clone()
	n.Children = make([]string, 0, len(s.Children))
	for _, c := range s.Children {
		if c == nil || c.Node == nil {
			return fmt.Errorf("model: empty subtree under %q", id)
		}
		n.Children = append(n.Children, c.Node.ID)
	}
	if len(n.Children) == 0 {
		n.Children = nil
	}
	b.nodes = b.nodes.Set(id, n)
	if parent != "" {
		b.parents = b.parents.Set(id, parent)
	}
	for _, c := range s.Children {
		if err := b.add(c, id); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) drop(id string) {
	n, ok := b.nodes.Get(id)
	if !ok {
		return
	}
	for _, c := range n.Children {
		b.drop(c)
	}
	b.nodes = b.nodes.Delete(id)
	b.parents = b.parents.Delete(id)
}
