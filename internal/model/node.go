// Package model holds the immutable document tree: nodes, marks, the persistent
// node pool and the schema that constrains it.
package model

import (
	"maps"
	"reflect"
	"slices"

	"github.com/google/uuid"
)

// Attrs is a node or mark attribute map. Values are JSON-compatible.
type Attrs map[string]any

// Clone returns a shallow copy of a. A nil map clones to nil.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// Equal reports whether a and b hold the same keys and values.
// A nil map equals an empty one.
func (a Attrs) Equal(b Attrs) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !reflect.DeepEqual(v, w) {
			return false
		}
	}
	return true
}

// Mark is an annotation attached to a node.
type Mark struct {
	Type  string `json:"type"`
	Attrs Attrs  `json:"attrs,omitempty"`
}

// Equal reports whether m and o have the same type and attributes.
func (m Mark) Equal(o Mark) bool {
	return m.Type == o.Type && m.Attrs.Equal(o.Attrs)
}

// Node is a single tree entity. Children hold ids of nodes living in the same
// Tree; a node never points at its parent.
//
// Nodes stored in a Tree are shared between snapshots and must not be modified.
// Use Clone to derive an edited copy.
type Node struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Attrs    Attrs    `json:"attrs,omitempty"`
	Text     string   `json:"text,omitempty"`
	Children []string `json:"children,omitempty"`
	Marks    []Mark   `json:"marks,omitempty"`
}

// NewNode returns a node of the given type with a fresh id.
func NewNode(typ string, attrs Attrs, text string, marks ...Mark) *Node {
	return &Node{
		ID:    uuid.NewString(),
		Type:  typ,
		Attrs: attrs,
		Text:  text,
		Marks: marks,
	}
}

// Clone returns a copy of n whose slices and maps may be modified freely.
func (n *Node) Clone() *Node {
	c := *n
	c.Attrs = n.Attrs.Clone()
	c.Children = slices.Clone(n.Children)
	if n.Marks != nil {
		c.Marks = make([]Mark, len(n.Marks))
		for i, m := range n.Marks {
			c.Marks[i] = Mark{Type: m.Type, Attrs: m.Attrs.Clone()}
		}
	}
	return &c
}

// IndexOf returns the position of child id in n.Children or -1.
func (n *Node) IndexOf(id string) int {
	return slices.Index(n.Children, id)
}

// MarkIndex returns the position of the first mark of type typ or -1.
func (n *Node) MarkIndex(typ string) int {
	return slices.IndexFunc(n.Marks, func(m Mark) bool { return m.Type == typ })
}

// equalContent compares everything but children.
func (n *Node) equalContent(o *Node) bool {
	if n.ID != o.ID || n.Type != o.Type || n.Text != o.Text {
		return false
	}
	if !n.Attrs.Equal(o.Attrs) || len(n.Marks) != len(o.Marks) {
		return false
	}
	for i := range n.Marks {
		if !n.Marks[i].Equal(o.Marks[i]) {
			return false
		}
	}
	return true
}

// Subtree is a node together with its descendants, used to insert whole
// branches and to restore removed ones. The Children field of Node is ignored
// in favour of the nested Children.
type Subtree struct {
	Node     *Node      `json:"node"`
	Children []*Subtree `json:"children,omitempty"`
}

// Leaf wraps n as a subtree without descendants.
func Leaf(n *Node) *Subtree {
	return &Subtree{Node: n}
}

// Branch wraps n with the given child subtrees.
func Branch(n *Node, children ...*Subtree) *Subtree {
	return &Subtree{Node: n, Children: children}
}

// Walk calls fn for every node in s in pre-order.
func (s *Subtree) Walk(fn func(n *Node, parent *Node)) {
	s.walk(nil, fn)
}

func (s *Subtree) walk(parent *Node, fn func(n *Node, parent *Node)) {
	fn(s.Node, parent)
	for _, c := range s.Children {
		c.walk(s.Node, fn)
	}
}

// Size returns the number of nodes in s.
func (s *Subtree) Size() int {
	n := 1
	for _, c := range s.Children {
		n += c.Size()
	}
	return n
}
