package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func testSpec() SchemaSpec {
	return SchemaSpec{
		Name: "test",
		Nodes: map[string]NodeSpec{
			"doc": {Content: "block+"},
			"paragraph": {
				Content: "text*",
				Group:   "block",
				Attrs:   map[string]AttributeSpec{"align": {Default: "left"}},
			},
			"heading": {
				Content: "text*",
				Group:   "block",
				Marks:   strPtr(""),
				Attrs:   map[string]AttributeSpec{"level": {Default: 1}},
			},
			"box":   {Content: "(fb|qd)*", Group: "block"},
			"fb":    {},
			"qd":    {},
			"other": {},
			"text":  {},
			"image": {Group: "block", Attrs: map[string]AttributeSpec{"src": {Required: true}}},
		},
		Marks: map[string]MarkSpec{
			"bold":   {},
			"italic": {},
			"code":   {Excludes: strPtr("_")},
			"link":   {Attrs: map[string]AttributeSpec{"href": {Required: true}}, Excludes: strPtr("")},
		},
	}
}

func testSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema(testSpec())
	require.NoError(t, err)
	return s
}

func node(id, typ string) *Node {
	return &Node{ID: id, Type: typ}
}

// sampleTree is doc(p1(t1), p2).
func sampleTree(t *testing.T) *Tree {
	t.Helper()
	tr, err := NewTree(Branch(node("doc", "doc"),
		Branch(node("p1", "paragraph"), Leaf(&Node{ID: "t1", Type: "text", Text: "hi"})),
		Leaf(node("p2", "paragraph")),
	))
	require.NoError(t, err)
	return tr
}
