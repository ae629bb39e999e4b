package step

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/starford/arbor/internal/model"
)

func strPtr(s string) *string { return &s }

func testSchema(t *testing.T) *model.Schema {
	t.Helper()
	s, err := model.NewSchema(model.SchemaSpec{
		Name: "test",
		Nodes: map[string]model.NodeSpec{
			"doc":       {Content: "block+"},
			"paragraph": {Content: "text*", Group: "block", Attrs: map[string]model.AttributeSpec{"align": {Default: "left"}, "id": {}}},
			"list":      {Content: "item+", Group: "block"},
			"item":      {Content: "paragraph"},
			"box":       {Content: "(fb|qd)*", Group: "block"},
			"fb":        {},
			"qd":        {},
			"other":     {},
			"text":      {},
		},
		Marks: map[string]model.MarkSpec{
			"bold":   {},
			"italic": {},
			"code":   {Excludes: strPtr("_")},
		},
	})
	require.NoError(t, err)
	return s
}

func n(id, typ string) *model.Node {
	return &model.Node{ID: id, Type: typ}
}

func para(id string) *model.Node {
	return &model.Node{ID: id, Type: "paragraph", Attrs: model.Attrs{"align": "left"}}
}

// testTree is doc(p1(t1 "hi"), p2, box(fb)).
func testTree(t *testing.T) *model.Tree {
	t.Helper()
	tr, err := model.NewTree(model.Branch(n("doc", "doc"),
		model.Branch(para("p1"), model.Leaf(&model.Node{ID: "t1", Type: "text", Text: "hi"})),
		model.Leaf(para("p2")),
		model.Branch(n("box", "box"), model.Leaf(n("f1", "fb"))),
	))
	require.NoError(t, err)
	return tr
}

// applyAndInvert checks the inverse property for st on tr.
func applyAndInvert(t *testing.T, st Step, tr *model.Tree, s *model.Schema) *model.Tree {
	t.Helper()
	inv, err := st.Invert(tr, s)
	require.NoError(t, err)
	next, err := st.Apply(tr, s)
	require.NoError(t, err)
	back, err := inv.Apply(next, s)
	require.NoError(t, err)
	require.True(t, tr.Equal(back), "inverse of %s did not restore the tree", st.Kind())
	return next
}
