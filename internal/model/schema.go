package model

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// SchemaSpec declares node and mark types. It is usually loaded from YAML.
type SchemaSpec struct {
	Name  string              `yaml:"name" json:"name"`
	Top   string              `yaml:"top" json:"top,omitempty"`
	Nodes map[string]NodeSpec `yaml:"nodes" json:"nodes"`
	Marks map[string]MarkSpec `yaml:"marks" json:"marks,omitempty"`
}

// NodeSpec describes one node type.
type NodeSpec struct {
	// Content is the content expression for children. Empty means no children.
	Content string `yaml:"content" json:"content,omitempty"`
	// Group is a space separated list of groups the type belongs to.
	Group string `yaml:"group" json:"group,omitempty"`
	// Marks lists allowed mark types or groups, "_" for all. Nil allows all.
	Marks *string                  `yaml:"marks" json:"marks,omitempty"`
	Attrs map[string]AttributeSpec `yaml:"attrs" json:"attrs,omitempty"`
}

// MarkSpec describes one mark type.
type MarkSpec struct {
	Attrs map[string]AttributeSpec `yaml:"attrs" json:"attrs,omitempty"`
	// Excludes lists mark types or groups that cannot coexist with this one,
	// "_" for all. Nil excludes only the mark's own type.
	Excludes *string `yaml:"excludes" json:"excludes,omitempty"`
	Group    string  `yaml:"group" json:"group,omitempty"`
}

// AttributeSpec describes one attribute.
type AttributeSpec struct {
	Default  any  `yaml:"default" json:"default,omitempty"`
	Required bool `yaml:"required" json:"required,omitempty"`
}

// NodeType is a compiled NodeSpec.
type NodeType struct {
	Name    string
	Groups  []string
	Content *ContentMatch
	attrs   map[string]AttributeSpec
	marks   map[string]bool // nil allows every mark
}

// MarkType is a compiled MarkSpec.
type MarkType struct {
	Name     string
	Groups   []string
	attrs    map[string]AttributeSpec
	excludes map[string]bool
}

// Schema is the compiled rule set for a document. It is immutable after
// NewSchema and safe for concurrent use.
type Schema struct {
	spec  SchemaSpec
	top   string
	nodes map[string]*NodeType
	marks map[string]*MarkType
}

// NewSchema compiles spec.
func NewSchema(spec SchemaSpec) (*Schema, error) {
	s := &Schema{
		spec:  spec,
		top:   spec.Top,
		nodes: make(map[string]*NodeType, len(spec.Nodes)),
		marks: make(map[string]*MarkType, len(spec.Marks)),
	}
	if s.top == "" {
		s.top = "doc"
	}
	if len(spec.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no node types", ErrInvalidSchema)
	}
	if _, ok := spec.Nodes[s.top]; !ok {
		return nil, fmt.Errorf("%w: top node type %q not declared", ErrInvalidSchema, s.top)
	}

	nodeGroups := map[string][]string{}
	for _, name := range slices.Sorted(maps.Keys(spec.Nodes)) {
		ns := spec.Nodes[name]
		nt := &NodeType{Name: name, Groups: strings.Fields(ns.Group), attrs: ns.Attrs}
		for _, g := range nt.Groups {
			nodeGroups[g] = append(nodeGroups[g], name)
		}
		s.nodes[name] = nt
	}

	markGroups := map[string][]string{}
	for _, name := range slices.Sorted(maps.Keys(spec.Marks)) {
		ms := spec.Marks[name]
		mt := &MarkType{Name: name, Groups: strings.Fields(ms.Group), attrs: ms.Attrs}
		for _, g := range mt.Groups {
			markGroups[g] = append(markGroups[g], name)
		}
		s.marks[name] = mt
	}

	resolveNode := func(name string) ([]string, bool) {
		if _, ok := s.nodes[name]; ok {
			return []string{name}, true
		}
		g, ok := nodeGroups[name]
		return g, ok
	}
	resolveMarks := func(list string) (map[string]bool, error) {
		out := map[string]bool{}
		for _, name := range strings.Fields(list) {
			switch {
			case name == "_":
				for m := range s.marks {
					out[m] = true
				}
			case s.marks[name] != nil:
				out[name] = true
			case markGroups[name] != nil:
				for _, m := range markGroups[name] {
					out[m] = true
				}
			default:
				return nil, fmt.Errorf("%w: unknown mark type or group %q", ErrInvalidSchema, name)
			}
		}
		return out, nil
	}

	for name, nt := range s.nodes {
		ns := spec.Nodes[name]
		cm, err := CompileContent(ns.Content, resolveNode)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
		nt.Content = cm
		if ns.Marks != nil {
			if nt.marks, err = resolveMarks(*ns.Marks); err != nil {
				return nil, fmt.Errorf("node %q: %w", name, err)
			}
		}
	}

	for name, mt := range s.marks {
		ms := spec.Marks[name]
		if ms.Excludes == nil {
			mt.excludes = map[string]bool{name: true}
			continue
		}
		ex, err := resolveMarks(*ms.Excludes)
		if err != nil {
			return nil, fmt.Errorf("mark %q: %w", name, err)
		}
		mt.excludes = ex
	}
	return s, nil
}

// Spec returns the spec the schema was compiled from.
func (s *Schema) Spec() SchemaSpec { return s.spec }

// Name returns the schema name.
func (s *Schema) Name() string { return s.spec.Name }

// Top returns the node type expected at the root.
func (s *Schema) Top() string { return s.top }

// NodeType returns the compiled node type.
func (s *Schema) NodeType(name string) (*NodeType, bool) {
	nt, ok := s.nodes[name]
	return nt, ok
}

// MarkType returns the compiled mark type.
func (s *Schema) MarkType(name string) (*MarkType, bool) {
	mt, ok := s.marks[name]
	return mt, ok
}

func (s *Schema) nodeType(name string) (*NodeType, error) {
	nt, ok := s.nodes[name]
	if !ok {
		return nil, &SchemaValidationError{NodeType: name, Position: -1, Reason: "unknown node type"}
	}
	return nt, nil
}

// ValidateInsert reports whether existing followed by added is a complete
// valid child sequence for parentType.
func (s *Schema) ValidateInsert(parentType string, existing, added []string) bool {
	nt, ok := s.nodes[parentType]
	if !ok {
		return false
	}
	seq := make([]string, 0, len(existing)+len(added))
	seq = append(append(seq, existing...), added...)
	return nt.Content.Accepts(seq)
}

// ValidateContent checks children against the content expression of
// parentType and names the first offending child.
func (s *Schema) ValidateContent(parentType string, children []string) error {
	nt, err := s.nodeType(parentType)
	if err != nil {
		return err
	}
	for i, c := range children {
		if _, ok := s.nodes[c]; !ok {
			return &SchemaValidationError{NodeType: parentType, Type: c, Position: i, Reason: "unknown node type"}
		}
	}
	switch pos := nt.Content.Match(children); {
	case pos < 0:
		return nil
	case pos < len(children):
		return &SchemaValidationError{NodeType: parentType, Type: children[pos], Position: pos, Reason: "content does not allow"}
	default:
		return &SchemaValidationError{NodeType: parentType, Position: pos, Reason: "incomplete content, expected more children at end", Type: nt.Content.Expr()}
	}
}

// DefaultAttrs returns the declared defaults of nodeType.
func (s *Schema) DefaultAttrs(nodeType string) Attrs {
	nt, ok := s.nodes[nodeType]
	if !ok {
		return Attrs{}
	}
	return defaults(nt.attrs)
}

func defaults(specs map[string]AttributeSpec) Attrs {
	out := make(Attrs, len(specs))
	for k, spec := range specs {
		if spec.Default != nil {
			out[k] = spec.Default
		}
	}
	return out
}

func computeAttrs(owner string, specs map[string]AttributeSpec, given Attrs) (Attrs, error) {
	out := defaults(specs)
	for k, v := range given {
		if _, ok := specs[k]; !ok {
			return nil, &SchemaValidationError{NodeType: owner, Type: k, Position: -1, Reason: "unknown attribute"}
		}
		out[k] = v
	}
	for _, k := range slices.Sorted(maps.Keys(specs)) {
		if _, ok := out[k]; !ok && specs[k].Required {
			return nil, &SchemaValidationError{NodeType: owner, Type: k, Position: -1, Reason: "missing required attribute"}
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// ComputeAttrs fills defaults into given and rejects unknown or missing
// required attributes.
func (s *Schema) ComputeAttrs(nodeType string, given Attrs) (Attrs, error) {
	nt, err := s.nodeType(nodeType)
	if err != nil {
		return nil, err
	}
	return computeAttrs(nodeType, nt.attrs, given)
}

// CheckAttrKeys rejects keys nodeType does not declare.
func (s *Schema) CheckAttrKeys(nodeType string, keys []string) error {
	nt, err := s.nodeType(nodeType)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if _, ok := nt.attrs[k]; !ok {
			return &SchemaValidationError{NodeType: nodeType, Type: k, Position: -1, Reason: "unknown attribute"}
		}
	}
	return nil
}

// CheckRequired rejects attrs that leave a required attribute unset.
func (s *Schema) CheckRequired(nodeType string, attrs Attrs) error {
	nt, err := s.nodeType(nodeType)
	if err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(nt.attrs)) {
		if _, ok := attrs[k]; !ok && nt.attrs[k].Required {
			return &SchemaValidationError{NodeType: nodeType, Type: k, Position: -1, Reason: "missing required attribute"}
		}
	}
	return nil
}

// Excludes reports whether marks a and b cannot coexist. The relation is
// symmetric.
func (s *Schema) Excludes(a, b string) bool {
	ma, oka := s.marks[a]
	mb, okb := s.marks[b]
	if !oka || !okb {
		return false
	}
	return ma.excludes[b] || mb.excludes[a]
}

// CheckMark validates adding m to a node of nodeType that already carries
// existing marks. A mark of the same type is treated as a replacement and
// never conflicts. It returns m with defaults filled in.
func (s *Schema) CheckMark(nodeType string, existing []Mark, m Mark) (Mark, error) {
	nt, err := s.nodeType(nodeType)
	if err != nil {
		return Mark{}, err
	}
	mt, ok := s.marks[m.Type]
	if !ok {
		return Mark{}, &SchemaValidationError{NodeType: nodeType, Type: m.Type, Position: -1, Reason: "unknown mark type"}
	}
	if nt.marks != nil && !nt.marks[m.Type] {
		return Mark{}, &SchemaValidationError{NodeType: nodeType, Type: m.Type, Position: -1, Reason: "mark not allowed"}
	}
	for i, e := range existing {
		if e.Type != m.Type && s.Excludes(e.Type, m.Type) {
			return Mark{}, &SchemaValidationError{NodeType: nodeType, Type: m.Type, Position: i, Reason: "mark excluded by " + e.Type}
		}
	}
	attrs, err := computeAttrs(m.Type, mt.attrs, m.Attrs)
	if err != nil {
		return Mark{}, err
	}
	return Mark{Type: m.Type, Attrs: attrs}, nil
}

// ValidateNode checks n's own type, attributes and marks. Children are not
// inspected.
func (s *Schema) ValidateNode(n *Node) error {
	nt, err := s.nodeType(n.Type)
	if err != nil {
		return err
	}
	for k := range n.Attrs {
		if _, ok := nt.attrs[k]; !ok {
			return &SchemaValidationError{NodeType: n.Type, Type: k, Position: -1, Reason: "unknown attribute"}
		}
	}
	if err := s.CheckRequired(n.Type, n.Attrs); err != nil {
		return err
	}
	for i, m := range n.Marks {
		if j := n.MarkIndex(m.Type); j != i {
			return &SchemaValidationError{NodeType: n.Type, Type: m.Type, Position: i, Reason: "duplicate mark"}
		}
		if _, err := s.CheckMark(n.Type, n.Marks[:i], m); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks every node of t against s, including the root type.
func (t *Tree) Validate(s *Schema) error {
	root := t.RootNode()
	if root.Type != s.Top() {
		return &SchemaValidationError{NodeType: root.Type, Type: s.Top(), Position: -1, Reason: "root must be of type"}
	}
	var err error
	t.Walk(func(n *Node, _ int) bool {
		if err != nil {
			return false
		}
		if err = s.ValidateNode(n); err != nil {
			return false
		}
		if err = s.ValidateContent(n.Type, t.ChildTypes(n)); err != nil {
			return false
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("model: validate tree: %w", err)
	}
	return nil
}
