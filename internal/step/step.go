// Package step implements atomic, schema-checked and invertible tree edits.
package step

import (
	"errors"

	"github.com/starford/arbor/internal/model"
)

// Step kinds used as type tags in the serialized form.
const (
	KindAddNode    = "add_node"
	KindRemoveNode = "remove_node"
	KindMoveNode   = "move_node"
	KindSetAttr    = "set_attr"
	KindAddMark    = "add_mark"
	KindRemoveMark = "remove_mark"
	KindBatch      = "batch"
)

// ErrUnknownKind is returned when decoding a step whose type tag has no
// registered factory.
var ErrUnknownKind = errors.New("unknown step kind")

// Step is an atomic edit of a tree.
//
// Apply never modifies its input; on error the returned tree is nil.
// Invert must be called with the tree the step is about to be applied to and
// returns a step that takes the result back to that tree.
type Step interface {
	Kind() string
	Apply(t *model.Tree, s *model.Schema) (*model.Tree, error)
	Invert(before *model.Tree, s *model.Schema) (Step, error)
}

// structural steps can defer content checks so a Batch validates once at its
// end. The returned ids are the nodes whose child lists changed.
type structural interface {
	applyStructure(t *model.Tree, s *model.Schema) (*model.Tree, []string, error)
}

func applyDeferred(st Step, t *model.Tree, s *model.Schema) (*model.Tree, []string, error) {
	if ss, ok := st.(structural); ok {
		return ss.applyStructure(t, s)
	}
	next, err := st.Apply(t, s)
	return next, nil, err
}

// validateContent checks the child lists of touched nodes still present in t.
func validateContent(t *model.Tree, s *model.Schema, touched []string) error {
	seen := make(map[string]bool, len(touched))
	for _, id := range touched {
		if seen[id] {
			continue
		}
		seen[id] = true
		n, ok := t.Get(id)
		if !ok {
			continue
		}
		if err := s.ValidateContent(n.Type, t.ChildTypes(n)); err != nil {
			return err
		}
	}
	return nil
}

func applyValidated(st structural, t *model.Tree, s *model.Schema) (*model.Tree, error) {
	next, touched, err := st.applyStructure(t, s)
	if err != nil {
		return nil, err
	}
	if err := validateContent(next, s, touched); err != nil {
		return nil, err
	}
	return next, nil
}

func intPtr(i int) *int { return &i }

func index(i *int) int {
	if i == nil {
		return -1
	}
	return *i
}
