package model

import (
	"errors"
	"fmt"
)

// Validation errors
var (
	// ErrSchemaValidation matches every *SchemaValidationError.
	ErrSchemaValidation = errors.New("schema validation failed")

	// ErrInvalidSchema indicates a malformed schema spec or content expression.
	ErrInvalidSchema = errors.New("invalid schema")
)

// Structural errors
var (
	// ErrNodeNotFound matches every *NodeNotFoundError.
	ErrNodeNotFound = errors.New("node not found")

	// ErrDuplicateID indicates an inserted node reuses an id already in the tree.
	ErrDuplicateID = errors.New("duplicate node id")

	// ErrNotChild indicates a node is not a direct child of the named parent.
	ErrNotChild = errors.New("node is not a child of parent")

	// ErrIndexOutOfRange indicates an insertion index outside the child list.
	ErrIndexOutOfRange = errors.New("index out of range")

	// ErrCycle indicates a move of a node into its own subtree.
	ErrCycle = errors.New("node cannot move into its own subtree")

	// ErrRootImmutable indicates an attempt to detach the root node.
	ErrRootImmutable = errors.New("root node cannot be removed or moved")
)

// SchemaValidationError reports a content, attribute or mark rule violation.
type SchemaValidationError struct {
	// NodeType is the parent (for content) or the node (for attrs and marks).
	NodeType string
	// Type is the offending child, attribute or mark type.
	Type string
	// Position is the offending child index, or -1 when not applicable.
	Position int
	Reason   string
}

func (e *SchemaValidationError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("schema: %s: %s %q at position %d", e.NodeType, e.Reason, e.Type, e.Position)
	}
	if e.Type != "" {
		return fmt.Sprintf("schema: %s: %s %q", e.NodeType, e.Reason, e.Type)
	}
	return fmt.Sprintf("schema: %s: %s", e.NodeType, e.Reason)
}

// Is makes errors.Is(err, ErrSchemaValidation) succeed.
func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

// NodeNotFoundError reports a referenced id absent from the tree.
type NodeNotFoundError struct {
	ID string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %q not found", e.ID)
}

// Is makes errors.Is(err, ErrNodeNotFound) succeed.
func (e *NodeNotFoundError) Is(target error) bool {
	return target == ErrNodeNotFound
}
