package api

import (
	"encoding/json"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/arbor/internal/docservice"
	"github.com/starford/arbor/internal/journal"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/schemaload"
	"github.com/starford/arbor/internal/step"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// CreateDocumentRequest is the request body for creating a document.
type CreateDocumentRequest struct {
	ID     string          `json:"id,omitempty" example:"6f1c..."`
	Schema string          `json:"schema" example:"article" validate:"required"`
	Doc    json.RawMessage `json:"doc,omitempty"`
}

// Validate implements validation.Validatable.
func (r CreateDocumentRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Schema, validation.Required),
		validation.Field(&r.ID, validation.Length(1, 128), validation.Match(idPattern)),
	)
}

// ApplyRequest is the request body for applying a transaction.
type ApplyRequest = docservice.ApplyRequest

func validateApply(r ApplyRequest) error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Steps, validation.Required, validation.Each(validation.By(func(v any) error {
			env, _ := v.(step.Envelope)
			if env.Type == "" {
				return validation.NewError("validation_step_type", "step type is required")
			}
			return nil
		}))),
	)
}

// JumpRequest is the request body for a history jump.
type JumpRequest struct {
	N int `json:"n" example:"-2" validate:"required"`
}

// Validate implements validation.Validatable.
func (r JumpRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.N, validation.Required),
	)
}

// ReadOnlyRequest toggles the readonly lock of a document.
type ReadOnlyRequest struct {
	ReadOnly bool `json:"read_only"`
}

// DocumentDetail is the full document response type (aliased from the domain layer).
type DocumentDetail = docservice.Detail

// DocumentListResponse wraps the open documents.
type DocumentListResponse struct {
	Documents []docservice.Summary `json:"documents" validate:"required"`
}

// ApplyResponse is returned by apply, undo, redo and jump.
type ApplyResponse = docservice.ApplyResult

// TransactionListResponse wraps the journal of a document.
type TransactionListResponse struct {
	Transactions []docservice.TransactionItem `json:"transactions" validate:"required"`
}

// SearchResponse wraps search results.
type SearchResponse struct {
	Results []journal.SearchResult `json:"results" validate:"required"`
}

// SchemaListResponse wraps registered schemas.
type SchemaListResponse struct {
	Schemas []schemaload.Entry `json:"schemas" validate:"required"`
}

// SchemaSpec is the schema request and response body.
type SchemaSpec = model.SchemaSpec
