package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/docservice"
)

// Handler holds API route handlers.
type Handler struct {
	svc *docservice.Service
}

// NewHandler creates a new Handler.
func NewHandler(svc *docservice.Service) *Handler {
	return &Handler{svc: svc}
}

// writeError maps service errors to status codes. Unknown errors are
// logged and hidden behind a generic message.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(codeNotFound, err.Error()))
	case errors.Is(err, apperr.ErrAlreadyExists):
		writeJSON(w, http.StatusConflict, errorBody(codeExists, err.Error()))
	case errors.Is(err, apperr.ErrConflict):
		writeJSON(w, http.StatusPreconditionFailed, errorBody(codeMismatch, "checksum mismatch"))
	case errors.Is(err, apperr.ErrInvalid):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody(codeInvalid, err.Error()))
	case errors.Is(err, apperr.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody(codeUnavailable, err.Error()))
	default:
		slog.Error(op+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody(codeInternal, "internal error"))
	}
}

func writeDocument(w http.ResponseWriter, status int, d *docservice.Detail) {
	w.Header().Set("ETag", strconv.Quote(d.Checksum))
	writeJSON(w, status, d)
}

func writeResult(w http.ResponseWriter, res *docservice.ApplyResult) {
	w.Header().Set("ETag", strconv.Quote(res.Document.Checksum))
	writeJSON(w, http.StatusOK, res)
}

// ListDocuments handles GET /documents.
//
//	@Summary		List open documents
//	@Tags			documents
//	@Produce		json
//	@Success		200	{object}	DocumentListResponse
//	@Security		BearerAuth
//	@Router			/documents [get]
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.svc.List(r.Context())
	if err != nil {
		writeError(w, "list documents", err)
		return
	}
	writeJSON(w, http.StatusOK, DocumentListResponse{Documents: docs})
}

// CreateDocument handles POST /documents.
//
//	@Summary		Create a document from a registered schema
//	@Tags			documents
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CreateDocumentRequest	true	"Document to create"
//	@Success		201		{object}	DocumentDetail
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Failure		409		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents [post]
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(codeBadRequest, err.Error()))
		return
	}
	d, err := h.svc.Create(r.Context(), req.ID, req.Schema, req.Doc)
	if err != nil {
		writeError(w, "create document", err)
		return
	}
	writeDocument(w, http.StatusCreated, d)
}

// GetDocument handles GET /documents/{id}.
//
//	@Summary		Get a document snapshot
//	@Tags			documents
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	DocumentDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [get]
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "get document", err)
		return
	}
	if match := strings.Trim(r.Header.Get("If-None-Match"), `"`); match != "" && match == d.Checksum {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeDocument(w, http.StatusOK, d)
}

// CloseDocument handles DELETE /documents/{id}.
//
//	@Summary		Close a document; its journal is kept
//	@Tags			documents
//	@Param			id	path	string	true	"Document id"
//	@Success		204	"Document closed"
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id} [delete]
func (h *Handler) CloseDocument(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "close document", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Apply handles POST /documents/{id}/transactions.
//
//	@Summary		Apply a transaction
//	@Tags			transactions
//	@Accept			json
//	@Produce		json
//	@Param			id			path		string			true	"Document id"
//	@Param			If-Match	header		string			false	"Document checksum for optimistic concurrency"
//	@Param			body		body		ApplyRequest	true	"Steps and metadata"
//	@Success		200			{object}	ApplyResponse
//	@Failure		400			{object}	errResponse
//	@Failure		412			{object}	errResponse
//	@Failure		422			{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/transactions [post]
func (h *Handler) Apply(w http.ResponseWriter, r *http.Request) {
	var req ApplyRequest
	if !decode(w, r, &req) {
		return
	}
	if err := validateApply(req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(codeBadRequest, err.Error()))
		return
	}
	if match := strings.Trim(r.Header.Get("If-Match"), `"`); match != "" {
		req.IfMatch = match
	}
	res, err := h.svc.Apply(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, "apply", err)
		return
	}
	writeResult(w, res)
}

// Transactions handles GET /documents/{id}/transactions.
//
//	@Summary		List the journaled transactions of a document
//	@Tags			transactions
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	TransactionListResponse
//	@Failure		404	{object}	errResponse
//	@Failure		503	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/transactions [get]
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	items, err := h.svc.Transactions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionListResponse{Transactions: items})
}

// Undo handles POST /documents/{id}/undo.
//
//	@Summary		Undo the latest change
//	@Tags			history
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	ApplyResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/undo [post]
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Undo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "undo", err)
		return
	}
	writeResult(w, res)
}

// Redo handles POST /documents/{id}/redo.
//
//	@Summary		Redo the latest undone change
//	@Tags			history
//	@Produce		json
//	@Param			id	path		string	true	"Document id"
//	@Success		200	{object}	ApplyResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/redo [post]
func (h *Handler) Redo(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Redo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, "redo", err)
		return
	}
	writeResult(w, res)
}

// Jump handles POST /documents/{id}/jump.
//
//	@Summary		Move several steps through history at once
//	@Tags			history
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string		true	"Document id"
//	@Param			body	body		JumpRequest	true	"Negative n undoes, positive redoes"
//	@Success		200		{object}	ApplyResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/jump [post]
func (h *Handler) Jump(w http.ResponseWriter, r *http.Request) {
	var req JumpRequest
	if !decode(w, r, &req) {
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(codeBadRequest, err.Error()))
		return
	}
	res, err := h.svc.Jump(r.Context(), chi.URLParam(r, "id"), req.N)
	if err != nil {
		writeError(w, "jump", err)
		return
	}
	writeResult(w, res)
}

// ClearHistory handles DELETE /documents/{id}/history.
//
//	@Summary		Clear undo and redo history
//	@Tags			history
//	@Param			id	path	string	true	"Document id"
//	@Success		204	"History cleared"
//	@Security		BearerAuth
//	@Router			/documents/{id}/history [delete]
func (h *Handler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.ClearHistory(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, "clear history", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// SetReadOnly handles PUT /documents/{id}/readonly.
//
//	@Summary		Lock or unlock a document
//	@Tags			documents
//	@Accept			json
//	@Param			id		path	string			true	"Document id"
//	@Param			body	body	ReadOnlyRequest	true	"Lock state"
//	@Success		204		"Updated"
//	@Security		BearerAuth
//	@Router			/documents/{id}/readonly [put]
func (h *Handler) SetReadOnly(w http.ResponseWriter, r *http.Request) {
	var req ReadOnlyRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.SetReadOnly(r.Context(), chi.URLParam(r, "id"), req.ReadOnly); err != nil {
		writeError(w, "set readonly", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegisterPlugin handles PUT /documents/{id}/plugins/{name}.
//
//	@Summary		Enable a stock plugin on an open document
//	@Tags			documents
//	@Produce		json
//	@Param			id		path		string	true	"Document id"
//	@Param			name	path		string	true	"Plugin key"
//	@Success		200		{object}	DocumentDetail
//	@Failure		404		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/plugins/{name} [put]
func (h *Handler) RegisterPlugin(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.RegisterPlugin(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "register plugin", err)
		return
	}
	writeDocument(w, http.StatusOK, d)
}

// UnregisterPlugin handles DELETE /documents/{id}/plugins/{name}.
//
//	@Summary		Disable a plugin on an open document
//	@Tags			documents
//	@Produce		json
//	@Param			id		path		string	true	"Document id"
//	@Param			name	path		string	true	"Plugin key"
//	@Success		200		{object}	DocumentDetail
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/documents/{id}/plugins/{name} [delete]
func (h *Handler) UnregisterPlugin(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.UnregisterPlugin(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "unregister plugin", err)
		return
	}
	writeDocument(w, http.StatusOK, d)
}

// Search handles GET /search.
//
//	@Summary		Search node text across documents
//	@Tags			search
//	@Produce		json
//	@Param			q		query		string	true	"Search query"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	SearchResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeJSON(w, http.StatusBadRequest, errorBody(codeBadRequest, "query parameter 'q' is required"))
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	results, err := h.svc.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// ListSchemas handles GET /schemas.
//
//	@Summary		List registered schemas
//	@Tags			schemas
//	@Produce		json
//	@Success		200	{object}	SchemaListResponse
//	@Security		BearerAuth
//	@Router			/schemas [get]
func (h *Handler) ListSchemas(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SchemaListResponse{Schemas: h.svc.Schemas(r.Context())})
}

// GetSchema handles GET /schemas/{name}.
//
//	@Summary		Get a schema spec
//	@Tags			schemas
//	@Produce		json
//	@Param			name	path		string	true	"Schema name"
//	@Success		200		{object}	SchemaSpec
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/schemas/{name} [get]
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	spec, err := h.svc.Schema(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, "get schema", err)
		return
	}
	writeJSON(w, http.StatusOK, spec)
}

// PutSchema handles PUT /schemas/{name}.
//
//	@Summary		Create or replace a schema file
//	@Tags			schemas
//	@Accept			json
//	@Produce		json
//	@Param			name	path		string		true	"Schema name"
//	@Param			body	body		SchemaSpec	true	"Schema spec"
//	@Success		200		{object}	schemaload.Entry
//	@Failure		400		{object}	errResponse
//	@Failure		422		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/schemas/{name} [put]
func (h *Handler) PutSchema(w http.ResponseWriter, r *http.Request) {
	var spec SchemaSpec
	if !decode(w, r, &spec) {
		return
	}
	name := chi.URLParam(r, "name")
	if spec.Name == "" {
		spec.Name = name
	}
	if spec.Name != name || !idPattern.MatchString(name) {
		writeJSON(w, http.StatusBadRequest, errorBody(codeBadRequest, "schema name must match the path"))
		return
	}
	e, err := h.svc.PutSchema(r.Context(), spec)
	if err != nil {
		writeError(w, "put schema", err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}
