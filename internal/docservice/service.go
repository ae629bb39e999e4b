// Package docservice keeps one editor per open document and maps engine
// errors to service errors.
package docservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/starford/arbor/internal/apperr"
	"github.com/starford/arbor/internal/checksum"
	"github.com/starford/arbor/internal/editor"
	"github.com/starford/arbor/internal/event"
	"github.com/starford/arbor/internal/history"
	"github.com/starford/arbor/internal/journal"
	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/plugins"
	"github.com/starford/arbor/internal/schemaload"
	"github.com/starford/arbor/internal/state"
	"github.com/starford/arbor/internal/step"
	"github.com/starford/arbor/internal/storage"
)

// Config wires a Service.
type Config struct {
	Registry *schemaload.Registry
	// Schemas stores schema files written through PutSchema. Optional.
	Schemas storage.Provider
	// Journal reopens documents that are not in memory. Optional.
	Journal journal.Store
	Bus     *event.Bus
	// Plugins builds the plugin set of a new document.
	Plugins func(schema *model.Schema) []state.Plugin
	// Catalog resolves plugin names for RegisterPlugin. Nil disables it.
	Catalog func(name string) (state.Plugin, error)
	// Middleware wraps every Apply of every document.
	Middleware []editor.Middleware

	HistoryDepth    int
	MaxAppendRounds int
	HookTimeout     time.Duration
	QueueSize       int
	Logger          *slog.Logger
}

type document struct {
	editor   *editor.Editor
	readOnly *atomic.Bool
}

// Service coordinates editors, the schema registry and the journal.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	docs  map[string]*document
	group singleflight.Group
}

// NewService creates a new document service.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Registry == nil {
		cfg.Registry = schemaload.NewRegistry()
	}
	return &Service{cfg: cfg, logger: cfg.Logger, docs: make(map[string]*document)}
}

// Registry returns the schema registry.
func (s *Service) Registry() *schemaload.Registry { return s.cfg.Registry }

// Create opens a new document of the named schema. A nil initial tree
// starts from an empty root. An empty id gets a fresh one.
func (s *Service) Create(ctx context.Context, id, schemaName string, initial json.RawMessage) (*Detail, error) {
	schema, ok := s.cfg.Registry.Get(schemaName)
	if !ok {
		return nil, fmt.Errorf("%w: schema %q", apperr.ErrNotFound, schemaName)
	}
	if id == "" {
		id = uuid.NewString()
	}
	if s.exists(id) {
		return nil, fmt.Errorf("%w: document %s", apperr.ErrAlreadyExists, id)
	}

	var tree *model.Tree
	if len(initial) > 0 && string(initial) != "null" {
		t, err := model.UnmarshalTree(initial)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
		}
		tree = t
	}
	doc, err := s.open(ctx, id, schema, tree)
	if err != nil {
		return nil, mapErr(err)
	}
	return newDetail(id, doc.editor.State(), doc.editor, doc.readOnly.Load())
}

func (s *Service) exists(id string) bool {
	s.mu.RLock()
	_, ok := s.docs[id]
	s.mu.RUnlock()
	if ok {
		return true
	}
	if s.cfg.Journal == nil {
		return false
	}
	_, err := s.cfg.Journal.Document(id)
	return err == nil
}

func (s *Service) open(ctx context.Context, id string, schema *model.Schema, tree *model.Tree) (*document, error) {
	var ps []state.Plugin
	if s.cfg.Plugins != nil {
		ps = s.cfg.Plugins(schema)
	}
	lock := &atomic.Bool{}
	res := state.NewResources()
	res.Set(plugins.ReadOnlyKey, lock)

	st, err := state.New(ctx, state.Config{
		Schema:          schema,
		Doc:             tree,
		Plugins:         ps,
		Resources:       res,
		MaxAppendRounds: s.cfg.MaxAppendRounds,
		HookTimeout:     s.cfg.HookTimeout,
		Logger:          s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.docs[id]; dup {
		return nil, fmt.Errorf("%w: document %s", apperr.ErrAlreadyExists, id)
	}
	ed, err := editor.New(editor.Config{
		ID:         id,
		State:      st,
		History:    history.New(s.cfg.HistoryDepth),
		Bus:        s.cfg.Bus,
		QueueSize:  s.cfg.QueueSize,
		Middleware: s.cfg.Middleware,
		Logger:     s.logger,
	})
	if err != nil {
		return nil, err
	}
	doc := &document{editor: ed, readOnly: lock}
	s.docs[id] = doc
	s.logger.Info("docservice: opened", slog.String("doc_id", id), slog.String("schema", schema.Name()))
	return doc, nil
}

// get returns the open document or reloads it from the journal. Concurrent
// loads of one id share a single replay.
func (s *Service) get(ctx context.Context, id string) (*document, error) {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()
	if ok {
		return doc, nil
	}
	if s.cfg.Journal == nil {
		return nil, fmt.Errorf("%w: document %s", apperr.ErrNotFound, id)
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		s.mu.RLock()
		doc, ok := s.docs[id]
		s.mu.RUnlock()
		if ok {
			return doc, nil
		}
		row, err := s.cfg.Journal.Document(id)
		if err != nil {
			if errors.Is(err, journal.ErrNotFound) {
				return nil, fmt.Errorf("%w: document %s", apperr.ErrNotFound, id)
			}
			return nil, err
		}
		schema, ok := s.cfg.Registry.Get(row.Schema)
		if !ok {
			return nil, fmt.Errorf("%w: schema %q of document %s", apperr.ErrUnavailable, row.Schema, id)
		}
		tree, rev, err := s.cfg.Journal.Replay(id, schema)
		if err != nil {
			return nil, err
		}
		s.logger.Info("docservice: replayed", slog.String("doc_id", id), slog.Int64("revision", rev))
		return s.open(ctx, id, schema, tree)
	})
	if err != nil {
		return nil, err
	}
	return v.(*document), nil
}

// Get returns a document snapshot.
func (s *Service) Get(ctx context.Context, id string) (*Detail, error) {
	doc, err := s.get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return newDetail(id, doc.editor.State(), doc.editor, doc.readOnly.Load())
}

// List returns the open documents sorted by id.
func (s *Service) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	out := make([]Summary, 0, len(s.docs))
	for id, d := range s.docs {
		out = append(out, newSummary(id, d.editor.State(), d.readOnly.Load()))
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Summary) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out, nil
}

// historyMeta lists reserved keys only the engine may set. Clients may still
// send add_to_history.
var historyMeta = []string{state.MetaIsUndo, state.MetaIsRedo, state.MetaJump, state.MetaAppendedFrom}

// Apply decodes req and applies it as one transaction built on the state
// current when the editor runs it.
func (s *Service) Apply(ctx context.Context, id string, req ApplyRequest) (*ApplyResult, error) {
	steps, err := step.DecodeList(req.Steps)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("%w: no steps", apperr.ErrInvalid)
	}
	for k := range req.Meta {
		if slices.Contains(historyMeta, k) {
			return nil, fmt.Errorf("%w: meta key %q is set by the engine", apperr.ErrInvalid, k)
		}
	}
	steps = AssignIDs(steps)

	doc, err := s.get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	res, err := doc.editor.Command(ctx, func(st *state.State) (*state.Transaction, error) {
		if req.IfMatch != "" {
			sum, err := checksum.JSON(st.Tree())
			if err != nil {
				return nil, err
			}
			if sum != req.IfMatch {
				return nil, apperr.ErrConflict
			}
		}
		tr := st.Tr()
		for k, v := range req.Meta {
			tr.SetMeta(k, v)
		}
		for i, stp := range steps {
			if err := tr.Step(stp); err != nil {
				return nil, fmt.Errorf("step %d: %w", i, err)
			}
		}
		return tr, nil
	})
	if err != nil {
		return nil, mapErr(err)
	}
	return newApplyResult(id, doc, res)
}

// RegisterPlugin adds the named plugin to a running document. The change
// lasts until the document is closed; reopening uses the configured set.
func (s *Service) RegisterPlugin(ctx context.Context, id, name string) (*Detail, error) {
	if s.cfg.Catalog == nil {
		return nil, fmt.Errorf("%w: plugin registration disabled", apperr.ErrUnavailable)
	}
	p, err := s.cfg.Catalog(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrNotFound, err)
	}
	doc, err := s.get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	st, err := doc.editor.RegisterPlugin(ctx, p)
	if err != nil {
		return nil, mapErr(err)
	}
	return newDetail(id, st, doc.editor, doc.readOnly.Load())
}

// UnregisterPlugin removes a plugin from a running document.
func (s *Service) UnregisterPlugin(ctx context.Context, id, name string) (*Detail, error) {
	doc, err := s.get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	st, err := doc.editor.UnregisterPlugin(ctx, name)
	if err != nil {
		return nil, mapErr(err)
	}
	return newDetail(id, st, doc.editor, doc.readOnly.Load())
}

// Undo reverts the newest history entry of a document.
func (s *Service) Undo(ctx context.Context, id string) (*ApplyResult, error) {
	return s.historyOp(ctx, id, func(e *editor.Editor) (*state.Result, error) { return e.Undo(ctx) })
}

// Redo reapplies the newest undone entry of a document.
func (s *Service) Redo(ctx context.Context, id string) (*ApplyResult, error) {
	return s.historyOp(ctx, id, func(e *editor.Editor) (*state.Result, error) { return e.Redo(ctx) })
}

// Jump moves n entries through the history of a document.
func (s *Service) Jump(ctx context.Context, id string, n int) (*ApplyResult, error) {
	if n == 0 {
		return nil, fmt.Errorf("%w: jump distance must not be zero", apperr.ErrInvalid)
	}
	return s.historyOp(ctx, id, func(e *editor.Editor) (*state.Result, error) { return e.Jump(ctx, n) })
}

func (s *Service) historyOp(ctx context.Context, id string, op func(*editor.Editor) (*state.Result, error)) (*ApplyResult, error) {
	doc, err := s.get(ctx, id)
	if err != nil {
		return nil, mapErr(err)
	}
	res, err := op(doc.editor)
	if err != nil {
		return nil, mapErr(err)
	}
	return newApplyResult(id, doc, res)
}

// ClearHistory empties the undo and redo stacks of a document.
func (s *Service) ClearHistory(ctx context.Context, id string) error {
	doc, err := s.get(ctx, id)
	if err != nil {
		return mapErr(err)
	}
	return mapErr(doc.editor.ClearHistory(ctx))
}

// SetReadOnly toggles the readonly lock of a document. It only has an
// effect when the readonly plugin is enabled.
func (s *Service) SetReadOnly(ctx context.Context, id string, on bool) error {
	doc, err := s.get(ctx, id)
	if err != nil {
		return mapErr(err)
	}
	doc.readOnly.Store(on)
	return nil
}

// Close stops the editor of a document. Its journal is kept.
func (s *Service) Close(_ context.Context, id string) error {
	s.mu.Lock()
	doc, ok := s.docs[id]
	delete(s.docs, id)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: document %s", apperr.ErrNotFound, id)
	}
	doc.editor.Close()
	s.logger.Info("docservice: closed", slog.String("doc_id", id))
	return nil
}

// Shutdown closes every open editor.
func (s *Service) Shutdown() {
	s.mu.Lock()
	docs := s.docs
	s.docs = make(map[string]*document)
	s.mu.Unlock()
	for _, d := range docs {
		d.editor.Close()
	}
}

// Transactions returns the journaled transactions of a document.
func (s *Service) Transactions(_ context.Context, id string) ([]TransactionItem, error) {
	if s.cfg.Journal == nil {
		return nil, fmt.Errorf("%w: journal disabled", apperr.ErrUnavailable)
	}
	if _, err := s.cfg.Journal.Document(id); err != nil {
		if errors.Is(err, journal.ErrNotFound) {
			return nil, fmt.Errorf("%w: document %s", apperr.ErrNotFound, id)
		}
		return nil, err
	}
	rows, err := s.cfg.Journal.Transactions(id)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionItem, len(rows))
	for i, r := range rows {
		out[i] = TransactionItem{
			Revision:  r.Revision,
			Seq:       r.Seq,
			ID:        r.TxID,
			Kind:      r.Kind,
			Payload:   json.RawMessage(r.Payload),
			CreatedAt: r.CreatedAt,
		}
	}
	return out, nil
}

// Search delegates node text search to the journal.
func (s *Service) Search(_ context.Context, query string, limit int) ([]journal.SearchResult, error) {
	if s.cfg.Journal == nil {
		return nil, fmt.Errorf("%w: journal disabled", apperr.ErrUnavailable)
	}
	res, err := s.cfg.Journal.Search(query, limit)
	if err != nil {
		return nil, err
	}
	return nonNilSlice(res), nil
}

// Schemas lists the registered schemas.
func (s *Service) Schemas(_ context.Context) []schemaload.Entry {
	return s.cfg.Registry.Entries()
}

// Schema returns the spec of a registered schema.
func (s *Service) Schema(_ context.Context, name string) (model.SchemaSpec, error) {
	sc, ok := s.cfg.Registry.Get(name)
	if !ok {
		return model.SchemaSpec{}, fmt.Errorf("%w: schema %q", apperr.ErrNotFound, name)
	}
	return sc.Spec(), nil
}

// PutSchema validates spec, writes it as <name>.yaml and registers it.
// Open documents keep the schema they were created with.
func (s *Service) PutSchema(_ context.Context, spec model.SchemaSpec) (*schemaload.Entry, error) {
	if s.cfg.Schemas == nil {
		return nil, fmt.Errorf("%w: schema directory not configured", apperr.ErrUnavailable)
	}
	if _, err := model.NewSchema(spec); err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
	}
	data, err := schemaload.Marshal(spec)
	if err != nil {
		return nil, err
	}
	file := spec.Name + ".yaml"
	if err := s.cfg.Schemas.Write(file, data); err != nil {
		return nil, err
	}
	e, err := s.cfg.Registry.Load(file, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrConflict, err)
	}
	return &e, nil
}

// AssignIDs gives a fresh id to every node of an add_node step that has none.
// The filled steps are what gets journaled, so replays stay deterministic.
func AssignIDs(steps []step.Step) []step.Step {
	out := make([]step.Step, len(steps))
	for i, st := range steps {
		switch v := st.(type) {
		case step.AddNode:
			subs := make([]*model.Subtree, len(v.Nodes))
			for j, sub := range v.Nodes {
				subs[j] = fillIDs(sub)
			}
			v.Nodes = subs
			out[i] = v
		case step.Batch:
			v.Steps = AssignIDs(v.Steps)
			out[i] = v
		default:
			out[i] = st
		}
	}
	return out
}

func fillIDs(sub *model.Subtree) *model.Subtree {
	if sub == nil || sub.Node == nil {
		return sub
	}
	n := sub.Node
	if n.ID == "" {
		n = n.Clone()
		n.ID = uuid.NewString()
	}
	out := &model.Subtree{Node: n, Children: make([]*model.Subtree, len(sub.Children))}
	for i, c := range sub.Children {
		out.Children[i] = fillIDs(c)
	}
	return out
}

// mapErr wraps engine errors with the matching service sentinel.
func mapErr(err error) error {
	var timeout *state.PluginTimeoutError
	var mw *editor.MiddlewareError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrConflict),
		errors.Is(err, apperr.ErrInvalid), errors.Is(err, apperr.ErrAlreadyExists),
		errors.Is(err, apperr.ErrUnavailable):
		return err
	case errors.Is(err, editor.ErrClosed), errors.As(err, &timeout),
		errors.As(err, &mw) && errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", apperr.ErrUnavailable, err)
	case errors.Is(err, editor.ErrUnknownPlugin):
		return fmt.Errorf("%w: %w", apperr.ErrNotFound, err)
	case errors.Is(err, state.ErrPluginConfig), errors.As(err, &mw) && mw.Phase == editor.PhaseBefore:
		return fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
	case errors.Is(err, model.ErrSchemaValidation), errors.Is(err, model.ErrNodeNotFound),
		errors.Is(err, model.ErrNotChild), errors.Is(err, model.ErrCycle),
		errors.Is(err, model.ErrRootImmutable), errors.Is(err, model.ErrDuplicateID),
		errors.Is(err, model.ErrIndexOutOfRange), errors.Is(err, step.ErrUnknownKind):
		return fmt.Errorf("%w: %w", apperr.ErrInvalid, err)
	}
	return err
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
