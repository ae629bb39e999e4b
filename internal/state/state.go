// Package state holds immutable document snapshots and the pipeline that
// moves from one snapshot to the next.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/starford/arbor/internal/model"
)

// Defaults for Config.
const (
	DefaultMaxAppendRounds = 16
	DefaultHookTimeout     = 5 * time.Second
)

// Config describes a new document state.
type Config struct {
	Schema *model.Schema
	// Doc is the initial tree. Nil creates a root of the schema's top type
	// that must accept empty content.
	Doc       *model.Tree
	Plugins   []Plugin
	Resources *Resources
	// MaxAppendRounds bounds the append loop. Zero means the default.
	MaxAppendRounds int
	// HookTimeout bounds each plugin hook call. Zero means the default,
	// negative disables the timeout.
	HookTimeout time.Duration
	Logger      *slog.Logger
}

// env is shared by every state of one lineage.
type env struct {
	schema          *model.Schema
	plugins         []*Plugin
	resources       *Resources
	maxAppendRounds int
	hookTimeout     time.Duration
	logger          *slog.Logger
}

// State is an immutable document snapshot. It is safe for concurrent reads.
type State struct {
	env     *env
	tree    *model.Tree
	fields  map[string]any
	version uint64
}

// New validates cfg and builds the initial state, running every plugin's
// state initializer.
func New(ctx context.Context, cfg Config) (*State, error) {
	if cfg.Schema == nil {
		return nil, fmt.Errorf("state: schema is required")
	}
	plugins, err := sortPlugins(cfg.Plugins)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	e := &env{
		schema:          cfg.Schema,
		plugins:         plugins,
		resources:       cfg.Resources,
		maxAppendRounds: cfg.MaxAppendRounds,
		hookTimeout:     cfg.HookTimeout,
		logger:          cfg.Logger,
	}
	if e.resources == nil {
		e.resources = NewResources()
	}
	if e.maxAppendRounds <= 0 {
		e.maxAppendRounds = DefaultMaxAppendRounds
	}
	if e.hookTimeout == 0 {
		e.hookTimeout = DefaultHookTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}

	doc := cfg.Doc
	if doc == nil {
		doc, err = model.NewTree(model.Leaf(model.NewNode(cfg.Schema.Top(), nil, "")))
		if err != nil {
			return nil, fmt.Errorf("state: %w", err)
		}
	}
	if doc, err = normalize(doc, cfg.Schema); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	if err := doc.Validate(cfg.Schema); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}

	st := &State{env: e, tree: doc, fields: map[string]any{}}
	if err := st.initFields(ctx, e.plugins, nil); err != nil {
		return nil, err
	}
	return st, nil
}

// normalize fills declared attribute defaults into every node so inverses
// restore exactly what they removed.
func normalize(t *model.Tree, s *model.Schema) (*model.Tree, error) {
	var changed []*model.Node
	var err error
	t.Walk(func(n *model.Node, _ int) bool {
		if err != nil {
			return false
		}
		var attrs model.Attrs
		if attrs, err = s.ComputeAttrs(n.Type, n.Attrs); err != nil {
			return false
		}
		if !attrs.Equal(n.Attrs) {
			c := n.Clone()
			c.Attrs = attrs
			changed = append(changed, c)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	for _, n := range changed {
		if t, err = t.Replace(n); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// initFields computes fields for plugins lacking a value in keep.
func (st *State) initFields(ctx context.Context, plugins []*Plugin, keep map[string]any) error {
	for _, p := range plugins {
		if p.State == nil {
			continue
		}
		if v, ok := keep[p.Key]; ok {
			st.fields[p.Key] = v
			continue
		}
		if p.State.Init == nil {
			st.fields[p.Key] = nil
			continue
		}
		v, err := runHook(ctx, st.env, StageInit, p.Key, func(ctx context.Context) (any, error) {
			return p.State.Init(ctx, st)
		})
		if err != nil {
			return err
		}
		st.fields[p.Key] = v
	}
	return nil
}

// Reconfigure builds a state with a new plugin set over the same tree and
// version. Fields of plugins present in both sets are kept.
func (st *State) Reconfigure(ctx context.Context, plugins []Plugin) (*State, error) {
	sorted, err := sortPlugins(plugins)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	e := *st.env
	e.plugins = sorted
	next := &State{env: &e, tree: st.tree, fields: map[string]any{}, version: st.version}
	if err := next.initFields(ctx, sorted, st.fields); err != nil {
		return nil, err
	}
	return next, nil
}

// Tree returns the document tree.
func (st *State) Tree() *model.Tree { return st.tree }

// Schema returns the document schema.
func (st *State) Schema() *model.Schema { return st.env.schema }

// Version counts committed applies since creation.
func (st *State) Version() uint64 { return st.version }

// Resources returns the shared resource registry.
func (st *State) Resources() *Resources { return st.env.resources }

// Logger returns the logger of the lineage.
func (st *State) Logger() *slog.Logger { return st.env.logger }

// PluginKeys returns enabled plugin keys in execution order.
func (st *State) PluginKeys() []string {
	keys := make([]string, 0, len(st.env.plugins))
	for _, p := range st.env.plugins {
		keys = append(keys, p.Key)
	}
	return keys
}

// Plugins returns the enabled plugins in execution order.
func (st *State) Plugins() []Plugin {
	out := make([]Plugin, len(st.env.plugins))
	for i, p := range st.env.plugins {
		out[i] = *p
	}
	return out
}

// HookTimeout returns the bound applied to each plugin hook call.
func (st *State) HookTimeout() time.Duration { return st.env.hookTimeout }

// Field returns the raw state value of a plugin.
func (st *State) Field(key string) (any, bool) {
	v, ok := st.fields[key]
	return v, ok
}

// Fields returns a copy of all plugin state values.
func (st *State) Fields() map[string]any {
	return maps.Clone(st.fields)
}

// PluginState returns the state value of a plugin when it holds a T.
func PluginState[T any](st *State, key string) (T, bool) {
	v, ok := st.fields[key].(T)
	return v, ok
}

// EncodeField serializes a plugin's state with its codec.
func (st *State) EncodeField(key string) ([]byte, error) {
	for _, p := range st.env.plugins {
		if p.Key != key || p.State == nil {
			continue
		}
		if p.State.Codec == nil {
			return nil, fmt.Errorf("state: plugin %q has no codec", key)
		}
		return p.State.Codec.Encode(st.fields[key])
	}
	return nil, fmt.Errorf("state: plugin %q has no state", key)
}

// Tr starts a transaction on the current tree.
func (st *State) Tr() *Transaction {
	return NewTransaction(st.tree, st.env.schema)
}
