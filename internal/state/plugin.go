package state

import (
	"context"
	"fmt"
	"slices"
)

// FilterFunc decides whether a transaction may proceed. Returning false
// vetoes it.
type FilterFunc func(ctx context.Context, tr *Transaction, st *State) (bool, error)

// AppendFunc may return one more transaction after seeing the transactions
// applied since its last call. old is the state before those transactions,
// next the state after them. Returning nil appends nothing.
type AppendFunc func(ctx context.Context, trs []*Transaction, old, next *State) (*Transaction, error)

// StateField is per-plugin state carried by every State.
type StateField struct {
	// Init computes the initial value for a new state.
	Init func(ctx context.Context, st *State) (any, error)
	// Apply derives the next value. next is the state under construction;
	// fields of plugins ordered after this one still hold their old values.
	Apply func(ctx context.Context, tr *Transaction, value any, old, next *State) (any, error)
	// Codec serializes the value. Optional.
	Codec FieldCodec
}

// FieldCodec serializes a plugin's state value.
type FieldCodec interface {
	Encode(value any) ([]byte, error)
	Decode(data []byte) (any, error)
}

// Plugin participates in the apply pipeline.
type Plugin struct {
	Key string
	// Priority orders plugins ascending; ties keep registration order.
	Priority     int
	Dependencies []string
	Conflicts    []string
	Disabled     bool

	Filter FilterFunc
	Append AppendFunc
	State  *StateField
}

// sortPlugins validates plugins and returns the enabled ones in execution
// order.
func sortPlugins(plugins []Plugin) ([]*Plugin, error) {
	byKey := make(map[string]*Plugin, len(plugins))
	out := make([]*Plugin, 0, len(plugins))
	for i := range plugins {
		p := &plugins[i]
		if p.Key == "" {
			return nil, fmt.Errorf("%w: plugin %d has no key", ErrPluginConfig, i)
		}
		if _, dup := byKey[p.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate plugin key %q", ErrPluginConfig, p.Key)
		}
		byKey[p.Key] = p
		if !p.Disabled {
			out = append(out, p)
		}
	}

	for _, p := range out {
		for _, dep := range p.Dependencies {
			d, ok := byKey[dep]
			if !ok || d.Disabled {
				return nil, fmt.Errorf("%w: plugin %q depends on missing plugin %q", ErrPluginConfig, p.Key, dep)
			}
		}
		for _, c := range p.Conflicts {
			if d, ok := byKey[c]; ok && !d.Disabled {
				return nil, fmt.Errorf("%w: plugin %q conflicts with %q", ErrPluginConfig, p.Key, c)
			}
		}
	}
	if cycle := findCycle(out, byKey); cycle != nil {
		return nil, fmt.Errorf("%w: dependency cycle %v", ErrPluginConfig, cycle)
	}

	slices.SortStableFunc(out, func(a, b *Plugin) int { return a.Priority - b.Priority })
	return out, nil
}

func findCycle(plugins []*Plugin, byKey map[string]*Plugin) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	mark := map[string]int{}
	var path []string
	var visit func(key string) []string
	visit = func(key string) []string {
		switch mark[key] {
		case visiting:
			i := slices.Index(path, key)
			return append(slices.Clone(path[i:]), key)
		case done:
			return nil
		}
		mark[key] = visiting
		path = append(path, key)
		for _, dep := range byKey[key].Dependencies {
			if c := visit(dep); c != nil {
				return c
			}
		}
		path = path[:len(path)-1]
		mark[key] = done
		return nil
	}
	for _, p := range plugins {
		if c := visit(p.Key); c != nil {
			return c
		}
	}
	return nil
}
