// Package plugins holds the stock plugins the server can enable per document.
package plugins

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/starford/arbor/internal/model"
	"github.com/starford/arbor/internal/state"
)

// Keys of the stock plugins.
const (
	StatsKey    = "stats"
	ReadOnlyKey = "readonly"
	StampKey    = "stamp"
)

// MetaAuthor names the transaction author for Stamp.
const MetaAuthor = "author"

// JSONCodec serializes a field value of type T as JSON.
type JSONCodec[T any] struct{}

func (JSONCodec[T]) Encode(value any) ([]byte, error) {
	v, ok := value.(T)
	if !ok {
		var zero T
		return nil, fmt.Errorf("plugins: encode: got %T, want %T", value, zero)
	}
	return json.Marshal(v)
}

func (JSONCodec[T]) Decode(data []byte) (any, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Stats is the value of the stats field.
type Stats struct {
	Nodes        int `json:"nodes"`
	TextLength   int `json:"text_length"`
	Transactions int `json:"transactions"`
}

func measure(st *state.State) Stats {
	var s Stats
	st.Tree().Walk(func(n *model.Node, _ int) bool {
		s.Nodes++
		s.TextLength += len([]rune(n.Text))
		return true
	})
	return s
}

// StatsPlugin keeps node and text counts of the document.
func StatsPlugin() state.Plugin {
	return state.Plugin{
		Key: StatsKey,
		State: &state.StateField{
			Init: func(_ context.Context, st *state.State) (any, error) {
				return measure(st), nil
			},
			Apply: func(_ context.Context, _ *state.Transaction, value any, _, next *state.State) (any, error) {
				prev, _ := value.(Stats)
				s := measure(next)
				s.Transactions = prev.Transactions + 1
				return s, nil
			},
			Codec: JSONCodec[Stats]{},
		},
	}
}

// ReadOnlyPlugin vetoes every transaction while the *atomic.Bool resource
// under ReadOnlyKey is set.
func ReadOnlyPlugin() state.Plugin {
	return state.Plugin{
		Key:      ReadOnlyKey,
		Priority: -100,
		Filter: func(_ context.Context, _ *state.Transaction, st *state.State) (bool, error) {
			lock, err := state.Resource[*atomic.Bool](st.Resources(), ReadOnlyKey)
			if err != nil {
				return true, nil
			}
			return !lock.Load(), nil
		},
	}
}

// StampPlugin records the author of the latest change in attr of the root
// node. Schemas whose top type does not declare attr are left alone.
func StampPlugin(attr string) state.Plugin {
	return state.Plugin{
		Key:      StampKey,
		Priority: 100,
		Append: func(_ context.Context, trs []*state.Transaction, _, next *state.State) (*state.Transaction, error) {
			var author string
			for _, tr := range trs {
				if a, ok := state.MetaAs[string](tr, MetaAuthor); ok && a != "" {
					author = a
				}
			}
			if author == "" {
				return nil, nil
			}
			root := next.Tree().RootNode()
			if next.Schema().CheckAttrKeys(root.Type, []string{attr}) != nil || root.Attrs[attr] == author {
				return nil, nil
			}
			tr := next.Tr()
			if err := tr.SetAttrs(root.ID, model.Attrs{attr: author}); err != nil {
				return nil, err
			}
			return tr, nil
		},
	}
}

// ByName returns the stock plugins named in names.
func ByName(names []string, stampAttr string) ([]state.Plugin, error) {
	out := make([]state.Plugin, 0, len(names))
	for _, n := range names {
		switch n {
		case StatsKey:
			out = append(out, StatsPlugin())
		case ReadOnlyKey:
			out = append(out, ReadOnlyPlugin())
		case StampKey:
			out = append(out, StampPlugin(stampAttr))
		default:
			return nil, fmt.Errorf("plugins: unknown plugin %q", n)
		}
	}
	return out, nil
}
