package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolver(groups map[string][]string) func(string) ([]string, bool) {
	return func(name string) ([]string, bool) {
		if g, ok := groups[name]; ok {
			return g, true
		}
		switch name {
		case "a", "b", "c", "fb", "qd", "other":
			return []string{name}, true
		}
		return nil, false
	}
}

func TestCompileContent_Matching(t *testing.T) {
	tests := []struct {
		expr   string
		accept [][]string
		reject [][]string
	}{
		{"", [][]string{{}}, [][]string{{"a"}}},
		{"a", [][]string{{"a"}}, [][]string{{}, {"a", "a"}, {"b"}}},
		{"a b", [][]string{{"a", "b"}}, [][]string{{"b", "a"}, {"a"}}},
		{"a*", [][]string{{}, {"a"}, {"a", "a", "a"}}, [][]string{{"b"}}},
		{"a+", [][]string{{"a"}, {"a", "a"}}, [][]string{{}}},
		{"a? b", [][]string{{"b"}, {"a", "b"}}, [][]string{{"a"}, {"a", "a", "b"}}},
		{"(fb|qd)*", [][]string{{}, {"fb", "qd", "fb"}}, [][]string{{"other"}, {"fb", "other"}}},
		{"a{2}", [][]string{{"a", "a"}}, [][]string{{"a"}, {"a", "a", "a"}}},
		{"a{1,2} b", [][]string{{"a", "b"}, {"a", "a", "b"}}, [][]string{{"b"}, {"a", "a", "a", "b"}}},
		{"a{2,}", [][]string{{"a", "a"}, {"a", "a", "a", "a"}}, [][]string{{"a"}}},
		{"block+", [][]string{{"a"}, {"b", "a"}}, [][]string{{}, {"c"}}},
		{"(a b)+ | c", [][]string{{"a", "b", "a", "b"}, {"c"}}, [][]string{{"a", "b", "c"}}},
		{"(a?)*", [][]string{{}, {"a", "a"}}, [][]string{{"b"}}},
	}
	groups := map[string][]string{"block": {"a", "b"}}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cm, err := CompileContent(tt.expr, resolver(groups))
			require.NoError(t, err)
			for _, seq := range tt.accept {
				assert.True(t, cm.Accepts(seq), "should accept %v", seq)
			}
			for _, seq := range tt.reject {
				assert.False(t, cm.Accepts(seq), "should reject %v", seq)
			}
		})
	}
}

func TestCompileContent_Errors(t *testing.T) {
	for _, expr := range []string{"(a", "a |", "missing", "a{3,1}", "a{x}", ")", "a{1"} {
		_, err := CompileContent(expr, resolver(nil))
		assert.ErrorIs(t, err, ErrInvalidSchema, expr)
	}
}

func TestContentMatch_Position(t *testing.T) {
	cm, err := CompileContent("a b* c", resolver(nil))
	require.NoError(t, err)

	assert.Equal(t, -1, cm.Match([]string{"a", "b", "b", "c"}))
	assert.Equal(t, 2, cm.Match([]string{"a", "b", "a"}))
	assert.Equal(t, 2, cm.Match([]string{"a", "b"}), "incomplete sequence reports its length")
	assert.False(t, cm.AllowsEmpty())
}
