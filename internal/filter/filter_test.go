package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vectordb/internal/common"
	"vectordb/internal/errs"
)

func parse(t *testing.T, raw string) *Predicate {
	t.Helper()
	var p Predicate
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.NoError(t, p.Validate())
	return &p
}

func TestPredicateEvaluate(t *testing.T) {
	md := common.Metadata{
		"category": "book",
		"year":     int64(2020),
		"price":    12.5,
		"tags":     []any{"fiction", "classic"},
		"stock":    nil,
		"active":   true,
	}

	tests := []struct {
		name   string
		filter string
		want   bool
	}{
		{"eq string", `{"field":"category","op":"eq","value":"book"}`, true},
		{"eq mismatch", `{"field":"category","op":"eq","value":"film"}`, false},
		{"eq type mismatch", `{"field":"year","op":"eq","value":"2020"}`, false},
		{"eq int vs float", `{"field":"year","op":"eq","value":2020.0}`, true},
		{"ne", `{"field":"category","op":"ne","value":"film"}`, true},
		{"ne missing field", `{"field":"missing","op":"ne","value":"film"}`, false},
		{"ne type mismatch", `{"field":"year","op":"ne","value":"x"}`, false},
		{"lt", `{"field":"year","op":"lt","value":2021}`, true},
		{"le", `{"field":"price","op":"le","value":12.5}`, true},
		{"gt", `{"field":"price","op":"gt","value":12.5}`, false},
		{"ge string", `{"field":"category","op":"ge","value":"a"}`, true},
		{"gt on bool", `{"field":"active","op":"gt","value":1}`, false},
		{"in", `{"field":"category","op":"in","value":["film","book"]}`, true},
		{"in miss", `{"field":"category","op":"in","value":["film"]}`, false},
		{"exists", `{"field":"category","op":"exists"}`, true},
		{"exists null", `{"field":"stock","op":"exists"}`, false},
		{"exists missing", `{"field":"nope","op":"exists"}`, false},
		{"startsWith", `{"field":"category","op":"startsWith","value":"bo"}`, true},
		{"array any", `{"field":"tags","op":"eq","value":"classic"}`, true},
		{"array ne", `{"field":"tags","op":"ne","value":"classic"}`, false},
		{"and", `{"and":[{"field":"category","op":"eq","value":"book"},{"field":"year","op":"ge","value":2020}]}`, true},
		{"or", `{"or":[{"field":"category","op":"eq","value":"film"},{"field":"active","op":"eq","value":true}]}`, true},
		{"not", `{"not":{"field":"category","op":"eq","value":"book"}}`, false},
		{"shorthand", `{"category":"book","year":2020}`, true},
		{"shorthand miss", `{"category":"book","year":2019}`, false},
		{"shorthand array", `{"category":["book","film"]}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := parse(t, tt.filter)
			assert.Equal(t, tt.want, p.Evaluate(md))
		})
	}
}

func TestPredicateValidate(t *testing.T) {
	tests := []struct {
		name string
		p    *Predicate
	}{
		{"empty", &Predicate{}},
		{"in needs array", Leaf("a", OpIn, "x")},
		{"startsWith needs string", Leaf("a", OpStartsWith, int64(1))},
		{"unknown op", Leaf("a", Op("regex"), "x")},
		{"missing field", Leaf("", OpEq, "x")},
		{"empty and", And()},
		{"two kinds", &Predicate{Field: "a", Op: OpEq, Not: Eq("b", "c")}},
		{"eq with array", Leaf("a", OpEq, []any{"x"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errs.IsInvalidArgument(tt.p.Validate()))
		})
	}
}

func TestPredicateUnmarshalErrors(t *testing.T) {
	for _, raw := range []string{
		`[1,2]`,
		`{"field":"a"}`,
		`{"and":[{"a":1}],"b":2}`,
		`{"a":{"b":1}}`,
	} {
		var p Predicate
		assert.Error(t, json.Unmarshal([]byte(raw), &p), raw)
	}
}

func TestMetadataIndexCandidates(t *testing.T) {
	idx := NewMetadataIndex()
	idx.Add(1, common.Metadata{"category": "book", "year": int64(2020)})
	idx.Add(2, common.Metadata{"category": "film", "year": 2020.0})
	idx.Add(3, common.Metadata{"category": "book", "tags": []any{"a", "b"}})
	idx.Add(4, common.Metadata{"category": nil})

	bm, ok := idx.Candidates(Eq("category", "book"))
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 3}, bm.ToArray())

	bm, ok = idx.Candidates(Eq("year", int64(2020)))
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2}, bm.ToArray())

	bm, ok = idx.Candidates(Eq("tags", "b"))
	require.True(t, ok)
	assert.Equal(t, []uint32{3}, bm.ToArray())

	bm, ok = idx.Candidates(Leaf("category", OpExists, nil))
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 2, 3}, bm.ToArray())

	bm, ok = idx.Candidates(And(Eq("category", "book"), Leaf("year", OpGt, int64(1))))
	require.True(t, ok)
	assert.Equal(t, []uint32{1, 3}, bm.ToArray())

	_, ok = idx.Candidates(Or(Eq("category", "book"), Leaf("year", OpGt, int64(1))))
	assert.False(t, ok)

	_, ok = idx.Candidates(Not(Eq("category", "book")))
	assert.False(t, ok)

	idx.Remove(1, common.Metadata{"category": "book", "year": int64(2020)})
	bm, _ = idx.Candidates(Leaf("category", OpIn, []any{"book", "film"}))
	assert.Equal(t, []uint32{2, 3}, bm.ToArray())
}
