// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package condition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type scored struct {
	Score  float64  `json:"score"`
	Labels []string `json:"labels"`
}

func TestEvaluate_Leaves(t *testing.T) {
	output := map[string]any{
		"score":   0.85,
		"status":  "ok",
		"count":   3,
		"flagged": false,
		"ready":   "yes",
		"tags":    []any{"a", "b", 2},
		"meta":    map[string]any{"owner": "ci", "retries": 1},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"always", Always(), true},
		{"equals string", Equals("status", "ok"), true},
		{"equals int vs float", Equals("count", 3.0), true},
		{"equals mismatch", Equals("status", "failed"), false},
		{"equals nested", Equals("meta.owner", "ci"), true},
		{"greater than", GreaterThan("score", 0.8), true},
		{"greater than boundary", GreaterThan("score", 0.85), false},
		{"less than int", LessThan("count", 4), true},
		{"less than non numeric field", LessThan("status", 4), false},
		{"contains substring", Contains("status", "o"), true},
		{"contains array element", Contains("tags", "b"), true},
		{"contains array number", Contains("tags", 2), true},
		{"contains array missing", Contains("tags", "z"), false},
		{"contains object key", Contains("meta", "owner"), true},
		{"is true bool false", IsTrue("flagged"), false},
		{"is true string yes", IsTrue("ready"), true},
		{"array index path", Equals("tags.0", "a"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, output))
		})
	}
}

func TestEvaluate_MissingFieldIsFalse(t *testing.T) {
	output := map[string]any{"score": 0.2}

	assert.False(t, Evaluate(Equals("missing", 1), output))
	assert.False(t, Evaluate(GreaterThan("missing", 0), output))
	assert.False(t, Evaluate(IsTrue("missing"), output))
	assert.True(t, Evaluate(Not(IsTrue("missing")), output))
}

func TestEvaluate_LiteralFieldNames(t *testing.T) {
	output := map[string]any{
		"p@99":  1,
		"tags*": "x",
		"tagsA": "y",
		"a|b":   true,
		"meta":  map[string]any{"k#1": 5, "items": []any{"first", "second"}},
		"q?":    "literal",
	}

	assert.True(t, Evaluate(Equals("p@99", 1), output))
	assert.True(t, Evaluate(Equals("tags*", "x"), output))
	assert.False(t, Evaluate(Equals("tags*", "y"), output), "wildcard must not match tagsA")
	assert.True(t, Evaluate(IsTrue("a|b"), output))
	assert.True(t, Evaluate(GreaterThan("meta.k#1", 4), output))
	assert.True(t, Evaluate(Equals("q?", "literal"), output))
	assert.True(t, Evaluate(Equals("meta.items.1", "second"), output), "numeric segments index arrays")
	assert.False(t, Evaluate(Equals("tag?", "x"), output))
}

func TestEvaluate_NilAndScalarOutputs(t *testing.T) {
	assert.True(t, Evaluate(Always(), nil))
	assert.False(t, Evaluate(Equals("x", 1), nil))
	assert.False(t, Evaluate(GreaterThan("x", 1), 42))
	assert.False(t, Evaluate(Contains("x", "a"), "plain string"))
}

func TestEvaluate_UnencodableValue(t *testing.T) {
	ch := make(chan int)
	assert.NotPanics(t, func() {
		assert.False(t, Evaluate(Equals("x", 1), ch))
	})
}

func TestEvaluate_Combinators(t *testing.T) {
	output := map[string]any{"score": 0.9, "flagged": true}

	assert.True(t, Evaluate(And(GreaterThan("score", 0.5), IsTrue("flagged")), output))
	assert.False(t, Evaluate(And(GreaterThan("score", 0.95), IsTrue("flagged")), output))
	assert.True(t, Evaluate(Or(GreaterThan("score", 0.95), IsTrue("flagged")), output))
	assert.False(t, Evaluate(Not(IsTrue("flagged")), output))

	assert.True(t, Evaluate(And(), output), "empty and is vacuously true")
	assert.False(t, Evaluate(Or(), output), "empty or never matches")
	assert.False(t, Evaluate(Condition{Kind: KindNot}, output), "not without child")
}

func TestEvaluate_StructOutput(t *testing.T) {
	output := scored{Score: 0.42, Labels: []string{"draft"}}

	assert.True(t, Evaluate(LessThan("score", 0.5), output))
	assert.True(t, Evaluate(Contains("labels", "draft"), output))
}

func TestEvaluate_UnknownKind(t *testing.T) {
	assert.False(t, Evaluate(Condition{Kind: "regex", Field: "a"}, map[string]any{"a": 1}))
}

func TestSelectBranch(t *testing.T) {
	branches := []Branch{
		{Target: "high", When: GreaterThan("score", 0.8)},
		{Target: "mid", When: GreaterThan("score", 0.5)},
		{Target: "low", When: Always()},
	}

	b, ok := SelectBranch(branches, map[string]any{"score": 0.85})
	require.True(t, ok)
	assert.Equal(t, "high", b.Target)

	b, ok = SelectBranch(branches, map[string]any{"score": 0.6})
	require.True(t, ok)
	assert.Equal(t, "mid", b.Target)

	b, ok = SelectBranch(branches, map[string]any{"score": 0.1})
	require.True(t, ok)
	assert.Equal(t, "low", b.Target)

	b, ok = SelectBranch(branches, nil)
	require.True(t, ok)
	assert.Equal(t, "low", b.Target)
}

func TestSelectBranch_AlwaysDeclaredFirstIsDefault(t *testing.T) {
	branches := []Branch{
		{Target: "fallback"},
		{Target: "specific", When: Equals("kind", "special")},
	}

	b, ok := SelectBranch(branches, map[string]any{"kind": "special"})
	require.True(t, ok)
	assert.Equal(t, "specific", b.Target)

	b, ok = SelectBranch(branches, map[string]any{"kind": "other"})
	require.True(t, ok)
	assert.Equal(t, "fallback", b.Target)
}

func TestSelectBranch_AlwaysNeverShadowsGuards(t *testing.T) {
	branches := []Branch{
		{Target: "A", When: Always()},
		{Target: "B", When: GreaterThan("score", 0.5)},
	}

	b, ok := SelectBranch(branches, map[string]any{"score": 0.9})
	require.True(t, ok)
	assert.Equal(t, "B", b.Target)

	b, ok = SelectBranch(branches, map[string]any{"score": 0.1})
	require.True(t, ok)
	assert.Equal(t, "A", b.Target)
}

func TestSelectBranch_NoAlwaysFallsBackToFirst(t *testing.T) {
	branches := []Branch{
		{Target: "a", When: Equals("x", 1)},
		{Target: "b", When: Equals("x", 2)},
	}
	b, ok := SelectBranch(branches, map[string]any{"x": 3})
	require.True(t, ok)
	assert.Equal(t, "a", b.Target)

	_, ok = SelectBranch(nil, nil)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Always().Validate())
	assert.NoError(t, Condition{}.Validate())
	assert.NoError(t, And(Equals("a", 1), Not(IsTrue("b"))).Validate())

	assert.ErrorIs(t, Equals("", 1).Validate(), ErrInvalidCondition)
	assert.ErrorIs(t, GreaterThan("a", "not a number").Validate(), ErrInvalidCondition)
	assert.ErrorIs(t, IsTrue("").Validate(), ErrInvalidCondition)
	assert.ErrorIs(t, Condition{Kind: KindNot}.Validate(), ErrInvalidCondition)
	assert.ErrorIs(t, Condition{Kind: "bogus"}.Validate(), ErrInvalidCondition)
	assert.ErrorIs(t, Or(Equals("a", 1), Equals("", 2)).Validate(), ErrInvalidCondition)
}

func TestCondition_Decoding(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		var c Condition
		raw := `{"kind":"and","conditions":[{"kind":"greater_than","field":"score","value":0.8},{"kind":"not","conditions":[{"kind":"is_true","field":"flagged"}]}]}`
		require.NoError(t, json.Unmarshal([]byte(raw), &c))
		require.NoError(t, c.Validate())
		assert.True(t, Evaluate(c, map[string]any{"score": 0.9, "flagged": false}))
	})

	t.Run("yaml", func(t *testing.T) {
		var b Branch
		raw := "target: publish\nwhen:\n  kind: equals\n  field: status\n  value: approved\n"
		require.NoError(t, yaml.Unmarshal([]byte(raw), &b))
		assert.Equal(t, "publish", b.Target)
		assert.True(t, Evaluate(b.When, map[string]any{"status": "approved"}))
	})
}

func TestCondition_String(t *testing.T) {
	c := And(GreaterThan("score", 0.8), Not(IsTrue("flagged")))
	assert.Equal(t, "and(greater_than(score, 0.8), not(is_true(flagged)))", c.String())
	assert.Equal(t, "always", Condition{}.String())
}
