//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"reflect"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpdatePolicies(t *testing.T) {
	schema := NewStateSchema().
		AddField("score", StateField{Type: reflect.TypeOf(0.0), Policy: Min}).
		AddField("tags", StateField{Type: reflect.TypeOf([]string{}), Policy: Append})

	current := schema.Init(State{"score": 0.8, "name": "old"})
	current[StateKeyRetryCount] = 2

	got := schema.ApplyUpdate(current, State{
		StateKeyErrors:      []string{"e1"},
		StateKeyRetryCount:  1,
		StateKeyStageStatus: map[string]string{"load": StageStatusCompleted},
		"score":             0.5,
		"tags":              "first",
		"name":              "new",
	})

	want := State{
		StateKeyErrors:      []string{"e1"},
		StateKeyLogs:        []string{},
		StateKeyRetryCount:  2,
		StateKeyStageStatus: map[string]string{"load": StageStatusCompleted},
		"score":             0.5,
		"tags":              []string{"first"},
		"name":              "new",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("ApplyUpdate mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "old", current["name"], "current must not change")
}

func TestApplyUpdateMaxAndMerge(t *testing.T) {
	schema := NewStateSchema()
	state := schema.Init(State{})

	state = schema.ApplyUpdate(state, State{StateKeyRefineLoopCount: 1})
	state = schema.ApplyUpdate(state, State{StateKeyRefineLoopCount: 3})
	state = schema.ApplyUpdate(state, State{StateKeyRefineLoopCount: 2})
	assert.Equal(t, 3, state.Int(StateKeyRefineLoopCount))

	state = schema.ApplyUpdate(state, State{StateKeyStageStatus: map[string]string{"a": StageStatusFailed}})
	state = schema.ApplyUpdate(state, State{StateKeyStageStatus: map[string]string{"b": StageStatusCompleted}})
	state = schema.ApplyUpdate(state, State{StateKeyStageStatus: map[string]string{"a": StageStatusCompleted}})
	assert.Equal(t, StageStatusCompleted, state.StageStatus("a"))
	assert.Equal(t, StageStatusCompleted, state.StageStatus("b"))
}

func TestAppendNeverAliases(t *testing.T) {
	schema := NewStateSchema()
	base := schema.ApplyUpdate(schema.Init(State{}), State{StateKeyErrors: make([]string, 0, 8)})

	left := schema.ApplyUpdate(base, State{StateKeyErrors: []string{"left"}})
	right := schema.ApplyUpdate(base, State{StateKeyErrors: []string{"right"}})

	assert.Equal(t, []string{"left"}, left.Errors())
	assert.Equal(t, []string{"right"}, right.Errors())
	assert.Empty(t, base.Errors())
}

func TestDeepCopyIsolatesNestedValues(t *testing.T) {
	type payload struct {
		Items []int
		Meta  map[string]any
	}
	orig := State{
		"list":    []string{"a"},
		"nested":  map[string]any{"inner": []any{1, "x"}},
		"struct":  &payload{Items: []int{1}, Meta: map[string]any{"k": "v"}},
		"nothing": nil,
	}
	clone := orig.DeepCopy()

	clone["list"].([]string)[0] = "changed"
	clone["nested"].(map[string]any)["inner"].([]any)[0] = 99
	clone["struct"].(*payload).Items[0] = 42
	clone["struct"].(*payload).Meta["k"] = "w"

	assert.Equal(t, "a", orig["list"].([]string)[0])
	assert.Equal(t, 1, orig["nested"].(map[string]any)["inner"].([]any)[0])
	assert.Equal(t, 1, orig["struct"].(*payload).Items[0])
	assert.Equal(t, "v", orig["struct"].(*payload).Meta["k"])
	assert.Nil(t, clone["nothing"])
}

func TestValidate(t *testing.T) {
	schema := NewStateSchema()
	require.NoError(t, schema.Validate(State{StateKeyRetryCount: 1}))
	err := schema.Validate(State{StateKeyErrors: "not a list"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), StateKeyErrors)
}

func TestReservedFields(t *testing.T) {
	schema := NewStateSchema()
	assert.True(t, schema.IsReserved(StateKeyRetryCount))
	assert.True(t, schema.IsReserved(StateKeyWorkflowStatus))
	assert.False(t, schema.IsReserved(StateKeyErrors))
	assert.False(t, schema.IsReserved("anything"))
}

func TestMergePolicyString(t *testing.T) {
	assert.Equal(t, "append", Append.String())
	assert.Equal(t, "merge", Merge.String())
	assert.Equal(t, "MergePolicy(9)", MergePolicy(9).String())
}
