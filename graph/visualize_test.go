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
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSamplePlan(t *testing.T) *Plan {
	t.Helper()
	router := func(ctx context.Context, s State) (string, error) { return End, nil }
	plan, err := NewStateGraph(nil).
		AddStage("load", noop).
		AddStage("left", noop).
		AddStage("right", noop).
		AddStage("merge", noop).
		AddStage("check", noop).
		AddEdge("load", "left").
		AddEdge("load", "right").
		AddEdge("left", "merge").
		AddEdge("right", "merge").
		AddEdge("merge", "check").
		AddConditionalEdge("check", router, "load", End).
		Compile("load")
	require.NoError(t, err)
	return plan
}

func TestDOTStylesStageKinds(t *testing.T) {
	dot := buildSamplePlan(t).DOT(WithGraphLabel("pipeline"))

	assert.True(t, strings.HasPrefix(dot, "digraph G {"))
	assert.Contains(t, dot, "rankdir=LR;")
	assert.Contains(t, dot, `label="pipeline";`)
	assert.Contains(t, dot, `"__start__" -> "load";`)
	assert.Contains(t, dot, `"load" [label="load", shape=hexagon`)
	assert.Contains(t, dot, `"merge" [label="merge", shape=diamond, style=filled, fillcolor="#f3e5f5"`)
	assert.Contains(t, dot, `"check" [label="check", shape=diamond, style=filled, fillcolor="#eeeeee"`)
	assert.Contains(t, dot, `"check" -> "__end__" [style=dashed`)
	assert.Contains(t, dot, `"left" -> "merge";`)
}

func TestDOTWithoutStartEnd(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, buildSamplePlan(t).WriteDOT(&buf, WithIncludeStartEnd(false), WithRankDir(RankDirTB)))
	dot := buf.String()

	assert.NotContains(t, dot, Start)
	assert.NotContains(t, dot, End)
	assert.Contains(t, dot, "rankdir=TB;")
	assert.Contains(t, dot, `"load" [peripheries=2];`)
}

func TestMermaid(t *testing.T) {
	out := buildSamplePlan(t).Mermaid()

	assert.True(t, strings.HasPrefix(out, "flowchart LR\n"))
	assert.Contains(t, out, "n0([start])")
	assert.Contains(t, out, "n1([finish])")
	assert.Contains(t, out, `n2{{"load"}}`)
	assert.Contains(t, out, `{"merge"}`)
	assert.Contains(t, out, "n0 --> n2")
	assert.Contains(t, out, "-.-> n1")
}

func TestEscapeLabel(t *testing.T) {
	assert.Equal(t, `a\"b\\c\nd`, escapeLabel("a\"b\\c\nd"))
}
