//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package graph provides a stage graph: named stages wired by plain and
// conditional edges, compiled into an immutable Plan and run by an
// Executor with fork/join concurrency.
package graph

import (
	"context"
	"sort"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
)

// Special node identifiers for graph routing.
const (
	// Start represents the virtual start node for routing.
	Start = "__start__"
	// End represents the virtual end node for routing.
	End = "__end__"
)

// Config is handed to every stage alongside the state snapshot.
type Config struct {
	// RunID identifies the current run.
	RunID string
	// Cache is the artifact cache for payloads too large for State.
	Cache artifact.Cache
	// Values carries caller-supplied settings.
	Values map[string]any
}

// StageFunc is the unit of work of a stage. It receives a private copy of
// State and returns the fields it wants to change. A returned error is
// recorded and the partial result is dropped.
type StageFunc func(ctx context.Context, state State, cfg Config) (State, error)

// RouterFunc picks the next stage from the current state.
type RouterFunc func(ctx context.Context, state State) (string, error)

// Command combines a routing decision with a state update, both applied
// by the executor.
type Command struct {
	GoTo   string
	Update State
}

// CommandRouterFunc is a router that may also update State, used by loop
// controllers that own counters.
type CommandRouterFunc func(ctx context.Context, state State) (*Command, error)

// Node is a stage in the graph.
type Node struct {
	ID          string
	Description string
	Function    StageFunc

	callbacks *StageCallbacks
}

// Edge is an unconditional edge.
type Edge struct {
	From string
	To   string
}

// ConditionalEdge routes out of From through Router. Router must return a
// member of Destinations.
type ConditionalEdge struct {
	From         string
	Router       CommandRouterFunc
	Destinations map[string]struct{}
}

// Plan is the compiled, immutable form of a StateGraph.
type Plan struct {
	schema           *StateSchema
	nodes            map[string]*Node
	order            []string
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	forkJoins        map[string]string
	joins            map[string]bool
	entryPoint       string
}

// Node returns the stage with the given id.
func (p *Plan) Node(id string) (*Node, bool) {
	n, ok := p.nodes[id]
	return n, ok
}

// Edges returns the plain outgoing edges of a stage in declaration order.
func (p *Plan) Edges(id string) []*Edge {
	return p.edges[id]
}

// ConditionalEdge returns the conditional edge leaving a stage.
func (p *Plan) ConditionalEdge(id string) (*ConditionalEdge, bool) {
	e, ok := p.conditionalEdges[id]
	return e, ok
}

// EntryPoint returns the first stage of the plan.
func (p *Plan) EntryPoint() string { return p.entryPoint }

// Schema returns the state schema.
func (p *Plan) Schema() *StateSchema { return p.schema }

// Stages returns the stage ids in declaration order.
func (p *Plan) Stages() []string {
	return append([]string(nil), p.order...)
}

// ForkJoin returns the stage where the branches of the fork at id meet.
// It is End when the branches only meet at the end of the run.
func (p *Plan) ForkJoin(id string) (string, bool) {
	join, ok := p.forkJoins[id]
	return join, ok
}

// IsJoin reports whether the stage is where the branches of a fork meet.
func (p *Plan) IsJoin(id string) bool { return p.joins[id] }

// DestinationList returns the sorted destination set.
func (e *ConditionalEdge) DestinationList() []string {
	out := make([]string, 0, len(e.Destinations))
	for d := range e.Destinations {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// successors lists every stage that can follow id, in a stable order.
func (p *Plan) successors(id string) []string {
	if ce, ok := p.conditionalEdges[id]; ok {
		return ce.DestinationList()
	}
	out := make([]string, 0, len(p.edges[id]))
	for _, e := range p.edges[id] {
		out = append(out, e.To)
	}
	return out
}
