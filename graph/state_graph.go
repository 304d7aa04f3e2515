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
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// StateGraph provides a fluent interface for building graphs.
//
// Builder methods never fail on their own. Problems such as duplicate
// stages or edges to undeclared stages are collected and reported by
// Compile, all at once.
//
// Example usage:
//
//	plan, err := NewStateGraph(NewStateSchema()).
//	  AddStage("load", load).
//	  AddStage("score", score).
//	  AddEdge("load", "score").
//	  SetFinishPoint("score").
//	  Compile("load")
//
// The compiled Plan is then run with NewExecutor(plan).
type StateGraph struct {
	schema           *StateSchema
	nodes            map[string]*Node
	order            []string
	edges            map[string][]*Edge
	conditionalEdges map[string]*ConditionalEdge
	errs             []error
}

// NewStateGraph creates a new graph builder with the given state schema.
// A nil schema gets the engine fields only.
func NewStateGraph(schema *StateSchema) *StateGraph {
	if schema == nil {
		schema = NewStateSchema()
	} else {
		schema.mu.Lock()
		schema.addEngineFields()
		schema.mu.Unlock()
	}
	return &StateGraph{
		schema:           schema,
		nodes:            make(map[string]*Node),
		edges:            make(map[string][]*Edge),
		conditionalEdges: make(map[string]*ConditionalEdge),
	}
}

// Option is a function that configures a Node.
type Option func(*Node)

// WithDescription sets the description of the node.
func WithDescription(description string) Option {
	return func(node *Node) {
		node.Description = description
	}
}

// WithStageCallbacks attaches callbacks that run only around this stage,
// after the executor-wide ones.
func WithStageCallbacks(callbacks *StageCallbacks) Option {
	return func(node *Node) {
		node.callbacks = callbacks
	}
}

// AddStage registers a stage. Registering the same id twice is reported
// by Compile as ErrDuplicateStageName.
func (sg *StateGraph) AddStage(id string, fn StageFunc, opts ...Option) *StateGraph {
	switch {
	case id == "" || id == Start || id == End:
		sg.errs = append(sg.errs, fmt.Errorf("%w: stage id %q is reserved", ErrInvalidGraph, id))
		return sg
	case fn == nil:
		sg.errs = append(sg.errs, fmt.Errorf("%w: stage %s has no function", ErrInvalidGraph, id))
		return sg
	}
	if _, exists := sg.nodes[id]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("%w: %s", ErrDuplicateStageName, id))
		return sg
	}
	node := &Node{ID: id, Function: fn}
	for _, opt := range opts {
		opt(node)
	}
	sg.nodes[id] = node
	sg.order = append(sg.order, id)
	return sg
}

// AddEdge adds a normal edge between two stages. Repeated edges are
// collapsed into one.
func (sg *StateGraph) AddEdge(from, to string) *StateGraph {
	if err := sg.checkEndpoints(from, to); err != nil {
		sg.errs = append(sg.errs, err)
		return sg
	}
	if from == to {
		sg.errs = append(sg.errs, fmt.Errorf("%w: self edge on %s", ErrInvalidGraph, from))
		return sg
	}
	for _, e := range sg.edges[from] {
		if e.To == to {
			return sg
		}
	}
	sg.edges[from] = append(sg.edges[from], &Edge{From: from, To: to})
	return sg
}

// AddConditionalEdge routes out of from through router, which must
// return one of destinations.
func (sg *StateGraph) AddConditionalEdge(
	from string,
	router RouterFunc,
	destinations ...string,
) *StateGraph {
	if router == nil {
		sg.errs = append(sg.errs, fmt.Errorf("%w: nil router on %s", ErrInvalidGraph, from))
		return sg
	}
	return sg.AddCommandEdge(from, func(ctx context.Context, state State) (*Command, error) {
		next, err := router(ctx, state)
		if err != nil {
			return nil, err
		}
		return &Command{GoTo: next}, nil
	}, destinations...)
}

// AddCommandEdge is AddConditionalEdge for routers that also update
// State through a Command.
func (sg *StateGraph) AddCommandEdge(
	from string,
	router CommandRouterFunc,
	destinations ...string,
) *StateGraph {
	if router == nil {
		sg.errs = append(sg.errs, fmt.Errorf("%w: nil router on %s", ErrInvalidGraph, from))
		return sg
	}
	if len(destinations) == 0 {
		sg.errs = append(sg.errs, fmt.Errorf("%w: conditional edge on %s declares no destinations",
			ErrInvalidGraph, from))
		return sg
	}
	if _, exists := sg.conditionalEdges[from]; exists {
		sg.errs = append(sg.errs, fmt.Errorf("%w: %s already has a conditional edge", ErrInvalidGraph, from))
		return sg
	}
	dests := make(map[string]struct{}, len(destinations))
	for _, to := range destinations {
		if err := sg.checkEndpoints(from, to); err != nil {
			sg.errs = append(sg.errs, err)
			return sg
		}
		dests[to] = struct{}{}
	}
	sg.conditionalEdges[from] = &ConditionalEdge{
		From:         from,
		Router:       router,
		Destinations: dests,
	}
	return sg
}

// SetFinishPoint adds an edge from the stage to End.
func (sg *StateGraph) SetFinishPoint(id string) *StateGraph {
	return sg.AddEdge(id, End)
}

func (sg *StateGraph) checkEndpoints(from, to string) error {
	if from == End {
		return fmt.Errorf("%w: edge cannot leave %s", ErrInvalidGraph, End)
	}
	if to == Start {
		return fmt.Errorf("%w: edge cannot enter %s", ErrInvalidGraph, Start)
	}
	if _, ok := sg.nodes[from]; !ok && from != Start {
		return fmt.Errorf("%w: %s (edge %s -> %s)", ErrUnknownStage, from, from, to)
	}
	if _, ok := sg.nodes[to]; !ok && to != End {
		return fmt.Errorf("%w: %s (edge %s -> %s)", ErrUnknownStage, to, from, to)
	}
	return nil
}

// Compile validates the graph and freezes it into a Plan that starts at
// entry.
func (sg *StateGraph) Compile(entry string) (*Plan, error) {
	if len(sg.errs) > 0 {
		return nil, errors.Join(sg.errs...)
	}
	if _, ok := sg.nodes[entry]; !ok {
		return nil, fmt.Errorf("%w: entry point %q", ErrUnknownStage, entry)
	}
	for id := range sg.conditionalEdges {
		if len(sg.edges[id]) > 0 {
			return nil, fmt.Errorf("%w: %s has both plain and conditional edges", ErrInvalidGraph, id)
		}
	}

	plan := sg.freeze(entry)
	reached := plan.reachableFrom(entry)
	var unreachable []string
	for _, id := range sg.order {
		if !reached[id] {
			unreachable = append(unreachable, id)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return nil, fmt.Errorf("%w: %s", ErrUnreachableStage, strings.Join(unreachable, ", "))
	}
	if !reached[End] {
		return nil, fmt.Errorf("%w: from entry %s", ErrNoTerminalNode, entry)
	}
	if err := plan.resolveForks(); err != nil {
		return nil, err
	}
	return plan, nil
}

// MustCompile compiles the graph or panics if invalid.
func (sg *StateGraph) MustCompile(entry string) *Plan {
	plan, err := sg.Compile(entry)
	if err != nil {
		panic(err)
	}
	return plan
}

// freeze copies the builder's tables so later builder calls cannot alter
// the plan.
func (sg *StateGraph) freeze(entry string) *Plan {
	plan := &Plan{
		schema:           sg.schema,
		nodes:            make(map[string]*Node, len(sg.nodes)),
		order:            append([]string(nil), sg.order...),
		edges:            make(map[string][]*Edge, len(sg.edges)),
		conditionalEdges: make(map[string]*ConditionalEdge, len(sg.conditionalEdges)),
		forkJoins:        make(map[string]string),
		joins:            make(map[string]bool),
		entryPoint:       entry,
	}
	for id, n := range sg.nodes {
		copied := *n
		plan.nodes[id] = &copied
	}
	for from, edges := range sg.edges {
		plan.edges[from] = append([]*Edge(nil), edges...)
	}
	for from, ce := range sg.conditionalEdges {
		dests := make(map[string]struct{}, len(ce.Destinations))
		for d := range ce.Destinations {
			dests[d] = struct{}{}
		}
		plan.conditionalEdges[from] = &ConditionalEdge{From: from, Router: ce.Router, Destinations: dests}
	}
	return plan
}

// reachableFrom walks every plain and conditional edge breadth first.
func (p *Plan) reachableFrom(entry string) map[string]bool {
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == End {
			continue
		}
		for _, next := range p.successors(id) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// exits lists the stages that can follow id. A stage without edges ends
// the run.
func (p *Plan) exits(id string) []string {
	if out := p.successors(id); len(out) > 0 {
		return out
	}
	return []string{End}
}

// resolveForks finds where the branches of every fork meet: the closest
// stage that lies on every path from the fork to End. Edges looping back
// into a branch do not move the join. A stage other than the join that
// two branches can both reach is rejected, since it would run once per
// branch without a barrier.
func (p *Plan) resolveForks() error {
	pdom := p.postDominators()
	for _, id := range p.order {
		if len(p.edges[id]) < 2 {
			continue
		}
		join := p.nearestPostDominator(id, pdom)
		if err := p.checkBranches(id, join); err != nil {
			return err
		}
		p.forkJoins[id] = join
		if join != End {
			p.joins[join] = true
		}
	}
	return nil
}

// postDominators returns, for every stage, the set of stages found on
// every path from it to End, itself included. Stages that cannot reach
// End keep the full set.
func (p *Plan) postDominators() map[string]map[string]bool {
	all := append(p.Stages(), End)
	pdom := make(map[string]map[string]bool, len(all))
	for _, id := range p.order {
		set := make(map[string]bool, len(all))
		for _, n := range all {
			set[n] = true
		}
		pdom[id] = set
	}
	pdom[End] = map[string]bool{End: true}

	for changed := true; changed; {
		changed = false
		for _, id := range p.order {
			var next map[string]bool
			for _, s := range p.exits(id) {
				if next == nil {
					next = make(map[string]bool, len(pdom[s]))
					for n := range pdom[s] {
						next[n] = true
					}
					continue
				}
				for n := range next {
					if !pdom[s][n] {
						delete(next, n)
					}
				}
			}
			next[id] = true
			// Sets only shrink, so a size change is a change.
			if len(next) != len(pdom[id]) {
				pdom[id] = next
				changed = true
			}
		}
	}
	return pdom
}

func (p *Plan) nearestPostDominator(id string, pdom map[string]map[string]bool) string {
	candidates := len(pdom[id]) - 1
	if candidates >= len(p.order) {
		return End
	}
	for _, d := range p.order {
		if d != id && pdom[id][d] && len(pdom[d]) == candidates {
			return d
		}
	}
	return End
}

// checkBranches walks each branch of the fork up to join and fails if two
// branches share a stage.
func (p *Plan) checkBranches(fork, join string) error {
	owner := make(map[string]string)
	for _, e := range p.edges[fork] {
		branch := e.To
		seen := make(map[string]bool)
		queue := []string{branch}
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			if id == join || id == End || seen[id] {
				continue
			}
			seen[id] = true
			if other, ok := owner[id]; ok {
				return fmt.Errorf("%w: branches %s and %s of %s both reach %s before %s",
					ErrUnbalancedFork, other, branch, fork, id, join)
			}
			owner[id] = branch
			queue = append(queue, p.exits(id)...)
		}
	}
	return nil
}
