//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package refine turns the outcome of a validation stage into the next
// stage of a graph run. Every decision either finalizes the run or spends
// one unit of a bounded counter, so a run always reaches the finalize
// stage after a bounded number of validation passes.
package refine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"

	"trpc.group/trpc-go/trpc-stagegraph-go/graph"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
)

// State keys owned by the controller.
const (
	// StateKeyOutcome holds the Outcome written by the validation stage.
	StateKeyOutcome = "validation_result"
	// StateKeyRetryCountsByTarget holds per-target retry counts in
	// per-target budget mode.
	StateKeyRetryCountsByTarget = "retry_counts_by_target"
	// StateKeyFixTarget is the target chosen by the last decision.
	StateKeyFixTarget = "fix_target"
)

// Defaults for Config.
const (
	DefaultMaxRetry  = 3
	DefaultMaxRefine = 3
)

// Category selects the counter a fix target spends.
type Category int

const (
	// CategoryRetry spends retry_count. Used for upstream recomputes.
	CategoryRetry Category = iota
	// CategoryRefine spends refine_loop_count. Used for text polish.
	CategoryRefine
)

// String implements fmt.Stringer.
func (c Category) String() string {
	if c == CategoryRefine {
		return "refine"
	}
	return "retry"
}

// BudgetMode decides whether targets share one budget per category.
type BudgetMode string

const (
	// BudgetGlobal shares retry_count across every retry target and
	// refine_loop_count across every refine target.
	BudgetGlobal BudgetMode = "global"
	// BudgetPerTarget gives every target its own budget.
	BudgetPerTarget BudgetMode = "per_target"
)

// Reasons reported in Decision.Reason.
const (
	ReasonPassed          = "passed"
	ReasonRefineExhausted = "refine budget exhausted"
	ReasonRetryExhausted  = "retry budget exhausted"
	ReasonNoFixTarget     = "no fix target for issues"
	ReasonTargetExhausted = "every matching target exhausted its budget"
	ReasonFix             = "fix"
)

// Errors returned by New.
var (
	ErrNoFinalize      = errors.New("finalize destination is required")
	ErrInvalidTarget   = errors.New("invalid fix target")
	ErrUnknownBudget   = errors.New("unknown budget mode")
	ErrOutcomeNotFound = errors.New("validation outcome missing from state")
)

// Issue is one problem found by validation.
type Issue struct {
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description" yaml:"description"`
}

// Outcome is what the validation stage writes under StateKeyOutcome.
type Outcome struct {
	Passed bool    `json:"passed" yaml:"passed"`
	Issues []Issue `json:"issues,omitempty" yaml:"issues,omitempty"`
}

// FixTarget maps issue types to the stage that can fix them.
type FixTarget struct {
	// Name identifies the target, e.g. "upstream-recompute-A".
	Name string
	// Destination is the stage to route to.
	Destination string
	// Category selects the counter the target spends.
	Category Category
	// Priority orders targets; the highest present wins.
	Priority int
	// IssueTypes lists the issue types the target fixes.
	IssueTypes []string
	// Budget overrides the category maximum in per-target mode.
	Budget int
}

// Config configures a Controller.
type Config struct {
	MaxRetry  int
	MaxRefine int
	Budget    BudgetMode
	// Finalize is the stage routed to when the loop ends.
	Finalize string
	// Validation is the stage whose outcome the router reads. When empty
	// the last finished stage is assumed.
	Validation string
}

// Decision is the result of one validation pass.
type Decision struct {
	Next   string
	Target string
	Reason string
	// Update holds the counter increments to merge into State.
	Update graph.State
}

// Controller is the bounded retry/refine state machine.
type Controller struct {
	cfg     Config
	targets []FixTarget
	byType  map[string][]int
}

// New validates the configuration and returns a Controller.
func New(cfg Config, targets ...FixTarget) (*Controller, error) {
	if cfg.Finalize == "" {
		return nil, ErrNoFinalize
	}
	if cfg.MaxRetry < 0 || cfg.MaxRefine < 0 {
		return nil, fmt.Errorf("%w: negative budget", ErrInvalidTarget)
	}
	switch cfg.Budget {
	case "":
		cfg.Budget = BudgetGlobal
	case BudgetGlobal, BudgetPerTarget:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBudget, cfg.Budget)
	}

	sorted := append([]FixTarget(nil), targets...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })
	c := &Controller{cfg: cfg, targets: sorted, byType: make(map[string][]int)}
	names := make(map[string]bool, len(sorted))
	for i, t := range sorted {
		switch {
		case t.Name == "" || t.Destination == "":
			return nil, fmt.Errorf("%w: name and destination are required", ErrInvalidTarget)
		case t.Destination == cfg.Finalize:
			return nil, fmt.Errorf("%w: %s routes to the finalize stage", ErrInvalidTarget, t.Name)
		case names[t.Name]:
			return nil, fmt.Errorf("%w: duplicate target %s", ErrInvalidTarget, t.Name)
		case t.Budget < 0:
			return nil, fmt.Errorf("%w: %s has a negative budget", ErrInvalidTarget, t.Name)
		}
		names[t.Name] = true
		for _, issueType := range t.IssueTypes {
			c.byType[issueType] = append(c.byType[issueType], i)
		}
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Destinations lists every stage the controller may route to, for
// declaring the conditional edge.
func (c *Controller) Destinations() []string {
	seen := map[string]bool{c.cfg.Finalize: true}
	out := []string{c.cfg.Finalize}
	for _, t := range c.targets {
		if !seen[t.Destination] {
			seen[t.Destination] = true
			out = append(out, t.Destination)
		}
	}
	return out
}

// MaxValidations is the largest number of validation passes a run can
// make before reaching Finalize.
func (c *Controller) MaxValidations() int {
	if c.cfg.Budget == BudgetGlobal {
		return c.cfg.MaxRetry + c.cfg.MaxRefine + 1
	}
	total := 1
	for _, t := range c.targets {
		total += c.budgetOf(t)
	}
	return total
}

func (c *Controller) budgetOf(t FixTarget) int {
	if t.Budget > 0 {
		return t.Budget
	}
	if t.Category == CategoryRefine {
		return c.cfg.MaxRefine
	}
	return c.cfg.MaxRetry
}

// Decide picks the next stage. The first matching rule wins:
//
//  1. a passed outcome finalizes;
//  2. refineCount at MaxRefine finalizes;
//  3. retryCount at MaxRetry finalizes;
//  4. otherwise the highest priority target matching an issue is chosen
//     and the counter of its category is incremented.
//
// In per-target mode rules 2 and 3 are replaced by a budget per target,
// and exhausted targets are skipped. perTarget may be nil in global mode.
func (c *Controller) Decide(outcome Outcome, retryCount, refineCount int, perTarget map[string]int) Decision {
	finalize := func(reason string) Decision {
		return Decision{Next: c.cfg.Finalize, Reason: reason}
	}
	if outcome.Passed {
		return finalize(ReasonPassed)
	}
	if c.cfg.Budget == BudgetGlobal {
		if refineCount >= c.cfg.MaxRefine {
			return finalize(ReasonRefineExhausted)
		}
		if retryCount >= c.cfg.MaxRetry {
			return finalize(ReasonRetryExhausted)
		}
	}

	matched := false
	for _, idx := range c.candidates(outcome.Issues) {
		t := c.targets[idx]
		matched = true
		if c.cfg.Budget == BudgetPerTarget && perTarget[t.Name] >= c.budgetOf(t) {
			continue
		}
		update := graph.State{StateKeyFixTarget: t.Name}
		if t.Category == CategoryRefine {
			update[graph.StateKeyRefineLoopCount] = refineCount + 1
		} else {
			update[graph.StateKeyRetryCount] = retryCount + 1
		}
		if c.cfg.Budget == BudgetPerTarget {
			update[StateKeyRetryCountsByTarget] = map[string]int{t.Name: perTarget[t.Name] + 1}
		}
		return Decision{Next: t.Destination, Target: t.Name, Reason: ReasonFix, Update: update}
	}
	if matched {
		return finalize(ReasonTargetExhausted)
	}
	return finalize(ReasonNoFixTarget)
}

// candidates returns the indexes of targets matching any issue, highest
// priority first.
func (c *Controller) candidates(issues []Issue) []int {
	seen := make(map[int]bool)
	var out []int
	for _, issue := range issues {
		for _, idx := range c.byType[issue.Type] {
			if !seen[idx] {
				seen[idx] = true
				out = append(out, idx)
			}
		}
	}
	sort.Ints(out)
	return out
}

// Router adapts the controller to a graph command router reading the
// outcome from StateKeyOutcome.
func (c *Controller) Router() graph.CommandRouterFunc {
	return func(ctx context.Context, state graph.State) (*graph.Command, error) {
		outcome := c.outcomeOf(state)
		perTarget, _ := state[StateKeyRetryCountsByTarget].(map[string]int)
		d := c.Decide(outcome,
			state.Int(graph.StateKeyRetryCount),
			state.Int(graph.StateKeyRefineLoopCount),
			perTarget)
		log.Debugf("refine: %s -> %s (%s, retry=%d refine=%d)",
			d.Target, d.Next, d.Reason,
			state.Int(graph.StateKeyRetryCount), state.Int(graph.StateKeyRefineLoopCount))
		return &graph.Command{GoTo: d.Next, Update: d.Update}, nil
	}
}

// outcomeOf returns the outcome of the validation pass that just ran. A
// failed pass, or one that wrote no outcome, counts as not passed with no
// issues, so an outcome left by an earlier pass is never reused.
func (c *Controller) outcomeOf(state graph.State) Outcome {
	stage := c.cfg.Validation
	if stage == "" {
		stage = state.String(graph.StateKeyCurrentStage)
	}
	if state.StageStatus(stage) == graph.StageStatusFailed {
		log.Warnf("refine: validation stage %s failed, treating it as not passed", stage)
		return Outcome{}
	}
	outcome, err := OutcomeFrom(state)
	if err != nil {
		log.Warnf("refine: %v, treating it as not passed", err)
		return Outcome{}
	}
	return outcome
}

// OutcomeFrom reads the validation outcome from state.
func OutcomeFrom(state graph.State) (Outcome, error) {
	switch v := state[StateKeyOutcome].(type) {
	case Outcome:
		return v, nil
	case *Outcome:
		if v != nil {
			return *v, nil
		}
	}
	return Outcome{}, ErrOutcomeNotFound
}

// AddFields declares the controller's fields on schema.
func AddFields(schema *graph.StateSchema) *graph.StateSchema {
	return schema.
		AddField(StateKeyOutcome, graph.StateField{
			Type:   reflect.TypeOf(Outcome{}),
			Policy: graph.Replace,
		}).
		AddField(StateKeyFixTarget, graph.StateField{
			Type:     reflect.TypeOf(""),
			Policy:   graph.Replace,
			Reserved: true,
		}).
		AddField(StateKeyRetryCountsByTarget, graph.StateField{
			Type:     reflect.TypeOf(map[string]int{}),
			Policy:   graph.Merge,
			Default:  func() any { return map[string]int{} },
			Reserved: true,
		})
}
