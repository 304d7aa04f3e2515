//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package pipeline assembles the analysis pipeline:
//
//	DataLoad -> RiskAssessment -> TemplateStage
//	  -> fork{ BuildingCharacteristics | Impact -> Strategy -> Compose }
//	  -> Validation -> route{ retry targets | Refine | Finalize } -> END
//
// The business stages are supplied by the caller through Stages.
package pipeline

import (
	"context"
	"fmt"
	"reflect"

	"trpc.group/trpc-go/trpc-stagegraph-go/graph"
	"trpc.group/trpc-go/trpc-stagegraph-go/refine"
)

// StageID names a stage of the pipeline.
type StageID string

// The closed set of pipeline stages.
const (
	DataLoad                StageID = "data_load"
	RiskAssessment          StageID = "risk_assessment"
	TemplateStage           StageID = "template"
	BuildingCharacteristics StageID = "building_characteristics"
	Impact                  StageID = "impact"
	Strategy                StageID = "strategy"
	Compose                 StageID = "compose"
	Validation              StageID = "validation"
	Refine                  StageID = "refine"
	Finalize                StageID = "finalize"
)

// StageIDs lists every stage in declaration order.
var StageIDs = []StageID{
	DataLoad, RiskAssessment, TemplateStage, BuildingCharacteristics, Impact,
	Strategy, Compose, Validation, Refine, Finalize,
}

// String implements fmt.Stringer.
func (id StageID) String() string { return string(id) }

// State keys owned by the pipeline.
const (
	// StateKeyCacheSessionID holds the artifact cache session of the run.
	StateKeyCacheSessionID = "cache_session_id"
	// StatusFinalized is written to status by the default Finalize stage.
	StatusFinalized = "finalized"
)

// Issue types reported by the validation stage and mapped to fix targets.
const (
	IssueStructure    = "structure"
	IssueBuildingData = "building_data"
	IssueStrategy     = "strategy"
	IssueWording      = "wording"
)

// Stages holds the business function of every stage. Finalize may be nil,
// in which case a stage marking the run finalized is used.
type Stages struct {
	DataLoad                graph.StageFunc
	RiskAssessment          graph.StageFunc
	TemplateStage           graph.StageFunc
	BuildingCharacteristics graph.StageFunc
	Impact                  graph.StageFunc
	Strategy                graph.StageFunc
	Compose                 graph.StageFunc
	Validation              graph.StageFunc
	Refine                  graph.StageFunc
	Finalize                graph.StageFunc
}

func (s Stages) byID() map[StageID]graph.StageFunc {
	return map[StageID]graph.StageFunc{
		DataLoad:                s.DataLoad,
		RiskAssessment:          s.RiskAssessment,
		TemplateStage:           s.TemplateStage,
		BuildingCharacteristics: s.BuildingCharacteristics,
		Impact:                  s.Impact,
		Strategy:                s.Strategy,
		Compose:                 s.Compose,
		Validation:              s.Validation,
		Refine:                  s.Refine,
		Finalize:                s.Finalize,
	}
}

// DefaultFixTargets maps validation issues to the stages that fix them,
// highest priority first.
func DefaultFixTargets() []refine.FixTarget {
	return []refine.FixTarget{
		{
			Name:        "structural-rework",
			Destination: TemplateStage.String(),
			Category:    refine.CategoryRetry,
			Priority:    4,
			IssueTypes:  []string{IssueStructure},
		},
		{
			Name:        "upstream-recompute-A",
			Destination: BuildingCharacteristics.String(),
			Category:    refine.CategoryRetry,
			Priority:    3,
			IssueTypes:  []string{IssueBuildingData},
		},
		{
			Name:        "upstream-recompute-B",
			Destination: Strategy.String(),
			Category:    refine.CategoryRetry,
			Priority:    2,
			IssueTypes:  []string{IssueStrategy},
		},
		{
			Name:        "text-polish",
			Destination: Refine.String(),
			Category:    refine.CategoryRefine,
			Priority:    1,
			IssueTypes:  []string{IssueWording},
		},
	}
}

// Options configures Build.
type Options struct {
	MaxRetry   int
	MaxRefine  int
	Budget     refine.BudgetMode
	FixTargets []refine.FixTarget
	Callbacks  *graph.StageCallbacks
}

// Option is a function that configures Build.
type Option func(*Options)

// WithBudget sets the loop budgets.
func WithBudget(maxRetry, maxRefine int, mode refine.BudgetMode) Option {
	return func(o *Options) {
		o.MaxRetry = maxRetry
		o.MaxRefine = maxRefine
		o.Budget = mode
	}
}

// WithFixTargets replaces DefaultFixTargets.
func WithFixTargets(targets ...refine.FixTarget) Option {
	return func(o *Options) { o.FixTargets = targets }
}

// WithStageCallbacks attaches callbacks to every stage of the pipeline.
func WithStageCallbacks(callbacks *graph.StageCallbacks) Option {
	return func(o *Options) { o.Callbacks = callbacks }
}

// Schema returns the state schema of the pipeline.
func Schema() *graph.StateSchema {
	return refine.AddFields(graph.NewStateSchema()).
		AddField(StateKeyCacheSessionID, graph.StateField{
			Type:   reflect.TypeOf(""),
			Policy: graph.Replace,
		})
}

// Pipeline is a compiled pipeline together with its loop controller.
type Pipeline struct {
	Plan       *graph.Plan
	Controller *refine.Controller
}

// Build wires stages into the pipeline graph and compiles it.
func Build(stages Stages, opts ...Option) (*Pipeline, error) {
	options := &Options{
		MaxRetry:   refine.DefaultMaxRetry,
		MaxRefine:  refine.DefaultMaxRefine,
		Budget:     refine.BudgetGlobal,
		FixTargets: DefaultFixTargets(),
	}
	for _, opt := range opts {
		opt(options)
	}
	if stages.Finalize == nil {
		stages.Finalize = finalize
	}

	controller, err := refine.New(refine.Config{
		MaxRetry:   options.MaxRetry,
		MaxRefine:  options.MaxRefine,
		Budget:     options.Budget,
		Finalize:   Finalize.String(),
		Validation: Validation.String(),
	}, options.FixTargets...)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	sg := graph.NewStateGraph(Schema())
	fns := stages.byID()
	for _, id := range StageIDs {
		fn := fns[id]
		if fn == nil {
			return nil, fmt.Errorf("pipeline: %w: stage %s has no function", graph.ErrInvalidGraph, id)
		}
		stageOpts := []graph.Option{graph.WithDescription(descriptions[id])}
		if options.Callbacks != nil {
			stageOpts = append(stageOpts, graph.WithStageCallbacks(options.Callbacks))
		}
		sg.AddStage(id.String(), fn, stageOpts...)
	}

	edge := func(from, to StageID) { sg.AddEdge(from.String(), to.String()) }
	edge(DataLoad, RiskAssessment)
	edge(RiskAssessment, TemplateStage)
	edge(TemplateStage, BuildingCharacteristics)
	edge(TemplateStage, Impact)
	edge(Impact, Strategy)
	edge(Strategy, Compose)
	edge(BuildingCharacteristics, Validation)
	edge(Compose, Validation)
	edge(Refine, Validation)
	sg.AddCommandEdge(Validation.String(), controller.Router(), controller.Destinations()...)
	sg.SetFinishPoint(Finalize.String())

	plan, err := sg.Compile(DataLoad.String())
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return &Pipeline{Plan: plan, Controller: controller}, nil
}

// Run executes the pipeline once and returns the final State.
func (p *Pipeline) Run(ctx context.Context, initial graph.State, opts ...graph.ExecutorOption) (graph.State, error) {
	exec, err := graph.NewExecutor(p.Plan, opts...)
	if err != nil {
		return nil, err
	}
	defer exec.Close()
	return exec.Invoke(ctx, initial)
}

var descriptions = map[StageID]string{
	DataLoad:                "Collect raw datasets into the artifact cache",
	RiskAssessment:          "Score hazards from the collected data",
	TemplateStage:           "Select the report structure",
	BuildingCharacteristics: "Summarize building characteristics",
	Impact:                  "Estimate impact of the assessed risks",
	Strategy:                "Derive mitigation strategies",
	Compose:                 "Compose the report body",
	Validation:              "Check the report and choose the next stage",
	Refine:                  "Polish report wording",
	Finalize:                "Mark the run finalized",
}

func finalize(ctx context.Context, state graph.State, cfg graph.Config) (graph.State, error) {
	return graph.State{graph.StateKeyStatus: StatusFinalized}, nil
}
