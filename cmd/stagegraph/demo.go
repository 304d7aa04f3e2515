//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	"trpc.group/trpc-go/trpc-stagegraph-go/graph"
	"trpc.group/trpc-go/trpc-stagegraph-go/pipeline"
	"trpc.group/trpc-go/trpc-stagegraph-go/refine"
)

// Keys of graph.Config.Values read by the demo stages.
const (
	valueTTL     = "ttl"
	valueProject = "project"
)

// Artifact names written by the demo stages.
const (
	artifactHazards = "hazards"
	artifactRaw     = "raw_survey"
	artifactReport  = "report"
)

// State keys written by the demo stages.
const (
	keyRiskScore   = "risk_score"
	keyTemplate    = "template"
	keyBuilding    = "building_summary"
	keyImpact      = "impact"
	keyStrategies  = "strategies"
	keyReportSize  = "report_bytes"
	keyPolishCount = "polish_passes"
)

var errNoCache = errors.New("stage requires an artifact cache")

type demoReport struct {
	Project    string   `json:"project"`
	RiskScore  float64  `json:"risk_score"`
	Template   string   `json:"template"`
	Building   string   `json:"building"`
	Impact     string   `json:"impact"`
	Strategies []string `json:"strategies"`
}

// demoStages are deterministic stand-ins for the business stages. They
// pass their large payloads through the artifact cache and make the
// validation loop take one recompute and one polish before passing.
func demoStages() pipeline.Stages {
	return pipeline.Stages{
		DataLoad:       demoDataLoad,
		RiskAssessment: demoRiskAssessment,
		TemplateStage: func(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
			tmpl := "standard"
			if s.Int(graph.StateKeyRetryCount) > 0 {
				tmpl = "detailed"
			}
			return graph.State{keyTemplate: tmpl, graph.StateKeyLogs: []string{"template: " + tmpl}}, nil
		},
		BuildingCharacteristics: func(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
			return graph.State{keyBuilding: "3 floors, reinforced concrete, built 1998"}, nil
		},
		Impact: func(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
			score, _ := s[keyRiskScore].(float64)
			level := "moderate"
			if score >= 0.6 {
				level = "high"
			}
			return graph.State{keyImpact: level}, nil
		},
		Strategy: func(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
			strategies := []string{"raise utilities above flood line"}
			if s.Int(graph.StateKeyRetryCount) > 0 {
				strategies = append(strategies, "install backflow valves")
			}
			return graph.State{keyStrategies: strategies}, nil
		},
		Compose:    demoCompose,
		Validation: demoValidation,
		Refine: func(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
			return graph.State{
				keyPolishCount:     s.Int(keyPolishCount) + 1,
				graph.StateKeyLogs: []string{"refine: wording polished"},
			}, nil
		},
	}
}

func demoDataLoad(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
	if cfg.Cache == nil {
		return nil, errNoCache
	}
	ttl, _ := cfg.Values[valueTTL].(time.Duration)
	project, _ := cfg.Values[valueProject].(string)
	id, err := cfg.Cache.CreateSession(ctx, ttl, map[string]string{"project": project, "run_id": cfg.RunID})
	if err != nil {
		return nil, err
	}
	hazards := artifact.Table{
		Columns: []string{"hazard", "likelihood", "severity"},
		Rows: [][]string{
			{"flood", "0.8", "0.9"},
			{"heat", "0.6", "0.4"},
			{"wind", "0.3", "0.7"},
		},
	}
	if err := cfg.Cache.Save(ctx, id, artifactHazards, hazards, artifact.FormatColumnar); err != nil {
		return nil, err
	}
	raw := []byte("survey-2025-06;site=A;samples=1024")
	if err := cfg.Cache.Save(ctx, id, artifactRaw, raw, artifact.FormatBinary); err != nil {
		return nil, err
	}
	return graph.State{
		pipeline.StateKeyCacheSessionID: id,
		graph.StateKeyLogs:              []string{"data_load: session " + id},
	}, nil
}

func demoRiskAssessment(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
	if cfg.Cache == nil {
		return nil, errNoCache
	}
	var hazards artifact.Table
	if err := cfg.Cache.Load(ctx, s.String(pipeline.StateKeyCacheSessionID),
		artifactHazards, artifact.FormatColumnar, &hazards); err != nil {
		return nil, err
	}
	likelihood, _ := hazards.Column("likelihood")
	severity, _ := hazards.Column("severity")
	var worst float64
	for i := range likelihood {
		l, err := strconv.ParseFloat(likelihood[i], 64)
		if err != nil {
			return nil, fmt.Errorf("likelihood row %d: %w", i, err)
		}
		sev, err := strconv.ParseFloat(severity[i], 64)
		if err != nil {
			return nil, fmt.Errorf("severity row %d: %w", i, err)
		}
		worst = max(worst, l*sev)
	}
	return graph.State{keyRiskScore: worst}, nil
}

func demoCompose(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
	if cfg.Cache == nil {
		return nil, errNoCache
	}
	strategies, _ := s[keyStrategies].([]string)
	score, _ := s[keyRiskScore].(float64)
	project, _ := cfg.Values[valueProject].(string)
	report := demoReport{
		Project:    project,
		RiskScore:  score,
		Template:   s.String(keyTemplate),
		Building:   s.String(keyBuilding),
		Impact:     s.String(keyImpact),
		Strategies: strategies,
	}
	id := s.String(pipeline.StateKeyCacheSessionID)
	if err := cfg.Cache.Save(ctx, id, artifactReport, report, artifact.FormatJSON); err != nil {
		return nil, err
	}
	refs, err := cfg.Cache.ListArtifacts(ctx, id)
	if err != nil {
		return nil, err
	}
	var size int64
	for _, ref := range refs {
		if ref.Name == artifactReport {
			size = ref.SizeBytes
		}
	}
	return graph.State{keyReportSize: size}, nil
}

// demoValidation asks for one strategy recompute, then one wording polish,
// then passes.
func demoValidation(ctx context.Context, s graph.State, cfg graph.Config) (graph.State, error) {
	outcome := refine.Outcome{Passed: true}
	switch {
	case s.Int(graph.StateKeyRetryCount) == 0:
		outcome = refine.Outcome{Issues: []refine.Issue{{
			Type:        pipeline.IssueStrategy,
			Description: "strategies do not cover backflow",
		}}}
	case s.Int(keyPolishCount) == 0:
		outcome = refine.Outcome{Issues: []refine.Issue{{
			Type:        pipeline.IssueWording,
			Description: "summary is too terse",
		}}}
	}
	return graph.State{refine.StateKeyOutcome: outcome}, nil
}
