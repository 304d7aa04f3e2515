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
	"fmt"

	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-stagegraph-go/graph"
	"trpc.group/trpc-go/trpc-stagegraph-go/pipeline"
	"trpc.group/trpc-go/trpc-stagegraph-go/refine"
)

func newPlanCmd(a *app) *cobra.Command {
	var (
		format  string
		rankDir string
	)
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the compiled pipeline graph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := pipeline.Build(demoStages(),
				pipeline.WithBudget(a.cfg.MaxRetry, a.cfg.MaxRefine, refine.BudgetMode(a.cfg.BudgetMode)))
			if err != nil {
				return err
			}
			opts := []graph.VizOption{
				graph.WithRankDir(rankDir),
				graph.WithIncludeStartEnd(true),
				graph.WithGraphLabel("analysis pipeline"),
			}
			switch format {
			case "dot":
				return p.Plan.WriteDOT(cmd.OutOrStdout(), opts...)
			case "mermaid":
				_, err := fmt.Fprint(cmd.OutOrStdout(), p.Plan.Mermaid(opts...))
				return err
			default:
				return fmt.Errorf("unknown format %q (want dot or mermaid)", format)
			}
		},
	}
	f := cmd.Flags()
	f.StringVar(&format, "format", "dot", "output format: dot or mermaid")
	f.StringVar(&rankDir, "rankdir", graph.RankDirLR, "layout direction: LR or TB")
	return cmd
}
