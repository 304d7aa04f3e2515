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

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-stagegraph-go/graph"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
	"trpc.group/trpc-go/trpc-stagegraph-go/pipeline"
	"trpc.group/trpc-go/trpc-stagegraph-go/refine"
)

type runFlags struct {
	project string
	cleanup bool
}

func newRunCmd(a *app) *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once with the built-in demo stages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, flags)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.project, "project", "demo", "project name recorded in the cache session")
	f.BoolVar(&flags.cleanup, "cleanup", false, "delete the cache session when the run ends")
	return cmd
}

func (a *app) run(cmd *cobra.Command, flags runFlags) error {
	ctx := cmd.Context()
	cfg := a.cfg
	stopTelemetry, err := startTelemetry(ctx, cfg.Telemetry, false)
	if err != nil {
		return err
	}
	defer func() {
		if err := stopTelemetry(); err != nil {
			log.Warnf("stop telemetry: %v", err)
		}
	}()

	cache, err := newCache(cfg)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer closeCache(cache)
	p, err := pipeline.Build(demoStages(),
		pipeline.WithBudget(cfg.MaxRetry, cfg.MaxRefine, refine.BudgetMode(cfg.BudgetMode)))
	if err != nil {
		return err
	}
	exec, err := graph.NewExecutor(p.Plan,
		graph.WithCache(cache),
		graph.WithMaxSteps(cfg.MaxSteps),
		graph.WithMaxConcurrency(cfg.MaxConcurrency),
		graph.WithValues(map[string]any{
			valueTTL:     cfg.TTL(),
			valueProject: flags.project,
		}))
	if err != nil {
		return err
	}
	defer exec.Close()

	runID := uuid.NewString()
	final, runErr := exec.Invoke(ctx, nil, graph.WithRunID(runID))
	if flags.cleanup {
		if id := final.String(pipeline.StateKeyCacheSessionID); id != "" {
			if err := cache.DeleteSession(ctx, id); err != nil {
				log.Warnf("delete session %s: %v", id, err)
			}
		}
	}

	out, err := sonic.ConfigStd.MarshalIndent(final, "", "  ")
	if err != nil {
		return fmt.Errorf("encode final state: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	if runErr != nil {
		return fmt.Errorf("run %s: %w", runID, runErr)
	}
	return nil
}
