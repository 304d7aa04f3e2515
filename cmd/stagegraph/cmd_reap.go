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
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
)

func newReapCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Remove expired cache sessions once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cache, err := newCache(a.cfg)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer closeCache(cache)
			res, err := artifact.Reap(cmd.Context(), cache, dryRun)
			if err != nil {
				return err
			}
			out, err := sonic.Marshal(res)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report expired sessions without deleting them")
	return cmd
}

func newReaperCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Remove expired cache sessions on an interval until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("interval") {
				interval = a.cfg.ReaperInterval
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stopTelemetry, err := startTelemetry(ctx, a.cfg.Telemetry, true)
			if err != nil {
				return err
			}
			defer func() {
				if err := stopTelemetry(); err != nil {
					log.Warnf("stop telemetry: %v", err)
				}
			}()

			cache, err := newCache(a.cfg)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer closeCache(cache)
			return runReaper(ctx, cache, interval, dryRun)
		},
	}
	f := cmd.Flags()
	f.DurationVar(&interval, "interval", 0, "sweep interval (default reaper_interval from config)")
	f.BoolVar(&dryRun, "dry-run", false, "report expired sessions without deleting them")
	return cmd
}

// runReaper sweeps cache until ctx is done.
func runReaper(ctx context.Context, cache artifact.Cache, interval time.Duration, dryRun bool) error {
	r := artifact.NewReaper(cache, artifact.WithInterval(interval), artifact.WithDryRun(dryRun))
	log.Infof("reaper started (interval %s, dry run %t)", interval, dryRun)
	r.Start(ctx)
	<-ctx.Done()
	r.Stop()
	log.Info("reaper stopped")
	return nil
}
