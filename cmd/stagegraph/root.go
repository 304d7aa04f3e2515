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
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"trpc.group/trpc-go/trpc-stagegraph-go/config"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
)

// version is set at build time via -ldflags.
var version = "dev"

const defaultEnvFile = ".env"

// app carries what every subcommand shares.
type app struct {
	configPath string
	envFile    string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "stagegraph",
		Short: "Run the stage-graph analysis pipeline",
		Long: "stagegraph executes the analysis pipeline over its stage graph\n" +
			"and manages the TTL-bounded artifact cache the stages share.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "YAML configuration file")
	f.StringVar(&a.envFile, "env-file", defaultEnvFile, "dotenv file loaded before the configuration")
	f.StringVar(&a.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(a),
		newPlanCmd(a),
		newReapCmd(a),
		newReaperCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := godotenv.Load(a.envFile); err != nil {
		// The default file is optional; an explicit one is not.
		if !errors.Is(err, fs.ErrNotExist) || cmd.Flags().Changed("env-file") {
			return fmt.Errorf("load env file %s: %w", a.envFile, err)
		}
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	log.Configure(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	a.cfg = cfg
	return nil
}
