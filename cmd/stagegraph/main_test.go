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
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	"trpc.group/trpc-go/trpc-stagegraph-go/artifact/inmemory"
	"trpc.group/trpc-go/trpc-stagegraph-go/artifact/local"
	"trpc.group/trpc-go/trpc-stagegraph-go/artifact/redis"
	"trpc.group/trpc-go/trpc-stagegraph-go/config"
	"trpc.group/trpc-go/trpc-stagegraph-go/graph"
	"trpc.group/trpc-go/trpc-stagegraph-go/pipeline"
)

// execute runs the root command with args and a config pointing the local
// cache at dir.
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	cfgPath := filepath.Join(dir, "stagegraph.yaml")
	body := "cache_base_path: " + filepath.Join(dir, "cache") + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--config", cfgPath, "--env-file", filepath.Join(dir, "none.env")}, args...))
	// An explicit missing env file is an error, so create it.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "none.env"), nil, 0o644))
	err := root.Execute()
	return out.String(), err
}

func TestRunCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "run", "--project", "harbour")
	require.NoError(t, err)

	var final map[string]any
	require.NoError(t, sonic.UnmarshalString(out, &final))
	assert.Equal(t, graph.WorkflowCompleted, final[graph.StateKeyWorkflowStatus])
	assert.Equal(t, pipeline.StatusFinalized, final[graph.StateKeyStatus])
	assert.EqualValues(t, 1, final[graph.StateKeyRetryCount])
	assert.EqualValues(t, 1, final[graph.StateKeyRefineLoopCount])

	id, _ := final[pipeline.StateKeyCacheSessionID].(string)
	require.NotEmpty(t, id)
	cache, err := local.New(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	s, err := cache.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "harbour", s.Metadata["project"])
	assert.Len(t, s.Artifacts, 3)

	var report demoReport
	require.NoError(t, cache.Load(context.Background(), id, artifactReport, artifact.FormatJSON, &report))
	assert.Len(t, report.Strategies, 2, "the report reflects the strategy recompute")
	assert.InDelta(t, 0.72, report.RiskScore, 1e-9)
}

func TestRunCleanup(t *testing.T) {
	dir := t.TempDir()
	out, err := execute(t, dir, "run", "--cleanup")
	require.NoError(t, err)

	var final map[string]any
	require.NoError(t, sonic.UnmarshalString(out, &final))
	id, _ := final[pipeline.StateKeyCacheSessionID].(string)
	cache, err := local.New(filepath.Join(dir, "cache"))
	require.NoError(t, err)
	_, err = cache.GetSession(context.Background(), id)
	assert.ErrorIs(t, err, artifact.ErrSessionNotFound)
}

func TestPlanCommand(t *testing.T) {
	out, err := execute(t, t.TempDir(), "plan")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph G {"))
	assert.Contains(t, out, `"validation" -> "finalize" [style=dashed`)

	out, err = execute(t, t.TempDir(), "plan", "--format", "mermaid", "--rankdir", "TB")
	require.NoError(t, err)
	assert.Contains(t, out, "flowchart TB")

	_, err = execute(t, t.TempDir(), "plan", "--format", "svg")
	assert.Error(t, err)
}

func TestReapCommand(t *testing.T) {
	dir := t.TempDir()
	cache, err := local.New(filepath.Join(dir, "cache"),
		local.WithClock(func() time.Time { return time.Now().Add(-time.Hour) }))
	require.NoError(t, err)
	id, err := cache.CreateSession(context.Background(), time.Minute, nil)
	require.NoError(t, err)

	out, err := execute(t, dir, "reap", "--dry-run")
	require.NoError(t, err)
	var res artifact.ReapResult
	require.NoError(t, sonic.UnmarshalString(out, &res))
	assert.True(t, res.DryRun)
	assert.Equal(t, []string{id}, res.SessionIDs)

	out, err = execute(t, dir, "reap")
	require.NoError(t, err)
	res = artifact.ReapResult{}
	require.NoError(t, sonic.UnmarshalString(out, &res))
	assert.Equal(t, 1, res.SessionsRemoved)

	out, err = execute(t, dir, "reap")
	require.NoError(t, err)
	res = artifact.ReapResult{}
	require.NoError(t, sonic.UnmarshalString(out, &res))
	assert.Equal(t, 0, res.SessionsRemoved)
}

func TestRunReaperStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- runReaper(ctx, artifactMemory(t), 10*time.Millisecond, false)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}

// closingCache counts Close calls on an in-memory cache.
type closingCache struct {
	artifact.Cache
	closed int
}

func (c *closingCache) Close() error {
	c.closed++
	return nil
}

func TestCommandsCloseCache(t *testing.T) {
	old := newCache
	defer func() { newCache = old }()

	var opened []*closingCache
	newCache = func(*config.Config) (artifact.Cache, error) {
		c := &closingCache{Cache: inmemory.NewService()}
		opened = append(opened, c)
		return c, nil
	}

	_, err := execute(t, t.TempDir(), "run")
	require.NoError(t, err)
	_, err = execute(t, t.TempDir(), "reap")
	require.NoError(t, err)

	require.Len(t, opened, 2)
	for _, c := range opened {
		assert.Equal(t, 1, c.closed)
	}
}

func artifactMemory(t *testing.T) artifact.Cache {
	t.Helper()
	c, err := newCache(&config.Config{CacheBackend: config.BackendMemory})
	require.NoError(t, err)
	return c
}

func TestNewCache(t *testing.T) {
	cfg := config.Default()
	cfg.CacheBasePath = t.TempDir()
	c, err := newCache(cfg)
	require.NoError(t, err)
	assert.IsType(t, &local.Cache{}, c)

	cfg.CacheBackend = config.BackendCOS
	cfg.COS.BucketURL = "https://bucket-1250000000.cos.ap-guangzhou.myqcloud.com"
	_, err = newCache(cfg)
	assert.NoError(t, err)

	cfg.CacheBackend = config.BackendRedis
	cfg.Redis.URL = "redis://localhost:6379/0"
	c, err = newCache(cfg)
	require.NoError(t, err)
	assert.IsType(t, &redis.Service{}, c)
	assert.NoError(t, c.(*redis.Service).Close())

	cfg.CacheBackend = "tape"
	_, err = newCache(cfg)
	assert.Error(t, err)
}

func TestMissingExplicitEnvFile(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env"), "plan"})
	assert.Error(t, root.Execute())
}
