//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	"trpc.group/trpc-go/trpc-stagegraph-go/artifact/artifacttest"
)

func TestCache(t *testing.T) {
	artifacttest.Run(t, func(t *testing.T, clock *artifacttest.Clock) artifact.Cache {
		c, err := New(t.TempDir(), WithClock(clock.Now))
		require.NoError(t, err)
		return c
	})
}

func TestLayoutOnDisk(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	c, err := New(base)
	require.NoError(t, err)

	id, err := c.CreateSession(ctx, 4*time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, id, "report", map[string]int{"floors": 3}, artifact.FormatJSON))

	raw, err := os.ReadFile(filepath.Join(base, id, "metadata.json"))
	require.NoError(t, err)
	s, err := artifact.DecodeSession(raw)
	require.NoError(t, err)
	assert.Equal(t, 4.0, s.TTLHours)
	require.Len(t, s.Artifacts, 1)
	assert.Equal(t, "report", s.Artifacts[0].Name)

	payload, err := os.ReadFile(filepath.Join(base, id, "artifacts", "report"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"floors":3}`, string(payload))

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary directories are left behind")
}

func TestReapSkipsCorruptSessions(t *testing.T) {
	ctx := context.Background()
	base := t.TempDir()
	clock := artifacttest.NewClock()
	c, err := New(base, WithClock(clock.Now))
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(base, "broken"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "broken", "metadata.json"), []byte("{"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(base, ".trash-old"), 0o755))
	id, err := c.CreateSession(ctx, 0, nil)
	require.NoError(t, err)
	clock.Advance(time.Minute)

	res, err := c.Reap(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []string{id}, res.SessionIDs)
	assert.DirExists(t, filepath.Join(base, "broken"))
}

func TestNewRequiresBase(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}
