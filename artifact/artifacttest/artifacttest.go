//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package artifacttest holds the behaviour tests every artifact.Cache
// backend must pass.
package artifacttest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
)

// Clock is a manually advanced clock.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock stopped at a fixed instant.
func NewClock() *Clock {
	return &Clock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

// Now returns the current instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory builds an empty cache reading time from clock.
type Factory func(t *testing.T, clock *Clock) artifact.Cache

type report struct {
	Title  string   `json:"title"`
	Scores []int    `json:"scores"`
	Tags   []string `json:"tags"`
}

// Run runs the shared behaviour tests against the caches built by newCache.
func Run(t *testing.T, newCache Factory) {
	t.Run("RoundTripPerFormat", func(t *testing.T) { testRoundTrip(t, newCache) })
	t.Run("LastWriteWins", func(t *testing.T) { testLastWriteWins(t, newCache) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newCache) })
	t.Run("ExpiryAndReap", func(t *testing.T) { testExpiryAndReap(t, newCache) })
	t.Run("DryRun", func(t *testing.T) { testDryRun(t, newCache) })
	t.Run("ConcurrentSaves", func(t *testing.T) { testConcurrentSaves(t, newCache) })
	t.Run("SessionIsolation", func(t *testing.T) { testIsolation(t, newCache) })
	t.Run("DeleteSession", func(t *testing.T) { testDeleteSession(t, newCache) })
}

func testRoundTrip(t *testing.T, newCache Factory) {
	ctx := context.Background()
	clock := NewClock()
	c := newCache(t, clock)
	id, err := c.CreateSession(ctx, time.Hour, map[string]string{"owner": "tests"})
	require.NoError(t, err)

	in := report{Title: "summary", Scores: []int{1, 2, 3}, Tags: []string{"a"}}
	require.NoError(t, c.Save(ctx, id, "report", in, artifact.FormatJSON))
	var out report
	require.NoError(t, c.Load(ctx, id, "report", artifact.FormatJSON, &out))
	assert.Equal(t, in, out)

	table := artifact.Table{
		Columns: []string{"floor", "area"},
		Rows:    [][]string{{"1", "120.5"}, {"2", "98,2"}},
	}
	require.NoError(t, c.Save(ctx, id, "floors", table, artifact.FormatColumnar))
	var gotTable artifact.Table
	require.NoError(t, c.Load(ctx, id, "floors", artifact.FormatColumnar, &gotTable))
	assert.Equal(t, table, gotTable)

	blob := []byte{0x00, 0xff, 0x10, '\n'}
	require.NoError(t, c.Save(ctx, id, "blob", blob, artifact.FormatBinary))
	var gotBlob []byte
	require.NoError(t, c.Load(ctx, id, "blob", artifact.FormatBinary, &gotBlob))
	assert.Equal(t, blob, gotBlob)

	refs, err := c.ListArtifacts(ctx, id)
	require.NoError(t, err)
	require.Len(t, refs, 3)
	assert.Equal(t, []string{"blob", "floors", "report"}, []string{refs[0].Name, refs[1].Name, refs[2].Name})
	assert.Equal(t, artifact.FormatBinary, refs[0].Format)
	assert.Equal(t, int64(len(blob)), refs[0].SizeBytes)

	s, err := c.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, s.ID)
	assert.Equal(t, "tests", s.Metadata["owner"])
	assert.Equal(t, artifact.SessionStatusActive, s.Status)
	assert.Equal(t, 1.0, s.TTLHours)
	assert.True(t, s.ExpiresAt.Equal(clock.Now().Add(time.Hour)))

	err = c.Load(ctx, id, "report", artifact.FormatBinary, &gotBlob)
	assert.ErrorIs(t, err, artifact.ErrFormatMismatch)
	err = c.Save(ctx, id, "bad", 42, "parquet")
	assert.ErrorIs(t, err, artifact.ErrUnsupportedFormat)
	err = c.Save(ctx, id, "../escape", blob, artifact.FormatBinary)
	assert.ErrorIs(t, err, artifact.ErrInvalidName)
}

func testLastWriteWins(t *testing.T, newCache Factory) {
	ctx := context.Background()
	c := newCache(t, NewClock())
	id, err := c.CreateSession(ctx, time.Hour, nil)
	require.NoError(t, err)

	require.NoError(t, c.Save(ctx, id, "note", "first", artifact.FormatBinary))
	require.NoError(t, c.Save(ctx, id, "note", "second version", artifact.FormatBinary))
	var got string
	require.NoError(t, c.Load(ctx, id, "note", artifact.FormatBinary, &got))
	assert.Equal(t, "second version", got)

	refs, err := c.ListArtifacts(ctx, id)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, int64(len("second version")), refs[0].SizeBytes)
}

func testNotFound(t *testing.T, newCache Factory) {
	ctx := context.Background()
	c := newCache(t, NewClock())
	var out []byte
	assert.ErrorIs(t, c.Load(ctx, "missing", "x", artifact.FormatBinary, &out), artifact.ErrSessionNotFound)
	assert.ErrorIs(t, c.Save(ctx, "missing", "x", out, artifact.FormatBinary), artifact.ErrSessionNotFound)
	_, err := c.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, artifact.ErrSessionNotFound)
	_, err = c.ListArtifacts(ctx, "missing")
	assert.ErrorIs(t, err, artifact.ErrSessionNotFound)
	assert.ErrorIs(t, c.DeleteSession(ctx, "missing"), artifact.ErrSessionNotFound)

	id, err := c.CreateSession(ctx, time.Hour, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Load(ctx, id, "never-saved", artifact.FormatBinary, &out), artifact.ErrArtifactNotFound)
}

func testExpiryAndReap(t *testing.T, newCache Factory) {
	ctx := context.Background()
	clock := NewClock()
	c := newCache(t, clock)

	expiring, err := c.CreateSession(ctx, 0, nil)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, expiring, "data", []byte("x"), artifact.FormatBinary))
	live, err := c.CreateSession(ctx, 4*time.Hour, nil)
	require.NoError(t, err)

	// Expiry is strict: a session is not expired at exactly expires_at.
	res, err := c.Reap(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SessionsRemoved)

	clock.Advance(time.Second)
	// Load does not check expiry.
	var out []byte
	require.NoError(t, c.Load(ctx, expiring, "data", artifact.FormatBinary, &out))

	res, err = c.Reap(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.SessionsRemoved)
	assert.Equal(t, []string{expiring}, res.SessionIDs)
	assert.ErrorIs(t, c.Load(ctx, expiring, "data", artifact.FormatBinary, &out), artifact.ErrSessionNotFound)

	res, err = c.Reap(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SessionsRemoved, "reaping again removes nothing")

	_, err = c.GetSession(ctx, live)
	require.NoError(t, err)
}

func testDryRun(t *testing.T, newCache Factory) {
	ctx := context.Background()
	clock := NewClock()
	c := newCache(t, clock)
	id, err := c.CreateSession(ctx, time.Minute, nil)
	require.NoError(t, err)
	clock.Advance(time.Hour)

	res, err := c.Reap(ctx, true)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, 1, res.SessionsRemoved)
	_, err = c.GetSession(ctx, id)
	require.NoError(t, err, "dry run keeps the session")
}

func testConcurrentSaves(t *testing.T, newCache Factory) {
	ctx := context.Background()
	c := newCache(t, NewClock())
	id, err := c.CreateSession(ctx, time.Hour, nil)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Save(ctx, id, fmt.Sprintf("part-%02d", i), []byte{byte(i)}, artifact.FormatBinary)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	refs, err := c.ListArtifacts(ctx, id)
	require.NoError(t, err)
	assert.Len(t, refs, n, "no index entry is lost")
	for i := 0; i < n; i++ {
		var out []byte
		require.NoError(t, c.Load(ctx, id, fmt.Sprintf("part-%02d", i), artifact.FormatBinary, &out))
		assert.Equal(t, []byte{byte(i)}, out)
	}
}

func testIsolation(t *testing.T, newCache Factory) {
	ctx := context.Background()
	c := newCache(t, NewClock())
	a, err := c.CreateSession(ctx, time.Hour, nil)
	require.NoError(t, err)
	b, err := c.CreateSession(ctx, time.Hour, nil)
	require.NoError(t, err)
	require.NotEqual(t, a, b)

	require.NoError(t, c.Save(ctx, a, "shared-name", "from a", artifact.FormatBinary))
	require.NoError(t, c.Save(ctx, b, "shared-name", "from b", artifact.FormatBinary))
	var got string
	require.NoError(t, c.Load(ctx, a, "shared-name", artifact.FormatBinary, &got))
	assert.Equal(t, "from a", got)
	require.NoError(t, c.Load(ctx, b, "shared-name", artifact.FormatBinary, &got))
	assert.Equal(t, "from b", got)
}

func testDeleteSession(t *testing.T, newCache Factory) {
	ctx := context.Background()
	c := newCache(t, NewClock())
	id, err := c.CreateSession(ctx, time.Hour, nil)
	require.NoError(t, err)
	require.NoError(t, c.Save(ctx, id, "data", []byte("x"), artifact.FormatBinary))

	require.NoError(t, c.DeleteSession(ctx, id))
	_, err = c.GetSession(ctx, id)
	assert.ErrorIs(t, err, artifact.ErrSessionNotFound)
	assert.ErrorIs(t, c.DeleteSession(ctx, id), artifact.ErrSessionNotFound)
}
