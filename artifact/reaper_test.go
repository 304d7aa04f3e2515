//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package artifact

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reapCounter is a Cache whose Reap reports a fixed result.
type reapCounter struct {
	Cache
	calls atomic.Int32
	err   error
}

func (c *reapCounter) Reap(ctx context.Context, dryRun bool) (ReapResult, error) {
	c.calls.Add(1)
	return ReapResult{SessionsRemoved: 1, DryRun: dryRun}, c.err
}

func TestReapExpired(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sessions := []*Session{
		NewSession("c", now.Add(-2*time.Hour), time.Hour, nil),
		NewSession("a", now.Add(-2*time.Hour), time.Hour, nil),
		NewSession("live", now, time.Hour, nil),
		NewSession("gone", now.Add(-2*time.Hour), 0, nil),
	}

	dry, err := ReapExpired(context.Background(), sessions, now, true, func(context.Context, string) error {
		t.Fatal("dry run must not remove")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, ReapResult{SessionsRemoved: 3, SessionIDs: []string{"a", "c", "gone"}, DryRun: true}, dry)

	var mu sync.Mutex
	var removed []string
	res, err := ReapExpired(context.Background(), sessions, now, false, func(_ context.Context, id string) error {
		if id == "gone" {
			return ErrSessionNotFound
		}
		mu.Lock()
		removed = append(removed, id)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, res.SessionIDs, "sessions removed concurrently are not counted")
	assert.Equal(t, 2, res.SessionsRemoved)
	assert.ElementsMatch(t, []string{"a", "c"}, removed)
}

func TestReapExpiredPropagatesErrors(t *testing.T) {
	now := time.Now()
	sessions := []*Session{NewSession("x", now.Add(-time.Hour), 0, nil)}
	boom := errors.New("disk on fire")
	_, err := ReapExpired(context.Background(), sessions, now, false, func(context.Context, string) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestReaperRunOnce(t *testing.T) {
	c := &reapCounter{}
	r := NewReaper(c, WithDryRun(true))
	res, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Equal(t, int32(1), c.calls.Load())
}

func TestReaperBackground(t *testing.T) {
	c := &reapCounter{err: errors.New("transient")}
	sweeps := make(chan error, 16)
	r := NewReaper(c,
		WithInterval(5*time.Millisecond),
		WithSweepHook(func(_ ReapResult, err error) {
			select {
			case sweeps <- err:
			default:
			}
		}))
	r.Start(context.Background())
	r.Start(context.Background())

	for i := 0; i < 3; i++ {
		select {
		case err := <-sweeps:
			assert.Error(t, err, "a failed sweep does not stop the reaper")
		case <-time.After(2 * time.Second):
			t.Fatal("reaper did not sweep")
		}
	}
	r.Stop()
	after := c.calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, c.calls.Load(), "no sweeps after Stop")
	r.Stop()
}

func TestReaperStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := NewReaper(&reapCounter{}, WithInterval(time.Hour))
	r.Start(ctx)
	cancel()
	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestSessionClone(t *testing.T) {
	s := NewSession("s", time.Now(), time.Hour, map[string]string{"k": "v"})
	s.PutArtifact(Ref{Name: "a"})
	c := s.Clone()
	c.Metadata["k"] = "w"
	c.Artifacts[0].Name = "b"
	assert.Equal(t, "v", s.Metadata["k"])
	assert.Equal(t, "a", s.Artifacts[0].Name)
}
