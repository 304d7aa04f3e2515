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
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	itelemetry "trpc.group/trpc-go/trpc-stagegraph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
	"trpc.group/trpc-go/trpc-stagegraph-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-stagegraph-go/telemetry/trace"
)

const (
	// DefaultReapInterval is how often a Reaper sweeps by default.
	DefaultReapInterval = time.Hour
	// reapParallelism bounds concurrent session deletions in one sweep.
	reapParallelism = 8
)

// ReapExpired is the sweep shared by the backends: every session expired
// at now is removed with remove, in parallel. A session that disappears
// in between is not counted. In dry-run mode nothing is removed.
func ReapExpired(
	ctx context.Context,
	sessions []*Session,
	now time.Time,
	dryRun bool,
	remove func(ctx context.Context, id string) error,
) (ReapResult, error) {
	var expired []string
	for _, s := range sessions {
		if s.Expired(now) {
			expired = append(expired, s.ID)
		}
	}
	sort.Strings(expired)
	if dryRun {
		return ReapResult{SessionsRemoved: len(expired), SessionIDs: expired, DryRun: true}, nil
	}

	var (
		mu      sync.Mutex
		removed []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reapParallelism)
	for _, id := range expired {
		g.Go(func() error {
			if err := remove(gctx, id); err != nil {
				if errors.Is(err, ErrSessionNotFound) {
					return nil
				}
				return err
			}
			mu.Lock()
			removed = append(removed, id)
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	sort.Strings(removed)
	return ReapResult{SessionsRemoved: len(removed), SessionIDs: removed}, err
}

// Reaper runs Cache.Reap on an interval, independent of any graph run.
type Reaper struct {
	cache    Cache
	interval time.Duration
	dryRun   bool
	onSweep  func(ReapResult, error)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithInterval sets the sweep interval.
func WithInterval(d time.Duration) ReaperOption {
	return func(r *Reaper) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithDryRun makes every sweep report without deleting.
func WithDryRun(dryRun bool) ReaperOption {
	return func(r *Reaper) { r.dryRun = dryRun }
}

// WithSweepHook is called after every background sweep.
func WithSweepHook(fn func(ReapResult, error)) ReaperOption {
	return func(r *Reaper) { r.onSweep = fn }
}

// NewReaper creates a stopped Reaper for cache.
func NewReaper(cache Cache, opts ...ReaperOption) *Reaper {
	r := &Reaper{cache: cache, interval: DefaultReapInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunOnce performs a single sweep.
func (r *Reaper) RunOnce(ctx context.Context) (ReapResult, error) {
	return Reap(ctx, r.cache, r.dryRun)
}

// Reap runs one traced, logged and counted sweep over cache.
func Reap(ctx context.Context, cache Cache, dryRun bool) (ReapResult, error) {
	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameReapSessions)
	defer span.End()
	span.SetAttributes(attribute.Bool(itelemetry.KeyDryRun, dryRun))

	res, err := cache.Reap(ctx, dryRun)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Errorf("reap sessions: %d removed before failure: %v", res.SessionsRemoved, err)
	} else {
		log.Infof("reap sessions: %d expired (dry run: %t)", res.SessionsRemoved, dryRun)
	}
	metric.RecordReap(ctx, res.SessionsRemoved, dryRun)
	return res, err
}

// Start begins sweeping in the background until ctx is done or Stop is
// called. The first sweep happens immediately. Starting a running Reaper
// is a no-op.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(ctx, r.done)
}

func (r *Reaper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		res, err := r.RunOnce(ctx)
		if r.onSweep != nil {
			r.onSweep(res, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the background loop and waits for the sweep in progress.
func (r *Reaper) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
