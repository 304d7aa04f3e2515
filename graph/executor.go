//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	itelemetry "trpc.group/trpc-go/trpc-stagegraph-go/internal/telemetry"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
	"trpc.group/trpc-go/trpc-stagegraph-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-stagegraph-go/telemetry/trace"
)

const (
	// DefaultMaxSteps bounds the number of stage executions in one run.
	DefaultMaxSteps = 1000
)

// Executor runs a compiled Plan. One Executor may serve many concurrent
// runs; each Invoke has its own State.
type Executor struct {
	plan      *Plan
	maxSteps  int
	cache     artifact.Cache
	values    map[string]any
	callbacks *StageCallbacks
	pool      *ants.Pool
	slots     chan struct{}
	closed    atomic.Bool
}

// ExecutorOption is a function that configures an Executor.
type ExecutorOption func(*ExecutorOptions)

// ExecutorOptions contains options for creating executors.
type ExecutorOptions struct {
	// MaxSteps caps stage executions per run. Zero or less disables the cap.
	MaxSteps int
	// MaxConcurrency caps stage functions running at once. Zero or less
	// means unbounded.
	MaxConcurrency int
	// Cache is exposed to stages through Config.Cache.
	Cache artifact.Cache
	// Values is exposed to stages through Config.Values.
	Values map[string]any
	// Callbacks run around every stage.
	Callbacks *StageCallbacks
}

// WithMaxSteps sets the maximum number of stage executions per run.
func WithMaxSteps(maxSteps int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxSteps = maxSteps
	}
}

// WithMaxConcurrency limits how many stage functions run at the same time
// across all fork branches.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.MaxConcurrency = n
	}
}

// WithCache hands the artifact cache to every stage.
func WithCache(cache artifact.Cache) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Cache = cache
	}
}

// WithValues sets static settings passed to every stage.
func WithValues(values map[string]any) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Values = values
	}
}

// WithCallbacks sets callbacks that run around every stage.
func WithCallbacks(callbacks *StageCallbacks) ExecutorOption {
	return func(opts *ExecutorOptions) {
		opts.Callbacks = callbacks
	}
}

// NewExecutor creates a new executor for the given plan.
func NewExecutor(plan *Plan, opts ...ExecutorOption) (*Executor, error) {
	if plan == nil {
		return nil, errors.New("plan cannot be nil")
	}
	options := &ExecutorOptions{MaxSteps: DefaultMaxSteps}
	for _, opt := range opts {
		opt(options)
	}
	// Branch walkers mostly wait on joins, so the pool is unbounded and
	// stage concurrency is limited by slots instead.
	pool, err := ants.NewPool(-1)
	if err != nil {
		return nil, fmt.Errorf("create fork pool: %w", err)
	}
	e := &Executor{
		plan:      plan,
		maxSteps:  options.MaxSteps,
		cache:     options.Cache,
		values:    options.Values,
		callbacks: options.Callbacks,
		pool:      pool,
	}
	if options.MaxConcurrency > 0 {
		e.slots = make(chan struct{}, options.MaxConcurrency)
	}
	return e, nil
}

// Close releases the fork pool. Runs in flight finish on plain goroutines.
func (e *Executor) Close() {
	if e.closed.CompareAndSwap(false, true) {
		e.pool.Release()
	}
}

// RunOption configures a single Invoke call.
type RunOption func(*runOptions)

type runOptions struct {
	runID string
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) {
		o.runID = id
	}
}

// Invoke runs the plan from its entry point and returns the final state.
//
// Stage failures never abort the run: they are recorded in the errors
// field and the walk continues. A router error, a routing contract
// violation, an unbalanced fork, an exhausted step budget or a cancelled
// ctx abort the run; the state reached so far is returned with
// workflow_status set to failed, together with the error.
func (e *Executor) Invoke(ctx context.Context, initial State, opts ...RunOption) (State, error) {
	if e.closed.Load() {
		return nil, ErrExecutorClosed
	}
	ro := runOptions{}
	for _, opt := range opts {
		opt(&ro)
	}
	if ro.runID == "" {
		ro.runID = uuid.NewString()
	}
	if initial == nil {
		initial = State{}
	}
	schema := e.plan.schema
	state := schema.Init(initial.DeepCopy())
	if err := schema.Validate(state); err != nil {
		return nil, fmt.Errorf("invalid initial state: %w", err)
	}

	ctx, span := trace.Tracer.Start(ctx, itelemetry.SpanNameRun)
	defer span.End()
	span.SetAttributes(attribute.String(itelemetry.KeyRunID, ro.runID))

	r := &run{
		exec:   e,
		plan:   e.plan,
		id:     ro.runID,
		state:  state,
		logger: log.With("run_id", ro.runID),
		cfg:    Config{RunID: ro.runID, Cache: e.cache, Values: e.values},
	}
	r.logger.Debugf("run started at %s", e.plan.entryPoint)
	_, err := r.walk(ctx, e.plan.entryPoint, "")
	final := r.finish(err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(itelemetry.KeyError, err.Error()))
		r.logger.Errorf("run aborted after %d steps: %v", r.steps.Load(), err)
		return final, err
	}
	r.logger.Infof("run finished: %s, %d errors", final.String(StateKeyWorkflowStatus), len(final.Errors()))
	return final, nil
}

// run is the bookkeeping of one Invoke.
type run struct {
	exec   *Executor
	plan   *Plan
	id     string
	cfg    Config
	logger log.Logger
	steps  atomic.Int64

	mu    sync.Mutex
	state State
}

// walk follows one branch from id until End. Inside a fork the branch
// stops in front of stopAt, the stage where the fork's branches meet, so
// the forking walk can run it once every sibling has arrived.
func (r *run) walk(ctx context.Context, id, stopAt string) (string, error) {
	for {
		if id == End || id == stopAt {
			return id, nil
		}

		step, err := r.nextStep(ctx)
		if err != nil {
			return "", err
		}
		r.executeStage(ctx, id, step)

		next, err := r.next(ctx, id)
		if err != nil {
			return "", err
		}
		switch len(next) {
		case 0:
			return End, nil
		case 1:
			id = next[0]
		default:
			// A join shared with an enclosing fork equals stopAt and is
			// handed back to that fork.
			if id, err = r.fork(ctx, id, next); err != nil {
				return "", err
			}
		}
	}
}

// fork runs every branch concurrently and waits for all of them at the
// join resolved by Compile.
func (r *run) fork(ctx context.Context, from string, branches []string) (string, error) {
	join, ok := r.plan.ForkJoin(from)
	if !ok {
		join = End
	}
	stops := make([]string, len(branches))
	errs := make([]error, len(branches))
	var wg sync.WaitGroup
	for i, branch := range branches {
		wg.Add(1)
		task := func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errs[i] = fmt.Errorf("branch %s panicked: %v", branch, rec)
				}
			}()
			stops[i], errs[i] = r.walk(ctx, branch, join)
		}
		r.exec.submit(task)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return "", err
	}
	for _, stop := range stops {
		if stop != join {
			return "", fmt.Errorf("%w: branches of %s stopped at %v, want %s", ErrUnbalancedFork, from, stops, join)
		}
	}
	r.logger.Debugf("fork at %s joined at %s", from, join)
	return join, nil
}

func (e *Executor) submit(task func()) {
	if !e.closed.Load() {
		if err := e.pool.Submit(task); err == nil {
			return
		}
	}
	go task()
}

func (r *run) nextStep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := int(r.steps.Add(1))
	if limit := r.exec.maxSteps; limit > 0 && n > limit {
		return 0, fmt.Errorf("%w: limit %d", ErrMaxStepsExceeded, limit)
	}
	return n, nil
}

func (r *run) snapshot() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.DeepCopy()
}

// executeStage runs one stage and merges its outcome. It never fails the
// run: a stage error is recorded in State.
func (r *run) executeStage(ctx context.Context, id string, step int) {
	node, _ := r.plan.Node(id)
	ctx, span := trace.Tracer.Start(ctx, fmt.Sprintf("%s %s", itelemetry.SpanNamePrefixStage, id))
	defer span.End()
	span.SetAttributes(
		attribute.String(itelemetry.KeyRunID, r.id),
		attribute.String(itelemetry.KeyStage, id),
	)

	snapshot := r.snapshot()
	cbCtx := &StageCallbackContext{StageID: id, Step: step, StartedAt: time.Now(), RunID: r.id}
	r.logger.Debugf("stage %s started (step %d)", id, step)

	partial, err := r.invokeStage(ctx, node, cbCtx, snapshot)
	elapsed := time.Since(cbCtx.StartedAt)
	if err != nil {
		stageErr := &StageError{Stage: id, Err: err}
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(
			attribute.String(itelemetry.KeyStageStatus, StageStatusFailed),
			attribute.String(itelemetry.KeyError, err.Error()),
		)
		r.exec.callbacks.RunOnStageError(ctx, cbCtx, snapshot, stageErr)
		node.callbacks.RunOnStageError(ctx, cbCtx, snapshot, stageErr)
		r.logger.Warnf("stage %s failed after %s: %v", id, elapsed, err)
		r.merge(id, StageStatusFailed, State{StateKeyErrors: []string{stageErr.Error()}})
		metric.RecordStage(ctx, id, StageStatusFailed, elapsed)
		return
	}
	span.SetAttributes(attribute.String(itelemetry.KeyStageStatus, StageStatusCompleted))
	r.logger.Debugf("stage %s completed in %s", id, elapsed)
	r.merge(id, StageStatusCompleted, r.dropReserved(id, partial))
	metric.RecordStage(ctx, id, StageStatusCompleted, elapsed)
}

func (r *run) invokeStage(
	ctx context.Context,
	node *Node,
	cbCtx *StageCallbackContext,
	snapshot State,
) (partial State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			partial, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	if slots := r.exec.slots; slots != nil {
		slots <- struct{}{}
		defer func() { <-slots }()
	}

	hooks := []*StageCallbacks{r.exec.callbacks, node.callbacks}
	skipped := false
	for _, cb := range hooks {
		if partial, err = cb.RunBeforeStage(ctx, cbCtx, snapshot); err != nil || partial != nil {
			skipped = true
			break
		}
	}
	if !skipped {
		partial, err = node.Function(ctx, snapshot, r.cfg)
	}
	for _, cb := range hooks {
		partial, err = cb.RunAfterStage(ctx, cbCtx, snapshot, partial, err)
	}
	return partial, err
}

// dropReserved removes fields only the engine may write.
func (r *run) dropReserved(id string, partial State) State {
	out := make(State, len(partial))
	for k, v := range partial {
		if r.plan.schema.IsReserved(k) {
			r.logger.Warnf("stage %s wrote reserved field %s, dropped", id, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *run) merge(id, status string, update State) {
	update[StateKeyCurrentStage] = id
	update[StateKeyStageStatus] = map[string]string{id: status}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = r.plan.schema.ApplyUpdate(r.state, update)
}

// next resolves the successors of a stage that just ran.
func (r *run) next(ctx context.Context, id string) ([]string, error) {
	if ce, ok := r.plan.ConditionalEdge(id); ok {
		to, err := r.route(ctx, ce)
		if err != nil {
			return nil, err
		}
		return []string{to}, nil
	}
	edges := r.plan.Edges(id)
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.To)
	}
	return out, nil
}

func (r *run) route(ctx context.Context, ce *ConditionalEdge) (string, error) {
	ctx, span := trace.Tracer.Start(ctx, fmt.Sprintf("%s %s", itelemetry.SpanNamePrefixRoute, ce.From))
	defer span.End()
	span.SetAttributes(attribute.String(itelemetry.KeyStage, ce.From))

	cmd, err := callRouter(ctx, ce.Router, r.snapshot())
	if err == nil && cmd == nil {
		err = errors.New("router returned no command")
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("%w on %s: %w", ErrRouterFailed, ce.From, err)
	}
	if _, ok := ce.Destinations[cmd.GoTo]; !ok {
		violation := newRoutingViolation(ce.From, cmd.GoTo, ce.Destinations)
		span.SetStatus(codes.Error, violation.Error())
		return "", violation
	}
	if len(cmd.Update) > 0 {
		r.mu.Lock()
		r.state = r.plan.schema.ApplyUpdate(r.state, cmd.Update)
		r.mu.Unlock()
	}
	span.SetAttributes(attribute.String(itelemetry.KeyNextStage, cmd.GoTo))
	metric.RecordRoute(ctx, ce.From, cmd.GoTo)
	r.logger.Debugf("routed %s -> %s", ce.From, cmd.GoTo)
	return cmd.GoTo, nil
}

func callRouter(ctx context.Context, router CommandRouterFunc, state State) (cmd *Command, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			cmd, err = nil, fmt.Errorf("panic: %v", rec)
		}
	}()
	return router(ctx, state)
}

// finish stamps workflow_status and hands the state to the caller.
func (r *run) finish(runErr error) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	status := WorkflowCompleted
	switch {
	case runErr != nil:
		status = WorkflowFailed
	case len(r.state.Errors()) > 0:
		status = WorkflowCompletedWithErrors
	}
	r.state[StateKeyWorkflowStatus] = status
	return r.state
}
