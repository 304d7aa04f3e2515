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
	"time"
)

// StageCallbackContext describes the stage a callback fires for.
type StageCallbackContext struct {
	// StageID is the stage being executed.
	StageID string
	// Step is the run-wide step number of this execution, starting at 1.
	Step int
	// StartedAt is when the stage function was entered.
	StartedAt time.Time
	// RunID identifies the run.
	RunID string
}

// BeforeStageCallback is called before a stage runs.
// A non-nil partial skips the stage function and is merged in its place.
// A non-nil error is recorded as the stage's error.
type BeforeStageCallback func(
	ctx context.Context,
	callbackCtx *StageCallbackContext,
	state State,
) (State, error)

// AfterStageCallback is called after a stage returns, before merging.
// A non-nil partial replaces the stage's result; a non-nil error marks
// the stage as failed.
type AfterStageCallback func(
	ctx context.Context,
	callbackCtx *StageCallbackContext,
	state State,
	partial State,
	stageErr error,
) (State, error)

// OnStageErrorCallback observes stage failures. It cannot change the
// outcome.
type OnStageErrorCallback func(
	ctx context.Context,
	callbackCtx *StageCallbackContext,
	state State,
	err error,
)

// StageCallbacks holds callbacks for stage execution.
type StageCallbacks struct {
	BeforeStage  []BeforeStageCallback
	AfterStage   []AfterStageCallback
	OnStageError []OnStageErrorCallback
}

// NewStageCallbacks creates an empty StageCallbacks.
func NewStageCallbacks() *StageCallbacks {
	return &StageCallbacks{}
}

// RegisterBeforeStage registers a before stage callback.
func (c *StageCallbacks) RegisterBeforeStage(cb BeforeStageCallback) *StageCallbacks {
	c.BeforeStage = append(c.BeforeStage, cb)
	return c
}

// RegisterAfterStage registers an after stage callback.
func (c *StageCallbacks) RegisterAfterStage(cb AfterStageCallback) *StageCallbacks {
	c.AfterStage = append(c.AfterStage, cb)
	return c
}

// RegisterOnStageError registers an on stage error callback.
func (c *StageCallbacks) RegisterOnStageError(cb OnStageErrorCallback) *StageCallbacks {
	c.OnStageError = append(c.OnStageError, cb)
	return c
}

// RunBeforeStage runs the before callbacks in order and stops at the
// first that returns a partial or an error.
func (c *StageCallbacks) RunBeforeStage(
	ctx context.Context,
	callbackCtx *StageCallbackContext,
	state State,
) (State, error) {
	if c == nil {
		return nil, nil
	}
	for _, cb := range c.BeforeStage {
		partial, err := cb(ctx, callbackCtx, state)
		if err != nil {
			return nil, err
		}
		if partial != nil {
			return partial, nil
		}
	}
	return nil, nil
}

// RunAfterStage threads the stage result through every after callback.
func (c *StageCallbacks) RunAfterStage(
	ctx context.Context,
	callbackCtx *StageCallbackContext,
	state State,
	partial State,
	stageErr error,
) (State, error) {
	if c == nil {
		return partial, stageErr
	}
	for _, cb := range c.AfterStage {
		replaced, err := cb(ctx, callbackCtx, state, partial, stageErr)
		if err != nil {
			return nil, err
		}
		if replaced != nil {
			partial = replaced
		}
	}
	return partial, stageErr
}

// RunOnStageError runs every error callback.
func (c *StageCallbacks) RunOnStageError(
	ctx context.Context,
	callbackCtx *StageCallbackContext,
	state State,
	err error,
) {
	if c == nil {
		return
	}
	for _, cb := range c.OnStageError {
		cb(ctx, callbackCtx, state, err)
	}
}
