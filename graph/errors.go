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
	"errors"
	"fmt"
	"sort"
)

// Build-time errors, reported by StateGraph.Compile.
var (
	ErrDuplicateStageName = errors.New("duplicate stage name")
	ErrUnknownStage       = errors.New("unknown stage")
	ErrUnreachableStage   = errors.New("unreachable stage")
	ErrNoTerminalNode     = errors.New("no path reaches the end node")
	ErrInvalidGraph       = errors.New("invalid graph")
	ErrUnbalancedFork     = errors.New("fork branches did not converge on one join")
)

// Runtime errors that abort a run.
var (
	ErrRoutingContract  = errors.New("routing contract violation")
	ErrMaxStepsExceeded = errors.New("maximum execution steps exceeded")
	ErrRouterFailed     = errors.New("router failed")
	ErrExecutorClosed   = errors.New("executor is closed")
)

// StageError is a non-fatal failure reported by a stage. The executor
// records it in the errors field and carries on along the stage's
// outgoing edge.
type StageError struct {
	Stage string
	Err   error
}

// Error implements error.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying stage error.
func (e *StageError) Unwrap() error { return e.Err }

// RoutingContractViolation is returned when a router picks a destination
// outside the set declared for its conditional edge. It is a programming
// defect and aborts the run.
type RoutingContractViolation struct {
	From     string
	Got      string
	Declared []string
}

// Error implements error.
func (e *RoutingContractViolation) Error() string {
	return fmt.Sprintf("%v: router on %s returned %q, declared destinations %v",
		ErrRoutingContract, e.From, e.Got, e.Declared)
}

// Unwrap lets errors.Is match ErrRoutingContract.
func (e *RoutingContractViolation) Unwrap() error { return ErrRoutingContract }

func newRoutingViolation(from, got string, declared map[string]struct{}) *RoutingContractViolation {
	names := make([]string, 0, len(declared))
	for name := range declared {
		names = append(names, name)
	}
	sort.Strings(names)
	return &RoutingContractViolation{From: from, Got: got, Declared: names}
}
