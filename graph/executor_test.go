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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func write(partial State) StageFunc {
	return func(ctx context.Context, s State, cfg Config) (State, error) {
		return partial, nil
	}
}

func newTestExecutor(t *testing.T, plan *Plan, opts ...ExecutorOption) *Executor {
	t.Helper()
	exec, err := NewExecutor(plan, opts...)
	require.NoError(t, err)
	t.Cleanup(exec.Close)
	return exec
}

// rendezvous blocks every caller until n callers have arrived, proving the
// callers run at the same time.
type rendezvous struct {
	wg   sync.WaitGroup
	done chan struct{}
}

func newRendezvous(n int) *rendezvous {
	r := &rendezvous{done: make(chan struct{})}
	r.wg.Add(n)
	go func() {
		r.wg.Wait()
		close(r.done)
	}()
	return r
}

func (r *rendezvous) arrive() error {
	r.wg.Done()
	select {
	case <-r.done:
		return nil
	case <-time.After(2 * time.Second):
		return errors.New("sibling branch never started")
	}
}

func forkJoinGraph(b, c, d StageFunc) *StateGraph {
	return NewStateGraph(nil).
		AddStage("A", write(State{"a": true})).
		AddStage("B", b).
		AddStage("C", c).
		AddStage("D", d).
		AddEdge("A", "B").
		AddEdge("A", "C").
		AddEdge("B", "D").
		AddEdge("C", "D").
		SetFinishPoint("D")
}

func TestForkMergesAdditiveFields(t *testing.T) {
	var atJoin State
	plan := forkJoinGraph(
		write(State{StateKeyErrors: []string{"b1", "b2"}}),
		write(State{StateKeyErrors: []string{"c1", "c2"}}),
		func(ctx context.Context, s State, cfg Config) (State, error) {
			atJoin = s
			return nil, nil
		},
	).MustCompile("A")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)

	require.NotNil(t, atJoin)
	errs := atJoin.Errors()
	require.Len(t, errs, 4)
	assert.ElementsMatch(t, []string{"b1", "b2", "c1", "c2"}, errs)
	assert.Less(t, indexOf(errs, "b1"), indexOf(errs, "b2"), "order within a branch is kept")
	assert.Less(t, indexOf(errs, "c1"), indexOf(errs, "c2"))
	assert.Equal(t, WorkflowCompletedWithErrors, final.String(StateKeyWorkflowStatus))
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestForkRunsBranchesConcurrently(t *testing.T) {
	meet := newRendezvous(2)
	branch := func(field string) StageFunc {
		return func(ctx context.Context, s State, cfg Config) (State, error) {
			if err := meet.arrive(); err != nil {
				return nil, err
			}
			return State{field: true}, nil
		}
	}
	plan := forkJoinGraph(branch("b"), branch("c"), noop).MustCompile("A")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, final.Errors())
	assert.Equal(t, WorkflowCompleted, final.String(StateKeyWorkflowStatus))
}

func TestJoinWaitsForEveryPredecessor(t *testing.T) {
	var joinRuns atomic.Int32
	var seen State
	slow := func(ctx context.Context, s State, cfg Config) (State, error) {
		time.Sleep(50 * time.Millisecond)
		return State{"from_b": "slow"}, nil
	}
	join := func(ctx context.Context, s State, cfg Config) (State, error) {
		joinRuns.Add(1)
		seen = s
		return nil, nil
	}
	plan := forkJoinGraph(slow, write(State{"from_c": "fast"}), join).MustCompile("A")

	_, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), joinRuns.Load())
	assert.Equal(t, "slow", seen["from_b"])
	assert.Equal(t, "fast", seen["from_c"])
}

func TestNestedForkSharesOuterJoin(t *testing.T) {
	var joinRuns atomic.Int32
	var seen State
	plan := NewStateGraph(nil).
		AddStage("A", noop).
		AddStage("B", noop).
		AddStage("C", write(State{"c": 1})).
		AddStage("B1", write(State{"b1": 1})).
		AddStage("B2", write(State{"b2": 1})).
		AddStage("J", func(ctx context.Context, s State, cfg Config) (State, error) {
			joinRuns.Add(1)
			seen = s
			return nil, nil
		}).
		AddEdge("A", "B").
		AddEdge("A", "C").
		AddEdge("B", "B1").
		AddEdge("B", "B2").
		AddEdge("B1", "J").
		AddEdge("B2", "J").
		AddEdge("C", "J").
		SetFinishPoint("J").
		MustCompile("A")

	_, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), joinRuns.Load())
	for _, k := range []string{"b1", "b2", "c"} {
		assert.Contains(t, seen, k)
	}
}

func TestStageErrorIsRecordedAndRunContinues(t *testing.T) {
	failing := func(ctx context.Context, s State, cfg Config) (State, error) {
		return State{"half": "done"}, errors.New("upstream timeout")
	}
	var reachedNext bool
	plan := NewStateGraph(nil).
		AddStage("load", failing).
		AddStage("next", func(ctx context.Context, s State, cfg Config) (State, error) {
			reachedNext = true
			return nil, nil
		}).
		AddEdge("load", "next").
		SetFinishPoint("next").
		MustCompile("load")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, reachedNext)
	assert.NotContains(t, final, "half", "partial output of a failed stage is dropped")
	assert.Equal(t, []string{"stage load: upstream timeout"}, final.Errors())
	assert.Equal(t, StageStatusFailed, final.StageStatus("load"))
	assert.Equal(t, StageStatusCompleted, final.StageStatus("next"))
	assert.Equal(t, "next", final.String(StateKeyCurrentStage))
	assert.Equal(t, WorkflowCompletedWithErrors, final.String(StateKeyWorkflowStatus))
}

func TestStagePanicBecomesStageError(t *testing.T) {
	plan := NewStateGraph(nil).
		AddStage("boom", func(ctx context.Context, s State, cfg Config) (State, error) {
			panic("bad input")
		}).
		SetFinishPoint("boom").
		MustCompile("boom")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, final.Errors(), 1)
	assert.Contains(t, final.Errors()[0], "bad input")
}

func TestRoutingContractViolationAborts(t *testing.T) {
	var ranAfter bool
	plan := NewStateGraph(nil).
		AddStage("validate", noop).
		AddStage("fix", func(ctx context.Context, s State, cfg Config) (State, error) {
			ranAfter = true
			return nil, nil
		}).
		AddConditionalEdge("validate", func(ctx context.Context, s State) (string, error) {
			return "somewhere-else", nil
		}, "fix", End).
		SetFinishPoint("fix").
		MustCompile("validate")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRoutingContract)
	var violation *RoutingContractViolation
	require.True(t, errors.As(err, &violation))
	assert.Equal(t, "validate", violation.From)
	assert.Equal(t, "somewhere-else", violation.Got)
	assert.Equal(t, []string{End, "fix"}, violation.Declared)
	assert.False(t, ranAfter)
	assert.Equal(t, WorkflowFailed, final.String(StateKeyWorkflowStatus))
	assert.Equal(t, StageStatusCompleted, final.StageStatus("validate"))
}

func TestRouterErrorAborts(t *testing.T) {
	plan := NewStateGraph(nil).
		AddStage("validate", noop).
		AddConditionalEdge("validate", func(ctx context.Context, s State) (string, error) {
			return "", errors.New("classifier down")
		}, End).
		MustCompile("validate")

	_, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrRouterFailed)
	assert.Contains(t, err.Error(), "classifier down")
}

// counting returns a stage that counts its runs under name.
func counting(runs map[string]*atomic.Int32, name string) StageFunc {
	runs[name] = &atomic.Int32{}
	return func(ctx context.Context, s State, cfg Config) (State, error) {
		runs[name].Add(1)
		return State{StateKeyLogs: []string{name}}, nil
	}
}

// routeOnce routes to first on its first call and to End afterwards.
func routeOnce(first string) RouterFunc {
	var calls atomic.Int32
	return func(ctx context.Context, s State) (string, error) {
		if calls.Add(1) == 1 {
			return first, nil
		}
		return End, nil
	}
}

func TestForkBranchWithLoopBackEdge(t *testing.T) {
	runs := map[string]*atomic.Int32{}
	plan := NewStateGraph(nil).
		AddStage("A", counting(runs, "A")).
		AddStage("B", counting(runs, "B")).
		AddStage("C", counting(runs, "C")).
		AddStage("D", counting(runs, "D")).
		AddStage("E", counting(runs, "E")).
		AddEdge("A", "B").
		AddEdge("A", "C").
		AddEdge("B", "D").
		AddEdge("C", "D").
		AddConditionalEdge("D", routeOnce("E"), "E", End).
		AddEdge("E", "B").
		MustCompile("A")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowCompleted, final.String(StateKeyWorkflowStatus))
	assert.Equal(t, int32(2), runs["B"].Load(), "B runs in the fork and again after the loop")
	assert.Equal(t, int32(1), runs["C"].Load())
	assert.Equal(t, int32(2), runs["D"].Load())
	assert.Equal(t, int32(1), runs["E"].Load())
}

func TestNestedJoinWithLoopBackEdge(t *testing.T) {
	runs := map[string]*atomic.Int32{}
	plan := NewStateGraph(nil).
		AddStage("A", counting(runs, "A")).
		AddStage("B", counting(runs, "B")).
		AddStage("C", counting(runs, "C")).
		AddStage("B1", counting(runs, "B1")).
		AddStage("B2", counting(runs, "B2")).
		AddStage("K", counting(runs, "K")).
		AddStage("J", counting(runs, "J")).
		AddStage("L", counting(runs, "L")).
		AddEdge("A", "B").
		AddEdge("A", "C").
		AddEdge("B", "B1").
		AddEdge("B", "B2").
		AddEdge("B1", "K").
		AddEdge("B2", "K").
		AddEdge("K", "J").
		AddEdge("C", "J").
		AddConditionalEdge("J", routeOnce("L"), "L", End).
		AddEdge("L", "K").
		MustCompile("A")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, WorkflowCompleted, final.String(StateKeyWorkflowStatus))
	assert.Equal(t, int32(2), runs["K"].Load())
	assert.Equal(t, int32(2), runs["J"].Load())
	assert.Equal(t, int32(1), runs["B1"].Load())
	assert.Equal(t, int32(1), runs["C"].Load())
}

func TestMaxStepsStopsEndlessLoop(t *testing.T) {
	plan := NewStateGraph(nil).
		AddStage("spin", noop).
		AddConditionalEdge("spin", func(ctx context.Context, s State) (string, error) {
			return "spin", nil
		}, "spin", End).
		MustCompile("spin")

	final, err := newTestExecutor(t, plan, WithMaxSteps(5)).Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrMaxStepsExceeded)
	assert.Equal(t, WorkflowFailed, final.String(StateKeyWorkflowStatus))
}

func TestCancelledContextStopsBetweenSteps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	plan := NewStateGraph(nil).
		AddStage("first", func(ctx context.Context, s State, cfg Config) (State, error) {
			cancel()
			return State{"first": true}, nil
		}).
		AddStage("second", write(State{"second": true})).
		AddEdge("first", "second").
		SetFinishPoint("second").
		MustCompile("first")

	final, err := newTestExecutor(t, plan).Invoke(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, true, final["first"])
	assert.NotContains(t, final, "second")
}

func TestStageWritesToReservedFieldsAreDropped(t *testing.T) {
	plan := NewStateGraph(nil).
		AddStage("sneaky", write(State{StateKeyRetryCount: 99, "ok": 1})).
		SetFinishPoint("sneaky").
		MustCompile("sneaky")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, final.Int(StateKeyRetryCount))
	assert.Equal(t, 1, final["ok"])
}

func TestCommandRouterUpdatesCounters(t *testing.T) {
	plan := NewStateGraph(nil).
		AddStage("validate", noop).
		AddStage("fix", noop).
		AddEdge("fix", "validate").
		AddCommandEdge("validate", func(ctx context.Context, s State) (*Command, error) {
			if s.Int(StateKeyRetryCount) >= 2 {
				return &Command{GoTo: End}, nil
			}
			return &Command{GoTo: "fix", Update: State{StateKeyRetryCount: s.Int(StateKeyRetryCount) + 1}}, nil
		}, "fix", End).
		MustCompile("validate")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Int(StateKeyRetryCount))
	assert.Equal(t, WorkflowCompleted, final.String(StateKeyWorkflowStatus))
}

func TestStagesReceiveConfigAndPrivateSnapshot(t *testing.T) {
	var gotRunID string
	var gotValue any
	plan := NewStateGraph(nil).
		AddStage("mutate", func(ctx context.Context, s State, cfg Config) (State, error) {
			gotRunID = cfg.RunID
			gotValue = cfg.Values["region"]
			s[StateKeyLogs] = []string{"written in place"}
			return nil, nil
		}).
		SetFinishPoint("mutate").
		MustCompile("mutate")

	exec := newTestExecutor(t, plan, WithValues(map[string]any{"region": "eu"}))
	final, err := exec.Invoke(context.Background(), State{"input": []string{"x"}}, WithRunID("run-1"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", gotRunID)
	assert.Equal(t, "eu", gotValue)
	assert.Empty(t, final[StateKeyLogs], "in-place writes to the snapshot are invisible")
}

func TestMaxConcurrencyStillCompletesForks(t *testing.T) {
	var running, peak atomic.Int32
	stage := func(ctx context.Context, s State, cfg Config) (State, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	}
	plan := forkJoinGraph(stage, stage, noop).MustCompile("A")

	_, err := newTestExecutor(t, plan, WithMaxConcurrency(1)).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), peak.Load())
}

func TestCallbacksWrapStages(t *testing.T) {
	var mu sync.Mutex
	var events []string
	record := func(e string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, e)
	}
	global := NewStageCallbacks().
		RegisterBeforeStage(func(ctx context.Context, c *StageCallbackContext, s State) (State, error) {
			record("before " + c.StageID)
			if c.StageID == "cached" {
				return State{"from_cache": true}, nil
			}
			return nil, nil
		}).
		RegisterAfterStage(func(ctx context.Context, c *StageCallbackContext, s State, p State, err error) (State, error) {
			record("after " + c.StageID)
			return nil, nil
		}).
		RegisterOnStageError(func(ctx context.Context, c *StageCallbackContext, s State, err error) {
			record("error " + c.StageID)
		})

	cachedRan := false
	plan := NewStateGraph(nil).
		AddStage("cached", func(ctx context.Context, s State, cfg Config) (State, error) {
			cachedRan = true
			return nil, nil
		}).
		AddStage("broken", func(ctx context.Context, s State, cfg Config) (State, error) {
			return nil, errors.New("nope")
		}).
		AddEdge("cached", "broken").
		SetFinishPoint("broken").
		MustCompile("cached")

	final, err := newTestExecutor(t, plan, WithCallbacks(global)).Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, cachedRan)
	assert.Equal(t, true, final["from_cache"])
	assert.Equal(t, []string{
		"before cached", "after cached",
		"before broken", "after broken", "error broken",
	}, events)
}

func TestExampleScenario(t *testing.T) {
	var atD State
	var validations int
	plan := NewStateGraph(nil).
		AddStage("A", write(State{"input": "ok"})).
		AddStage("B", func(ctx context.Context, s State, cfg Config) (State, error) {
			return nil, errors.New("b failed")
		}).
		AddStage("C", write(State{"c_result": 42})).
		AddStage("D", func(ctx context.Context, s State, cfg Config) (State, error) {
			if atD == nil {
				atD = s
			}
			return nil, nil
		}).
		AddStage("Validate", func(ctx context.Context, s State, cfg Config) (State, error) {
			validations++
			return State{"passed": s.Int(StateKeyRetryCount) > 0, "issue": "X"}, nil
		}).
		AddStage("E", noop).
		AddStage("Finalize", write(State{StateKeyStatus: "finalized"})).
		AddEdge("A", "B").
		AddEdge("A", "C").
		AddEdge("B", "D").
		AddEdge("C", "D").
		AddEdge("D", "Validate").
		AddEdge("E", "D").
		AddCommandEdge("Validate", func(ctx context.Context, s State) (*Command, error) {
			if passed, _ := s["passed"].(bool); passed {
				return &Command{GoTo: "Finalize"}, nil
			}
			return &Command{GoTo: "E", Update: State{StateKeyRetryCount: s.Int(StateKeyRetryCount) + 1}}, nil
		}, "E", "Finalize").
		SetFinishPoint("Finalize").
		MustCompile("A")

	final, err := newTestExecutor(t, plan).Invoke(context.Background(), nil)
	require.NoError(t, err)

	require.NotNil(t, atD)
	assert.Len(t, atD.Errors(), 1)
	assert.Equal(t, 42, atD["c_result"])
	assert.Equal(t, 2, validations)
	assert.Equal(t, 1, final.Int(StateKeyRetryCount))
	assert.Equal(t, "finalized", final.String(StateKeyStatus))
	assert.Equal(t, WorkflowCompletedWithErrors, final.String(StateKeyWorkflowStatus))
}

func TestClosedExecutorRejectsRuns(t *testing.T) {
	plan := NewStateGraph(nil).AddStage("a", noop).SetFinishPoint("a").MustCompile("a")
	exec, err := NewExecutor(plan)
	require.NoError(t, err)
	exec.Close()
	exec.Close()
	_, err = exec.Invoke(context.Background(), nil)
	assert.ErrorIs(t, err, ErrExecutorClosed)
}
