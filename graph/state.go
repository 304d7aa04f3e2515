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
	"fmt"
	"reflect"
	"sync"
)

// Fields maintained by the executor and the routing controller.
const (
	// StateKeyErrors collects every stage failure of the run.
	StateKeyErrors = "errors"
	// StateKeyLogs collects free-form progress lines written by stages.
	StateKeyLogs = "logs"
	// StateKeyCurrentStage is the last stage that finished.
	StateKeyCurrentStage = "current_stage"
	// StateKeyStatus is a free scalar status stages may overwrite.
	StateKeyStatus = "status"
	// StateKeyStageStatus maps each stage name to its last outcome.
	StateKeyStageStatus = "stage_status"
	// StateKeyWorkflowStatus is set once, when the run ends.
	StateKeyWorkflowStatus = "workflow_status"
	// StateKeyRetryCount counts upstream recompute loops.
	StateKeyRetryCount = "retry_count"
	// StateKeyRefineLoopCount counts text refinement loops.
	StateKeyRefineLoopCount = "refine_loop_count"
)

// Stage outcomes recorded under StateKeyStageStatus.
const (
	StageStatusCompleted = "completed"
	StageStatusFailed    = "failed"
)

// Values of StateKeyWorkflowStatus.
const (
	WorkflowCompleted           = "completed"
	WorkflowCompletedWithErrors = "completed_with_errors"
	WorkflowFailed              = "failed"
)

// State represents the state that flows through the graph.
// This is the shared data structure that flows between nodes.
type State map[string]any

// Clone creates a shallow copy of the state.
func (s State) Clone() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = v
	}
	return clone
}

// DeepCopy copies the state and every map, slice and pointer reachable
// from it, so the copy can be handed to another goroutine.
func (s State) DeepCopy() State {
	clone := make(State, len(s))
	for k, v := range s {
		clone[k] = deepCopyAny(v)
	}
	return clone
}

// Errors returns the recorded error strings.
func (s State) Errors() []string {
	errs, _ := s[StateKeyErrors].([]string)
	return errs
}

// Int returns an integer field, or 0 when absent or of another type.
func (s State) Int(key string) int {
	n, _ := toInt(s[key])
	return n
}

// String returns a string field, or "" when absent or of another type.
func (s State) String(key string) string {
	str, _ := s[key].(string)
	return str
}

// StageStatus returns the recorded outcome of a stage.
func (s State) StageStatus(stage string) string {
	statuses, _ := s[StateKeyStageStatus].(map[string]string)
	return statuses[stage]
}

// MergePolicy tells the executor how to combine a stage's write to a
// field with the value already in State.
type MergePolicy int

// Merge policies.
const (
	// Replace overwrites the current value.
	Replace MergePolicy = iota
	// Append concatenates slices; a single element is appended as well.
	Append
	// Max keeps the larger numeric value.
	Max
	// Min keeps the smaller numeric value.
	Min
	// Merge unions two maps, update keys winning.
	Merge
)

// String implements fmt.Stringer.
func (p MergePolicy) String() string {
	switch p {
	case Replace:
		return "replace"
	case Append:
		return "append"
	case Max:
		return "max"
	case Min:
		return "min"
	case Merge:
		return "merge"
	default:
		return fmt.Sprintf("MergePolicy(%d)", int(p))
	}
}

// StateField defines a field in the state schema.
type StateField struct {
	Type    reflect.Type
	Policy  MergePolicy
	Default func() any
	// Reserved fields are owned by the executor and routers. Writes to
	// them in a stage's partial state are dropped.
	Reserved bool
}

// StateSchema declares the merge policy of every known field. Fields not
// declared are replaced.
type StateSchema struct {
	mu     sync.RWMutex
	Fields map[string]StateField
}

// NewStateSchema creates a schema holding the engine fields.
func NewStateSchema() *StateSchema {
	s := &StateSchema{Fields: make(map[string]StateField)}
	s.addEngineFields()
	return s
}

func (s *StateSchema) addEngineFields() {
	engine := map[string]StateField{
		StateKeyErrors: {
			Type:    reflect.TypeOf([]string{}),
			Policy:  Append,
			Default: func() any { return []string{} },
		},
		StateKeyLogs: {
			Type:    reflect.TypeOf([]string{}),
			Policy:  Append,
			Default: func() any { return []string{} },
		},
		StateKeyCurrentStage:   {Type: reflect.TypeOf(""), Policy: Replace},
		StateKeyStatus:         {Type: reflect.TypeOf(""), Policy: Replace},
		StateKeyWorkflowStatus: {Type: reflect.TypeOf(""), Policy: Replace, Reserved: true},
		StateKeyStageStatus: {
			Type:     reflect.TypeOf(map[string]string{}),
			Policy:   Merge,
			Default:  func() any { return map[string]string{} },
			Reserved: true,
		},
		StateKeyRetryCount:      {Type: reflect.TypeOf(0), Policy: Max, Reserved: true},
		StateKeyRefineLoopCount: {Type: reflect.TypeOf(0), Policy: Max, Reserved: true},
	}
	for name, field := range engine {
		if _, ok := s.Fields[name]; !ok {
			s.Fields[name] = field
		}
	}
}

// AddField adds a field to the state schema.
func (s *StateSchema) AddField(name string, field StateField) *StateSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Fields[name] = field
	return s
}

// Field returns the declaration of name.
func (s *StateSchema) Field(name string) (StateField, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.Fields[name]
	return f, ok
}

// IsReserved reports whether stages are barred from writing name.
func (s *StateSchema) IsReserved(name string) bool {
	f, ok := s.Field(name)
	return ok && f.Reserved
}

// Init returns a copy of initial with defaults filled in for every
// declared field that is absent.
func (s *StateSchema) Init(initial State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := initial.Clone()
	for name, field := range s.Fields {
		if _, ok := out[name]; !ok && field.Default != nil {
			out[name] = field.Default()
		}
	}
	return out
}

// ApplyUpdate merges update into a copy of current using each field's
// policy. current is not modified.
func (s *StateSchema) ApplyUpdate(current State, update State) State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := current.Clone()
	for key, updateValue := range update {
		field, exists := s.Fields[key]
		if !exists {
			result[key] = updateValue
			continue
		}
		currentValue, ok := result[key]
		if !ok && field.Default != nil {
			currentValue = field.Default()
		}
		result[key] = mergeValue(field.Policy, currentValue, updateValue)
	}
	return result
}

// Validate checks required types of the declared fields present in state.
func (s *StateSchema) Validate(state State) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, field := range s.Fields {
		value, exists := state[name]
		if !exists || value == nil || field.Type == nil {
			continue
		}
		if valueType := reflect.TypeOf(value); !valueType.AssignableTo(field.Type) {
			return fmt.Errorf("field %s has wrong type: expected %v, got %v",
				name, field.Type, valueType)
		}
	}
	return nil
}

func mergeValue(policy MergePolicy, existing, update any) any {
	switch policy {
	case Append:
		return appendValues(existing, update)
	case Max:
		return pickNumber(existing, update, func(a, b float64) bool { return b > a })
	case Min:
		return pickNumber(existing, update, func(a, b float64) bool { return b < a })
	case Merge:
		return mergeMaps(existing, update)
	default:
		return update
	}
}

// appendValues always allocates, so two snapshots never share a backing
// array. Mismatched types fall back to replace.
func appendValues(existing, update any) any {
	uv := reflect.ValueOf(update)
	if !uv.IsValid() {
		return existing
	}
	if existing == nil {
		if uv.Kind() == reflect.Slice {
			out := reflect.MakeSlice(uv.Type(), uv.Len(), uv.Len())
			reflect.Copy(out, uv)
			return out.Interface()
		}
		out := reflect.MakeSlice(reflect.SliceOf(uv.Type()), 0, 1)
		return reflect.Append(out, uv).Interface()
	}
	ev := reflect.ValueOf(existing)
	if ev.Kind() != reflect.Slice {
		return update
	}
	switch {
	case uv.Type() == ev.Type():
		out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+uv.Len())
		out = reflect.AppendSlice(out, ev)
		return reflect.AppendSlice(out, uv).Interface()
	case uv.Type().AssignableTo(ev.Type().Elem()):
		out := reflect.MakeSlice(ev.Type(), 0, ev.Len()+1)
		out = reflect.AppendSlice(out, ev)
		return reflect.Append(out, uv).Interface()
	default:
		return update
	}
}

func pickNumber(existing, update any, better func(a, b float64) bool) any {
	if existing == nil {
		return update
	}
	a, ok1 := toFloat(existing)
	b, ok2 := toFloat(update)
	if !ok1 || !ok2 {
		return update
	}
	if better(a, b) {
		return update
	}
	return existing
}

func mergeMaps(existing, update any) any {
	uv := reflect.ValueOf(update)
	if !uv.IsValid() || uv.Kind() != reflect.Map {
		return update
	}
	ev := reflect.ValueOf(existing)
	if existing == nil || ev.Kind() != reflect.Map || ev.Type() != uv.Type() {
		if existing != nil && ev.Kind() == reflect.Map {
			return update
		}
		ev = reflect.MakeMap(uv.Type())
	}
	out := reflect.MakeMapWithSize(uv.Type(), ev.Len()+uv.Len())
	iter := ev.MapRange()
	for iter.Next() {
		out.SetMapIndex(iter.Key(), iter.Value())
	}
	iter = uv.MapRange()
	for iter.Next() {
		out.SetMapIndex(iter.Key(), iter.Value())
	}
	return out.Interface()
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
