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
	"reflect"
	"time"
)

// deepCopyAny copies maps, slices and pointers reachable from value so
// that a stage never observes writes made by a sibling branch.
func deepCopyAny(value any) any {
	switch v := value.(type) {
	case nil, string, bool, int, int64, float64, time.Time, time.Duration:
		return v
	case []string:
		return append([]string(nil), v...)
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = deepCopyAny(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = deepCopyAny(item)
		}
		return out
	}
	c := copier{seen: make(map[uintptr]reflect.Value)}
	out := c.copy(reflect.ValueOf(value))
	if !out.IsValid() {
		return nil
	}
	return out.Interface()
}

type copier struct {
	seen map[uintptr]reflect.Value
}

func (c copier) copy(rv reflect.Value) reflect.Value {
	if !rv.IsValid() {
		return rv
	}
	switch rv.Kind() {
	case reflect.Interface:
		if rv.IsNil() {
			return reflect.Zero(rv.Type())
		}
		inner := c.copy(rv.Elem())
		out := reflect.New(rv.Type()).Elem()
		out.Set(inner)
		return out
	case reflect.Ptr:
		if rv.IsNil() {
			return rv
		}
		if v, ok := c.seen[rv.Pointer()]; ok {
			return v
		}
		out := reflect.New(rv.Elem().Type())
		c.seen[rv.Pointer()] = out
		out.Elem().Set(c.copy(rv.Elem()))
		return out
	case reflect.Map:
		if rv.IsNil() {
			return rv
		}
		if v, ok := c.seen[rv.Pointer()]; ok {
			return v
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		c.seen[rv.Pointer()] = out
		iter := rv.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), c.copy(iter.Value()))
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return rv
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(c.copy(rv.Index(i)))
		}
		return out
	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			out.Index(i).Set(c.copy(rv.Index(i)))
		}
		return out
	case reflect.Struct:
		return c.copyStruct(rv)
	default:
		return rv
	}
}

// copyStruct copies exported fields. Structs with unexported fields are
// returned as is since their internals cannot be rebuilt.
func (c copier) copyStruct(rv reflect.Value) reflect.Value {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		if !t.Field(i).IsExported() {
			return rv
		}
	}
	out := reflect.New(t).Elem()
	for i := 0; i < t.NumField(); i++ {
		out.Field(i).Set(c.copy(rv.Field(i)))
	}
	return out
}
