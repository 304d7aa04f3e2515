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
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeColumnar(t *testing.T) {
	in := &Table{
		Columns: []string{"name", "note"},
		Rows:    [][]string{{"a", "contains, comma"}, {"b", "line\nbreak"}, {"c", `"quoted"`}},
	}
	raw, err := Encode(FormatColumnar, in)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(raw), "name,note\n"))

	var out Table
	require.NoError(t, Decode(FormatColumnar, raw, &out))
	assert.Equal(t, *in, out)

	col, ok := out.Column("note")
	require.True(t, ok)
	assert.Equal(t, []string{"contains, comma", "line\nbreak", `"quoted"`}, col)
	_, ok = out.Column("missing")
	assert.False(t, ok)
}

func TestColumnarHeaderOnly(t *testing.T) {
	raw, err := Encode(FormatColumnar, Table{Columns: []string{"x"}})
	require.NoError(t, err)
	var out Table
	require.NoError(t, Decode(FormatColumnar, raw, &out))
	assert.Equal(t, []string{"x"}, out.Columns)
	assert.Empty(t, out.Rows)
}

func TestColumnarKeepsEmptyCells(t *testing.T) {
	tests := []struct {
		name string
		in   Table
		raw  string
	}{
		{
			name: "empty single cell rows",
			in:   Table{Columns: []string{"note"}, Rows: [][]string{{"x"}, {""}, {"y"}, {""}}},
			raw:  "note\nx\n\"\"\ny\n\"\"\n",
		},
		{
			name: "empty column name",
			in:   Table{Columns: []string{""}, Rows: [][]string{{"v"}}},
			raw:  "\"\"\nv\n",
		},
		{
			name: "empty cells among others",
			in:   Table{Columns: []string{"a", "b"}, Rows: [][]string{{"", ""}, {"1", ""}}},
			raw:  "a,b\n,\n1,\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(FormatColumnar, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, string(raw))

			var out Table
			require.NoError(t, Decode(FormatColumnar, raw, &out))
			assert.Equal(t, tt.in, out)
		})
	}
}

func TestEncodeRejects(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   any
	}{
		{"unknown format", "parquet", []byte("x")},
		{"columnar needs a table", FormatColumnar, map[string]int{"a": 1}},
		{"ragged rows", FormatColumnar, Table{Columns: []string{"a", "b"}, Rows: [][]string{{"1"}}}},
		{"binary needs bytes", FormatBinary, 42},
		{"nil table", FormatColumnar, (*Table)(nil)},
		{"table without columns", FormatColumnar, Table{Rows: [][]string{{}, {}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.format, tt.data)
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
}

func TestBinaryReaderAndWriter(t *testing.T) {
	raw, err := Encode(FormatBinary, bytes.NewReader([]byte("stream")))
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, Decode(FormatBinary, raw, &buf))
	assert.Equal(t, "stream", buf.String())

	var n int
	assert.ErrorIs(t, Decode(FormatBinary, raw, &n), ErrUnsupportedFormat)
}

func TestEncodeCopiesBytes(t *testing.T) {
	in := []byte("abc")
	raw, err := Encode(FormatBinary, in)
	require.NoError(t, err)
	in[0] = 'z'
	assert.Equal(t, "abc", string(raw))
}

func TestSessionMetadataFormat(t *testing.T) {
	created := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	s := NewSession("s1", created, 4*time.Hour, map[string]string{"project": "p"})
	s.PutArtifact(Ref{Name: "b", Format: FormatBinary, SavedAt: created, SizeBytes: 3})
	s.PutArtifact(Ref{Name: "a", Format: FormatJSON, SavedAt: created, SizeBytes: 2})

	raw, err := EncodeSession(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "s1",
		"created_at": "2025-03-04T05:06:07Z",
		"expires_at": "2025-03-04T09:06:07Z",
		"ttl_hours": 4,
		"metadata": {"project": "p"},
		"artifacts": [
			{"name": "a", "format": "json", "saved_at": "2025-03-04T05:06:07Z", "size_bytes": 2},
			{"name": "b", "format": "binary", "saved_at": "2025-03-04T05:06:07Z", "size_bytes": 3}
		],
		"status": "active"
	}`, string(raw))

	back, err := DecodeSession(raw)
	require.NoError(t, err)
	assert.True(t, back.ExpiresAt.Equal(s.ExpiresAt))
	assert.Len(t, back.Artifacts, 2)

	_, err = DecodeSession([]byte("{"))
	assert.Error(t, err)
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now()
	s := NewSession("s", now, 0, nil)
	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(time.Nanosecond)))

	neg := NewSession("s", now, -time.Hour, nil)
	assert.True(t, neg.ExpiresAt.Equal(now))
}

func TestValidateName(t *testing.T) {
	for _, ok := range []string{"report", "floors.csv", "a-b_c"} {
		assert.NoError(t, ValidateName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "a/b", `a\b`, ".hidden", "nul\x00"} {
		assert.ErrorIs(t, ValidateName(bad), ErrInvalidName, bad)
	}
}

func TestFormat(t *testing.T) {
	assert.True(t, FormatColumnar.Valid())
	assert.False(t, Format("xml").Valid())
	assert.Equal(t, "application/json", FormatJSON.MimeType())
	assert.Equal(t, "application/octet-stream", FormatBinary.MimeType())
}
