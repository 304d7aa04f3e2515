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
	"encoding/csv"
	"fmt"
	"io"

	"github.com/bytedance/sonic"
)

// Format selects the codec of an artifact.
type Format string

const (
	// FormatJSON stores structured data as JSON text.
	FormatJSON Format = "json"
	// FormatColumnar stores a Table as CSV with a header row.
	FormatColumnar Format = "columnar"
	// FormatBinary stores raw bytes untouched.
	FormatBinary Format = "binary"
)

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case FormatJSON, FormatColumnar, FormatBinary:
		return true
	}
	return false
}

// MimeType returns the content type used by object storage backends.
func (f Format) MimeType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatColumnar:
		return "text/csv"
	default:
		return "application/octet-stream"
	}
}

// Table is the payload of the columnar format.
type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Column returns the values of the named column.
func (t *Table) Column(name string) ([]string, bool) {
	idx := -1
	for i, c := range t.Columns {
		if c == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, false
	}
	out := make([]string, len(t.Rows))
	for i, row := range t.Rows {
		if idx < len(row) {
			out[i] = row[idx]
		}
	}
	return out, true
}

// Encode serializes data with the codec of format.
func Encode(format Format, data any) ([]byte, error) {
	switch format {
	case FormatJSON:
		raw, err := sonic.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return raw, nil
	case FormatColumnar:
		switch t := data.(type) {
		case Table:
			return encodeTable(&t)
		case *Table:
			if t != nil {
				return encodeTable(t)
			}
		}
		return nil, fmt.Errorf("%w: columnar payload must be a Table, got %T", ErrUnsupportedFormat, data)
	case FormatBinary:
		switch b := data.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case string:
			return []byte(b), nil
		case io.Reader:
			return io.ReadAll(b)
		}
		return nil, fmt.Errorf("%w: binary payload must be bytes, got %T", ErrUnsupportedFormat, data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

// Decode deserializes raw into out, which must be a pointer.
func Decode(format Format, raw []byte, out any) error {
	switch format {
	case FormatJSON:
		if err := sonic.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		return nil
	case FormatColumnar:
		t, ok := out.(*Table)
		if !ok || t == nil {
			return fmt.Errorf("%w: columnar output must be *Table, got %T", ErrUnsupportedFormat, out)
		}
		return decodeTable(raw, t)
	case FormatBinary:
		switch b := out.(type) {
		case *[]byte:
			*b = append([]byte(nil), raw...)
			return nil
		case *string:
			*b = string(raw)
			return nil
		case io.Writer:
			_, err := b.Write(raw)
			return err
		}
		return fmt.Errorf("%w: binary output must be *[]byte, got %T", ErrUnsupportedFormat, out)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func encodeTable(t *Table) ([]byte, error) {
	if len(t.Columns) == 0 {
		return nil, fmt.Errorf("%w: columnar table needs at least one column", ErrUnsupportedFormat)
	}
	for i, row := range t.Rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("%w: row %d has %d cells, want %d",
				ErrUnsupportedFormat, i, len(row), len(t.Columns))
		}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	write := func(record []string) error {
		// csv renders a lone empty cell as a blank line, which readers skip.
		if len(record) == 1 && record[0] == "" {
			w.Flush()
			_, err := buf.WriteString("\"\"\n")
			return err
		}
		return w.Write(record)
	}
	if err := write(t.Columns); err != nil {
		return nil, fmt.Errorf("encode columnar header: %w", err)
	}
	for i, row := range t.Rows {
		if err := write(row); err != nil {
			return nil, fmt.Errorf("encode columnar row %d: %w", i, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("encode columnar rows: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeTable(raw []byte, t *Table) error {
	records, err := csv.NewReader(bytes.NewReader(raw)).ReadAll()
	if err != nil {
		return fmt.Errorf("decode columnar: %w", err)
	}
	if len(records) == 0 {
		*t = Table{}
		return nil
	}
	t.Columns = records[0]
	t.Rows = records[1:]
	if t.Rows == nil {
		t.Rows = [][]string{}
	}
	return nil
}

// EncodeSession renders session metadata as stored on disk.
func EncodeSession(s *Session) ([]byte, error) {
	raw, err := sonic.ConfigStd.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode session %s: %w", s.ID, err)
	}
	return raw, nil
}

// DecodeSession parses stored session metadata.
func DecodeSession(raw []byte) (*Session, error) {
	var s Session
	if err := sonic.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.Artifacts == nil {
		s.Artifacts = []Ref{}
	}
	return &s, nil
}
