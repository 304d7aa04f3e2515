//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package artifact defines the ephemeral artifact cache: TTL-scoped
// sessions holding named, formatted payloads that are too large to live in
// pipeline state. Backends live in the subpackages.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Errors returned by every Cache implementation.
var (
	// ErrSessionNotFound is returned when the session does not exist or has
	// already been reaped or deleted.
	ErrSessionNotFound = errors.New("session not found")
	// ErrArtifactNotFound is returned when a name was never saved in the
	// session.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrUnsupportedFormat is returned for unknown formats or payloads the
	// format's codec cannot handle.
	ErrUnsupportedFormat = errors.New("unsupported artifact format")
	// ErrFormatMismatch is returned when Load asks for a format other than
	// the one the artifact was saved with.
	ErrFormatMismatch = errors.New("artifact format mismatch")
	// ErrInvalidName is returned for artifact names that cannot be used as
	// a single path element.
	ErrInvalidName = errors.New("invalid artifact name")
)

// SessionStatusActive is the status of every live session.
const SessionStatusActive = "active"

// Cache is the session store shared by the stages of a run.
//
// Sessions are isolated from each other. Saves to the same (session, name)
// pair are last-write-wins. Load never checks expiry: a session exists
// until Reap or DeleteSession removes it.
type Cache interface {
	// CreateSession allocates a new empty session living for ttl.
	CreateSession(ctx context.Context, ttl time.Duration, metadata map[string]string) (string, error)
	// Save encodes data with format and stores it under name.
	Save(ctx context.Context, sessionID, name string, data any, format Format) error
	// Load decodes the artifact stored under name into out.
	Load(ctx context.Context, sessionID, name string, format Format, out any) error
	// ListArtifacts returns the artifact index of a session, sorted by name.
	ListArtifacts(ctx context.Context, sessionID string) ([]Ref, error)
	// GetSession returns the session metadata.
	GetSession(ctx context.Context, sessionID string) (*Session, error)
	// DeleteSession removes a session and all its artifacts.
	DeleteSession(ctx context.Context, sessionID string) error
	// Reap removes every session whose expiry has passed. In dry-run mode
	// it only reports them.
	Reap(ctx context.Context, dryRun bool) (ReapResult, error)
}

// Ref is an entry of a session's artifact index.
type Ref struct {
	Name      string    `json:"name"`
	Format    Format    `json:"format"`
	SavedAt   time.Time `json:"saved_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// Session is the persisted metadata of a session.
type Session struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	TTLHours  float64           `json:"ttl_hours"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Artifacts []Ref             `json:"artifacts"`
	Status    string            `json:"status"`
}

// NewSession builds the metadata of a session created at now.
func NewSession(id string, now time.Time, ttl time.Duration, metadata map[string]string) *Session {
	if ttl < 0 {
		ttl = 0
	}
	created := now.UTC()
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Session{
		ID:        id,
		CreatedAt: created,
		ExpiresAt: created.Add(ttl),
		TTLHours:  ttl.Hours(),
		Metadata:  md,
		Artifacts: []Ref{},
		Status:    SessionStatusActive,
	}
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Artifact returns the index entry for name.
func (s *Session) Artifact(name string) (Ref, bool) {
	for _, r := range s.Artifacts {
		if r.Name == name {
			return r, true
		}
	}
	return Ref{}, false
}

// PutArtifact inserts or replaces the index entry for ref.Name, keeping
// the index sorted by name.
func (s *Session) PutArtifact(ref Ref) {
	for i, r := range s.Artifacts {
		if r.Name == ref.Name {
			s.Artifacts[i] = ref
			return
		}
	}
	s.Artifacts = append(s.Artifacts, ref)
	sort.Slice(s.Artifacts, func(i, j int) bool { return s.Artifacts[i].Name < s.Artifacts[j].Name })
}

// Clone returns a copy that shares nothing with s.
func (s *Session) Clone() *Session {
	out := *s
	out.Artifacts = append([]Ref{}, s.Artifacts...)
	out.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// ValidateName rejects names that are empty or would escape the session
// directory.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	case strings.ContainsAny(name, `/\`), strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w: %q is hidden", ErrInvalidName, name)
	}
	return nil
}

// ReapResult reports one reaper sweep.
type ReapResult struct {
	SessionsRemoved int      `json:"sessions_removed"`
	SessionIDs      []string `json:"session_ids,omitempty"`
	DryRun          bool     `json:"dry_run"`
}
