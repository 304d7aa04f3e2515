//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package inmemory provides an in-memory implementation of the artifact cache.
package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
)

var _ artifact.Cache = (*Service)(nil)

// Service is an in-memory implementation of the artifact cache.
// It is suitable for testing and development environments.
type Service struct {
	// mutex protects concurrent access to the sessions map
	mutex sync.RWMutex
	// sessions stores session metadata and payloads by session id
	sessions map[string]*entry
	now      func() time.Time
}

type entry struct {
	meta     *artifact.Session
	payloads map[string][]byte
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new in-memory artifact cache.
func NewService(opts ...Option) *Service {
	s := &Service{
		sessions: make(map[string]*entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSession implements artifact.Cache.
func (s *Service) CreateSession(ctx context.Context, ttl time.Duration, metadata map[string]string) (string, error) {
	id := uuid.NewString()
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.sessions[id] = &entry{
		meta:     artifact.NewSession(id, s.now(), ttl, metadata),
		payloads: make(map[string][]byte),
	}
	return id, nil
}

// Save implements artifact.Cache.
func (s *Service) Save(ctx context.Context, sessionID, name string, data any, format artifact.Format) error {
	if err := artifact.ValidateName(name); err != nil {
		return err
	}
	raw, err := artifact.Encode(format, data)
	if err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, sessionID)
	}
	e.payloads[name] = raw
	e.meta.PutArtifact(artifact.Ref{
		Name:      name,
		Format:    format,
		SavedAt:   s.now().UTC(),
		SizeBytes: int64(len(raw)),
	})
	return nil
}

// Load implements artifact.Cache.
func (s *Service) Load(ctx context.Context, sessionID, name string, format artifact.Format, out any) error {
	s.mutex.RLock()
	e, ok := s.sessions[sessionID]
	if !ok {
		s.mutex.RUnlock()
		return fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, sessionID)
	}
	ref, found := e.meta.Artifact(name)
	raw := e.payloads[name]
	s.mutex.RUnlock()

	if !found {
		return fmt.Errorf("%w: %s/%s", artifact.ErrArtifactNotFound, sessionID, name)
	}
	if ref.Format != format {
		return fmt.Errorf("%w: %s saved as %s, loaded as %s", artifact.ErrFormatMismatch, name, ref.Format, format)
	}
	// Payloads are never mutated in place, so decoding outside the lock is safe.
	return artifact.Decode(format, raw, out)
}

// ListArtifacts implements artifact.Cache.
func (s *Service) ListArtifacts(ctx context.Context, sessionID string) ([]artifact.Ref, error) {
	meta, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return meta.Artifacts, nil
}

// GetSession implements artifact.Cache. The result is a copy.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*artifact.Session, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	e, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, sessionID)
	}
	return e.meta.Clone(), nil
}

// DeleteSession implements artifact.Cache.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, sessionID)
	}
	delete(s.sessions, sessionID)
	return nil
}

// Reap implements artifact.Cache.
func (s *Service) Reap(ctx context.Context, dryRun bool) (artifact.ReapResult, error) {
	s.mutex.RLock()
	sessions := make([]*artifact.Session, 0, len(s.sessions))
	for _, e := range s.sessions {
		sessions = append(sessions, e.meta.Clone())
	}
	s.mutex.RUnlock()
	return artifact.ReapExpired(ctx, sessions, s.now(), dryRun, s.DeleteSession)
}
