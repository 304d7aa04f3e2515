//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package local provides a filesystem implementation of the artifact cache.
//
// Every session is one directory under the base path:
//
//	{base}/{session_id}/metadata.json
//	{base}/{session_id}/artifacts/{name}
//
// Payload and metadata writes go through a temporary file and a rename, so
// a reader never sees a partially written file.
package local

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	iartifact "trpc.group/trpc-go/trpc-stagegraph-go/internal/artifact"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
	// trashPrefix marks directories being deleted.
	trashPrefix = ".trash-"
)

var _ artifact.Cache = (*Cache)(nil)

// Cache is a filesystem artifact cache.
type Cache struct {
	base string
	now  func() time.Time
	// locks serializes index updates per session.
	locks sync.Map
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache rooted at base, creating the directory if needed.
func New(base string, opts ...Option) (*Cache, error) {
	if base == "" {
		return nil, errors.New("local cache: base path is required")
	}
	if err := os.MkdirAll(base, dirPerm); err != nil {
		return nil, fmt.Errorf("local cache: create base path: %w", err)
	}
	c := &Cache{base: base, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BasePath returns the root directory.
func (c *Cache) BasePath() string { return c.base }

func (c *Cache) lock(id string) func() {
	v, _ := c.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (c *Cache) sessionDir(id string) string {
	return filepath.Join(c.base, id)
}

func (c *Cache) metadataPath(id string) string {
	return filepath.Join(c.base, filepath.FromSlash(iartifact.BuildMetadataKey("", id)))
}

func (c *Cache) artifactPath(id, name string) string {
	return filepath.Join(c.base, filepath.FromSlash(iartifact.BuildArtifactKey("", id, name)))
}

// CreateSession implements artifact.Cache. The session directory is built
// under a temporary name and renamed into place once complete.
func (c *Cache) CreateSession(ctx context.Context, ttl time.Duration, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := uuid.NewString()
	s := artifact.NewSession(id, c.now(), ttl, metadata)
	raw, err := artifact.EncodeSession(s)
	if err != nil {
		return "", err
	}

	tmp, err := os.MkdirTemp(c.base, ".new-")
	if err != nil {
		return "", fmt.Errorf("create session %s: %w", id, err)
	}
	if err := os.Mkdir(filepath.Join(tmp, iartifact.ArtifactsDir), dirPerm); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("create session %s: %w", id, err)
	}
	if err := os.WriteFile(filepath.Join(tmp, iartifact.MetadataFile), raw, filePerm); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("create session %s: %w", id, err)
	}
	if err := os.Rename(tmp, c.sessionDir(id)); err != nil {
		os.RemoveAll(tmp)
		return "", fmt.Errorf("create session %s: %w", id, err)
	}
	log.Debugf("local cache: created session %s (ttl %s)", id, ttl)
	return id, nil
}

func (c *Cache) readSession(id string) (*artifact.Session, error) {
	if id == "" || artifact.ValidateName(id) != nil {
		return nil, fmt.Errorf("%w: %q", artifact.ErrSessionNotFound, id)
	}
	raw, err := os.ReadFile(c.metadataPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return artifact.DecodeSession(raw)
}

func (c *Cache) writeSession(s *artifact.Session) error {
	raw, err := artifact.EncodeSession(s)
	if err != nil {
		return err
	}
	return writeAtomic(c.metadataPath(s.ID), raw)
}

// Save implements artifact.Cache.
func (c *Cache) Save(ctx context.Context, sessionID, name string, data any, format artifact.Format) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := artifact.ValidateName(name); err != nil {
		return err
	}
	raw, err := artifact.Encode(format, data)
	if err != nil {
		return err
	}
	if _, err := c.readSession(sessionID); err != nil {
		return err
	}
	if err := writeAtomic(c.artifactPath(sessionID, name), raw); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("save %s/%s: %w", sessionID, name, err)
	}

	unlock := c.lock(sessionID)
	defer unlock()
	s, err := c.readSession(sessionID)
	if err != nil {
		return err
	}
	s.PutArtifact(artifact.Ref{
		Name:      name,
		Format:    format,
		SavedAt:   c.now().UTC(),
		SizeBytes: int64(len(raw)),
	})
	if err := c.writeSession(s); err != nil {
		return fmt.Errorf("save %s/%s: update index: %w", sessionID, name, err)
	}
	return nil
}

// Load implements artifact.Cache.
func (c *Cache) Load(ctx context.Context, sessionID, name string, format artifact.Format, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s, err := c.readSession(sessionID)
	if err != nil {
		return err
	}
	ref, ok := s.Artifact(name)
	if !ok {
		return fmt.Errorf("%w: %s/%s", artifact.ErrArtifactNotFound, sessionID, name)
	}
	if ref.Format != format {
		return fmt.Errorf("%w: %s saved as %s, loaded as %s", artifact.ErrFormatMismatch, name, ref.Format, format)
	}
	raw, err := os.ReadFile(c.artifactPath(sessionID, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s", artifact.ErrArtifactNotFound, sessionID, name)
		}
		return fmt.Errorf("load %s/%s: %w", sessionID, name, err)
	}
	return artifact.Decode(format, raw, out)
}

// ListArtifacts implements artifact.Cache.
func (c *Cache) ListArtifacts(ctx context.Context, sessionID string) ([]artifact.Ref, error) {
	s, err := c.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.Artifacts, nil
}

// GetSession implements artifact.Cache.
func (c *Cache) GetSession(ctx context.Context, sessionID string) (*artifact.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return c.readSession(sessionID)
}

// DeleteSession implements artifact.Cache. The directory is first renamed
// out of the way so concurrent readers see the session vanish at once.
func (c *Cache) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" || artifact.ValidateName(sessionID) != nil {
		return fmt.Errorf("%w: %q", artifact.ErrSessionNotFound, sessionID)
	}
	trash := filepath.Join(c.base, trashPrefix+sessionID+"-"+uuid.NewString()[:8])
	if err := os.Rename(c.sessionDir(sessionID), trash); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	c.locks.Delete(sessionID)
	if err := os.RemoveAll(trash); err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}

// Reap implements artifact.Cache. Sessions whose metadata cannot be read
// are skipped with a warning.
func (c *Cache) Reap(ctx context.Context, dryRun bool) (artifact.ReapResult, error) {
	entries, err := os.ReadDir(c.base)
	if err != nil {
		return artifact.ReapResult{DryRun: dryRun}, fmt.Errorf("reap: list %s: %w", c.base, err)
	}
	var sessions []*artifact.Session
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := c.readSession(e.Name())
		if err != nil {
			if !errors.Is(err, artifact.ErrSessionNotFound) {
				log.Warnf("reap: skip %s: %v", e.Name(), err)
			}
			continue
		}
		sessions = append(sessions, s)
	}
	return artifact.ReapExpired(ctx, sessions, c.now(), dryRun, c.DeleteSession)
}

func writeAtomic(path string, raw []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Chmod(tmp, filePerm); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
