//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package cos provides a Tencent Cloud Object Storage (COS) implementation
// of the artifact cache.
//
// Objects use the same layout as the filesystem cache:
//
//	{prefix}/{session_id}/metadata.json
//	{prefix}/{session_id}/artifacts/{name}
//
// Authentication:
// The cache requires COS credentials which can be provided via:
// - Environment variables: COS_SECRETID and COS_SECRETKEY (recommended)
// - Option functions: WithSecretID() and WithSecretKey()
//
// Example:
//
//	cache, err := cos.NewService("https://bucket.cos.region.myqcloud.com")
package cos

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cos "github.com/tencentyun/cos-go-sdk-v5"
	"golang.org/x/sync/errgroup"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	iartifact "trpc.group/trpc-go/trpc-stagegraph-go/internal/artifact"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
)

const (
	defaultTimeout = 60 * time.Second
	defaultPrefix  = "stagegraph"
	// scanParallelism bounds concurrent metadata reads during Reap.
	scanParallelism = 8
	metadataMime    = "application/json"
)

var _ artifact.Cache = (*Service)(nil)

// Service is a Tencent Cloud Object Storage implementation of the artifact
// cache. Index updates are serialized per session within this process only.
type Service struct {
	cosClient client
	prefix    string
	now       func() time.Time
	locks     sync.Map
}

// NewService creates a new COS artifact cache with optional configurations.
//
// Authentication credentials can be provided in multiple ways:
// 1. Set environment variables COS_SECRETID and COS_SECRETKEY (recommended)
// 2. Use WithSecretID() and WithSecretKey() options
// 3. Use WithClient() to provide a pre-configured COS client directly
func NewService(bucketURL string, opts ...Option) (*Service, error) {
	o := newOptions(opts...)
	c, err := globalBuilder(bucketURL, o)
	if err != nil {
		return nil, err
	}
	cli, ok := c.(client)
	if !ok {
		return nil, fmt.Errorf("client builder returned invalid type: expected client interface, got %T", c)
	}
	return &Service{
		cosClient: cli,
		prefix:    strings.Trim(o.prefix, "/"),
		now:       o.now,
	}, nil
}

func (s *Service) lock(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// CreateSession implements artifact.Cache.
func (s *Service) CreateSession(ctx context.Context, ttl time.Duration, metadata map[string]string) (string, error) {
	id := uuid.NewString()
	if err := s.writeSession(ctx, artifact.NewSession(id, s.now(), ttl, metadata)); err != nil {
		return "", fmt.Errorf("create session %s: %w", id, err)
	}
	return id, nil
}

func (s *Service) readSession(ctx context.Context, id string) (*artifact.Session, error) {
	if id == "" || artifact.ValidateName(id) != nil {
		return nil, fmt.Errorf("%w: %q", artifact.ErrSessionNotFound, id)
	}
	raw, err := s.getObject(ctx, iartifact.BuildMetadataKey(s.prefix, id))
	if err != nil {
		if cos.IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	return artifact.DecodeSession(raw)
}

func (s *Service) writeSession(ctx context.Context, meta *artifact.Session) error {
	raw, err := artifact.EncodeSession(meta)
	if err != nil {
		return err
	}
	return s.cosClient.PutObject(ctx, iartifact.BuildMetadataKey(s.prefix, meta.ID), bytes.NewReader(raw), metadataMime)
}

func (s *Service) getObject(ctx context.Context, key string) ([]byte, error) {
	body, err := s.cosClient.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer body.Close()
	return io.ReadAll(body)
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
	if _, err := s.readSession(ctx, sessionID); err != nil {
		return err
	}
	key := iartifact.BuildArtifactKey(s.prefix, sessionID, name)
	if err := s.cosClient.PutObject(ctx, key, bytes.NewReader(raw), format.MimeType()); err != nil {
		return fmt.Errorf("failed to upload artifact %s: %w", key, err)
	}

	unlock := s.lock(sessionID)
	defer unlock()
	meta, err := s.readSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, artifact.ErrSessionNotFound) {
			// Deleted while the payload was uploading.
			if err := s.cosClient.DeleteObject(ctx, key); err != nil && !cos.IsNotFoundError(err) {
				log.Warnf("save %s/%s: remove orphaned payload: %v", sessionID, name, err)
			}
		}
		return err
	}
	meta.PutArtifact(artifact.Ref{
		Name:      name,
		Format:    format,
		SavedAt:   s.now().UTC(),
		SizeBytes: int64(len(raw)),
	})
	if err := s.writeSession(ctx, meta); err != nil {
		return fmt.Errorf("save %s/%s: update index: %w", sessionID, name, err)
	}
	return nil
}

// Load implements artifact.Cache.
func (s *Service) Load(ctx context.Context, sessionID, name string, format artifact.Format, out any) error {
	meta, err := s.readSession(ctx, sessionID)
	if err != nil {
		return err
	}
	ref, ok := meta.Artifact(name)
	if !ok {
		return fmt.Errorf("%w: %s/%s", artifact.ErrArtifactNotFound, sessionID, name)
	}
	if ref.Format != format {
		return fmt.Errorf("%w: %s saved as %s, loaded as %s", artifact.ErrFormatMismatch, name, ref.Format, format)
	}
	raw, err := s.getObject(ctx, iartifact.BuildArtifactKey(s.prefix, sessionID, name))
	if err != nil {
		if cos.IsNotFoundError(err) {
			return fmt.Errorf("%w: %s/%s", artifact.ErrArtifactNotFound, sessionID, name)
		}
		return fmt.Errorf("failed to download artifact: %w", err)
	}
	return artifact.Decode(format, raw, out)
}

// ListArtifacts implements artifact.Cache.
func (s *Service) ListArtifacts(ctx context.Context, sessionID string) ([]artifact.Ref, error) {
	meta, err := s.readSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return meta.Artifacts, nil
}

// GetSession implements artifact.Cache.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*artifact.Session, error) {
	return s.readSession(ctx, sessionID)
}

// DeleteSession implements artifact.Cache. The metadata object goes first
// so the session disappears before its payloads do. It holds the session
// lock so a concurrent Save cannot write the index back.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.readSession(ctx, sessionID); err != nil {
		return err
	}
	unlock := s.lock(sessionID)
	defer unlock()
	if _, err := s.readSession(ctx, sessionID); err != nil {
		return err
	}
	keys, err := s.listKeys(ctx, iartifact.BuildSessionPrefix(s.prefix, sessionID))
	if err != nil {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	metaKey := iartifact.BuildMetadataKey(s.prefix, sessionID)
	if err := s.cosClient.DeleteObject(ctx, metaKey); err != nil && !cos.IsNotFoundError(err) {
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	for _, key := range keys {
		if key == metaKey {
			continue
		}
		if err := s.cosClient.DeleteObject(ctx, key); err != nil && !cos.IsNotFoundError(err) {
			return fmt.Errorf("delete session %s: object %s: %w", sessionID, key, err)
		}
	}
	s.locks.Delete(sessionID)
	return nil
}

func (s *Service) listKeys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		marker string
	)
	for {
		result, err := s.cosClient.GetBucket(ctx, prefix, marker)
		if err != nil {
			if cos.IsNotFoundError(err) {
				return keys, nil
			}
			return nil, err
		}
		for _, obj := range result.Contents {
			keys = append(keys, obj.Key)
		}
		if !result.IsTruncated || len(result.Contents) == 0 {
			return keys, nil
		}
		marker = result.NextMarker
		if marker == "" {
			marker = result.Contents[len(result.Contents)-1].Key
		}
	}
}

// Reap implements artifact.Cache. Sessions whose metadata cannot be read
// are skipped with a warning.
func (s *Service) Reap(ctx context.Context, dryRun bool) (artifact.ReapResult, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	keys, err := s.listKeys(ctx, listPrefix)
	if err != nil {
		return artifact.ReapResult{DryRun: dryRun}, fmt.Errorf("reap: list sessions: %w", err)
	}
	var ids []string
	for _, key := range keys {
		if id, ok := iartifact.SessionIDFromMetadataKey(s.prefix, key); ok {
			ids = append(ids, id)
		}
	}

	sessions := make([]*artifact.Session, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(scanParallelism)
	for i, id := range ids {
		g.Go(func() error {
			meta, err := s.readSession(gctx, id)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				log.Warnf("reap: skip %s: %v", id, err)
				return nil
			}
			sessions[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return artifact.ReapResult{DryRun: dryRun}, err
	}
	live := sessions[:0]
	for _, meta := range sessions {
		if meta != nil {
			live = append(live, meta)
		}
	}
	return artifact.ReapExpired(ctx, live, s.now(), dryRun, s.DeleteSession)
}
