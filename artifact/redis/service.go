//
// Tencent is pleased to support the open source community by making tRPC available.
//
// Copyright (C) 2025 Tencent.
// All rights reserved.
//
// If you have downloaded a copy of the tRPC source code from Tencent,
// please note that tRPC source code is licensed under the  Apache 2.0 License,
// A copy of the Apache 2.0 License is included in this file.
//
//

// Package redis provides a redis implementation of the artifact cache.
package redis

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	iartifact "trpc.group/trpc-go/trpc-stagegraph-go/internal/artifact"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
)

var _ artifact.Cache = (*Service)(nil)

const (
	defaultPrefix      = "stagegraph"
	defaultMaxAttempts = 100
	sessionsKey        = "sessions"
)

// Service is the redis artifact cache.
// storage structure:
// Metadata: {prefix}/{session_id}/metadata.json -> Session(json)
// Payloads: {prefix}/{session_id}/artifacts -> hash [name -> payload]
// Index: {prefix}/sessions -> set [session_id]
//
// Index updates use WATCH on the metadata key, so concurrent writers in
// different processes never lose each other's entries. Keys carry no
// redis TTL: a session lives until Reap or DeleteSession removes it.
type Service struct {
	opts        ServiceOpts
	redisClient redis.UniversalClient
}

// NewService creates a new redis artifact cache.
func NewService(options ...ServiceOption) (*Service, error) {
	opts := ServiceOpts{
		prefix:      defaultPrefix,
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
	for _, option := range options {
		option(&opts)
	}
	opts.prefix = strings.Trim(opts.prefix, "/")

	redisClient := opts.redisClient
	if redisClient == nil {
		var err error
		redisClient, err = clientBuilder(WithClientBuilderURL(opts.url))
		if err != nil {
			return nil, fmt.Errorf("create redis client from url failed: %w", err)
		}
	}
	return &Service{opts: opts, redisClient: redisClient}, nil
}

// Close closes the underlying redis client.
func (s *Service) Close() error {
	return s.redisClient.Close()
}

func (s *Service) metaKey(id string) string {
	return iartifact.BuildMetadataKey(s.opts.prefix, id)
}

func (s *Service) payloadKey(id string) string {
	return iartifact.BuildSessionPrefix(s.opts.prefix, id) + iartifact.ArtifactsDir
}

func (s *Service) indexKey() string {
	return path.Join(s.opts.prefix, sessionsKey)
}

// CreateSession implements artifact.Cache.
func (s *Service) CreateSession(ctx context.Context, ttl time.Duration, metadata map[string]string) (string, error) {
	id := uuid.NewString()
	raw, err := artifact.EncodeSession(artifact.NewSession(id, s.opts.now(), ttl, metadata))
	if err != nil {
		return "", err
	}
	if _, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.metaKey(id), raw, 0)
		pipe.SAdd(ctx, s.indexKey(), id)
		return nil
	}); err != nil {
		return "", fmt.Errorf("redis artifact cache create session failed: %w", err)
	}
	return id, nil
}

func (s *Service) readSession(ctx context.Context, cmd redis.StringCmdable, id string) (*artifact.Session, error) {
	raw, err := cmd.Get(ctx, s.metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, id)
		}
		return nil, fmt.Errorf("redis artifact cache read session %s failed: %w", id, err)
	}
	return artifact.DecodeSession(raw)
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
	metaKey := s.metaKey(sessionID)
	update := func(tx *redis.Tx) error {
		meta, err := s.readSession(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		meta.PutArtifact(artifact.Ref{
			Name:      name,
			Format:    format,
			SavedAt:   s.opts.now().UTC(),
			SizeBytes: int64(len(raw)),
		})
		encoded, err := artifact.EncodeSession(meta)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, metaKey, encoded, 0)
			pipe.HSet(ctx, s.payloadKey(sessionID), name, raw)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < s.opts.maxAttempts; attempt++ {
		err := s.redisClient.Watch(ctx, update, metaKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redis artifact cache save %s/%s: index contended after %d attempts",
		sessionID, name, s.opts.maxAttempts)
}

// Load implements artifact.Cache.
func (s *Service) Load(ctx context.Context, sessionID, name string, format artifact.Format, out any) error {
	meta, err := s.readSession(ctx, s.redisClient, sessionID)
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
	raw, err := s.redisClient.HGet(ctx, s.payloadKey(sessionID), name).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s/%s", artifact.ErrArtifactNotFound, sessionID, name)
		}
		return fmt.Errorf("redis artifact cache load %s/%s failed: %w", sessionID, name, err)
	}
	return artifact.Decode(format, raw, out)
}

// ListArtifacts implements artifact.Cache.
func (s *Service) ListArtifacts(ctx context.Context, sessionID string) ([]artifact.Ref, error) {
	meta, err := s.readSession(ctx, s.redisClient, sessionID)
	if err != nil {
		return nil, err
	}
	return meta.Artifacts, nil
}

// GetSession implements artifact.Cache.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*artifact.Session, error) {
	return s.readSession(ctx, s.redisClient, sessionID)
}

// DeleteSession implements artifact.Cache.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	var deleted *redis.IntCmd
	if _, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		deleted = pipe.Del(ctx, s.metaKey(sessionID))
		pipe.Del(ctx, s.payloadKey(sessionID))
		pipe.SRem(ctx, s.indexKey(), sessionID)
		return nil
	}); err != nil {
		return fmt.Errorf("redis artifact cache delete session %s failed: %w", sessionID, err)
	}
	if deleted.Val() == 0 {
		return fmt.Errorf("%w: %s", artifact.ErrSessionNotFound, sessionID)
	}
	return nil
}

// Reap implements artifact.Cache. Index entries without metadata are
// dropped; corrupt metadata is skipped with a warning.
func (s *Service) Reap(ctx context.Context, dryRun bool) (artifact.ReapResult, error) {
	ids, err := s.redisClient.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return artifact.ReapResult{DryRun: dryRun}, fmt.Errorf("redis artifact cache list sessions failed: %w", err)
	}
	if len(ids) == 0 {
		return artifact.ReapExpired(ctx, nil, s.opts.now(), dryRun, s.DeleteSession)
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.metaKey(id)
	}
	values, err := s.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return artifact.ReapResult{DryRun: dryRun}, fmt.Errorf("redis artifact cache read sessions failed: %w", err)
	}

	var (
		sessions []*artifact.Session
		stale    []any
	)
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		meta, err := artifact.DecodeSession([]byte(raw))
		if err != nil {
			log.Warnf("reap: skip %s: %v", ids[i], err)
			continue
		}
		sessions = append(sessions, meta)
	}
	if len(stale) > 0 && !dryRun {
		if err := s.redisClient.SRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			log.Warnf("reap: drop %d stale index entries: %v", len(stale), err)
		}
	}
	return artifact.ReapExpired(ctx, sessions, s.opts.now(), dryRun, s.DeleteSession)
}
