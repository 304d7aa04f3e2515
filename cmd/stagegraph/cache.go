//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package main

import (
	"fmt"
	"io"

	"trpc.group/trpc-go/trpc-stagegraph-go/artifact"
	"trpc.group/trpc-go/trpc-stagegraph-go/artifact/cos"
	"trpc.group/trpc-go/trpc-stagegraph-go/artifact/inmemory"
	"trpc.group/trpc-go/trpc-stagegraph-go/artifact/local"
	"trpc.group/trpc-go/trpc-stagegraph-go/artifact/redis"
	"trpc.group/trpc-go/trpc-stagegraph-go/config"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
)

// newCache is swapped in tests.
var newCache = openBackend

// openBackend opens the backend selected by cfg.CacheBackend.
func openBackend(cfg *config.Config) (artifact.Cache, error) {
	switch cfg.CacheBackend {
	case config.BackendLocal:
		return local.New(cfg.CacheBasePath)
	case config.BackendMemory:
		return inmemory.NewService(), nil
	case config.BackendCOS:
		opts := []cos.Option{cos.WithPrefix(cfg.COS.Prefix)}
		if cfg.COS.SecretID != "" {
			opts = append(opts, cos.WithSecretID(cfg.COS.SecretID))
		}
		if cfg.COS.SecretKey != "" {
			opts = append(opts, cos.WithSecretKey(cfg.COS.SecretKey))
		}
		return cos.NewService(cfg.COS.BucketURL, opts...)
	case config.BackendRedis:
		return redis.NewService(
			redis.WithRedisClientURL(cfg.Redis.URL),
			redis.WithPrefix(cfg.Redis.Prefix),
		)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.CacheBackend)
	}
}

// closeCache releases backends that hold connections, such as redis.
func closeCache(cache artifact.Cache) {
	c, ok := cache.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		log.Warnf("close cache: %v", err)
	}
}
