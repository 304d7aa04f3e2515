//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package redis

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var clientBuilder func(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) = DefaultClientBuilder

// SetClientBuilder sets the redis client builder.
func SetClientBuilder(builder func(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error)) {
	clientBuilder = builder
}

// DefaultClientBuilder is the default redis client builder.
func DefaultClientBuilder(builderOpts ...ClientBuilderOpt) (redis.UniversalClient, error) {
	o := &ClientBuilderOpts{}
	for _, opt := range builderOpts {
		opt(o)
	}

	if o.URL == "" {
		return nil, fmt.Errorf("redis: url is empty")
	}

	opts, err := redis.ParseURL(o.URL)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url %s: %w", o.URL, err)
	}
	universalOpts := &redis.UniversalOptions{
		Addrs:           []string{opts.Addr},
		DB:              opts.DB,
		Username:        opts.Username,
		Password:        opts.Password,
		Protocol:        opts.Protocol,
		ClientName:      opts.ClientName,
		TLSConfig:       opts.TLSConfig,
		MaxRetries:      opts.MaxRetries,
		MinRetryBackoff: opts.MinRetryBackoff,
		MaxRetryBackoff: opts.MaxRetryBackoff,
		DialTimeout:     opts.DialTimeout,
		ReadTimeout:     opts.ReadTimeout,
		WriteTimeout:    opts.WriteTimeout,
		PoolSize:        opts.PoolSize,
		PoolTimeout:     opts.PoolTimeout,
		MinIdleConns:    opts.MinIdleConns,
		MaxIdleConns:    opts.MaxIdleConns,
		ConnMaxIdleTime: opts.ConnMaxIdleTime,
		ConnMaxLifetime: opts.ConnMaxLifetime,
	}
	return redis.NewUniversalClient(universalOpts), nil
}

// ClientBuilderOpt is the option for the redis client.
type ClientBuilderOpt func(*ClientBuilderOpts)

// ClientBuilderOpts is the options for the redis client.
type ClientBuilderOpts struct {
	URL string
}

// WithClientBuilderURL sets the redis client url for clientBuilder.
// scheme: redis://<username>:<password>@<host>:<port>/<db>?<options>
// options: refer goredis.ParseURL
func WithClientBuilderURL(url string) ClientBuilderOpt {
	return func(opts *ClientBuilderOpts) {
		opts.URL = url
	}
}

// ServiceOpts is the options for the redis artifact cache.
type ServiceOpts struct {
	url         string
	redisClient redis.UniversalClient
	prefix      string
	maxAttempts int
	now         func() time.Time
}

// ServiceOption is the option for the redis artifact cache.
type ServiceOption func(*ServiceOpts)

// WithRedisClientURL creates a redis client from the URL.
func WithRedisClientURL(url string) ServiceOption {
	return func(opts *ServiceOpts) {
		opts.url = url
	}
}

// WithRedisClient sets the redis client. It takes precedence over
// WithRedisClientURL.
func WithRedisClient(redisClient redis.UniversalClient) ServiceOption {
	return func(opts *ServiceOpts) {
		opts.redisClient = redisClient
	}
}

// WithPrefix sets the key prefix. Defaults to "stagegraph".
func WithPrefix(prefix string) ServiceOption {
	return func(opts *ServiceOpts) {
		opts.prefix = prefix
	}
}

// WithMaxAttempts bounds optimistic retries of an index update.
func WithMaxAttempts(n int) ServiceOption {
	return func(opts *ServiceOpts) {
		if n > 0 {
			opts.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(opts *ServiceOpts) {
		opts.now = now
	}
}
