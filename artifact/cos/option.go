//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package cos

import (
	"net/http"
	"net/url"
	"os"
	"time"

	cos "github.com/tencentyun/cos-go-sdk-v5"
)

// Option defines a function type for configuring the COS cache.
type Option func(*options)

// options holds the configuration options for the COS cache.
type options struct {
	client     client
	httpClient *http.Client

	timeout   time.Duration
	secretID  string
	secretKey string
	prefix    string
	now       func() time.Time
}

// WithClient sets the COS client directly.
// This option takes precedence over all other client options when provided.
func WithClient(client *cos.Client) Option {
	return func(o *options) {
		o.client = newCosClient(client)
	}
}

// WithHTTPClient sets the HTTP client to use for COS requests.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithTimeout sets the timeout duration for HTTP requests.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithSecretID sets the COS secret ID for authentication.
// If not provided, the COS_SECRETID environment variable is used.
func WithSecretID(secretID string) Option {
	return func(o *options) {
		o.secretID = secretID
	}
}

// WithSecretKey sets the COS secret key for authentication.
// If not provided, the COS_SECRETKEY environment variable is used.
func WithSecretKey(secretKey string) Option {
	return func(o *options) {
		o.secretKey = secretKey
	}
}

// WithPrefix sets the key prefix all sessions live under.
// Defaults to "stagegraph".
func WithPrefix(prefix string) Option {
	return func(o *options) {
		o.prefix = prefix
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// SetClientBuilder sets the COS client builder.
// This function signature is unstable and may change in the future.
// You should not rely on it.
func SetClientBuilder(builder clientBuilder) {
	globalBuilder = builder
}

var globalBuilder = defaultClientBuilder

type clientBuilder = func(bucketURL string, o *options) (any, error)

func defaultClientBuilder(bucketURL string, o *options) (any, error) {
	if o.client != nil {
		return o.client, nil
	}

	u, err := url.Parse(bucketURL)
	if err != nil {
		return nil, err
	}
	b := &cos.BaseURL{BucketURL: u}

	var httpClient *http.Client
	if o.httpClient != nil {
		httpClient = o.httpClient
		if o.timeout > 0 {
			httpClient.Timeout = o.timeout
		}
	} else {
		httpClient = &http.Client{
			Timeout: o.timeout,
			Transport: &cos.AuthorizationTransport{
				SecretID:  o.secretID,
				SecretKey: o.secretKey,
			},
		}
	}
	return newCosClient(cos.NewClient(b, httpClient)), nil
}

func newOptions(opts ...Option) *options {
	o := &options{
		timeout:   defaultTimeout,
		secretID:  os.Getenv("COS_SECRETID"),
		secretKey: os.Getenv("COS_SECRETKEY"),
		prefix:    defaultPrefix,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
