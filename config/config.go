//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package config loads the stagegraph configuration from YAML with
// STAGEGRAPH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STAGEGRAPH_"

// Cache backends.
const (
	BackendLocal  = "local"
	BackendMemory = "memory"
	BackendCOS    = "cos"
	BackendRedis  = "redis"
)

// Defaults.
const (
	DefaultMaxRetry        = 3
	DefaultMaxRefine       = 3
	DefaultTTLHours        = 4.0
	DefaultCacheBasePath   = "/tmp/stagegraph_cache"
	DefaultReaperInterval  = time.Hour
	DefaultMaxSteps        = 1000
	DefaultBudgetMode      = "global"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultTracingProtocol = "grpc"
)

var validate = validator.New()

// Config is the full configuration surface.
type Config struct {
	MaxRetry        int           `yaml:"max_retry" validate:"gte=0"`
	MaxRefine       int           `yaml:"max_refine" validate:"gte=0"`
	BudgetMode      string        `yaml:"budget_mode" validate:"oneof=global per_target"`
	DefaultTTLHours float64       `yaml:"default_ttl_hours" validate:"gte=0"`
	CacheBasePath   string        `yaml:"cache_base_path" validate:"required_if=CacheBackend local"`
	CacheBackend    string        `yaml:"cache_backend" validate:"oneof=local memory cos redis"`
	COS             COS           `yaml:"cos"`
	Redis           Redis         `yaml:"redis"`
	ReaperInterval  time.Duration `yaml:"reaper_interval" validate:"gt=0"`
	MaxConcurrency  int           `yaml:"max_concurrency" validate:"gte=0"`
	MaxSteps        int           `yaml:"max_steps" validate:"gt=0"`
	Log             Log           `yaml:"log"`
	Telemetry       Telemetry     `yaml:"telemetry"`
}

// COS configures the object storage backend.
type COS struct {
	BucketURL string `yaml:"bucket_url" validate:"omitempty,url"`
	SecretID  string `yaml:"secret_id"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
}

// Redis configures the redis backend.
type Redis struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Prefix string `yaml:"prefix"`
}

// Log configures the process logger.
type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// Telemetry configures tracing and metrics export. Empty endpoints
// disable the exporter.
type Telemetry struct {
	TracesEndpoint  string `yaml:"traces_endpoint"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`
	Protocol        string `yaml:"protocol" validate:"oneof=grpc http"`
	MetricsAddr     string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MaxRetry:        DefaultMaxRetry,
		MaxRefine:       DefaultMaxRefine,
		BudgetMode:      DefaultBudgetMode,
		DefaultTTLHours: DefaultTTLHours,
		CacheBasePath:   DefaultCacheBasePath,
		CacheBackend:    BackendLocal,
		COS:             COS{Prefix: "stagegraph"},
		Redis:           Redis{Prefix: "stagegraph"},
		ReaperInterval:  DefaultReaperInterval,
		MaxSteps:        DefaultMaxSteps,
		Log:             Log{Level: DefaultLogLevel, Format: DefaultLogFormat},
		Telemetry:       Telemetry{Protocol: DefaultTracingProtocol},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field constraint.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.CacheBackend == BackendCOS && c.COS.BucketURL == "" {
		return errors.New("invalid config: cos.bucket_url is required for the cos backend")
	}
	if c.CacheBackend == BackendRedis && c.Redis.URL == "" {
		return errors.New("invalid config: redis.url is required for the redis backend")
	}
	return nil
}

// TTL returns DefaultTTLHours as a duration.
func (c *Config) TTL() time.Duration {
	return time.Duration(c.DefaultTTLHours * float64(time.Hour))
}

// ApplyEnv overrides fields from STAGEGRAPH_* variables found by lookup,
// e.g. STAGEGRAPH_MAX_RETRY or STAGEGRAPH_COS_BUCKET_URL.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BUDGET_MODE":                &c.BudgetMode,
		"CACHE_BASE_PATH":            &c.CacheBasePath,
		"CACHE_BACKEND":              &c.CacheBackend,
		"COS_BUCKET_URL":             &c.COS.BucketURL,
		"COS_SECRET_ID":              &c.COS.SecretID,
		"COS_SECRET_KEY":             &c.COS.SecretKey,
		"COS_PREFIX":                 &c.COS.Prefix,
		"REDIS_URL":                  &c.Redis.URL,
		"REDIS_PREFIX":               &c.Redis.Prefix,
		"LOG_LEVEL":                  &c.Log.Level,
		"LOG_FORMAT":                 &c.Log.Format,
		"TELEMETRY_TRACES_ENDPOINT":  &c.Telemetry.TracesEndpoint,
		"TELEMETRY_METRICS_ENDPOINT": &c.Telemetry.MetricsEndpoint,
		"TELEMETRY_PROTOCOL":         &c.Telemetry.Protocol,
		"TELEMETRY_METRICS_ADDR":     &c.Telemetry.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"MAX_RETRY":       &c.MaxRetry,
		"MAX_REFINE":      &c.MaxRefine,
		"MAX_CONCURRENCY": &c.MaxConcurrency,
		"MAX_STEPS":       &c.MaxSteps,
	}
	for key, dst := range ints {
		if v, ok := lookup(EnvPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup(EnvPrefix + "DEFAULT_TTL_HOURS"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%sDEFAULT_TTL_HOURS: %w", EnvPrefix, err)
		}
		c.DefaultTTLHours = f
	}
	if v, ok := lookup(EnvPrefix + "REAPER_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sREAPER_INTERVAL: %w", EnvPrefix, err)
		}
		c.ReaperInterval = d
	}
	return nil
}
