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
	"context"
	"errors"

	"trpc.group/trpc-go/trpc-stagegraph-go/config"
	"trpc.group/trpc-go/trpc-stagegraph-go/log"
	"trpc.group/trpc-go/trpc-stagegraph-go/telemetry/metric"
	"trpc.group/trpc-go/trpc-stagegraph-go/telemetry/trace"
)

// startTelemetry starts the exporters configured in cfg. With serveMetrics
// the prometheus endpoint is preferred over OTLP push for metrics.
func startTelemetry(ctx context.Context, cfg config.Telemetry, serveMetrics bool) (func() error, error) {
	var cleanups []func() error
	cleanup := func() error {
		var errs []error
		for i := len(cleanups) - 1; i >= 0; i-- {
			errs = append(errs, cleanups[i]())
		}
		return errors.Join(errs...)
	}

	if cfg.TracesEndpoint != "" {
		clean, err := trace.Start(ctx,
			trace.WithEndpoint(cfg.TracesEndpoint),
			trace.WithProtocol(cfg.Protocol))
		if err != nil {
			return nil, err
		}
		cleanups = append(cleanups, clean)
		log.Infof("exporting traces to %s over %s", cfg.TracesEndpoint, cfg.Protocol)
	}

	switch {
	case serveMetrics && cfg.MetricsAddr != "":
		clean, err := metric.StartPrometheus(ctx, cfg.MetricsAddr)
		if err != nil {
			return nil, errors.Join(err, cleanup())
		}
		cleanups = append(cleanups, clean)
		log.Infof("serving metrics on %s/metrics", cfg.MetricsAddr)
	case cfg.MetricsEndpoint != "":
		clean, err := metric.Start(ctx,
			metric.WithEndpoint(cfg.MetricsEndpoint),
			metric.WithProtocol(cfg.Protocol))
		if err != nil {
			return nil, errors.Join(err, cleanup())
		}
		cleanups = append(cleanups, clean)
		log.Infof("exporting metrics to %s over %s", cfg.MetricsEndpoint, cfg.Protocol)
	}
	return cleanup, nil
}
