//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package metric records stage, routing and cache metrics through
// OpenTelemetry. Exporting is opt-in: Start pushes over OTLP,
// StartPrometheus serves a scrape endpoint.
package metric

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	noopm "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"

	itelemetry "trpc.group/trpc-go/trpc-stagegraph-go/internal/telemetry"
)

// Meter is the global OpenTelemetry meter for stagegraph.
var Meter metric.Meter = noopm.Meter{}

type instruments struct {
	stageRuns     metric.Int64Counter
	stageDuration metric.Float64Histogram
	routes        metric.Int64Counter
	reaped        metric.Int64Counter
}

var current atomic.Pointer[instruments]

func init() {
	current.Store(mustInstruments(Meter))
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		inst instruments
		err  error
	)
	if inst.stageRuns, err = m.Int64Counter("stagegraph.stage.executions",
		metric.WithDescription("Number of stage executions by outcome.")); err != nil {
		return nil, err
	}
	if inst.stageDuration, err = m.Float64Histogram("stagegraph.stage.duration",
		metric.WithDescription("Stage execution time."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if inst.routes, err = m.Int64Counter("stagegraph.route.decisions",
		metric.WithDescription("Routing decisions taken at conditional edges.")); err != nil {
		return nil, err
	}
	if inst.reaped, err = m.Int64Counter("stagegraph.cache.sessions_reaped",
		metric.WithDescription("Expired cache sessions removed by the reaper.")); err != nil {
		return nil, err
	}
	return &inst, nil
}

func mustInstruments(m metric.Meter) *instruments {
	inst, err := newInstruments(m)
	if err != nil {
		panic(fmt.Sprintf("metric: create instruments: %v", err))
	}
	return inst
}

// Use points Meter at provider and recreates the instruments.
func Use(provider metric.MeterProvider) error {
	m := provider.Meter(itelemetry.InstrumentName)
	inst, err := newInstruments(m)
	if err != nil {
		return fmt.Errorf("failed to create instruments: %w", err)
	}
	Meter = m
	current.Store(inst)
	return nil
}

// RecordStage records one stage execution.
func RecordStage(ctx context.Context, stage, status string, elapsed time.Duration) {
	inst := current.Load()
	attrs := metric.WithAttributes(
		attribute.String(itelemetry.KeyStage, stage),
		attribute.String(itelemetry.KeyStageStatus, status),
	)
	inst.stageRuns.Add(ctx, 1, attrs)
	inst.stageDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordRoute records a routing decision from one stage to the next.
func RecordRoute(ctx context.Context, from, to string) {
	current.Load().routes.Add(ctx, 1, metric.WithAttributes(
		attribute.String(itelemetry.KeyStage, from),
		attribute.String(itelemetry.KeyNextStage, to),
	))
}

// RecordReap records the outcome of one reaper sweep.
func RecordReap(ctx context.Context, removed int, dryRun bool) {
	current.Load().reaped.Add(ctx, int64(removed), metric.WithAttributes(
		attribute.Bool(itelemetry.KeyDryRun, dryRun),
	))
}

// Start pushes metrics to an OTLP collector.
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_EXPORTER_OTLP_METRICS_ENDPOINT are
// honored when no endpoint option is given.
func Start(ctx context.Context, opts ...Option) (clean func() error, err error) {
	options := &options{
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
		protocol:         itelemetry.ProtocolGRPC,
	}
	for _, opt := range opts {
		opt(options)
	}
	if options.metricsEndpoint == "" {
		options.metricsEndpoint = metricsEndpoint(options.protocol)
	}
	res, err := newResource(ctx, options)
	if err != nil {
		return nil, err
	}

	var exporter sdkmetric.Exporter
	switch options.protocol {
	case itelemetry.ProtocolHTTP:
		exporter, err = otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(options.metricsEndpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		conn, connErr := itelemetry.NewGRPCConn(options.metricsEndpoint)
		if connErr != nil {
			return nil, fmt.Errorf("failed to initialize metrics connection: %w", connErr)
		}
		exporter, err = otlpmetricgrpc.New(ctx, otlpmetricgrpc.WithGRPCConn(conn))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	if err := Use(provider); err != nil {
		return nil, err
	}
	return func() error {
		if err := provider.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown MeterProvider: %w", err)
		}
		return nil
	}, nil
}

// StartPrometheus serves the collected metrics at addr under /metrics.
func StartPrometheus(ctx context.Context, addr string, opts ...Option) (clean func() error, err error) {
	options := &options{
		serviceName:      itelemetry.ServiceName,
		serviceVersion:   itelemetry.ServiceVersion,
		serviceNamespace: itelemetry.ServiceNamespace,
	}
	for _, opt := range opts {
		opt(options)
	}
	res, err := newResource(ctx, options)
	if err != nil {
		return nil, err
	}
	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(provider)
	if err := Use(provider); err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			otel.Handle(fmt.Errorf("metrics endpoint: %w", err))
		}
	}()
	return func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return errors.Join(srv.Shutdown(shutdownCtx), provider.Shutdown(shutdownCtx))
	}, nil
}

func newResource(ctx context.Context, options *options) (*resource.Resource, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNamespace(options.serviceNamespace),
			semconv.ServiceName(options.serviceName),
			semconv.ServiceVersion(options.serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

func metricsEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		return endpoint
	}
	if protocol == itelemetry.ProtocolHTTP {
		return "localhost:4318"
	}
	return "localhost:4317"
}

// Option is a function that configures meter options.
type Option func(*options)

type options struct {
	metricsEndpoint  string
	serviceName      string
	serviceVersion   string
	serviceNamespace string
	protocol         string
}

// WithEndpoint sets the metrics endpoint (host:port, no scheme).
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.metricsEndpoint = endpoint
	}
}

// WithProtocol selects "grpc" (default) or "http" for OTLP export.
func WithProtocol(protocol string) Option {
	return func(opts *options) {
		opts.protocol = protocol
	}
}

// WithServiceName overrides the reported service name.
func WithServiceName(name string) Option {
	return func(opts *options) {
		opts.serviceName = name
	}
}
