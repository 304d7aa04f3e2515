//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package trace provides distributed tracing for graph runs and cache
// operations. It integrates with OpenTelemetry; until Start is called all
// spans go to a no-op provider.
package trace

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	itelemetry "trpc.group/trpc-go/trpc-stagegraph-go/internal/telemetry"
)

// Tracer is the global tracer instance for telemetry.
var Tracer trace.Tracer = noop.NewTracerProvider().Tracer("")

// Start installs an OTLP exporter and points Tracer at it.
// OTEL_EXPORTER_OTLP_ENDPOINT and OTEL_EXPORTER_OTLP_TRACES_ENDPOINT are
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
	if options.tracesEndpoint == "" {
		options.tracesEndpoint = tracesEndpoint(options.protocol)
	}

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

	var exporter sdktrace.SpanExporter
	switch options.protocol {
	case itelemetry.ProtocolHTTP:
		exporter, err = newHTTPExporter(ctx, options)
	default:
		exporter, err = newGRPCExporter(ctx, options)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	shutdown := Install(res, exporter)
	return func() error {
		if err := shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown TracerProvider: %w", err)
		}
		return nil
	}, nil
}

// Install registers exporter behind a batching tracer provider, makes it
// the global provider and updates Tracer. Tests use it with an in-memory
// exporter.
func Install(res *resource.Resource, exporter sdktrace.SpanExporter) func(context.Context) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	}
	if res != nil {
		opts = append(opts, sdktrace.WithResource(res))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	Tracer = tp.Tracer(itelemetry.InstrumentName)
	return tp.Shutdown
}

// Option is a function that configures tracer options.
type Option func(*options)

type options struct {
	tracesEndpoint    string
	tracesEndpointURL string
	serviceName       string
	serviceVersion    string
	serviceNamespace  string
	protocol          string
	headers           map[string]string
}

// WithEndpoint sets the traces endpoint (host:port, no scheme).
func WithEndpoint(endpoint string) Option {
	return func(opts *options) {
		opts.tracesEndpoint = endpoint
	}
}

// WithEndpointURL sets a full collector URL (scheme, host, port, path).
// It is only used by the HTTP protocol.
func WithEndpointURL(endpointURL string) Option {
	return func(opts *options) {
		opts.tracesEndpointURL = endpointURL
	}
}

// WithProtocol selects "grpc" (default) or "http".
func WithProtocol(protocol string) Option {
	return func(opts *options) {
		opts.protocol = protocol
	}
}

// WithHeaders sets the headers to include in the trace requests.
func WithHeaders(headers map[string]string) Option {
	return func(opts *options) {
		opts.headers = headers
	}
}

// WithServiceName overrides the reported service name.
func WithServiceName(name string) Option {
	return func(opts *options) {
		opts.serviceName = name
	}
}

func tracesEndpoint(protocol string) string {
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"); endpoint != "" {
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

// parseEndpointURL splits "http://host:port/path" into "host:port" and
// "/path". A missing scheme defaults to http.
func parseEndpointURL(endpointURL string) (endpoint, urlPath string, err error) {
	raw := endpointURL
	if !strings.HasPrefix(endpointURL, "http://") && !strings.HasPrefix(endpointURL, "https://") {
		endpointURL = "http://" + endpointURL
	}
	u, err := url.Parse(endpointURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("no host found in URL %q", raw)
	}
	urlPath = u.Path
	if urlPath == "" {
		urlPath = "/"
	}
	return u.Host, urlPath, nil
}

func newGRPCExporter(ctx context.Context, opts *options) (sdktrace.SpanExporter, error) {
	conn, err := itelemetry.NewGRPCConn(opts.tracesEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize traces connection: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithGRPCConn(conn),
		otlptracegrpc.WithHeaders(opts.headers),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return exporter, nil
}

func newHTTPExporter(ctx context.Context, opts *options) (sdktrace.SpanExporter, error) {
	otelOpts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(opts.tracesEndpoint),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithHeaders(opts.headers),
	}
	if opts.tracesEndpointURL != "" {
		endpoint, urlPath, err := parseEndpointURL(opts.tracesEndpointURL)
		if err != nil {
			return nil, err
		}
		otelOpts = append(otelOpts,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithURLPath(urlPath),
		)
	}
	exporter, err := otlptracehttp.New(ctx, otelOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP trace exporter: %w", err)
	}
	return exporter, nil
}
