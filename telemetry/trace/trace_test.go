//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestParseEndpointURL(t *testing.T) {
	cases := []struct {
		in       string
		endpoint string
		path     string
		wantErr  bool
	}{
		{"http://localhost:3000/api/public/otel", "localhost:3000", "/api/public/otel", false},
		{"collector:4318", "collector:4318", "/", false},
		{"https://example.com/v1", "example.com", "/v1", false},
		{"http://", "", "", true},
	}
	for _, c := range cases {
		endpoint, path, err := parseEndpointURL(c.in)
		if c.wantErr {
			assert.Error(t, err, c.in)
			continue
		}
		require.NoError(t, err, c.in)
		assert.Equal(t, c.endpoint, endpoint)
		assert.Equal(t, c.path, path)
	}
}

func TestTracesEndpointFromEnv(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	assert.Equal(t, "localhost:4317", tracesEndpoint("grpc"))
	assert.Equal(t, "localhost:4318", tracesEndpoint("http"))

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	assert.Equal(t, "otel:4317", tracesEndpoint("grpc"))
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "traces:4317")
	assert.Equal(t, "traces:4317", tracesEndpoint("grpc"))
}

func TestInstallRoutesSpansToExporter(t *testing.T) {
	old := Tracer
	defer func() { Tracer = old }()

	exporter := tracetest.NewInMemoryExporter()
	shutdown := Install(nil, exporter)

	defer func() { _ = shutdown(context.Background()) }()

	_, span := Tracer.Start(context.Background(), "unit")
	span.End()
	tp, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider)
	require.True(t, ok)
	require.NoError(t, tp.ForceFlush(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "unit", spans[0].Name)
}
