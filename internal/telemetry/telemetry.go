//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package telemetry holds the names and connection helpers shared by the
// public trace and metric packages.
package telemetry

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// telemetry service constants.
const (
	ServiceName      = "stagegraph"
	ServiceVersion   = "v0.1.0"
	ServiceNamespace = "trpc-go-stagegraph"
	InstrumentName   = "trpc.stagegraph.go"

	SpanNameRun             = "run_graph"
	SpanNamePrefixStage     = "execute_stage"
	SpanNamePrefixRoute     = "route"
	SpanNameReapSessions    = "reap_sessions"
	SpanNamePrefixCacheSave = "cache_save"
)

const (
	// ProtocolGRPC uses gRPC protocol for OTLP exporter.
	ProtocolGRPC string = "grpc"
	// ProtocolHTTP uses HTTP protocol for OTLP exporter.
	ProtocolHTTP string = "http"
)

// Span and metric attribute keys.
const (
	KeyRunID       = "trpc.go.stagegraph.run_id"
	KeyStage       = "trpc.go.stagegraph.stage"
	KeyNextStage   = "trpc.go.stagegraph.next_stage"
	KeyStageStatus = "trpc.go.stagegraph.stage_status"
	KeyError       = "trpc.go.stagegraph.error"
	KeySessionID   = "trpc.go.stagegraph.session_id"
	KeyArtifact    = "trpc.go.stagegraph.artifact"
	KeyDryRun      = "trpc.go.stagegraph.dry_run"
)

// NewGRPCConn dials an insecure gRPC client connection to an OTLP collector.
func NewGRPCConn(endpoint string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to collector: %w", err)
	}
	return conn, nil
}
