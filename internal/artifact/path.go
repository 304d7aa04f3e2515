//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

// Package artifact provides the storage layout shared by the artifact
// cache backends.
package artifact

import (
	"path"
	"strings"
)

// Layout names inside a session.
const (
	MetadataFile = "metadata.json"
	ArtifactsDir = "artifacts"
)

// BuildSessionPrefix constructs the prefix under which a session lives:
//
//	{prefix}/{session_id}/
func BuildSessionPrefix(prefix, sessionID string) string {
	return path.Join(prefix, sessionID) + "/"
}

// BuildMetadataKey constructs the key of a session's metadata file:
//
//	{prefix}/{session_id}/metadata.json
func BuildMetadataKey(prefix, sessionID string) string {
	return path.Join(prefix, sessionID, MetadataFile)
}

// BuildArtifactKey constructs the key of an artifact payload:
//
//	{prefix}/{session_id}/artifacts/{name}
func BuildArtifactKey(prefix, sessionID, name string) string {
	return path.Join(prefix, sessionID, ArtifactsDir, name)
}

// SessionIDFromMetadataKey extracts the session id from a metadata key
// found under prefix. It reports false for any other key.
func SessionIDFromMetadataKey(prefix, key string) (string, bool) {
	rest := key
	if prefix != "" {
		p := strings.TrimSuffix(prefix, "/") + "/"
		if !strings.HasPrefix(key, p) {
			return "", false
		}
		rest = strings.TrimPrefix(key, p)
	}
	id, file, ok := strings.Cut(rest, "/")
	if !ok || id == "" || file != MetadataFile {
		return "", false
	}
	return id, true
}
