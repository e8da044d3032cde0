// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage provides the path-addressed blob adapter every other
// component writes through. Paths are lists of segments; the first segment
// decides whether the path is global (mcp_logs, cache, components) or scoped
// under users/<user_id>/.
//
// The adapter is the only place where "local filesystem vs. object store"
// diverges; swapping the backend means swapping this one implementation.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested path does not exist.
	ErrNotFound = errors.New("path not found")

	// ErrInvalidPath is returned when a path escapes the base directory or
	// contains malformed segments.
	ErrInvalidPath = errors.New("invalid storage path")
)

// globalPrefixes are first segments that resolve under <base>/ directly
// instead of <base>/users/<user_id>/.
var globalPrefixes = map[string]bool{
	"mcp_logs":   true,
	"cache":      true,
	"components": true,
}

// IsGlobalPrefix reports whether the first path segment maps to the shared
// tree rather than the per-user tree.
func IsGlobalPrefix(segment string) bool {
	return globalPrefixes[segment]
}

// Adapter is the storage surface used by the rest of the system. The
// user scoping for non-global paths comes from the identity in ctx.
type Adapter interface {
	// Get reads the file at the path.
	Get(ctx context.Context, segments ...string) ([]byte, error)

	// Put writes the file at the path, creating parent directories and
	// replacing any previous content.
	Put(ctx context.Context, data []byte, segments ...string) error

	// Append appends to the file at the path, creating it (and parents)
	// when missing. Existing content is never overwritten.
	Append(ctx context.Context, data []byte, segments ...string) error

	// Delete removes the file at the path. A missing file returns
	// ErrNotFound.
	Delete(ctx context.Context, segments ...string) error

	// List returns the entry names directly under the path. A missing
	// directory returns an empty slice, not an error.
	List(ctx context.Context, segments ...string) ([]string, error)

	// Exists reports whether the path exists.
	Exists(ctx context.Context, segments ...string) (bool, error)

	// DeleteTree recursively removes the path. It either fully succeeds
	// or returns the first triggering cause.
	DeleteTree(ctx context.Context, segments ...string) error

	// ResolvePath returns the absolute filesystem path the segments map
	// to, applying the global-versus-user prefix rule.
	ResolvePath(ctx context.Context, segments ...string) (string, error)
}
