// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyfrworks/cyfr/pkg/authn"
)

// LocalAdapter stores blobs on the local filesystem under a base directory.
type LocalAdapter struct {
	basePath string
}

var _ Adapter = (*LocalAdapter)(nil)

// NewLocalAdapter creates an adapter rooted at basePath. The directory is
// created when missing.
func NewLocalAdapter(basePath string) (*LocalAdapter, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolving base path %s: %w", basePath, err)
	}
	if err := os.MkdirAll(abs, 0750); err != nil {
		return nil, fmt.Errorf("creating base path %s: %w", abs, err)
	}
	return &LocalAdapter{basePath: abs}, nil
}

// BasePath returns the adapter's root directory.
func (a *LocalAdapter) BasePath() string {
	return a.basePath
}

// ResolvePath maps segments to an absolute path, scoping non-global prefixes
// under users/<user_id>/ and refusing anything that escapes the base.
func (a *LocalAdapter) ResolvePath(ctx context.Context, segments ...string) (string, error) {
	if len(segments) == 0 {
		return "", fmt.Errorf("%w: no segments", ErrInvalidPath)
	}
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("%w: bad segment %q", ErrInvalidPath, seg)
		}
		if strings.Contains(seg, "..") {
			return "", fmt.Errorf("%w: segment %q contains a parent traversal", ErrInvalidPath, seg)
		}
		if filepath.IsAbs(seg) {
			return "", fmt.Errorf("%w: segment %q is absolute", ErrInvalidPath, seg)
		}
	}

	parts := segments
	if !IsGlobalPrefix(segments[0]) {
		parts = append([]string{"users", authn.UserIDFromContext(ctx)}, segments...)
	}

	full := filepath.Join(append([]string{a.basePath}, parts...)...)
	cleaned := filepath.Clean(full)
	if cleaned != a.basePath && !strings.HasPrefix(cleaned, a.basePath+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q escapes the base directory", ErrInvalidPath, filepath.Join(segments...))
	}
	return cleaned, nil
}

// Get reads the file at the path.
func (a *LocalAdapter) Get(ctx context.Context, segments ...string) ([]byte, error) {
	path, err := a.ResolvePath(ctx, segments...)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, strings.Join(segments, "/"))
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return data, nil
}

// Put writes the file at the path, creating parent directories.
func (a *LocalAdapter) Put(ctx context.Context, data []byte, segments ...string) error {
	path, err := a.ResolvePath(ctx, segments...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// Append appends to the file at the path, creating it when missing.
func (a *LocalAdapter) Append(ctx context.Context, data []byte, segments ...string) error {
	path, err := a.ResolvePath(ctx, segments...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating parent of %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("opening %s for append: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return f.Sync()
}

// Delete removes the file at the path, reporting ErrNotFound distinctly.
func (a *LocalAdapter) Delete(ctx context.Context, segments ...string) error {
	path, err := a.ResolvePath(ctx, segments...)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, strings.Join(segments, "/"))
		}
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

// List returns the entry names directly under the path. Missing directories
// list as empty.
func (a *LocalAdapter) List(ctx context.Context, segments ...string) ([]string, error) {
	path, err := a.ResolvePath(ctx, segments...)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Exists reports whether the path exists.
func (a *LocalAdapter) Exists(ctx context.Context, segments ...string) (bool, error) {
	path, err := a.ResolvePath(ctx, segments...)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return true, nil
}

// DeleteTree recursively removes the path.
func (a *LocalAdapter) DeleteTree(ctx context.Context, segments ...string) error {
	path, err := a.ResolvePath(ctx, segments...)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("deleting tree %s: %w", path, err)
	}
	return nil
}
