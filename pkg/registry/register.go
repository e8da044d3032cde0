// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// RegisterStatus reports what RegisterFromDirectory did.
type RegisterStatus string

// Registration outcomes.
const (
	StatusRegistered RegisterStatus = "registered"
	StatusUnchanged  RegisterStatus = "unchanged"
)

// componentDir is a parsed canonical leaf directory.
type componentDir struct {
	typ       refs.Type
	publisher string
	name      string
	version   string
}

func (d componentDir) segments() []string {
	return []string{"components", d.typ.Plural(), d.publisher, d.name, d.version}
}

// parseComponentDir validates a path against the canonical layout
// components/<types>/<publisher>/<name>/<version> and rejects publishers
// other than local and agent.
func parseComponentDir(relPath string) (componentDir, error) {
	segments := strings.Split(strings.Trim(relPath, "/"), "/")
	if len(segments) != 5 || segments[0] != "components" {
		return componentDir{}, fmt.Errorf("path %q does not match components/<types>/<publisher>/<name>/<version>", relPath)
	}

	typ, err := refs.ParseType(strings.TrimSuffix(segments[1], "s"))
	if err != nil || typ.Plural() != segments[1] {
		return componentDir{}, fmt.Errorf("path %q has unknown type directory %q", relPath, segments[1])
	}

	publisher := segments[2]
	if publisher != PublisherLocal && publisher != PublisherAgent {
		return componentDir{}, fmt.Errorf("publisher %q cannot be registered from the filesystem; only %s and %s can", publisher, PublisherLocal, PublisherAgent)
	}

	dir := componentDir{typ: typ, publisher: publisher, name: segments[3], version: segments[4]}
	if err := ValidateName(dir.name); err != nil {
		return componentDir{}, err
	}
	if err := ValidateVersion(dir.version); err != nil {
		return componentDir{}, err
	}
	return dir, nil
}

// RegisterFromDirectory indexes the artifact in the canonical leaf directory
// at relPath. An existing row with the same digest short-circuits as
// unchanged unless force re-registers it.
func (r *Registry) RegisterFromDirectory(ctx context.Context, relPath string, force bool) (*store.Component, RegisterStatus, error) {
	dir, err := parseComponentDir(relPath)
	if err != nil {
		return nil, "", err
	}

	wasmBytes, err := r.adapter.Get(ctx, append(dir.segments(), string(dir.typ)+".wasm")...)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, "", fmt.Errorf("no %s.wasm artifact under %s", dir.typ, relPath)
	}
	if err != nil {
		return nil, "", err
	}
	if err := ValidateModule(wasmBytes); err != nil {
		return nil, "", fmt.Errorf("artifact under %s: %w", relPath, err)
	}
	exports, err := ParseExports(wasmBytes)
	if err != nil {
		return nil, "", fmt.Errorf("artifact under %s: %w", relPath, err)
	}

	var manifest Manifest
	manifestBytes, err := r.adapter.Get(ctx, append(dir.segments(), ManifestFilename)...)
	switch {
	case err == nil:
		m, err := ParseManifest(manifestBytes)
		if err != nil {
			return nil, "", fmt.Errorf("manifest under %s: %w", relPath, err)
		}
		manifest = *m
	case errors.Is(err, storage.ErrNotFound):
		// Metadata is optional; the layout alone identifies the component.
	default:
		return nil, "", err
	}

	digest := Digest(wasmBytes)
	existing, err := r.store.FindComponent(ctx, dir.publisher, dir.name, dir.version, dir.typ, "")
	if err == nil && existing.Digest == digest && !force {
		return existing, StatusUnchanged, nil
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, "", err
	}

	component := &store.Component{
		Name:          dir.name,
		Version:       dir.version,
		ComponentType: dir.typ,
		Publisher:     dir.publisher,
		Digest:        digest,
		Size:          int64(len(wasmBytes)),
		Exports:       exports,
		Description:   manifest.Description,
		Tags:          manifest.Tags,
		Category:      manifest.Category,
		License:       manifest.License,
		Source:        store.SourceFilesystem,
	}
	if err := r.store.UpsertComponent(ctx, component); err != nil {
		return nil, "", fmt.Errorf("indexing %s: %w", relPath, err)
	}
	return component, StatusRegistered, nil
}
