// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry is the authority for component records and their WASM
// blobs: publish, directory registration, search, resolution, and the
// background indexer that keeps rows in step with the filesystem.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"

	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// PublisherLocal marks developer-owned components; PublisherAgent marks
// AI-generated ones. Both may be registered from the filesystem.
const (
	PublisherLocal = "local"
	PublisherAgent = "agent"
)

// ErrBlobNotFound is returned when no stored artifact carries the digest.
var ErrBlobNotFound = errors.New("blob not found")

// DefaultSearchLimit bounds searches that pass no explicit limit.
const DefaultSearchLimit = 50

// namePattern is the publishable name grammar: lowercase alphanumerics and
// hyphens, no edge hyphens. Length is checked separately.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// Registry owns component records and blobs.
type Registry struct {
	store   *store.Store
	adapter storage.Adapter
}

// New wires a registry over the relational store and the blob adapter.
func New(st *store.Store, adapter storage.Adapter) *Registry {
	return &Registry{store: st, adapter: adapter}
}

// ValidateName enforces the publishable name grammar.
func ValidateName(name string) error {
	if len(name) < 2 || len(name) > 64 {
		return fmt.Errorf("component name must be 2-64 characters, got %d", len(name))
	}
	if !namePattern.MatchString(name) {
		return fmt.Errorf("component name %q must be lowercase alphanumerics and hyphens", name)
	}
	return nil
}

// ValidateVersion enforces a concrete three-segment version; "latest" is a
// resolution alias, never an identity.
func ValidateVersion(version string) error {
	if version == refs.DefaultVersion {
		return fmt.Errorf("version %q cannot be published; use a concrete version", refs.DefaultVersion)
	}
	if !refs.ValidVersion(version) {
		return fmt.Errorf("version %q must be three dotted numeric segments", version)
	}
	return nil
}

// BlobPath returns the canonical storage segments for an artifact.
func BlobPath(typ refs.Type, publisher, name, version string) []string {
	return []string{"components", typ.Plural(), publisher, name, version, string(typ) + ".wasm"}
}

// PublishAttrs carries caller-supplied metadata for PublishBytes.
type PublishAttrs struct {
	Name        string
	Version     string
	Type        refs.Type
	Publisher   string
	OrgID       string
	Description string
	Tags        []string
	Category    string
	License     string
}

// PublishBytes validates, stores, and indexes an artifact. The local
// publisher may overwrite its own rows; any other publisher gets
// already_exists on collision.
func (r *Registry) PublishBytes(ctx context.Context, wasmBytes []byte, attrs PublishAttrs) (*store.Component, error) {
	if err := ValidateName(attrs.Name); err != nil {
		return nil, cyfrerr.NewInvalidParamsError(err.Error(), nil)
	}
	if err := ValidateVersion(attrs.Version); err != nil {
		return nil, cyfrerr.NewInvalidParamsError(err.Error(), nil)
	}
	if err := ValidateModule(wasmBytes); err != nil {
		return nil, cyfrerr.NewInvalidParamsError("artifact is not a wasm module", err)
	}

	exports, err := ParseExports(wasmBytes)
	if err != nil {
		return nil, cyfrerr.NewInvalidParamsError("artifact has a corrupt export section", err)
	}

	typ := attrs.Type
	if typ == "" {
		typ = InferType(exports)
	}
	publisher := attrs.Publisher
	if publisher == "" {
		publisher = PublisherLocal
	}

	component := &store.Component{
		Name:          attrs.Name,
		Version:       attrs.Version,
		ComponentType: typ,
		Publisher:     publisher,
		OrgID:         attrs.OrgID,
		Digest:        Digest(wasmBytes),
		Size:          int64(len(wasmBytes)),
		Exports:       exports,
		Description:   attrs.Description,
		Tags:          attrs.Tags,
		Category:      attrs.Category,
		License:       attrs.License,
		Source:        store.SourcePublished,
	}

	if err := r.adapter.Put(ctx, wasmBytes, BlobPath(typ, publisher, attrs.Name, attrs.Version)...); err != nil {
		return nil, fmt.Errorf("storing artifact: %w", err)
	}

	if publisher == PublisherLocal {
		if err := r.store.UpsertComponent(ctx, component); err != nil {
			return nil, fmt.Errorf("indexing artifact: %w", err)
		}
	} else {
		err := r.store.CreateComponent(ctx, component)
		if errors.Is(err, store.ErrAlreadyExists) {
			ref := component.Ref()
			return nil, cyfrerr.NewAlreadyExistsError(
				fmt.Sprintf("component %s already published by %s", ref.String(), publisher), nil)
		}
		if err != nil {
			return nil, fmt.Errorf("indexing artifact: %w", err)
		}
	}
	return component, nil
}

// Resolve interprets a reference string and returns the matching row.
func (r *Registry) Resolve(ctx context.Context, reference, orgID string) (*store.Component, error) {
	ref, err := refs.Parse(reference)
	if err != nil {
		return nil, cyfrerr.NewInvalidParamsError(err.Error(), nil)
	}
	component, err := r.store.ResolveComponent(ctx, ref, orgID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, cyfrerr.NewComponentNotFoundError(
			fmt.Sprintf("component %s not found", reference), nil)
	}
	return component, err
}

// GetBlob returns the raw artifact bytes for a content digest.
func (r *Registry) GetBlob(ctx context.Context, digest string) ([]byte, error) {
	component, err := r.store.FindComponentByDigest(ctx, digest)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
	}
	if err != nil {
		return nil, err
	}

	path := BlobPath(component.ComponentType, component.Publisher, component.Name, component.Version)
	data, err := r.adapter.Get(ctx, path...)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, digest)
	}
	return data, err
}

// Delete removes a component row and its artifact directory.
func (r *Registry) Delete(ctx context.Context, reference, orgID string) error {
	component, err := r.Resolve(ctx, reference, orgID)
	if err != nil {
		return err
	}
	if err := r.store.DeleteComponent(ctx, component.ID); err != nil {
		return err
	}

	// Blob removal is cleanup, not part of the contract; a leftover
	// directory gets swept by the next indexer pass.
	dir := []string{"components", component.ComponentType.Plural(), component.Publisher, component.Name, component.Version}
	if err := r.adapter.DeleteTree(ctx, dir...); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warnw("Failed to remove component artifact", "ref", reference, "error", err)
	}
	return nil
}

// Categories lists the distinct categories in the index.
func (r *Registry) Categories(ctx context.Context) ([]string, error) {
	return r.store.ListComponentCategories(ctx)
}

// SearchFilter narrows Search. Tags use AND semantics: every listed tag
// must be present on the component.
type SearchFilter struct {
	Type     refs.Type
	Category string
	License  string
	Tags     []string
	Query    string
	OrgID    string
	Limit    int
}

// Search returns components matching the filter, newest first, bounded by
// the limit (DefaultSearchLimit when unset).
func (r *Registry) Search(ctx context.Context, filter SearchFilter) ([]*store.Component, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	storeFilter := store.ComponentFilter{
		Type:     filter.Type,
		Category: filter.Category,
		License:  filter.License,
		OrgID:    filter.OrgID,
		Query:    filter.Query,
	}
	// Tag filtering happens here, so the row limit can only be pushed down
	// when there is nothing to post-filter.
	if len(filter.Tags) == 0 {
		storeFilter.Limit = limit
	}

	components, err := r.store.ListComponents(ctx, storeFilter)
	if err != nil {
		return nil, err
	}
	if len(filter.Tags) == 0 {
		return components, nil
	}

	matched := make([]*store.Component, 0, limit)
	for _, c := range components {
		if hasAllTags(c.Tags, filter.Tags) {
			matched = append(matched, c)
			if len(matched) == limit {
				break
			}
		}
	}
	return matched, nil
}

func hasAllTags(have, want []string) bool {
	for _, tag := range want {
		if !slices.Contains(have, tag) {
			return false
		}
	}
	return true
}

// PruneStaleEntries deletes filesystem-sourced rows whose (name, version)
// is absent from the discovered set. Keys are "name:version".
func (r *Registry) PruneStaleEntries(ctx context.Context, discovered map[string]bool) (int, error) {
	rows, err := r.store.ListComponents(ctx, store.ComponentFilter{Source: store.SourceFilesystem})
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, c := range rows {
		if discovered[c.Name+":"+c.Version] {
			continue
		}
		if err := r.store.DeleteComponent(ctx, c.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}
