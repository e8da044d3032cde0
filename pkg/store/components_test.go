// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/pkg/refs"
)

func testComponent(name, version string, typ refs.Type) *Component {
	return &Component{
		Name:          name,
		Version:       version,
		ComponentType: typ,
		Publisher:     "local",
		Digest:        "sha256:" + name + version,
		Size:          128,
		Exports:       []string{"run"},
		Source:        SourcePublished,
	}
}

func TestCreateComponent_DuplicateFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	c := testComponent("math", "1.0.0", refs.TypeCatalyst)
	require.NoError(t, s.CreateComponent(ctx, c))
	assert.Equal(t, ComponentID("local", "math", "1.0.0", refs.TypeCatalyst), c.ID)

	dup := testComponent("math", "1.0.0", refs.TypeCatalyst)
	err := s.CreateComponent(ctx, dup)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestUpsertComponent_OverwritesMetadata(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	c := testComponent("math", "1.0.0", refs.TypeCatalyst)
	require.NoError(t, s.CreateComponent(ctx, c))

	again := testComponent("math", "1.0.0", refs.TypeCatalyst)
	again.Digest = "sha256:replaced"
	again.Description = "arithmetic helpers"
	require.NoError(t, s.UpsertComponent(ctx, again))

	got, err := s.GetComponentByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "sha256:replaced", got.Digest)
	assert.Equal(t, "arithmetic helpers", got.Description)
	assert.Equal(t, []string{"run"}, got.Exports)
}

//nolint:paralleltest // Pins the package clock.
func TestResolveComponent_LatestIsMostRecentlyUpdated(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pinClock(t, 10_000, 1_000)

	require.NoError(t, s.CreateComponent(ctx, testComponent("math", "1.0.0", refs.TypeCatalyst)))
	require.NoError(t, s.CreateComponent(ctx, testComponent("math", "2.0.0", refs.TypeCatalyst)))

	ref, err := refs.Parse("catalyst:math")
	require.NoError(t, err)

	got, err := s.ResolveComponent(ctx, ref, "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)

	// Republishing 1.0.0 touches updated_at, so latest moves back to it.
	require.NoError(t, s.UpsertComponent(ctx, testComponent("math", "1.0.0", refs.TypeCatalyst)))
	got, err = s.ResolveComponent(ctx, ref, "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)
}

func TestResolveComponent_ExactVersionAndMissing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.CreateComponent(ctx, testComponent("math", "1.0.0", refs.TypeCatalyst)))

	ref, err := refs.Parse("catalyst:math:1.0.0")
	require.NoError(t, err)
	got, err := s.ResolveComponent(ctx, ref, "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)

	missing, err := refs.Parse("catalyst:math:9.9.9")
	require.NoError(t, err)
	_, err = s.ResolveComponent(ctx, missing, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListComponents_Filters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	a := testComponent("http-fetch", "1.0.0", refs.TypeCatalyst)
	a.Category = "network"
	require.NoError(t, s.CreateComponent(ctx, a))
	b := testComponent("json-parse", "1.0.0", refs.TypeReagent)
	b.Category = "data"
	require.NoError(t, s.CreateComponent(ctx, b))

	byType, err := s.ListComponents(ctx, ComponentFilter{Type: refs.TypeReagent})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "json-parse", byType[0].Name)

	byQuery, err := s.ListComponents(ctx, ComponentFilter{Query: "fetch"})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "http-fetch", byQuery[0].Name)

	// LIKE metacharacters in the query must not act as wildcards.
	none, err := s.ListComponents(ctx, ComponentFilter{Query: "%"})
	require.NoError(t, err)
	assert.Empty(t, none)

	cats, err := s.ListComponentCategories(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"data", "network"}, cats)
}

func TestDeleteComponent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	c := testComponent("math", "1.0.0", refs.TypeCatalyst)
	require.NoError(t, s.CreateComponent(ctx, c))
	require.NoError(t, s.DeleteComponent(ctx, c.ID))
	require.ErrorIs(t, s.DeleteComponent(ctx, c.ID), ErrNotFound)
}
