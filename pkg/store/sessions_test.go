// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession(id string) *Session {
	return &Session{
		ID:          id,
		UserID:      "u1",
		Email:       "u1@example.com",
		Provider:    "github",
		Permissions: []string{"execution.run"},
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestSessions_CreateGetDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	sess := testSession("sess-1")
	require.NoError(t, s.CreateSession(ctx, sess))
	require.ErrorIs(t, s.CreateSession(ctx, testSession("sess-1")), ErrAlreadyExists)

	got, err := s.GetSession(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, []string{"execution.run"}, got.Permissions)
	assert.False(t, got.Expired())

	require.NoError(t, s.DeleteSession(ctx, "sess-1"))
	_, err = s.GetSession(ctx, "sess-1")
	require.ErrorIs(t, err, ErrNotFound)

	revoked, err := s.IsSessionRevoked(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestSessions_RefreshSlidesExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	sess := testSession("sess-2")
	sess.ExpiresAt = time.Now().Add(time.Minute)
	require.NoError(t, s.CreateSession(ctx, sess))

	ttl := 2 * time.Hour
	before := time.Now()
	refreshed, err := s.RefreshSession(ctx, "sess-2", ttl)
	require.NoError(t, err)

	// The new deadline must be at least now+ttl, modulo clock reads.
	assert.False(t, refreshed.ExpiresAt.Before(before.Add(ttl).Add(-time.Second)))

	_, err = s.RefreshSession(ctx, "missing", ttl)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSessions_RevokedWinsOverCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	sess := testSession("sess-3")
	require.NoError(t, s.CreateSession(ctx, sess))

	// Warm the cache, then revoke: the cached copy must not resurrect the
	// session.
	_, err := s.GetSession(ctx, "sess-3")
	require.NoError(t, err)
	require.NoError(t, s.DeleteSession(ctx, "sess-3"))

	_, err = s.GetSession(ctx, "sess-3")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupExpiredSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	expired := testSession("sess-old")
	expired.ExpiresAt = time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateSession(ctx, expired))
	live := testSession("sess-live")
	require.NoError(t, s.CreateSession(ctx, live))

	n, err := s.CleanupExpiredSessions(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// Cleanup also drops the cached copy, so the dead session is gone
	// everywhere.
	_, err = s.GetSession(ctx, "sess-old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetSession(ctx, "sess-live")
	require.NoError(t, err)
}

func TestAPIKeys_Lifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	k := &APIKey{
		ID:          "key_1",
		Name:        "ci",
		KeyHash:     "hash-1",
		KeyPrefix:   "cyfr_sk_abc1",
		KeyType:     KeyTypeSecret,
		UserID:      "u1",
		IPAllowlist: []string{"10.0.0.0/8"},
	}
	require.NoError(t, s.CreateAPIKey(ctx, k))

	dup := *k
	dup.ID = "key_2"
	require.ErrorIs(t, s.CreateAPIKey(ctx, &dup), ErrAlreadyExists)

	got, err := s.GetAPIKeyByHash(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "key_1", got.ID)
	assert.Equal(t, []string{"10.0.0.0/8"}, got.IPAllowlist)
	assert.False(t, got.Revoked)
	assert.Nil(t, got.RotatedAt)

	require.NoError(t, s.RotateAPIKey(ctx, "key_1", "hash-2", "cyfr_sk_def2"))
	_, err = s.GetAPIKeyByHash(ctx, "hash-1")
	require.ErrorIs(t, err, ErrNotFound)
	got, err = s.GetAPIKeyByHash(ctx, "hash-2")
	require.NoError(t, err)
	require.NotNil(t, got.RotatedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, "key_1"))
	got, err = s.GetAPIKeyByID(ctx, "key_1")
	require.NoError(t, err)
	assert.True(t, got.Revoked)

	// Revoked keys cannot rotate back to life.
	require.ErrorIs(t, s.RotateAPIKey(ctx, "key_1", "hash-3", "cyfr_sk_ghi3"), ErrNotFound)

	keys, err := s.ListAPIKeys(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestPermissions_GrantListRevoke(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.GrantPermission(ctx, "u1", "execution.run", "admin"))
	require.NoError(t, s.GrantPermission(ctx, "u1", "execution.run", "admin"))
	require.NoError(t, s.GrantPermission(ctx, "u1", "audit.read", "admin"))

	perms, err := s.ListPermissions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, "audit.read", perms[0].Permission)
	assert.Equal(t, "execution.run", perms[1].Permission)

	require.NoError(t, s.RevokePermission(ctx, "u1", "audit.read"))
	require.ErrorIs(t, s.RevokePermission(ctx, "u1", "audit.read"), ErrNotFound)
}
