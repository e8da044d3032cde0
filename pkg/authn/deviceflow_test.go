// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeviceFlow(t *testing.T) *DeviceFlow {
	t.Helper()

	sm, _ := newTestSessionManager(t)
	return NewDeviceFlow(sm, "https://cyfr.example.com/device")
}

func TestDeviceFlow_InitShapes(t *testing.T) {
	t.Parallel()

	df := newTestDeviceFlow(t)
	auth, err := df.Init()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(auth.DeviceCode, "dev_"))
	assert.Regexp(t, regexp.MustCompile(`^[BCDFGHJKMNPQRSTVWXYZ2-9]{4}-[BCDFGHJKMNPQRSTVWXYZ2-9]{4}$`), auth.UserCode)
	assert.Equal(t, "https://cyfr.example.com/device", auth.VerificationURI)
	assert.Equal(t, 900, auth.ExpiresIn)
	assert.Equal(t, 5, auth.Interval)
}

func TestDeviceFlow_PendingUntilApproved(t *testing.T) {
	t.Parallel()

	df := newTestDeviceFlow(t)
	ctx := context.Background()

	auth, err := df.Init()
	require.NoError(t, err)

	_, err = df.Poll(ctx, auth.DeviceCode)
	require.ErrorIs(t, err, ErrAuthorizationPending)

	// Back-to-back polls get throttled.
	_, err = df.Poll(ctx, auth.DeviceCode)
	require.ErrorIs(t, err, ErrSlowDown)
}

func TestDeviceFlow_ApproveThenPollMintsSession(t *testing.T) {
	t.Parallel()

	df := newTestDeviceFlow(t)
	ctx := context.Background()

	auth, err := df.Init()
	require.NoError(t, err)
	require.NoError(t, df.Approve(auth.UserCode, "user-1", "u@example.com", "github", []string{"execution:run"}))

	sess, err := df.Poll(ctx, auth.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.Equal(t, "u@example.com", sess.Email)
	assert.Equal(t, "github", sess.Provider)
	assert.Equal(t, []string{"execution:run"}, sess.Permissions)

	// The code is single use.
	_, err = df.Poll(ctx, auth.DeviceCode)
	require.ErrorIs(t, err, ErrDeviceCodeInvalid)
}

func TestDeviceFlow_BadCodes(t *testing.T) {
	t.Parallel()

	df := newTestDeviceFlow(t)
	ctx := context.Background()

	_, err := df.Poll(ctx, "dev_never-issued")
	require.ErrorIs(t, err, ErrDeviceCodeInvalid)

	require.ErrorIs(t, df.Approve("XXXX-XXXX", "user-1", "", "", nil), ErrDeviceCodeInvalid)
	require.Error(t, df.Approve("XXXX-XXXX", "", "", "", nil), "empty user id must be rejected")
}

func TestDeviceFlow_ExpiredCode(t *testing.T) {
	t.Parallel()

	df := newTestDeviceFlow(t)
	ctx := context.Background()

	auth, err := df.Init()
	require.NoError(t, err)

	df.mu.Lock()
	df.pending[auth.DeviceCode].expiresAt = time.Now().Add(-time.Minute)
	df.mu.Unlock()

	_, err = df.Poll(ctx, auth.DeviceCode)
	require.ErrorIs(t, err, ErrDeviceCodeExpired)

	// Expiry retires the code entirely.
	_, err = df.Poll(ctx, auth.DeviceCode)
	require.ErrorIs(t, err, ErrDeviceCodeInvalid)
}
