// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// DefaultSessionTTL is how long a session lives without activity.
const DefaultSessionTTL = 24 * time.Hour

// tombstoneRetention is how long terminated session IDs stay on the
// revocation list. Long enough to outlive any cached copy.
const tombstoneRetention = 48 * time.Hour

// Session validation errors.
var (
	ErrSessionInvalid = errors.New("session invalid")
	ErrSessionExpired = errors.New("session expired")
)

// NewSessionID mints an unguessable session identifier: 32 bytes of
// URL-safe base64 entropy. Sequential or time-ordered IDs would let a
// client predict its neighbors, so no UUIDs here.
func NewSessionID() (string, error) {
	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return "sess_" + base64.RawURLEncoding.EncodeToString(entropy), nil
}

// SessionManager creates and validates sessions against the store and
// prunes expired rows on a timer.
type SessionManager struct {
	store  *store.Store
	ttl    time.Duration
	stopCh chan struct{}
}

// NewSessionManager starts a manager with the given TTL (DefaultSessionTTL
// when zero) and kicks off the cleanup worker.
func NewSessionManager(st *store.Store, ttl time.Duration) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	sm := &SessionManager{
		store:  st,
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
	go sm.cleanupRoutine()
	return sm
}

func (sm *SessionManager) cleanupRoutine() {
	ticker := time.NewTicker(sm.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := sm.store.CleanupExpiredSessions(ctx, tombstoneRetention); err != nil {
				logger.Debugw("Session cleanup pass failed", "error", err)
			}
			cancel()
		case <-sm.stopCh:
			return
		}
	}
}

// TTL exposes the configured session lifetime.
func (sm *SessionManager) TTL() time.Duration {
	return sm.ttl
}

// Create mints a session for an authenticated user and persists it.
func (sm *SessionManager) Create(ctx context.Context, userID, email, provider string, permissions []string) (*store.Session, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	id, err := NewSessionID()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &store.Session{
		ID:          id,
		UserID:      userID,
		Email:       email,
		Provider:    provider,
		Permissions: permissions,
		ExpiresAt:   now.Add(sm.ttl),
	}
	if err := sm.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get resolves a session ID to its record, rejecting revoked and expired
// sessions. Expired sessions are distinguishable from unknown ones so the
// transport can say "expired" rather than "invalid".
func (sm *SessionManager) Get(ctx context.Context, id string) (*store.Session, error) {
	sess, err := sm.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionInvalid
	}
	if err != nil {
		return nil, err
	}
	if sess.Expired() {
		return nil, ErrSessionExpired
	}
	return sess, nil
}

// Touch extends the session's expiry by the TTL in the background.
// Refresh is best effort: a failed extension never fails the request
// that triggered it, the session just expires on its old schedule.
func (sm *SessionManager) Touch(id string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := sm.store.RefreshSession(ctx, id, sm.ttl); err != nil {
			logger.Debugw("Session refresh failed", "session_id", id, "error", err)
		}
	}()
}

// Terminate revokes a session. The ID lands on the revocation list so a
// stale cached copy cannot resurrect it.
func (sm *SessionManager) Terminate(ctx context.Context, id string) error {
	return sm.store.DeleteSession(ctx, id)
}

// Identity converts a live session into a request identity.
func (sm *SessionManager) Identity(sess *store.Session) *Identity {
	// Sessions minted for anonymous initializes stay anonymous when they
	// come back; only provider-backed sessions authenticate the caller.
	method := MethodSession
	if sess.Provider == string(MethodAnonymous) {
		method = MethodAnonymous
	}
	return &Identity{
		UserID:      sess.UserID,
		Email:       sess.Email,
		Provider:    sess.Provider,
		Permissions: sess.Permissions,
		AuthMethod:  method,
		SessionID:   sess.ID,
	}
}

// Stop halts the cleanup worker.
func (sm *SessionManager) Stop() {
	close(sm.stopCh)
}
