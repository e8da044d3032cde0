// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cyfrworks/cyfr/pkg/cache"
)

// Session is a persisted MCP session. ID is the opaque token handed to the
// client in the Mcp-Session-Id header.
type Session struct {
	ID          string
	UserID      string
	Email       string
	Provider    string
	Permissions []string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired reports whether the session's deadline has passed.
func (s *Session) Expired() bool {
	return time.Now().After(s.ExpiresAt)
}

// CreateSession persists a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *Session) error {
	now := nowMillis()
	perms, err := encodeJSON(sess.Permissions)
	if err != nil {
		return fmt.Errorf("encoding permissions: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, email, provider, permissions, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Email, sess.Provider, perms,
		sess.ExpiresAt.UnixMilli(), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting session: %w", err)
	}
	sess.CreatedAt = millisToTime(now)
	sess.UpdatedAt = millisToTime(now)

	s.cache.Put(cache.SessionKey(sess.ID), sess.clone())
	return nil
}

// GetSession fetches a session, consulting the cache first. Revoked
// sessions are reported as ErrNotFound regardless of the row's presence.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	revoked, err := s.IsSessionRevoked(ctx, id)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrNotFound
	}

	key := cache.SessionKey(id)
	if v, ok := s.cache.Get(key); ok {
		if sess, ok := v.(*Session); ok {
			return sess.clone(), nil
		}
	}

	var (
		sess      Session
		email     sql.NullString
		provider  sql.NullString
		perms     sql.NullString
		expiresAt int64
		createdAt int64
		updatedAt int64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT id, user_id, email, provider, permissions, expires_at, created_at, updated_at
		  FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.UserID, &email, &provider, &perms, &expiresAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.Email = email.String
	sess.Provider = provider.String
	sess.ExpiresAt = millisToTime(expiresAt)
	sess.CreatedAt = millisToTime(createdAt)
	sess.UpdatedAt = millisToTime(updatedAt)
	if sess.Permissions, err = decodeJSONStrings(perms); err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}

	s.cache.Put(key, sess.clone())
	return &sess, nil
}

// RefreshSession slides the expiry forward to now+ttl and returns the
// refreshed session.
func (s *Store) RefreshSession(ctx context.Context, id string, ttl time.Duration) (*Session, error) {
	now := nowMillis()
	expires := now + ttl.Milliseconds()

	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET expires_at = ?, updated_at = ? WHERE id = ?`,
		expires, now, id)
	if err != nil {
		return nil, fmt.Errorf("refreshing session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking refresh result: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	s.cache.Invalidate(cache.SessionKey(id))
	return s.GetSession(ctx, id)
}

// DeleteSession removes the session row and records the ID as revoked so a
// cached copy elsewhere cannot be replayed.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO revoked_sessions (id, revoked_at) VALUES (?, ?)
		ON CONFLICT (id) DO NOTHING`,
		id, nowMillis())
	if err != nil {
		return fmt.Errorf("recording revocation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.cache.Invalidate(cache.SessionKey(id))
	return nil
}

// IsSessionRevoked reports whether the session ID appears in the revoked
// set.
func (s *Store) IsSessionRevoked(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM revoked_sessions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying revoked sessions: %w", err)
	}
	return true, nil
}

// CleanupExpiredSessions deletes sessions whose deadline passed, drops
// their cache entries, and prunes revocation tombstones older than the
// retention window. It returns the number of sessions removed.
func (s *Store) CleanupExpiredSessions(ctx context.Context, tombstoneRetention time.Duration) (int64, error) {
	now := nowMillis()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("querying expired sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning expired session: %w", err)
		}
		expired = append(expired, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking cleanup result: %w", err)
	}
	for _, id := range expired {
		s.cache.Invalidate(cache.SessionKey(id))
	}

	if tombstoneRetention > 0 {
		cutoff := now - tombstoneRetention.Milliseconds()
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM revoked_sessions WHERE revoked_at < ?`, cutoff); err != nil {
			return n, fmt.Errorf("pruning revocation tombstones: %w", err)
		}
	}
	return n, nil
}

func (s *Session) clone() *Session {
	dup := *s
	dup.Permissions = append([]string(nil), s.Permissions...)
	return &dup
}
