// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// API key types, matching the token prefix families.
const (
	KeyTypePublic = "public"
	KeyTypeSecret = "secret"
	KeyTypeAdmin  = "admin"
)

// APIKey is a stored API key record. Only the SHA-256 hash of the raw
// token is persisted; KeyPrefix keeps enough of the head for listings.
type APIKey struct {
	ID          string
	Name        string
	KeyHash     string
	KeyPrefix   string
	KeyType     string
	UserID      string
	OrgID       string
	Scope       string
	RateLimit   string
	IPAllowlist []string
	Revoked     bool
	RotatedAt   *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

const apiKeyColumns = `id, name, key_hash, key_prefix, key_type, user_id, org_id,
	scope, rate_limit, ip_allowlist, revoked, rotated_at, created_at, updated_at`

// CreateAPIKey persists a new key record.
func (s *Store) CreateAPIKey(ctx context.Context, k *APIKey) error {
	now := nowMillis()
	allowlist, err := encodeJSON(k.IPAllowlist)
	if err != nil {
		return fmt.Errorf("encoding ip allowlist: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO api_keys (
			id, name, key_hash, key_prefix, key_type, user_id, org_id,
			scope, rate_limit, ip_allowlist, revoked, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		k.ID, k.Name, k.KeyHash, k.KeyPrefix, k.KeyType, k.UserID, k.OrgID,
		k.Scope, k.RateLimit, allowlist, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting api key: %w", err)
	}
	k.CreatedAt = millisToTime(now)
	k.UpdatedAt = millisToTime(now)
	return nil
}

// GetAPIKeyByHash fetches the record matching a raw token's SHA-256 hash.
// Revoked keys are still returned; the caller decides how to fail.
func (s *Store) GetAPIKeyByHash(ctx context.Context, keyHash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash = ?`, keyHash)
	return scanAPIKey(row)
}

// GetAPIKeyByID fetches one key record.
func (s *Store) GetAPIKeyByID(ctx context.Context, id string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanAPIKey(row)
}

// ListAPIKeys returns the keys owned by a user, newest first.
func (s *Store) ListAPIKeys(ctx context.Context, userID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE user_id = ? ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// RevokeAPIKey marks a key revoked. Revocation is permanent.
func (s *Store) RevokeAPIKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked = 1, updated_at = ? WHERE id = ?`,
		nowMillis(), id)
	if err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking revoke result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RotateAPIKey swaps in a freshly generated hash and prefix for an
// existing record, stamping rotated_at. The old token stops validating
// immediately because lookups go by hash.
func (s *Store) RotateAPIKey(ctx context.Context, id, newHash, newPrefix string) error {
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys
		   SET key_hash = ?, key_prefix = ?, rotated_at = ?, updated_at = ?
		 WHERE id = ? AND revoked = 0`,
		newHash, newPrefix, now, now, id)
	if err != nil {
		return fmt.Errorf("rotating api key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rotate result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(row rowScanner) (*APIKey, error) {
	var (
		k         APIKey
		scope     sql.NullString
		rateLimit sql.NullString
		allowlist sql.NullString
		revoked   int
		rotatedAt sql.NullInt64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(
		&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.KeyType, &k.UserID,
		&k.OrgID, &scope, &rateLimit, &allowlist, &revoked, &rotatedAt,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning api key: %w", err)
	}

	k.Scope = scope.String
	k.RateLimit = rateLimit.String
	k.Revoked = revoked != 0
	k.RotatedAt = nullableMillis(rotatedAt)
	k.CreatedAt = millisToTime(createdAt)
	k.UpdatedAt = millisToTime(updatedAt)
	if k.IPAllowlist, err = decodeJSONStrings(allowlist); err != nil {
		return nil, fmt.Errorf("decoding ip allowlist: %w", err)
	}
	return &k, nil
}
