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

// Secret scopes. Personal secrets store the owning user ID in the org_id
// column so the (scope, org_id, name) uniqueness triple covers both scopes.
const (
	ScopePersonal = "personal"
	ScopeOrg      = "org"
)

// Secret is a stored secret. EncryptedValue is ciphertext; the store never
// sees plaintext.
type Secret struct {
	Scope          string
	OrgID          string
	Name           string
	EncryptedValue []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PutSecret inserts or replaces a secret value.
func (s *Store) PutSecret(ctx context.Context, scope, orgID, name string, encrypted []byte) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secrets (scope, org_id, name, encrypted_value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, org_id, name) DO UPDATE SET
			encrypted_value = excluded.encrypted_value,
			updated_at = excluded.updated_at`,
		scope, orgID, name, encrypted, now, now,
	)
	if err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	return nil
}

// GetSecret fetches a secret's ciphertext.
func (s *Store) GetSecret(ctx context.Context, scope, orgID, name string) (*Secret, error) {
	var (
		sec       Secret
		createdAt int64
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT scope, org_id, name, encrypted_value, created_at, updated_at
		  FROM secrets WHERE scope = ? AND org_id = ? AND name = ?`,
		scope, orgID, name,
	).Scan(&sec.Scope, &sec.OrgID, &sec.Name, &sec.EncryptedValue, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying secret: %w", err)
	}
	sec.CreatedAt = millisToTime(createdAt)
	sec.UpdatedAt = millisToTime(updatedAt)
	return &sec, nil
}

// ListSecretNames returns the secret names in a scope, alphabetically.
// Values are never listed.
func (s *Store) ListSecretNames(ctx context.Context, scope, orgID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM secrets WHERE scope = ? AND org_id = ? ORDER BY name`,
		scope, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing secrets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning secret name: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteSecret removes a secret and every grant that references it.
func (s *Store) DeleteSecret(ctx context.Context, scope, orgID, name string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`DELETE FROM secrets WHERE scope = ? AND org_id = ? AND name = ?`,
		scope, orgID, name)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM secret_grants WHERE secret_name = ? AND scope = ? AND org_id = ?`,
		name, scope, orgID)
	if err != nil {
		return fmt.Errorf("deleting secret grants: %w", err)
	}
	return tx.Commit()
}

// SecretGrant allows a component to resolve a named secret at execution
// time.
type SecretGrant struct {
	SecretName   string
	ComponentRef string
	Scope        string
	OrgID        string
	CreatedAt    time.Time
}

// GrantSecret records that a component may read a secret. Granting twice is
// idempotent.
func (s *Store) GrantSecret(ctx context.Context, secretName, componentRef, scope, orgID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO secret_grants (secret_name, component_ref, scope, org_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (secret_name, component_ref, scope, org_id) DO NOTHING`,
		secretName, componentRef, scope, orgID, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("granting secret: %w", err)
	}
	return nil
}

// RevokeSecretGrant removes one grant.
func (s *Store) RevokeSecretGrant(ctx context.Context, secretName, componentRef, scope, orgID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM secret_grants
		 WHERE secret_name = ? AND component_ref = ? AND scope = ? AND org_id = ?`,
		secretName, componentRef, scope, orgID)
	if err != nil {
		return fmt.Errorf("revoking secret grant: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListGrantsForComponent returns the grants held by one component.
func (s *Store) ListGrantsForComponent(ctx context.Context, componentRef string) ([]*SecretGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT secret_name, component_ref, scope, org_id, created_at
		  FROM secret_grants WHERE component_ref = ? ORDER BY secret_name`,
		componentRef)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// ListGrantsForSecret returns the components granted one secret.
func (s *Store) ListGrantsForSecret(ctx context.Context, secretName, scope, orgID string) ([]*SecretGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT secret_name, component_ref, scope, org_id, created_at
		  FROM secret_grants
		 WHERE secret_name = ? AND scope = ? AND org_id = ?
		 ORDER BY component_ref`,
		secretName, scope, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing grants: %w", err)
	}
	defer rows.Close()
	return scanGrants(rows)
}

// HasSecretGrant reports whether a grant row exists.
func (s *Store) HasSecretGrant(ctx context.Context, secretName, componentRef, scope, orgID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM secret_grants
		 WHERE secret_name = ? AND component_ref = ? AND scope = ? AND org_id = ?`,
		secretName, componentRef, scope, orgID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying grant: %w", err)
	}
	return true, nil
}

func scanGrants(rows *sql.Rows) ([]*SecretGrant, error) {
	var out []*SecretGrant
	for rows.Next() {
		var (
			g         SecretGrant
			createdAt int64
		)
		if err := rows.Scan(&g.SecretName, &g.ComponentRef, &g.Scope, &g.OrgID, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning grant: %w", err)
		}
		g.CreatedAt = millisToTime(createdAt)
		out = append(out, &g)
	}
	return out, rows.Err()
}
