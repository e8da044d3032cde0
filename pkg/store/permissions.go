// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Permission is one user→permission grant row.
type Permission struct {
	UserID     string
	Permission string
	GrantedBy  string
	CreatedAt  time.Time
}

// GrantPermission records a permission for a user. Granting twice is
// idempotent.
func (s *Store) GrantPermission(ctx context.Context, userID, permission, grantedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO permissions (user_id, permission, granted_by, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, permission) DO NOTHING`,
		userID, permission, grantedBy, nowMillis(),
	)
	if err != nil {
		return fmt.Errorf("granting permission: %w", err)
	}
	return nil
}

// RevokePermission removes one permission row.
func (s *Store) RevokePermission(ctx context.Context, userID, permission string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM permissions WHERE user_id = ? AND permission = ?`,
		userID, permission)
	if err != nil {
		return fmt.Errorf("revoking permission: %w", err)
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

// ListPermissions returns the permissions held by a user, alphabetically.
func (s *Store) ListPermissions(ctx context.Context, userID string) ([]*Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, permission, granted_by, created_at
		  FROM permissions WHERE user_id = ? ORDER BY permission`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("listing permissions: %w", err)
	}
	defer rows.Close()

	var out []*Permission
	for rows.Next() {
		var (
			p         Permission
			grantedBy sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&p.UserID, &p.Permission, &grantedBy, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning permission: %w", err)
		}
		p.GrantedBy = grantedBy.String
		p.CreatedAt = millisToTime(createdAt)
		out = append(out, &p)
	}
	return out, rows.Err()
}
