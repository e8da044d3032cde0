// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/cyfrworks/cyfr/pkg/cache"
)

// GetPolicyData returns the stored policy document for a canonical
// component reference as raw JSON. Reads go through the cache; misses are
// written back with the default TTL.
func (s *Store) GetPolicyData(ctx context.Context, componentRef string) ([]byte, error) {
	key := cache.PolicyKey(componentRef)
	if v, ok := s.cache.Get(key); ok {
		if data, ok := v.([]byte); ok {
			return data, nil
		}
	}

	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM policies WHERE component_ref = ?`, componentRef).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying policy: %w", err)
	}

	s.cache.Put(key, []byte(data))
	return []byte(data), nil
}

// PutPolicyData stores or replaces the policy document for a component
// reference and invalidates the cached entry so the next read observes the
// new document.
func (s *Store) PutPolicyData(ctx context.Context, componentRef, componentType string, data []byte) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (component_ref, component_type, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (component_ref) DO UPDATE SET
			component_type = excluded.component_type,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		componentRef, componentType, string(data), now, now,
	)
	if err != nil {
		return fmt.Errorf("storing policy: %w", err)
	}

	s.cache.Invalidate(cache.PolicyKey(componentRef))
	return nil
}

// DeletePolicy removes the policy for a component reference.
func (s *Store) DeletePolicy(ctx context.Context, componentRef string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM policies WHERE component_ref = ?`, componentRef)
	if err != nil {
		return fmt.Errorf("deleting policy: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}

	s.cache.Invalidate(cache.PolicyKey(componentRef))
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPolicyRefs returns the component references that have stored
// policies, most recently updated first.
func (s *Store) ListPolicyRefs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT component_ref FROM policies ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing policies: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scanning policy ref: %w", err)
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}
