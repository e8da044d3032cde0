// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"

	"github.com/cyfrworks/cyfr/pkg/cache"
)

// GetComponentConfig returns the key/value configuration for a component
// reference. The full map is cached per reference; writes invalidate it.
func (s *Store) GetComponentConfig(ctx context.Context, componentRef string) (map[string]string, error) {
	key := cache.ConfigKey(componentRef)
	if v, ok := s.cache.Get(key); ok {
		if m, ok := v.(map[string]string); ok {
			return m, nil
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM component_configs WHERE component_ref = ?`, componentRef)
	if err != nil {
		return nil, fmt.Errorf("querying component config: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning config entry: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.cache.Put(key, out)
	return out, nil
}

// SetComponentConfig stores one key for a component reference.
func (s *Store) SetComponentConfig(ctx context.Context, componentRef, key, value string) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO component_configs (component_ref, key, value, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (component_ref, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		componentRef, key, value, now, now,
	)
	if err != nil {
		return fmt.Errorf("storing component config: %w", err)
	}
	s.cache.Invalidate(cache.ConfigKey(componentRef))
	return nil
}

// DeleteComponentConfig removes one key, or every key for the reference
// when key is empty.
func (s *Store) DeleteComponentConfig(ctx context.Context, componentRef, key string) error {
	var err error
	if key == "" {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM component_configs WHERE component_ref = ?`, componentRef)
	} else {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM component_configs WHERE component_ref = ? AND key = ?`, componentRef, key)
	}
	if err != nil {
		return fmt.Errorf("deleting component config: %w", err)
	}
	s.cache.Invalidate(cache.ConfigKey(componentRef))
	return nil
}
