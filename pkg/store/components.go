// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cyfrworks/cyfr/pkg/refs"
)

// Component is a row in the components table: one WASM artifact plus its
// registry metadata.
type Component struct {
	ID            string
	Name          string
	Version       string
	ComponentType refs.Type
	Publisher     string
	OrgID         string
	Digest        string
	Size          int64
	Exports       []string
	Description   string
	Tags          []string
	Category      string
	License       string
	Source        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Component sources.
const (
	SourcePublished  = "published"
	SourceFilesystem = "filesystem"
)

// Ref returns the canonical typed reference for the component.
func (c *Component) Ref() refs.Ref {
	return refs.Ref{
		Type:      c.ComponentType,
		Namespace: c.Publisher,
		Name:      c.Name,
		Version:   c.Version,
	}
}

// ComponentID derives the stable row ID from the identity tuple: comp_ plus
// 16 hex characters of the SHA-256 of publisher:name:version:type.
func ComponentID(publisher, name, version string, typ refs.Type) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s:%s", publisher, name, version, typ)))
	return "comp_" + hex.EncodeToString(sum[:])[:16]
}

const componentColumns = `id, name, version, component_type, publisher, org_id, digest, size,
	exports, description, tags, category, license, source, created_at, updated_at`

// UpsertComponent inserts the component or, when a row with the same
// identity tuple exists, overwrites its mutable fields. Callers enforce the
// publisher-overwrite rules before calling.
func (s *Store) UpsertComponent(ctx context.Context, c *Component) error {
	if c.ID == "" {
		c.ID = ComponentID(c.Publisher, c.Name, c.Version, c.ComponentType)
	}
	now := nowMillis()

	exportsJSON, err := encodeJSON(c.Exports)
	if err != nil {
		return fmt.Errorf("encoding exports: %w", err)
	}
	tagsJSON, err := encodeJSON(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO components (
			id, name, version, component_type, publisher, org_id, digest,
			size, exports, description, tags, category, license, source,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (publisher, name, version, component_type, org_id) DO UPDATE SET
			digest = excluded.digest,
			size = excluded.size,
			exports = excluded.exports,
			description = excluded.description,
			tags = excluded.tags,
			category = excluded.category,
			license = excluded.license,
			source = excluded.source,
			updated_at = excluded.updated_at`,
		c.ID, c.Name, c.Version, string(c.ComponentType), c.Publisher, c.OrgID,
		c.Digest, c.Size, exportsJSON, c.Description, tagsJSON, c.Category,
		c.License, c.Source, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting component: %w", err)
	}
	c.CreatedAt = millisToTime(now)
	c.UpdatedAt = millisToTime(now)
	return nil
}

// CreateComponent inserts the component, failing with ErrAlreadyExists when
// a row with the same identity tuple is present.
func (s *Store) CreateComponent(ctx context.Context, c *Component) error {
	if c.ID == "" {
		c.ID = ComponentID(c.Publisher, c.Name, c.Version, c.ComponentType)
	}
	now := nowMillis()

	exportsJSON, err := encodeJSON(c.Exports)
	if err != nil {
		return fmt.Errorf("encoding exports: %w", err)
	}
	tagsJSON, err := encodeJSON(c.Tags)
	if err != nil {
		return fmt.Errorf("encoding tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO components (
			id, name, version, component_type, publisher, org_id, digest,
			size, exports, description, tags, category, license, source,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Version, string(c.ComponentType), c.Publisher, c.OrgID,
		c.Digest, c.Size, exportsJSON, c.Description, tagsJSON, c.Category,
		c.License, c.Source, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting component: %w", err)
	}
	c.CreatedAt = millisToTime(now)
	c.UpdatedAt = millisToTime(now)
	return nil
}

// GetComponentByID fetches one component row.
func (s *Store) GetComponentByID(ctx context.Context, id string) (*Component, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+componentColumns+` FROM components WHERE id = ?`, id)
	return scanComponent(row)
}

// FindComponent fetches the exact identity tuple.
func (s *Store) FindComponent(ctx context.Context, publisher, name, version string, typ refs.Type, orgID string) (*Component, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+componentColumns+` FROM components
		 WHERE publisher = ? AND name = ? AND version = ? AND component_type = ? AND org_id = ?`,
		publisher, name, version, string(typ), orgID)
	return scanComponent(row)
}

// FindComponentByDigest returns the most recently updated row carrying the
// digest. Several rows may share a digest when identical bytes were published
// under different names; any of them locates the same blob.
func (s *Store) FindComponentByDigest(ctx context.Context, digest string) (*Component, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+componentColumns+` FROM components
		 WHERE digest = ? ORDER BY updated_at DESC LIMIT 1`, digest)
	return scanComponent(row)
}

// ResolveComponent resolves a parsed reference to a row. Version "latest"
// picks the most recently updated matching row; an empty ref type matches
// any type.
func (s *Store) ResolveComponent(ctx context.Context, ref refs.Ref, orgID string) (*Component, error) {
	query := `SELECT ` + componentColumns + ` FROM components WHERE publisher = ? AND name = ? AND org_id = ?`
	args := []any{ref.Namespace, ref.Name, orgID}

	if ref.Type != "" {
		query += ` AND component_type = ?`
		args = append(args, string(ref.Type))
	}
	if ref.Version != "" && ref.Version != refs.DefaultVersion {
		query += ` AND version = ?`
		args = append(args, ref.Version)
	}
	query += ` ORDER BY updated_at DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	return scanComponent(row)
}

// ComponentFilter narrows ListComponents.
type ComponentFilter struct {
	Type      refs.Type
	Publisher string
	Category  string
	License   string
	Source    string
	OrgID     string
	// Query matches a substring of the component name or description.
	Query string
	Limit int
}

// ListComponents returns components matching the filter, newest first.
func (s *Store) ListComponents(ctx context.Context, filter ComponentFilter) ([]*Component, error) {
	query := `SELECT ` + componentColumns + ` FROM components WHERE 1=1`
	var args []any

	if filter.Type != "" {
		query += ` AND component_type = ?`
		args = append(args, string(filter.Type))
	}
	if filter.Publisher != "" {
		query += ` AND publisher = ?`
		args = append(args, filter.Publisher)
	}
	if filter.Category != "" {
		query += ` AND category = ?`
		args = append(args, filter.Category)
	}
	if filter.License != "" {
		query += ` AND license = ?`
		args = append(args, filter.License)
	}
	if filter.Source != "" {
		query += ` AND source = ?`
		args = append(args, filter.Source)
	}
	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.Query != "" {
		query += ` AND (name LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\')`
		needle := "%" + escapeLike(filter.Query) + "%"
		args = append(args, needle, needle)
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing components: %w", err)
	}
	defer rows.Close()

	var out []*Component
	for rows.Next() {
		c, err := scanComponent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteComponent removes one component row by ID.
func (s *Store) DeleteComponent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM components WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting component: %w", err)
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

// ListComponentCategories returns the distinct non-empty categories.
func (s *Store) ListComponentCategories(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT category FROM components WHERE category IS NOT NULL AND category != '' ORDER BY category`)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanComponent(row rowScanner) (*Component, error) {
	var (
		c           Component
		typ         string
		exports     sql.NullString
		description sql.NullString
		tags        sql.NullString
		category    sql.NullString
		license     sql.NullString
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(
		&c.ID, &c.Name, &c.Version, &typ, &c.Publisher, &c.OrgID, &c.Digest,
		&c.Size, &exports, &description, &tags, &category, &license,
		&c.Source, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning component: %w", err)
	}

	c.ComponentType = refs.Type(typ)
	c.Description = description.String
	c.Category = category.String
	c.License = license.String
	c.CreatedAt = millisToTime(createdAt)
	c.UpdatedAt = millisToTime(updatedAt)

	if c.Exports, err = decodeJSONStrings(exports); err != nil {
		return nil, fmt.Errorf("decoding exports: %w", err)
	}
	if c.Tags, err = decodeJSONStrings(tags); err != nil {
		return nil, fmt.Errorf("decoding tags: %w", err)
	}
	return &c, nil
}

// escapeLike escapes LIKE metacharacters in user-supplied search text.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}
