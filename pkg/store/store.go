// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store is the relational store: a single embedded SQLite file
// holding components, policies, secrets, grants, configs, sessions, API
// keys, permissions, logs, and execution records.
//
// Reads of policies, configs, and sessions consult the TTL cache first and
// write through on miss; every mutation of a cached entity invalidates its
// entry.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/cyfrworks/cyfr/pkg/cache"
)

// Store wraps the SQLite handle and the TTL cache used for hot reads.
type Store struct {
	db    *sql.DB
	cache *cache.Cache
}

// Options configures Open.
type Options struct {
	// Path is the database file location. ":memory:" opens an in-memory
	// database, used by tests.
	Path string

	// PoolSize caps open connections. SQLite serializes writers, so 1 is
	// the safe default; readers may benefit from more under WAL.
	PoolSize int

	// Cache is the shared TTL cache. Nil creates a private one.
	Cache *cache.Cache
}

// Open opens (creating when needed) the database, applies all pending
// migrations, and returns the ready store.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}

	dsn := opts.Path
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0750); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", opts.Path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(opts.PoolSize)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	c := opts.Cache
	if c == nil {
		c = cache.New()
	}
	return &Store{db: db, cache: c}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for migrations tooling and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Cache exposes the TTL cache shared with other components.
func (s *Store) Cache() *cache.Cache {
	return s.cache
}

// nowMillis is the single clock for row timestamps. Kept as a variable so
// tests can pin time.
var nowMillis = func() int64 {
	return time.Now().UnixMilli()
}

// encodeJSON marshals v for storage in a TEXT column; nil encodes as SQL
// NULL-ish "null".
func encodeJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshaling JSON: %w", err)
	}
	return string(data), nil
}

// decodeJSONStrings unmarshals a TEXT column into a string slice.
func decodeJSONStrings(data sql.NullString) ([]string, error) {
	if !data.Valid || data.String == "" || data.String == "null" {
		return nil, nil
	}
	var result []string
	if err := json.Unmarshal([]byte(data.String), &result); err != nil {
		return nil, fmt.Errorf("unmarshaling JSON: %w", err)
	}
	return result, nil
}

// isUniqueViolation reports whether err is a UNIQUE constraint failure.
// TEXT primary keys report the PRIMARYKEY extended code for the same class
// of conflict.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// millisToTime converts a stored epoch-milliseconds value.
func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// nullableMillis converts an optional timestamp column.
func nullableMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
