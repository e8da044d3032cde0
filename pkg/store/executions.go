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

// Execution statuses. A row starts running and moves to exactly one
// terminal status.
const (
	ExecRunning   = "running"
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecCancelled = "cancelled"
)

// Execution is one component invocation record. Rows are inserted before
// the sandbox is entered so a crash still leaves a trace.
type Execution struct {
	ID                string
	RequestID         string
	ParentExecutionID string
	Reference         string
	InputHash         string
	UserID            string
	ComponentType     string
	ComponentDigest   string
	StartedAt         time.Time
	CompletedAt       *time.Time
	DurationMS        int64
	Status            string
	ErrorMessage      string
	Input             string
	Output            string
	WASITrace         string
	HostPolicy        string
}

// Terminal reports whether the execution reached a final status.
func (e *Execution) Terminal() bool {
	return e.Status != ExecRunning
}

const executionColumns = `id, request_id, parent_execution_id, reference, input_hash, user_id,
	component_type, component_digest, started_at, completed_at, duration_ms, status,
	error_message, input, output, wasi_trace, host_policy`

// InsertExecution records a new running execution.
func (s *Store) InsertExecution(ctx context.Context, e *Execution) error {
	now := nowMillis()
	e.Status = ExecRunning
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (
			id, request_id, parent_execution_id, reference, input_hash, user_id,
			component_type, component_digest, started_at, status, input, host_policy
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.RequestID, e.ParentExecutionID, e.Reference, e.InputHash,
		e.UserID, e.ComponentType, e.ComponentDigest, now, e.Status,
		e.Input, e.HostPolicy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("inserting execution: %w", err)
	}
	e.StartedAt = millisToTime(now)
	return nil
}

// CompleteExecution moves a running execution to a terminal status,
// computing duration_ms from the stored start stamp. A second call for the
// same ID is a no-op returning ErrNotRunning: terminal states never
// transition again.
func (s *Store) CompleteExecution(ctx context.Context, id, status, errorMessage, output, wasiTrace string) error {
	if status != ExecCompleted && status != ExecFailed && status != ExecCancelled {
		return fmt.Errorf("status %q is not terminal", status)
	}
	now := nowMillis()
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		   SET status = ?, error_message = ?, output = ?, wasi_trace = ?,
		       completed_at = ?, duration_ms = ? - started_at
		 WHERE id = ? AND status = ?`,
		status, errorMessage, output, wasiTrace, now, now, id, ExecRunning,
	)
	if err != nil {
		return fmt.Errorf("completing execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking completion result: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetExecution(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrNotRunning
	}
	return nil
}

// GetExecution fetches one execution record.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	UserID    string
	Reference string
	Status    string
	Limit     int
}

// ListExecutions returns execution records matching the filter, newest
// first.
func (s *Store) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Reference != "" {
		query += ` AND reference = ?`
		args = append(args, filter.Reference)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY started_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneExecutions keeps the newest keep rows per user and deletes the
// rest, returning the number removed. Running executions are never pruned.
func (s *Store) PruneExecutions(ctx context.Context, userID string, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM executions
		 WHERE user_id = ? AND status != ? AND id NOT IN (
			SELECT id FROM executions WHERE user_id = ?
			 ORDER BY started_at DESC LIMIT ?
		 )`,
		userID, ExecRunning, userID, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("pruning executions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking prune result: %w", err)
	}
	return n, nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e           Execution
		requestID   sql.NullString
		parentID    sql.NullString
		inputHash   sql.NullString
		userID      sql.NullString
		compType    sql.NullString
		compDigest  sql.NullString
		startedAt   int64
		completedAt sql.NullInt64
		durationMS  sql.NullInt64
		errMsg      sql.NullString
		input       sql.NullString
		output      sql.NullString
		wasiTrace   sql.NullString
		hostPolicy  sql.NullString
	)
	err := row.Scan(&e.ID, &requestID, &parentID, &e.Reference, &inputHash,
		&userID, &compType, &compDigest, &startedAt, &completedAt, &durationMS,
		&e.Status, &errMsg, &input, &output, &wasiTrace, &hostPolicy)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}

	e.RequestID = requestID.String
	e.ParentExecutionID = parentID.String
	e.InputHash = inputHash.String
	e.UserID = userID.String
	e.ComponentType = compType.String
	e.ComponentDigest = compDigest.String
	e.StartedAt = millisToTime(startedAt)
	e.CompletedAt = nullableMillis(completedAt)
	e.DurationMS = durationMS.Int64
	e.ErrorMessage = errMsg.String
	e.Input = input.String
	e.Output = output.String
	e.WASITrace = wasiTrace.String
	e.HostPolicy = hostPolicy.String
	return &e, nil
}
