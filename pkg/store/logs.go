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

// MCP request log statuses.
const (
	MCPLogPending = "pending"
	MCPLogSuccess = "success"
	MCPLogError   = "error"
)

// MCPLog is one row per MCP request: inserted as pending before dispatch
// and finalized after the handler returns.
type MCPLog struct {
	RequestID  string
	SessionID  string
	UserID     string
	Tool       string
	Action     string
	Method     string
	Status     string
	ErrorCode  int
	DurationMS int64
	RoutedTo   string
	Payload    string
	CreatedAt  time.Time
}

// InsertMCPLog records the request as pending.
func (s *Store) InsertMCPLog(ctx context.Context, l *MCPLog) error {
	if l.Status == "" {
		l.Status = MCPLogPending
	}
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mcp_logs (request_id, session_id, user_id, tool, action, method, status, routed_to, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.RequestID, l.SessionID, l.UserID, l.Tool, l.Action, l.Method,
		l.Status, l.RoutedTo, l.Payload, now,
	)
	if err != nil {
		return fmt.Errorf("inserting mcp log: %w", err)
	}
	l.CreatedAt = millisToTime(now)
	return nil
}

// FinalizeMCPLog updates the pending row with the request outcome.
// errorCode is only stored for error status.
func (s *Store) FinalizeMCPLog(ctx context.Context, requestID, status string, errorCode int, duration time.Duration) error {
	var code sql.NullInt64
	if status == MCPLogError {
		code = sql.NullInt64{Int64: int64(errorCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE mcp_logs SET status = ?, error_code = ?, duration_ms = ? WHERE request_id = ?`,
		status, code, duration.Milliseconds(), requestID,
	)
	if err != nil {
		return fmt.Errorf("finalizing mcp log: %w", err)
	}
	return nil
}

// MCPLogFilter narrows ListMCPLogs.
type MCPLogFilter struct {
	UserID    string
	SessionID string
	Tool      string
	Status    string
	Limit     int
}

// ListMCPLogs returns request logs matching the filter, newest first.
func (s *Store) ListMCPLogs(ctx context.Context, filter MCPLogFilter) ([]*MCPLog, error) {
	query := `SELECT request_id, session_id, user_id, tool, action, method, status,
		error_code, duration_ms, routed_to, payload, created_at FROM mcp_logs WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Tool != "" {
		query += ` AND tool = ?`
		args = append(args, filter.Tool)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing mcp logs: %w", err)
	}
	defer rows.Close()

	var out []*MCPLog
	for rows.Next() {
		var (
			l          MCPLog
			sessionID  sql.NullString
			userID     sql.NullString
			tool       sql.NullString
			action     sql.NullString
			method     sql.NullString
			errorCode  sql.NullInt64
			durationMS sql.NullInt64
			routedTo   sql.NullString
			payload    sql.NullString
			createdAt  int64
		)
		err := rows.Scan(&l.RequestID, &sessionID, &userID, &tool, &action,
			&method, &l.Status, &errorCode, &durationMS, &routedTo, &payload, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("scanning mcp log: %w", err)
		}
		l.SessionID = sessionID.String
		l.UserID = userID.String
		l.Tool = tool.String
		l.Action = action.String
		l.Method = method.String
		l.ErrorCode = int(errorCode.Int64)
		l.DurationMS = durationMS.Int64
		l.RoutedTo = routedTo.String
		l.Payload = payload.String
		l.CreatedAt = millisToTime(createdAt)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Policy log decisions.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// PolicyLog records one policy decision made during execution.
type PolicyLog struct {
	ID             string
	ComponentRef   string
	ComponentType  string
	ExecutionID    string
	UserID         string
	Decision       string
	Reason         string
	PolicySnapshot string
	CreatedAt      time.Time
}

// InsertPolicyLog records a decision.
func (s *Store) InsertPolicyLog(ctx context.Context, l *PolicyLog) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policy_logs (id, component_ref, component_type, execution_id, user_id, decision, reason, policy_snapshot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.ComponentRef, l.ComponentType, l.ExecutionID, l.UserID,
		l.Decision, l.Reason, l.PolicySnapshot, now,
	)
	if err != nil {
		return fmt.Errorf("inserting policy log: %w", err)
	}
	l.CreatedAt = millisToTime(now)
	return nil
}

// GetPolicyLog fetches one decision record.
func (s *Store) GetPolicyLog(ctx context.Context, id string) (*PolicyLog, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, component_ref, component_type, execution_id, user_id, decision, reason, policy_snapshot, created_at
		  FROM policy_logs WHERE id = ?`, id)
	return scanPolicyLog(row)
}

// PolicyLogFilter narrows ListPolicyLogs.
type PolicyLogFilter struct {
	ComponentRef string
	ExecutionID  string
	UserID       string
	Decision     string
	Limit        int
}

// ListPolicyLogs returns decision records matching the filter, newest
// first.
func (s *Store) ListPolicyLogs(ctx context.Context, filter PolicyLogFilter) ([]*PolicyLog, error) {
	query := `SELECT id, component_ref, component_type, execution_id, user_id, decision, reason, policy_snapshot, created_at
		FROM policy_logs WHERE 1=1`
	var args []any

	if filter.ComponentRef != "" {
		query += ` AND component_ref = ?`
		args = append(args, filter.ComponentRef)
	}
	if filter.ExecutionID != "" {
		query += ` AND execution_id = ?`
		args = append(args, filter.ExecutionID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.Decision != "" {
		query += ` AND decision = ?`
		args = append(args, filter.Decision)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing policy logs: %w", err)
	}
	defer rows.Close()

	var out []*PolicyLog
	for rows.Next() {
		l, err := scanPolicyLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// DeletePolicyLogs removes all decision records for a component reference
// and returns the number removed.
func (s *Store) DeletePolicyLogs(ctx context.Context, componentRef string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM policy_logs WHERE component_ref = ?`, componentRef)
	if err != nil {
		return 0, fmt.Errorf("deleting policy logs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking delete result: %w", err)
	}
	return n, nil
}

func scanPolicyLog(row rowScanner) (*PolicyLog, error) {
	var (
		l             PolicyLog
		componentType sql.NullString
		executionID   sql.NullString
		userID        sql.NullString
		reason        sql.NullString
		snapshot      sql.NullString
		createdAt     int64
	)
	err := row.Scan(&l.ID, &l.ComponentRef, &componentType, &executionID,
		&userID, &l.Decision, &reason, &snapshot, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning policy log: %w", err)
	}
	l.ComponentType = componentType.String
	l.ExecutionID = executionID.String
	l.UserID = userID.String
	l.Reason = reason.String
	l.PolicySnapshot = snapshot.String
	l.CreatedAt = millisToTime(createdAt)
	return &l, nil
}

// AuditEvent is one governance-relevant occurrence.
type AuditEvent struct {
	ID        string
	EventType string
	UserID    string
	SessionID string
	RequestID string
	Outcome   string
	Source    string
	Target    string
	Data      string
	CreatedAt time.Time
}

// InsertAuditEvent records one event.
func (s *Store) InsertAuditEvent(ctx context.Context, e *AuditEvent) error {
	now := nowMillis()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, event_type, user_id, session_id, request_id, outcome, source, target, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EventType, e.UserID, e.SessionID, e.RequestID, e.Outcome,
		e.Source, e.Target, e.Data, now,
	)
	if err != nil {
		return fmt.Errorf("inserting audit event: %w", err)
	}
	e.CreatedAt = millisToTime(now)
	return nil
}

// GetAuditEvent fetches one event.
func (s *Store) GetAuditEvent(ctx context.Context, id string) (*AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, event_type, user_id, session_id, request_id, outcome, source, target, data, created_at
		  FROM audit_events WHERE id = ?`, id)
	return scanAuditEvent(row)
}

// AuditFilter narrows ListAuditEvents.
type AuditFilter struct {
	UserID    string
	EventType string
	Since     time.Time
	Limit     int
}

// ListAuditEvents returns events matching the filter, newest first.
func (s *Store) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]*AuditEvent, error) {
	query := `SELECT id, event_type, user_id, session_id, request_id, outcome, source, target, data, created_at
		FROM audit_events WHERE 1=1`
	var args []any

	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UnixMilli())
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing audit events: %w", err)
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanAuditEvent(row rowScanner) (*AuditEvent, error) {
	var (
		e         AuditEvent
		userID    sql.NullString
		sessionID sql.NullString
		requestID sql.NullString
		outcome   sql.NullString
		source    sql.NullString
		target    sql.NullString
		data      sql.NullString
		createdAt int64
	)
	err := row.Scan(&e.ID, &e.EventType, &userID, &sessionID, &requestID,
		&outcome, &source, &target, &data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning audit event: %w", err)
	}
	e.UserID = userID.String
	e.SessionID = sessionID.String
	e.RequestID = requestID.String
	e.Outcome = outcome.String
	e.Source = source.String
	e.Target = target.String
	e.Data = data.String
	e.CreatedAt = millisToTime(createdAt)
	return &e, nil
}
