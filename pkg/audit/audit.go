// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package audit records governance-relevant events: logins, key lifecycle,
// policy changes, secret mutations. Every event lands in the audit_events
// table and is also appended to a per-user date-keyed JSONL file for
// tamper-evidence. All writes are best-effort: a failed audit write is
// logged at warn and never fails the request that produced it.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// Event types.
const (
	EventLogin         = "login"
	EventLogout        = "logout"
	EventKeyCreated    = "key_created"
	EventKeyRotated    = "key_rotated"
	EventKeyRevoked    = "key_revoked"
	EventPolicyChanged = "policy_changed"
	EventSecretSet     = "secret_set"
	EventSecretDeleted = "secret_deleted"
	EventGrantCreated  = "grant_created"
	EventGrantRevoked  = "grant_revoked"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Event is one audit occurrence. Create with NewEvent so the ID and
// timestamp are always set.
type Event struct {
	// ID is a unique identifier for the event.
	ID string `json:"id"`
	// Type identifies what happened (login, key_created, ...).
	Type string `json:"type"`
	// LoggedAt is when the event was recorded, in UTC.
	LoggedAt time.Time `json:"logged_at"`
	// UserID is the acting principal.
	UserID string `json:"user_id,omitempty"`
	// SessionID correlates the event with an MCP session.
	SessionID string `json:"session_id,omitempty"`
	// RequestID correlates the event with the request that caused it.
	RequestID string `json:"request_id,omitempty"`
	// Outcome reports whether the action succeeded, failed, or was denied.
	Outcome string `json:"outcome"`
	// Source names where the event originated, usually the client IP.
	Source string `json:"source,omitempty"`
	// Target names what the event acted on, e.g. a key ID or a
	// component reference.
	Target string `json:"target,omitempty"`
	// Data carries extra context useful for forensic analysis.
	Data map[string]any `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh ID and the current time.
func NewEvent(eventType, outcome string) *Event {
	return &Event{
		ID:       "audit_" + uuid.NewString(),
		Type:     eventType,
		LoggedAt: time.Now().UTC(),
		Outcome:  outcome,
	}
}

// WithUser attaches the acting principal.
func (e *Event) WithUser(userID string) *Event {
	e.UserID = userID
	return e
}

// WithRequest attaches request and session correlation IDs.
func (e *Event) WithRequest(requestID, sessionID string) *Event {
	e.RequestID = requestID
	e.SessionID = sessionID
	return e
}

// WithSource attaches the event origin.
func (e *Event) WithSource(source string) *Event {
	e.Source = source
	return e
}

// WithTarget attaches the acted-on object.
func (e *Event) WithTarget(target string) *Event {
	e.Target = target
	return e
}

// WithData attaches extra context.
func (e *Event) WithData(data map[string]any) *Event {
	e.Data = data
	return e
}

// Auditor writes events to the audit_events table and the per-user JSONL
// trail.
type Auditor struct {
	store   *store.Store
	adapter storage.Adapter
}

// NewAuditor wires the two sinks.
func NewAuditor(st *store.Store, adapter storage.Adapter) *Auditor {
	return &Auditor{store: st, adapter: adapter}
}

// Record persists the event to both sinks. Failures are swallowed with a
// warning; the caller's request must never fail because auditing did.
func (a *Auditor) Record(ctx context.Context, e *Event) {
	data, err := json.Marshal(e.Data)
	if err != nil {
		logger.Warnw("Audit event data not encodable", "event", e.Type, "error", err)
		data = []byte("null")
	}

	row := &store.AuditEvent{
		ID:        e.ID,
		EventType: e.Type,
		UserID:    e.UserID,
		SessionID: e.SessionID,
		RequestID: e.RequestID,
		Outcome:   e.Outcome,
		Source:    e.Source,
		Target:    e.Target,
		Data:      string(data),
	}
	if err := a.store.InsertAuditEvent(ctx, row); err != nil {
		logger.Warnw("Audit event insert failed", "event", e.Type, "error", err)
	}

	a.appendJSONL(ctx, e)
}

// appendJSONL writes the event to users/<uid>/audit/<date>.jsonl. The path
// is user-scoped by the adapter; anonymous events land under the anonymous
// user segment.
func (a *Auditor) appendJSONL(ctx context.Context, e *Event) {
	line, err := json.Marshal(e)
	if err != nil {
		logger.Warnw("Audit event not encodable", "event", e.Type, "error", err)
		return
	}
	line = append(line, '\n')

	date := e.LoggedAt.Format("2006-01-02")
	if err := a.adapter.Append(ctx, line, "audit", date+".jsonl"); err != nil {
		logger.Warnw("Audit JSONL append failed", "event", e.Type, "error", err)
	}
}

// List returns events matching the filter, newest first.
func (a *Auditor) List(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEvent, error) {
	return a.store.ListAuditEvents(ctx, filter)
}

// Get fetches one event row.
func (a *Auditor) Get(ctx context.Context, id string) (*store.AuditEvent, error) {
	return a.store.GetAuditEvent(ctx, id)
}
