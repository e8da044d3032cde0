// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/audit"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/store"
)

const auditSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["list", "get"]},
    "event_id": {"type": "string"},
    "user_id": {"type": "string"},
    "event_type": {"type": "string"},
    "since": {"type": "string"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 1000}
  },
  "required": ["action"]
}`

// AuditTool reads the audit trail. Admin-gated; the trail spans all users.
type AuditTool struct {
	auditor *audit.Auditor
}

// NewAuditTool wires the audit tool.
func NewAuditTool(a *audit.Auditor) *AuditTool {
	return &AuditTool{auditor: a}
}

// Describe returns the MCP descriptor.
func (*AuditTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "audit",
		Description:    "Query recorded audit events",
		RawInputSchema: json.RawMessage(auditSchema),
	}
}

// Handle dispatches one audit action.
func (t *AuditTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}

	switch action {
	case "list":
		return t.list(ctx, args)
	case "get":
		return t.get(ctx, args)
	default:
		return nil, unknownAction("audit", action)
	}
}

func (t *AuditTool) list(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		UserID    string `json:"user_id"`
		EventType string `json:"event_type"`
		Since     string `json:"since"`
		Limit     int    `json:"limit"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}

	filter := store.AuditFilter{
		UserID:    p.UserID,
		EventType: p.EventType,
		Limit:     p.Limit,
	}
	if p.Since != "" {
		since, err := time.Parse(time.RFC3339, p.Since)
		if err != nil {
			return nil, cyfrerr.NewInvalidParamsError("since must be an RFC 3339 timestamp", err)
		}
		filter.Since = since
	}

	events, err := t.auditor.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, auditEventDetail(e))
	}
	return map[string]any{"events": out}, nil
}

func (t *AuditTool) get(ctx context.Context, args json.RawMessage) (any, error) {
	eventID, err := requireString(args, "event_id")
	if err != nil {
		return nil, err
	}

	event, err := t.auditor.Get(ctx, eventID)
	if err != nil {
		return nil, mapNotFound(err, "audit event "+eventID)
	}
	return auditEventDetail(event), nil
}

func auditEventDetail(e *store.AuditEvent) map[string]any {
	out := map[string]any{
		"event_id":   e.ID,
		"event_type": e.EventType,
		"outcome":    e.Outcome,
		"created_at": e.CreatedAt,
	}
	if e.UserID != "" {
		out["user_id"] = e.UserID
	}
	if e.SessionID != "" {
		out["session_id"] = e.SessionID
	}
	if e.RequestID != "" {
		out["request_id"] = e.RequestID
	}
	if e.Source != "" {
		out["source"] = e.Source
	}
	if e.Target != "" {
		out["target"] = e.Target
	}
	if e.Data != "" {
		out["data"] = json.RawMessage(e.Data)
	}
	return out
}
