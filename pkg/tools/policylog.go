// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/audit"
	"github.com/cyfrworks/cyfr/pkg/store"
)

const policyLogSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["log", "get", "list", "delete"]},
    "log_id": {"type": "string"},
    "component": {"type": "string"},
    "execution_id": {"type": "string"},
    "decision": {"type": "string", "enum": ["allow", "deny"]},
    "reason": {"type": "string"},
    "allowed": {"type": "boolean"},
    "limit": {"type": "integer", "minimum": 1, "maximum": 1000}
  },
  "required": ["action"]
}`

// PolicyLogTool reads and writes policy decision records. The kernel writes
// these during runs; the log action lets operators record out-of-band
// decisions against the same trail.
type PolicyLogTool struct {
	plog *audit.PolicyLogger
}

// NewPolicyLogTool wires the policy log tool.
func NewPolicyLogTool(p *audit.PolicyLogger) *PolicyLogTool {
	return &PolicyLogTool{plog: p}
}

// Describe returns the MCP descriptor.
func (*PolicyLogTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "policy_log",
		Description:    "Record and query policy decisions",
		RawInputSchema: json.RawMessage(policyLogSchema),
	}
}

// Handle dispatches one policy log action.
func (t *PolicyLogTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	identity, err := requireAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	switch action {
	case "log":
		return t.log(ctx, identity.StorageUserID(), args)
	case "get":
		return t.get(ctx, args)
	case "list":
		return t.list(ctx, identity.StorageUserID(), args)
	case "delete":
		return t.delete(ctx, args)
	default:
		return nil, unknownAction("policy_log", action)
	}
}

func (t *PolicyLogTool) log(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	component, err := requireString(args, "component")
	if err != nil {
		return nil, err
	}
	var p struct {
		ExecutionID string `json:"execution_id"`
		Allowed     bool   `json:"allowed"`
		Reason      string `json:"reason"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}

	t.plog.Record(ctx, audit.PolicyDecision{
		ComponentRef: component,
		ExecutionID:  p.ExecutionID,
		UserID:       userID,
		Allowed:      p.Allowed,
		Reason:       p.Reason,
	})
	return map[string]any{"component": component, "recorded": true}, nil
}

func (t *PolicyLogTool) get(ctx context.Context, args json.RawMessage) (any, error) {
	logID, err := requireString(args, "log_id")
	if err != nil {
		return nil, err
	}

	row, err := t.plog.Get(ctx, logID)
	if err != nil {
		return nil, mapNotFound(err, "policy log "+logID)
	}
	return policyLogDetail(row), nil
}

func (t *PolicyLogTool) list(ctx context.Context, userID string, args json.RawMessage) (any, error) {
	var p struct {
		Component   string `json:"component"`
		ExecutionID string `json:"execution_id"`
		Decision    string `json:"decision"`
		Limit       int    `json:"limit"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}

	rows, err := t.plog.List(ctx, store.PolicyLogFilter{
		ComponentRef: p.Component,
		ExecutionID:  p.ExecutionID,
		UserID:       userID,
		Decision:     p.Decision,
		Limit:        p.Limit,
	})
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		out = append(out, policyLogDetail(row))
	}
	return map[string]any{"logs": out}, nil
}

func (t *PolicyLogTool) delete(ctx context.Context, args json.RawMessage) (any, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	component, err := requireString(args, "component")
	if err != nil {
		return nil, err
	}

	deleted, err := t.plog.Delete(ctx, component)
	if err != nil {
		return nil, err
	}
	return map[string]any{"component": component, "deleted": deleted}, nil
}

func policyLogDetail(row *store.PolicyLog) map[string]any {
	out := map[string]any{
		"log_id":     row.ID,
		"component":  row.ComponentRef,
		"decision":   row.Decision,
		"created_at": row.CreatedAt,
	}
	if row.ComponentType != "" {
		out["component_type"] = row.ComponentType
	}
	if row.ExecutionID != "" {
		out["execution_id"] = row.ExecutionID
	}
	if row.UserID != "" {
		out["user_id"] = row.UserID
	}
	if row.Reason != "" {
		out["reason"] = row.Reason
	}
	if row.PolicySnapshot != "" {
		out["policy"] = json.RawMessage(row.PolicySnapshot)
	}
	return out
}
