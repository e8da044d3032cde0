// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/store"
)

const keySchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["create", "list", "rotate", "revoke"]},
    "name": {"type": "string"},
    "key_type": {"type": "string", "enum": ["public", "secret", "admin"]},
    "key_id": {"type": "string"},
    "user_id": {"type": "string"},
    "scope": {"type": "string"},
    "rate_limit": {"type": "string"},
    "ip_allowlist": {"type": "array", "items": {"type": "string"}}
  },
  "required": ["action"]
}`

// KeyTool manages API keys. All actions are admin-gated; the raw key
// material appears exactly once, in the create and rotate responses.
type KeyTool struct {
	keys *authn.KeyManager
}

// NewKeyTool wires the key tool.
func NewKeyTool(km *authn.KeyManager) *KeyTool {
	return &KeyTool{keys: km}
}

// Describe returns the MCP descriptor.
func (*KeyTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "key",
		Description:    "Create, list, rotate, and revoke API keys",
		RawInputSchema: json.RawMessage(keySchema),
	}
}

// Handle dispatches one key action.
func (t *KeyTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	identity, err := requireAdmin(ctx)
	if err != nil {
		return nil, err
	}

	switch action {
	case "create":
		return t.create(ctx, identity, args)
	case "list":
		return t.list(ctx, identity, args)
	case "rotate":
		return t.rotate(ctx, args)
	case "revoke":
		return t.revoke(ctx, args)
	default:
		return nil, unknownAction("key", action)
	}
}

func (t *KeyTool) create(ctx context.Context, identity *authn.Identity, args json.RawMessage) (any, error) {
	var p struct {
		Name        string   `json:"name"`
		KeyType     string   `json:"key_type"`
		UserID      string   `json:"user_id"`
		Scope       string   `json:"scope"`
		RateLimit   string   `json:"rate_limit"`
		IPAllowlist []string `json:"ip_allowlist"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	if p.Name == "" {
		return nil, cyfrerr.NewInvalidParamsError("name is required", nil)
	}
	if p.KeyType == "" {
		p.KeyType = store.KeyTypeSecret
	}
	if p.UserID == "" {
		p.UserID = identity.StorageUserID()
	}

	record, raw, err := t.keys.Create(ctx, authn.CreateKeyParams{
		Name:        p.Name,
		KeyType:     p.KeyType,
		UserID:      p.UserID,
		OrgID:       identity.OrgID,
		Scope:       p.Scope,
		RateLimit:   p.RateLimit,
		IPAllowlist: p.IPAllowlist,
	})
	if err != nil {
		return nil, cyfrerr.NewInvalidParamsError(err.Error(), err)
	}

	out := keySummary(record)
	out["key"] = raw
	return out, nil
}

func (t *KeyTool) list(ctx context.Context, identity *authn.Identity, args json.RawMessage) (any, error) {
	userID := optionalString(args, "user_id")
	if userID == "" {
		userID = identity.StorageUserID()
	}

	records, err := t.keys.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(records))
	for _, r := range records {
		out = append(out, keySummary(r))
	}
	return map[string]any{"user_id": userID, "keys": out}, nil
}

func (t *KeyTool) rotate(ctx context.Context, args json.RawMessage) (any, error) {
	keyID, err := requireString(args, "key_id")
	if err != nil {
		return nil, err
	}

	record, raw, err := t.keys.Rotate(ctx, keyID)
	if err != nil {
		return nil, mapNotFound(err, "key "+keyID)
	}
	out := keySummary(record)
	out["key"] = raw
	return out, nil
}

func (t *KeyTool) revoke(ctx context.Context, args json.RawMessage) (any, error) {
	keyID, err := requireString(args, "key_id")
	if err != nil {
		return nil, err
	}

	if err := t.keys.Revoke(ctx, keyID); err != nil {
		return nil, mapNotFound(err, "key "+keyID)
	}
	return map[string]any{"key_id": keyID, "revoked": true}, nil
}

func keySummary(r *store.APIKey) map[string]any {
	out := map[string]any{
		"key_id":     r.ID,
		"name":       r.Name,
		"key_type":   r.KeyType,
		"key_prefix": r.KeyPrefix,
		"user_id":    r.UserID,
		"revoked":    r.Revoked,
		"created_at": r.CreatedAt,
	}
	if r.OrgID != "" {
		out["org_id"] = r.OrgID
	}
	if r.Scope != "" {
		out["scope"] = r.Scope
	}
	if r.RateLimit != "" {
		out["rate_limit"] = r.RateLimit
	}
	if len(r.IPAllowlist) > 0 {
		out["ip_allowlist"] = r.IPAllowlist
	}
	if r.RotatedAt != nil {
		out["rotated_at"] = r.RotatedAt
	}
	return out
}
