// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/store"
)

const permissionSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["grant", "revoke", "list"]},
    "user_id": {"type": "string"},
    "permission": {"type": "string"}
  },
  "required": ["action"]
}`

// PermissionTool manages per-user permission tokens. Granting and revoking
// require admin scope; listing shows the caller's own grants unless an admin
// names another user.
type PermissionTool struct {
	store *store.Store
}

// NewPermissionTool wires the permission tool.
func NewPermissionTool(st *store.Store) *PermissionTool {
	return &PermissionTool{store: st}
}

// Describe returns the MCP descriptor.
func (*PermissionTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "permission",
		Description:    "Grant, revoke, and list user permissions",
		RawInputSchema: json.RawMessage(permissionSchema),
	}
}

// Handle dispatches one permission action.
func (t *PermissionTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	switch action {
	case "grant":
		return t.grant(ctx, args)
	case "revoke":
		return t.revoke(ctx, args)
	case "list":
		return t.list(ctx, args)
	default:
		return nil, unknownAction("permission", action)
	}
}

func (t *PermissionTool) grant(ctx context.Context, args json.RawMessage) (any, error) {
	identity, err := requireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	userID, err := requireString(args, "user_id")
	if err != nil {
		return nil, err
	}
	perm, err := requireString(args, "permission")
	if err != nil {
		return nil, err
	}

	if err := t.store.GrantPermission(ctx, userID, perm, identity.StorageUserID()); err != nil {
		return nil, err
	}
	return map[string]any{"user_id": userID, "permission": perm, "granted": true}, nil
}

func (t *PermissionTool) revoke(ctx context.Context, args json.RawMessage) (any, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	userID, err := requireString(args, "user_id")
	if err != nil {
		return nil, err
	}
	perm, err := requireString(args, "permission")
	if err != nil {
		return nil, err
	}

	if err := t.store.RevokePermission(ctx, userID, perm); err != nil {
		if isNotFound(err) {
			return nil, mapNotFound(err, "permission "+perm+" for "+userID)
		}
		return nil, err
	}
	return map[string]any{"user_id": userID, "permission": perm, "revoked": true}, nil
}

func (t *PermissionTool) list(ctx context.Context, args json.RawMessage) (any, error) {
	identity, err := requireAuthenticated(ctx)
	if err != nil {
		return nil, err
	}

	userID := identity.StorageUserID()
	if target := optionalString(args, "user_id"); target != "" && target != userID {
		if _, err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		userID = target
	}

	perms, err := t.store.ListPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(perms))
	for _, p := range perms {
		out = append(out, map[string]any{
			"permission": p.Permission,
			"granted_by": p.GrantedBy,
			"created_at": p.CreatedAt,
		})
	}
	return map[string]any{"user_id": userID, "permissions": out}, nil
}
