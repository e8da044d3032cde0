// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/secrets"
)

const secretSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["set", "get", "list", "delete", "grant", "revoke", "resolve_granted"]},
    "name": {"type": "string"},
    "value": {"type": "string"},
    "scope": {"type": "string", "enum": ["personal", "org"]},
    "component": {"type": "string"}
  },
  "required": ["action"]
}`

// SecretTool manages sealed secrets and their per-component grants. Values
// never appear in list output; reading a raw value back requires admin
// scope.
type SecretTool struct {
	secrets *secrets.Manager
}

// NewSecretTool wires the secret tool.
func NewSecretTool(m *secrets.Manager) *SecretTool {
	return &SecretTool{secrets: m}
}

// Describe returns the MCP descriptor.
func (*SecretTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "secret",
		Description:    "Store secrets and grant components access to them",
		RawInputSchema: json.RawMessage(secretSchema),
	}
}

// Handle dispatches one secret action.
func (t *SecretTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	identity, err := requireAuthenticated(ctx)
	if err != nil {
		return nil, err
	}
	scope, owner, err := secretScope(identity, optionalString(args, "scope"))
	if err != nil {
		return nil, err
	}

	switch action {
	case "set":
		return t.set(ctx, scope, owner, args)
	case "get":
		return t.get(ctx, scope, owner, args)
	case "list":
		return t.list(ctx, scope, owner)
	case "delete":
		return t.delete(ctx, scope, owner, args)
	case "grant":
		return t.grant(ctx, scope, owner, args)
	case "revoke":
		return t.revoke(ctx, scope, owner, args)
	case "resolve_granted":
		return t.resolveGranted(ctx, scope, owner, args)
	default:
		return nil, unknownAction("secret", action)
	}
}

// secretScope maps the requested scope to the (scope, owner) pair the
// manager keys on. Org scope needs an org on the identity.
func secretScope(identity *authn.Identity, requested string) (string, string, error) {
	switch requested {
	case "", secrets.ScopePersonal:
		return secrets.ScopePersonal, identity.StorageUserID(), nil
	case secrets.ScopeOrg:
		if identity.OrgID == "" {
			return "", "", cyfrerr.NewInvalidParamsError("org scope requires an org-bound identity", nil)
		}
		return secrets.ScopeOrg, identity.OrgID, nil
	default:
		return "", "", cyfrerr.NewInvalidParamsError("scope must be personal or org", nil)
	}
}

func (t *SecretTool) set(ctx context.Context, scope, owner string, args json.RawMessage) (any, error) {
	name, err := requireString(args, "name")
	if err != nil {
		return nil, err
	}
	value, err := requireString(args, "value")
	if err != nil {
		return nil, err
	}

	if err := t.secrets.Set(ctx, scope, owner, name, value); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "scope": scope, "stored": true}, nil
}

func (t *SecretTool) get(ctx context.Context, scope, owner string, args json.RawMessage) (any, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	name, err := requireString(args, "name")
	if err != nil {
		return nil, err
	}

	value, err := t.secrets.Get(ctx, scope, owner, name)
	if err != nil {
		return nil, mapNotFound(err, "secret "+name)
	}
	return map[string]any{"name": name, "scope": scope, "value": value}, nil
}

func (t *SecretTool) list(ctx context.Context, scope, owner string) (any, error) {
	names, err := t.secrets.List(ctx, scope, owner)
	if err != nil {
		return nil, err
	}
	return map[string]any{"scope": scope, "secrets": names}, nil
}

func (t *SecretTool) delete(ctx context.Context, scope, owner string, args json.RawMessage) (any, error) {
	name, err := requireString(args, "name")
	if err != nil {
		return nil, err
	}

	if err := t.secrets.Delete(ctx, scope, owner, name); err != nil {
		return nil, mapNotFound(err, "secret "+name)
	}
	return map[string]any{"name": name, "scope": scope, "deleted": true}, nil
}

func (t *SecretTool) grant(ctx context.Context, scope, owner string, args json.RawMessage) (any, error) {
	name, err := requireString(args, "name")
	if err != nil {
		return nil, err
	}
	component, err := requireString(args, "component")
	if err != nil {
		return nil, err
	}

	if err := t.secrets.Grant(ctx, name, component, scope, owner); err != nil {
		return nil, mapNotFound(err, "secret "+name)
	}
	return map[string]any{"name": name, "component": component, "granted": true}, nil
}

func (t *SecretTool) revoke(ctx context.Context, scope, owner string, args json.RawMessage) (any, error) {
	name, err := requireString(args, "name")
	if err != nil {
		return nil, err
	}
	component, err := requireString(args, "component")
	if err != nil {
		return nil, err
	}

	if err := t.secrets.Revoke(ctx, name, component, scope, owner); err != nil {
		return nil, mapNotFound(err, "grant of "+name+" to "+component)
	}
	return map[string]any{"name": name, "component": component, "revoked": true}, nil
}

// resolveGranted lists which secret names a component would receive at run
// time. Values stay sealed; only the kernel opens them.
func (t *SecretTool) resolveGranted(ctx context.Context, scope, owner string, args json.RawMessage) (any, error) {
	component, err := requireString(args, "component")
	if err != nil {
		return nil, err
	}

	grants, err := t.secrets.ListGrants(ctx, component)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(grants))
	for _, g := range grants {
		if g.Scope != scope || g.OrgID != owner {
			continue
		}
		names = append(names, g.SecretName)
	}
	return map[string]any{"component": component, "scope": scope, "secrets": names}, nil
}
