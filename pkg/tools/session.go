// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
)

const sessionSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["init", "poll", "logout", "whoami"]},
    "device_code": {"type": "string"},
    "session_id": {"type": "string"}
  },
  "required": ["action"]
}`

// SessionTool drives the device-authorization login flow and exposes the
// caller's current identity.
type SessionTool struct {
	flow     *authn.DeviceFlow
	sessions *authn.SessionManager
}

// NewSessionTool wires the session tool.
func NewSessionTool(flow *authn.DeviceFlow, sessions *authn.SessionManager) *SessionTool {
	return &SessionTool{flow: flow, sessions: sessions}
}

// Describe returns the MCP descriptor.
func (*SessionTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "session",
		Description:    "Log in with the device flow, log out, and inspect the current identity",
		RawInputSchema: json.RawMessage(sessionSchema),
	}
}

// Handle dispatches one session action.
func (t *SessionTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	switch action {
	case "init":
		return t.init(ctx)
	case "poll":
		return t.poll(ctx, args)
	case "logout":
		return t.logout(ctx, args)
	case "whoami":
		return t.whoami(ctx)
	default:
		return nil, unknownAction("session", action)
	}
}

func (t *SessionTool) init(_ context.Context) (any, error) {
	if t.flow == nil {
		return nil, cyfrerr.NewExecutionFailedError("no login provider is configured", nil)
	}
	auth, err := t.flow.Init()
	if err != nil {
		return nil, err
	}
	return auth, nil
}

func (t *SessionTool) poll(ctx context.Context, args json.RawMessage) (any, error) {
	if t.flow == nil {
		return nil, cyfrerr.NewExecutionFailedError("no login provider is configured", nil)
	}
	deviceCode, err := requireString(args, "device_code")
	if err != nil {
		return nil, err
	}

	sess, err := t.flow.Poll(ctx, deviceCode)
	switch {
	case errors.Is(err, authn.ErrAuthorizationPending):
		return map[string]any{"status": "pending"}, nil
	case errors.Is(err, authn.ErrSlowDown):
		return map[string]any{"status": "slow_down"}, nil
	case errors.Is(err, authn.ErrDeviceCodeExpired):
		return nil, cyfrerr.NewAuthRequiredError("device code expired, start over with init", err)
	case errors.Is(err, authn.ErrDeviceCodeInvalid):
		return nil, cyfrerr.NewInvalidParamsError("device code is not recognized", err)
	case err != nil:
		return nil, err
	}

	return map[string]any{
		"status":     "authorized",
		"session_id": sess.ID,
		"user_id":    sess.UserID,
		"email":      sess.Email,
		"provider":   sess.Provider,
		"expires_at": sess.ExpiresAt,
	}, nil
}

func (t *SessionTool) logout(ctx context.Context, args json.RawMessage) (any, error) {
	identity, _ := authn.IdentityFromContext(ctx)
	sessionID := optionalString(args, "session_id")
	if sessionID == "" && identity != nil {
		sessionID = identity.SessionID
	}
	if sessionID == "" {
		return nil, cyfrerr.NewInvalidParamsError("no session to log out", nil)
	}

	if err := t.sessions.Terminate(ctx, sessionID); err != nil {
		if isNotFound(err) {
			return nil, cyfrerr.NewAuthRequiredError("session not found", err)
		}
		return nil, err
	}
	return map[string]any{"session_id": sessionID, "logged_out": true}, nil
}

func (t *SessionTool) whoami(ctx context.Context) (any, error) {
	identity, _ := authn.IdentityFromContext(ctx)
	if identity == nil {
		identity = &authn.Identity{AuthMethod: authn.MethodAnonymous}
	}
	out := map[string]any{
		"user_id":       identity.StorageUserID(),
		"auth_method":   identity.AuthMethod,
		"permissions":   identity.Permissions,
		"authenticated": identity.Authenticated(),
	}
	if identity.Email != "" {
		out["email"] = identity.Email
	}
	if identity.OrgID != "" {
		out["org_id"] = identity.OrgID
	}
	if identity.SessionID != "" {
		out["session_id"] = identity.SessionID
	}
	return out, nil
}
