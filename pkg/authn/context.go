// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package authn provides authentication for the MCP transport: API keys,
// sessions, and the per-request identity carried through contexts.
package authn

import (
	"context"
)

// AuthMethod distinguishes how an identity was established.
type AuthMethod string

// Recognized authentication methods.
const (
	MethodAPIKey    AuthMethod = "api_key"
	MethodSession   AuthMethod = "session"
	MethodJWT       AuthMethod = "jwt"
	MethodAnonymous AuthMethod = "anonymous"
)

// AnonymousUserID is used for storage and log paths when no identity is
// established.
const AnonymousUserID = "anonymous"

// Identity is the per-request authenticated principal. A zero Identity is
// the unauthenticated context.
type Identity struct {
	// UserID is the stable principal ID; empty when unauthenticated.
	UserID string

	// OrgID scopes org-wide resources. Empty means personal scope only.
	OrgID string

	// Email is informational, carried from the session when known.
	Email string

	// Provider names the identity provider that minted the session.
	Provider string

	// Permissions is the set of permission tokens granted to the caller.
	Permissions []string

	// AuthMethod records how this identity was established.
	AuthMethod AuthMethod

	// SessionID is set when the request authenticated via MCP-Session-Id.
	SessionID string

	// KeyID is set when the request authenticated via an API key.
	KeyID string
}

// Authenticated reports whether the identity belongs to a known principal.
func (i *Identity) Authenticated() bool {
	return i != nil && i.UserID != "" && i.AuthMethod != MethodAnonymous
}

// HasPermission reports whether the identity carries the given permission
// token. The wildcard token "*" grants everything.
func (i *Identity) HasPermission(perm string) bool {
	if i == nil {
		return false
	}
	for _, p := range i.Permissions {
		if p == perm || p == "*" {
			return true
		}
	}
	return false
}

// StorageUserID returns the segment used under users/ in the storage layout.
func (i *Identity) StorageUserID() string {
	if i == nil || i.UserID == "" {
		return AnonymousUserID
	}
	return i.UserID
}

// IdentityContextKey is the key used to store Identity in the request context.
//
// Using an empty struct as the key prevents collisions with other context
// keys, as each empty struct type is distinct even if they have the same name
// in different packages.
type IdentityContextKey struct{}

// WithIdentity stores an Identity in the context.
// If identity is nil, the original context is returned unchanged.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, IdentityContextKey{}, identity)
}

// IdentityFromContext retrieves an Identity from the context.
// Returns the identity and true if present, nil and false otherwise.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(IdentityContextKey{}).(*Identity)
	return identity, ok
}

// UserIDFromContext returns the storage user ID for the current request,
// falling back to the anonymous segment.
func UserIDFromContext(ctx context.Context) string {
	if identity, ok := IdentityFromContext(ctx); ok {
		return identity.StorageUserID()
	}
	return AnonymousUserID
}

// requestIDContextKey carries the per-request correlation ID.
type requestIDContextKey struct{}

// WithRequestID stores the request correlation ID in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext retrieves the request correlation ID, or "" when none
// was set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey{}).(string)
	return id
}
