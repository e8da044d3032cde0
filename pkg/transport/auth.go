// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
)

const (
	headerSessionID = "Mcp-Session-Id"
	headerProtocol  = "Mcp-Protocol-Version"
	headerRequestID = "X-Request-Id"
)

// gateError is an authentication failure with the HTTP status it should
// surface as.
type gateError struct {
	status int
	err    *cyfrerr.Error
}

// authResult is what the gate establishes for the rest of the request.
type authResult struct {
	identity  *authn.Identity
	sessionID string
}

// authenticate runs the credential gate in its fixed order: cyfr_ bearer
// key, then MCP session, then the optional JWT provider, then anonymous.
// firstMethod grants the initialize grace path when a presented session is
// no longer valid.
func (s *Server) authenticate(r *http.Request, firstMethod string) (*authResult, *gateError) {
	ctx := r.Context()
	bearer := bearerToken(r)

	if strings.HasPrefix(bearer, "cyfr_") {
		identity, err := s.keys.Validate(ctx, bearer, clientIP(r))
		switch {
		case err == nil:
			return &authResult{identity: identity}, nil
		case errors.Is(err, authn.ErrIPNotAllowed):
			return nil, &gateError{http.StatusForbidden,
				cyfrerr.NewInsufficientPermissionsError("client address is not in the key's allowlist", err)}
		case errors.Is(err, authn.ErrKeyInvalid), errors.Is(err, authn.ErrKeyRevoked), errors.Is(err, authn.ErrUnknownScheme):
			return nil, &gateError{http.StatusUnauthorized,
				cyfrerr.NewAuthInvalidError("api key is not valid", err)}
		default:
			return nil, &gateError{http.StatusInternalServerError,
				cyfrerr.NewInternalError("credential check failed", err)}
		}
	}

	if sid := r.Header.Get(headerSessionID); sid != "" {
		sess, err := s.sessions.Get(ctx, sid)
		if err == nil {
			s.sessions.Touch(sid)
			return &authResult{identity: s.sessions.Identity(sess), sessionID: sid}, nil
		}
		if firstMethod == methodInitialize {
			// A restarted server no longer knows the session; let the
			// client re-initialize instead of bouncing it.
			return &authResult{identity: anonymousIdentity()}, nil
		}
		return nil, &gateError{http.StatusNotFound,
			cyfrerr.NewSessionExpiredError("session is unknown or expired", err)}
	}

	if bearer != "" && s.jwt != nil {
		identity, err := s.jwt.ValidateToken(bearer)
		switch {
		case err == nil:
			return &authResult{identity: identity}, nil
		case errors.Is(err, authn.ErrTokenExpired):
			return nil, &gateError{http.StatusUnauthorized,
				cyfrerr.NewAuthExpiredError("bearer token has expired", err)}
		default:
			return nil, &gateError{http.StatusUnauthorized,
				cyfrerr.NewAuthInvalidError("bearer token is not valid", err)}
		}
	}

	return &authResult{identity: anonymousIdentity()}, nil
}

func anonymousIdentity() *authn.Identity {
	return &authn.Identity{AuthMethod: authn.MethodAnonymous}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// clientIP prefers the first X-Forwarded-For entry, falling back to the
// socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
