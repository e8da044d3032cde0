// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWT validation errors.
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")
)

// DefaultClockSkew is the leeway applied to exp/nbf/iat checks so that
// modest clock drift between issuer and server does not reject tokens.
const DefaultClockSkew = 30 * time.Second

// JWTValidator validates HMAC-signed bearer tokens. It covers the
// deployment mode where an external gateway mints short-lived tokens
// with a shared secret; OIDC discovery is out of its scope.
type JWTValidator struct {
	signingKey []byte
	issuer     string
	clockSkew  time.Duration
}

// JWTConfig configures token validation.
type JWTConfig struct {
	// SigningKey is the shared HMAC secret. Required.
	SigningKey string
	// Issuer restricts the iss claim when non-empty.
	Issuer string
	// ClockSkew overrides DefaultClockSkew when positive.
	ClockSkew time.Duration
}

// NewJWTValidator builds a validator from config.
func NewJWTValidator(cfg JWTConfig) (*JWTValidator, error) {
	if cfg.SigningKey == "" {
		return nil, errors.New("jwt signing key is required")
	}
	skew := cfg.ClockSkew
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	return &JWTValidator{
		signingKey: []byte(cfg.SigningKey),
		issuer:     cfg.Issuer,
		clockSkew:  skew,
	}, nil
}

// ValidateToken parses and verifies a token, returning the identity its
// claims describe.
func (v *JWTValidator) ValidateToken(tokenString string) (*Identity, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(_ *jwt.Token) (any, error) {
		return v.signingKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	return identityFromClaims(claims)
}

func identityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}

	ident := &Identity{
		UserID:     sub,
		AuthMethod: MethodJWT,
	}
	if email, ok := claims["email"].(string); ok {
		ident.Email = email
	}
	if org, ok := claims["org"].(string); ok {
		ident.OrgID = org
	}
	if iss, ok := claims["iss"].(string); ok {
		ident.Provider = iss
	}
	if raw, ok := claims["permissions"].([]any); ok {
		for _, entry := range raw {
			if s, ok := entry.(string); ok {
				ident.Permissions = append(ident.Permissions, s)
			}
		}
	}
	return ident, nil
}
