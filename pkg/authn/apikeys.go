// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package authn

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"

	"github.com/cyfrworks/cyfr/pkg/store"
)

// API key prefixes by type. Every raw key starts with one of these.
const (
	PrefixPublic = "cyfr_pk_"
	PrefixSecret = "cyfr_sk_"
	PrefixAdmin  = "cyfr_ak_"
)

// KeyPrefixLength is how much of the raw key is retained for listings.
const KeyPrefixLength = 12

// Key validation errors.
var (
	ErrKeyInvalid    = errors.New("api key invalid")
	ErrKeyRevoked    = errors.New("api key revoked")
	ErrIPNotAllowed  = errors.New("client ip not in allowlist")
	ErrUnknownScheme = errors.New("not an api key")
)

var keyTypePrefixes = map[string]string{
	store.KeyTypePublic: PrefixPublic,
	store.KeyTypeSecret: PrefixSecret,
	store.KeyTypeAdmin:  PrefixAdmin,
}

// IsAPIKey reports whether a bearer credential looks like one of ours.
func IsAPIKey(raw string) bool {
	return strings.HasPrefix(raw, "cyfr_")
}

// HashKey is the storage form of a raw key: hex SHA-256.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// GenerateKey mints a raw key for the type: the type prefix plus 32 bytes
// of URL-safe base64 entropy. The raw form is shown to the caller exactly
// once; only the hash and display prefix persist.
func GenerateKey(keyType string) (raw, hash, displayPrefix string, err error) {
	prefix, ok := keyTypePrefixes[keyType]
	if !ok {
		return "", "", "", fmt.Errorf("unknown key type %q", keyType)
	}

	entropy := make([]byte, 32)
	if _, err := rand.Read(entropy); err != nil {
		return "", "", "", fmt.Errorf("generating key entropy: %w", err)
	}
	raw = prefix + base64.RawURLEncoding.EncodeToString(entropy)
	return raw, HashKey(raw), raw[:KeyPrefixLength], nil
}

// KeyManager creates and validates API keys against the store.
type KeyManager struct {
	store *store.Store
}

// NewKeyManager returns a manager over the relational store.
func NewKeyManager(st *store.Store) *KeyManager {
	return &KeyManager{store: st}
}

// CreateKeyParams names the caller-supplied key attributes.
type CreateKeyParams struct {
	Name        string
	KeyType     string
	UserID      string
	OrgID       string
	Scope       string
	RateLimit   string
	IPAllowlist []string
}

// Create mints and persists a key, returning the record and the raw key.
func (km *KeyManager) Create(ctx context.Context, p CreateKeyParams) (*store.APIKey, string, error) {
	if p.UserID == "" {
		return nil, "", errors.New("user id is required")
	}
	for _, entry := range p.IPAllowlist {
		if err := validateAllowlistEntry(entry); err != nil {
			return nil, "", err
		}
	}

	raw, hash, displayPrefix, err := GenerateKey(p.KeyType)
	if err != nil {
		return nil, "", err
	}

	record := &store.APIKey{
		ID:          "key_" + uuid.Must(uuid.NewV7()).String(),
		Name:        p.Name,
		KeyHash:     hash,
		KeyPrefix:   displayPrefix,
		KeyType:     p.KeyType,
		UserID:      p.UserID,
		OrgID:       p.OrgID,
		Scope:       p.Scope,
		RateLimit:   p.RateLimit,
		IPAllowlist: p.IPAllowlist,
	}
	if err := km.store.CreateAPIKey(ctx, record); err != nil {
		return nil, "", err
	}
	return record, raw, nil
}

// Validate resolves a raw key to an identity, enforcing revocation and
// the IP allowlist. clientIP may be empty when the transport could not
// determine one; keys with an allowlist then fail closed.
func (km *KeyManager) Validate(ctx context.Context, raw, clientIP string) (*Identity, error) {
	if !IsAPIKey(raw) {
		return nil, ErrUnknownScheme
	}

	record, err := km.store.GetAPIKeyByHash(ctx, HashKey(raw))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrKeyInvalid
	}
	if err != nil {
		return nil, err
	}
	if record.Revoked {
		return nil, ErrKeyRevoked
	}
	if err := checkIPAllowlist(record.IPAllowlist, clientIP); err != nil {
		return nil, err
	}

	permissions := []string{}
	if record.Scope != "" {
		permissions = strings.Fields(record.Scope)
	}
	if record.KeyType == store.KeyTypeAdmin {
		permissions = append(permissions, "*")
	}

	return &Identity{
		UserID:      record.UserID,
		OrgID:       record.OrgID,
		Permissions: permissions,
		AuthMethod:  MethodAPIKey,
		KeyID:       record.ID,
	}, nil
}

// List returns a user's key records; raw keys are long gone.
func (km *KeyManager) List(ctx context.Context, userID string) ([]*store.APIKey, error) {
	return km.store.ListAPIKeys(ctx, userID)
}

// Rotate replaces the key material for a record, returning the new raw
// key exactly once. Type, scope, and allowlist carry over.
func (km *KeyManager) Rotate(ctx context.Context, id string) (*store.APIKey, string, error) {
	record, err := km.store.GetAPIKeyByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if record.Revoked {
		return nil, "", ErrKeyRevoked
	}

	raw, hash, displayPrefix, err := GenerateKey(record.KeyType)
	if err != nil {
		return nil, "", err
	}
	if err := km.store.RotateAPIKey(ctx, id, hash, displayPrefix); err != nil {
		return nil, "", err
	}

	record, err = km.store.GetAPIKeyByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	return record, raw, nil
}

// Revoke permanently disables a key.
func (km *KeyManager) Revoke(ctx context.Context, id string) error {
	return km.store.RevokeAPIKey(ctx, id)
}

func validateAllowlistEntry(entry string) error {
	if strings.Contains(entry, "/") {
		if _, err := netip.ParsePrefix(entry); err != nil {
			return fmt.Errorf("invalid allowlist CIDR %q: %w", entry, err)
		}
		return nil
	}
	if _, err := netip.ParseAddr(entry); err != nil {
		return fmt.Errorf("invalid allowlist address %q: %w", entry, err)
	}
	return nil
}

// checkIPAllowlist admits the client when the list is empty, or when the
// client address matches an exact entry or falls inside a CIDR entry.
// The check only applies when a client address was supplied at all; a caller
// that cannot attribute an address skips it.
func checkIPAllowlist(allowlist []string, clientIP string) error {
	if len(allowlist) == 0 || clientIP == "" {
		return nil
	}

	addr, err := netip.ParseAddr(clientIP)
	if err != nil {
		return ErrIPNotAllowed
	}
	addr = addr.Unmap()

	for _, entry := range allowlist {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				return nil
			}
			continue
		}
		if allowed, err := netip.ParseAddr(entry); err == nil && allowed.Unmap() == addr {
			return nil
		}
	}
	return ErrIPNotAllowed
}
