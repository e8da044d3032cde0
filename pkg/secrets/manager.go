// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package secrets

import (
	"context"
	"errors"
	"fmt"

	"github.com/cyfrworks/cyfr/pkg/store"
)

// Scope aliases, re-exported so callers don't reach into the store for
// them.
const (
	ScopePersonal = store.ScopePersonal
	ScopeOrg      = store.ScopeOrg
)

// ErrNotFound is returned for unknown secrets and grants.
var ErrNotFound = store.ErrNotFound

// Manager is the secret store: values are sealed before they reach the
// database and opened only on read.
type Manager struct {
	store  *store.Store
	cipher *Cipher
}

// NewManager wires the cipher to the relational store.
func NewManager(st *store.Store, cipher *Cipher) *Manager {
	return &Manager{store: st, cipher: cipher}
}

// Set seals and stores a secret value, replacing any previous one.
func (m *Manager) Set(ctx context.Context, scope, owner, name, value string) error {
	if name == "" {
		return errors.New("secret name cannot be empty")
	}
	sealed, err := m.cipher.Encrypt([]byte(value))
	if err != nil {
		return fmt.Errorf("sealing secret %s: %w", name, err)
	}
	return m.store.PutSecret(ctx, scope, owner, name, sealed)
}

// Get opens and returns one secret value.
func (m *Manager) Get(ctx context.Context, scope, owner, name string) (string, error) {
	sec, err := m.store.GetSecret(ctx, scope, owner, name)
	if err != nil {
		return "", err
	}
	plaintext, err := m.cipher.Decrypt(sec.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("opening secret %s: %w", name, err)
	}
	return string(plaintext), nil
}

// List returns secret names only; values never appear in listings.
func (m *Manager) List(ctx context.Context, scope, owner string) ([]string, error) {
	return m.store.ListSecretNames(ctx, scope, owner)
}

// Delete removes a secret and all grants referencing it.
func (m *Manager) Delete(ctx context.Context, scope, owner, name string) error {
	return m.store.DeleteSecret(ctx, scope, owner, name)
}

// Grant allows a component reference to resolve the named secret.
func (m *Manager) Grant(ctx context.Context, name, componentRef, scope, owner string) error {
	if _, err := m.store.GetSecret(ctx, scope, owner, name); err != nil {
		return err
	}
	return m.store.GrantSecret(ctx, name, componentRef, scope, owner)
}

// Revoke removes one grant.
func (m *Manager) Revoke(ctx context.Context, name, componentRef, scope, owner string) error {
	return m.store.RevokeSecretGrant(ctx, name, componentRef, scope, owner)
}

// ListGrants returns the grants held by a component.
func (m *Manager) ListGrants(ctx context.Context, componentRef string) ([]*store.SecretGrant, error) {
	return m.store.ListGrantsForComponent(ctx, componentRef)
}

// ListGrantees returns the components granted one secret.
func (m *Manager) ListGrantees(ctx context.Context, name, scope, owner string) ([]*store.SecretGrant, error) {
	return m.store.ListGrantsForSecret(ctx, name, scope, owner)
}

// ResolveGranted opens every secret granted to the component under the
// caller's scope. The execution kernel preloads the result into the
// sandbox and feeds the same plaintexts to the masker.
func (m *Manager) ResolveGranted(ctx context.Context, componentRef, scope, owner string) (map[string]string, error) {
	grants, err := m.store.ListGrantsForComponent(ctx, componentRef)
	if err != nil {
		return nil, err
	}

	out := map[string]string{}
	for _, g := range grants {
		if g.Scope != scope || g.OrgID != owner {
			continue
		}
		value, err := m.Get(ctx, g.Scope, g.OrgID, g.SecretName)
		if errors.Is(err, store.ErrNotFound) {
			// Grant outlived its secret; skip rather than fail the run.
			continue
		}
		if err != nil {
			return nil, err
		}
		out[g.SecretName] = value
	}
	return out, nil
}
