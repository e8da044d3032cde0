// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"

	"github.com/cyfrworks/cyfr/pkg/registry"
)

// Verifier checks artifact provenance before execution. Published artifacts
// need an ed25519 signature over their content digest from the publisher's
// configured trust root; local and agent artifacts need the caller to own
// the namespace instead.
type Verifier struct {
	trustRoots map[string]ed25519.PublicKey
}

// NewVerifier parses hex-encoded ed25519 public keys keyed by publisher.
func NewVerifier(trustRoots map[string]string) (*Verifier, error) {
	roots := make(map[string]ed25519.PublicKey, len(trustRoots))
	for publisher, hexKey := range trustRoots {
		key, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("trust root for %s is not hex: %w", publisher, err)
		}
		if len(key) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trust root for %s has %d bytes, want %d", publisher, len(key), ed25519.PublicKeySize)
		}
		roots[publisher] = ed25519.PublicKey(key)
	}
	return &Verifier{trustRoots: roots}, nil
}

// LocalPublisher reports whether the publisher namespace is owned by the
// executing user rather than a registry identity.
func LocalPublisher(publisher string) bool {
	return publisher == registry.PublisherLocal || publisher == registry.PublisherAgent
}

// VerifyPublished checks the detached signature over the digest string.
// signature may be nil when no signature file was stored, which always
// fails.
func (v *Verifier) VerifyPublished(publisher, digest string, signature []byte) error {
	root, ok := v.trustRoots[publisher]
	if !ok {
		return fmt.Errorf("no trust root configured for publisher %s", publisher)
	}
	if len(signature) == 0 {
		return fmt.Errorf("artifact from %s carries no signature", publisher)
	}
	if !ed25519.Verify(root, []byte(digest), signature) {
		return fmt.Errorf("signature from %s does not verify against its trust root", publisher)
	}
	return nil
}
