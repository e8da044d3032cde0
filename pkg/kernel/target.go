// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"

	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
)

// TargetKind discriminates the closed set of reference kinds the kernel
// can resolve.
type TargetKind string

// Reference kinds.
const (
	// TargetRegistry resolves through the component registry.
	TargetRegistry TargetKind = "registry"
	// TargetLocal reads an artifact from the canonical components tree.
	TargetLocal TargetKind = "local"
	// TargetOCI delegates to the configured OCI puller.
	TargetOCI TargetKind = "oci"
	// TargetArca reads raw bytes from the caller's own storage.
	TargetArca TargetKind = "arca"
)

// Target is a parsed execution reference: exactly one kind with its value.
type Target struct {
	Kind  TargetKind
	Value string
}

func (t Target) String() string {
	return fmt.Sprintf("%s:%s", t.Kind, t.Value)
}

// ParseTarget interprets the `reference` argument of execution.run. A JSON
// string is shorthand for a registry reference; an object must carry exactly
// one of the kind keys.
func ParseTarget(raw json.RawMessage) (Target, error) {
	if len(raw) == 0 {
		return Target{}, cyfrerr.NewInvalidParamsError("reference is required", nil)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return Target{}, cyfrerr.NewInvalidParamsError("reference is empty", nil)
		}
		return Target{Kind: TargetRegistry, Value: s}, nil
	}

	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return Target{}, cyfrerr.NewInvalidParamsError(
			"reference must be a string or an object with one of local, registry, oci, arca", err)
	}

	var out Target
	for _, kind := range []TargetKind{TargetRegistry, TargetLocal, TargetOCI, TargetArca} {
		value, ok := m[string(kind)]
		if !ok {
			continue
		}
		if out.Kind != "" {
			return Target{}, cyfrerr.NewInvalidParamsError(
				fmt.Sprintf("reference carries both %s and %s; pick one", out.Kind, kind), nil)
		}
		if strings.TrimSpace(value) == "" {
			return Target{}, cyfrerr.NewInvalidParamsError(fmt.Sprintf("reference %s is empty", kind), nil)
		}
		out = Target{Kind: kind, Value: value}
	}
	if out.Kind == "" {
		return Target{}, cyfrerr.NewInvalidParamsError(
			"reference object must carry one of local, registry, oci, arca", nil)
	}

	if out.Kind == TargetOCI {
		// Validate the syntax up front; the puller only sees parseable refs.
		if _, err := name.ParseReference(out.Value); err != nil {
			return Target{}, cyfrerr.NewInvalidParamsError(
				fmt.Sprintf("invalid oci reference %q", out.Value), err)
		}
	}
	return out, nil
}
