// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package policy loads, stores, and evaluates host policies: the
// per-component configuration that gates network egress, tool re-entry,
// storage access, and resource budgets at sandbox execution time.
package policy

import (
	"fmt"
	"time"

	"github.com/cyfrworks/cyfr/pkg/refs"
)

// HostPolicy is the effective policy for one component reference. The
// zero value is not useful; start from DefaultFor or FromMap.
type HostPolicy struct {
	// AllowedDomains lists exact hostnames or *.suffix wildcards. Empty
	// means deny-all egress.
	AllowedDomains []string `json:"allowed_domains"`

	// AllowedMethods lists permitted HTTP verbs.
	AllowedMethods []string `json:"allowed_methods"`

	// RateLimit caps outbound HTTP requests.
	RateLimit RateLimit `json:"rate_limit"`

	// Timeout is the wall-clock budget for one invocation.
	Timeout time.Duration `json:"-"`

	// MaxMemoryBytes caps the sandbox linear memory.
	MaxMemoryBytes int64 `json:"max_memory_bytes"`

	// MaxRequestSize caps outbound HTTP request bodies.
	MaxRequestSize int64 `json:"max_request_size"`

	// MaxResponseSize caps outbound HTTP response bodies.
	MaxResponseSize int64 `json:"max_response_size"`

	// AllowedTools lists MCP tool patterns for router re-entry. Empty
	// means deny-all.
	AllowedTools []string `json:"allowed_tools"`

	// AllowedStoragePaths lists storage prefix allow-list entries. Empty
	// means allow-all.
	AllowedStoragePaths []string `json:"allowed_storage_paths"`
}

// RateLimit is requests-per-window.
type RateLimit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"-"`
}

// String renders the N/window shorthand.
func (r RateLimit) String() string {
	return fmt.Sprintf("%d/%s", r.Requests, FormatDuration(r.Window))
}

// Type-aware execution timeouts.
const (
	CatalystTimeout = 3 * time.Minute
	ReagentTimeout  = 1 * time.Minute
	FormulaTimeout  = 5 * time.Minute
)

// Shared default budgets.
const (
	DefaultMaxMemoryBytes  = 64 << 20
	DefaultMaxRequestSize  = 1 << 20
	DefaultMaxResponseSize = 5 << 20
)

func defaultMethods() []string {
	return []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD"}
}

// DefaultFor returns the type-aware default policy: deny-all egress and
// deny-all tools, allow-all storage, with the timeout keyed to the
// component type.
func DefaultFor(typ refs.Type) *HostPolicy {
	timeout := ReagentTimeout
	switch typ {
	case refs.TypeCatalyst:
		timeout = CatalystTimeout
	case refs.TypeFormula:
		timeout = FormulaTimeout
	case refs.TypeReagent:
	}

	return &HostPolicy{
		AllowedDomains:      []string{},
		AllowedMethods:      defaultMethods(),
		RateLimit:           RateLimit{Requests: 60, Window: time.Minute},
		Timeout:             timeout,
		MaxMemoryBytes:      DefaultMaxMemoryBytes,
		MaxRequestSize:      DefaultMaxRequestSize,
		MaxResponseSize:     DefaultMaxResponseSize,
		AllowedTools:        []string{},
		AllowedStoragePaths: []string{},
	}
}

// Clone returns a deep copy.
func (p *HostPolicy) Clone() *HostPolicy {
	dup := *p
	dup.AllowedDomains = append([]string(nil), p.AllowedDomains...)
	dup.AllowedMethods = append([]string(nil), p.AllowedMethods...)
	dup.AllowedTools = append([]string(nil), p.AllowedTools...)
	dup.AllowedStoragePaths = append([]string(nil), p.AllowedStoragePaths...)
	return &dup
}

// ToMap renders the policy in its canonical wire and storage form. Every
// accepted field is present; durations and sizes use the shorthand
// grammars FromMap parses.
func (p *HostPolicy) ToMap() map[string]any {
	return map[string]any{
		"allowed_domains": append([]string{}, p.AllowedDomains...),
		"allowed_methods": append([]string{}, p.AllowedMethods...),
		"rate_limit": map[string]any{
			"requests": p.RateLimit.Requests,
			"window":   FormatDuration(p.RateLimit.Window),
		},
		"timeout":               FormatDuration(p.Timeout),
		"max_memory_bytes":      FormatByteSize(p.MaxMemoryBytes),
		"max_request_size":      FormatByteSize(p.MaxRequestSize),
		"max_response_size":     FormatByteSize(p.MaxResponseSize),
		"allowed_tools":         append([]string{}, p.AllowedTools...),
		"allowed_storage_paths": append([]string{}, p.AllowedStoragePaths...),
	}
}

// FromMap builds a policy from its map form, starting from the type-aware
// default and overriding each present field. Invalid values error rather
// than falling back silently.
func FromMap(typ refs.Type, m map[string]any) (*HostPolicy, error) {
	p := DefaultFor(typ)
	if m == nil {
		return p, nil
	}

	var err error
	if v, ok := m["allowed_domains"]; ok {
		if p.AllowedDomains, err = toStrings("allowed_domains", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["allowed_methods"]; ok {
		if p.AllowedMethods, err = toStrings("allowed_methods", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["allowed_tools"]; ok {
		if p.AllowedTools, err = toStrings("allowed_tools", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["allowed_storage_paths"]; ok {
		if p.AllowedStoragePaths, err = toStrings("allowed_storage_paths", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["timeout"]; ok {
		if p.Timeout, err = toDuration("timeout", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["max_memory_bytes"]; ok {
		if p.MaxMemoryBytes, err = toByteSize("max_memory_bytes", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["max_request_size"]; ok {
		if p.MaxRequestSize, err = toByteSize("max_request_size", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["max_response_size"]; ok {
		if p.MaxResponseSize, err = toByteSize("max_response_size", v); err != nil {
			return nil, err
		}
	}
	if v, ok := m["rate_limit"]; ok {
		if p.RateLimit, err = toRateLimit(v); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func toStrings(field string, v any) ([]string, error) {
	switch vv := v.(type) {
	case []string:
		return append([]string{}, vv...), nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: expected string entries, got %T", field, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected a list, got %T", field, v)
	}
}

func toDuration(field string, v any) (time.Duration, error) {
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("%s: expected a duration string, got %T", field, v)
	}
	d, err := ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

func toByteSize(field string, v any) (int64, error) {
	switch vv := v.(type) {
	case string:
		n, err := ParseByteSize(vv)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", field, err)
		}
		return n, nil
	case float64:
		if vv < 0 || vv != float64(int64(vv)) {
			return 0, fmt.Errorf("%s: expected a non-negative integer, got %v", field, vv)
		}
		return int64(vv), nil
	case int:
		if vv < 0 {
			return 0, fmt.Errorf("%s: expected a non-negative integer, got %d", field, vv)
		}
		return int64(vv), nil
	case int64:
		if vv < 0 {
			return 0, fmt.Errorf("%s: expected a non-negative integer, got %d", field, vv)
		}
		return vv, nil
	default:
		return 0, fmt.Errorf("%s: expected a size, got %T", field, v)
	}
}

func toInt(field string, v any) (int, error) {
	switch vv := v.(type) {
	case float64:
		if vv < 0 || vv != float64(int(vv)) {
			return 0, fmt.Errorf("%s: expected a non-negative integer, got %v", field, vv)
		}
		return int(vv), nil
	case int:
		if vv < 0 {
			return 0, fmt.Errorf("%s: expected a non-negative integer, got %d", field, vv)
		}
		return vv, nil
	case int64:
		if vv < 0 {
			return 0, fmt.Errorf("%s: expected a non-negative integer, got %d", field, vv)
		}
		return int(vv), nil
	default:
		return 0, fmt.Errorf("%s: expected an integer, got %T", field, v)
	}
}

func toRateLimit(v any) (RateLimit, error) {
	switch vv := v.(type) {
	case string:
		return ParseRateLimit(vv)
	case map[string]any:
		var rl RateLimit
		reqs, ok := vv["requests"]
		if !ok {
			return rl, fmt.Errorf("rate_limit: missing requests")
		}
		n, err := toInt("rate_limit.requests", reqs)
		if err != nil {
			return rl, err
		}
		rl.Requests = n
		window, ok := vv["window"]
		if !ok {
			return rl, fmt.Errorf("rate_limit: missing window")
		}
		if rl.Window, err = toDuration("rate_limit.window", window); err != nil {
			return rl, err
		}
		return rl, nil
	default:
		return RateLimit{}, fmt.Errorf("rate_limit: expected %q or {requests, window}, got %T", "N/window", v)
	}
}
