// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sandbox runs WASM components under resource limits and exposes
// the policy-gated host surface to guests. The engine knows nothing about
// policies or stores; the kernel supplies behavior through HostBindings and
// the sandbox enforces the ABI, the limits, and the trace.
//
// Guest ABI: the module exports `alloc(size) -> ptr` and an entry function
// (default `run(ptr, len) -> packed`), where packed is a u64 with the output
// pointer in the high 32 bits and its length in the low 32. Host calls use
// the same convention with JSON envelopes on both sides.
package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Invocation failure modes the kernel tells apart.
var (
	ErrTimeout        = errors.New("execution timed out")
	ErrCanceled       = errors.New("execution canceled")
	ErrInputTooLarge  = errors.New("input exceeds max_request_size")
	ErrOutputTooLarge = errors.New("output exceeds max_response_size")
	ErrInvalidModule  = errors.New("invalid wasm module")
)

// DefaultEntry is the exported function invoked when none is named.
const DefaultEntry = "run"

// DefaultFuelLimit approximates the instruction budget per invocation.
const DefaultFuelLimit = uint64(100_000_000)

// Limits are the per-invocation resource caps, derived from the policy.
type Limits struct {
	MaxMemoryBytes  int64
	Timeout         time.Duration
	MaxRequestSize  int64
	MaxResponseSize int64
	FuelLimit       uint64
}

// HTTPRequest is the guest's egress request envelope.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body,omitempty"`
}

// HTTPResponse is what an allowed egress call returns to the guest.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    string            `json:"body"`
}

// HostBindings are the kernel-supplied implementations behind the host
// imports. A nil binding makes the corresponding import fail with a
// capability_unavailable error rather than trap.
type HostBindings struct {
	HTTPRequest   func(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)
	SecretRead    func(ctx context.Context, name string) (string, error)
	StorageRead   func(ctx context.Context, path string) ([]byte, error)
	StorageWrite  func(ctx context.Context, path string, data []byte) error
	StorageList   func(ctx context.Context, path string) ([]string, error)
	StorageDelete func(ctx context.Context, path string) error
	ToolCall      func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	Log           func(level, message string)
}

// HostError is an error a binding wants surfaced to the guest with a
// distinguishable code (policy_violation, secret_unavailable, ...). Any
// other error surfaces as host_error.
type HostError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *HostError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Host error codes.
const (
	CodePolicyViolation       = "policy_violation"
	CodeSecretUnavailable     = "secret_unavailable"
	CodeCapabilityUnavailable = "capability_unavailable"
	CodeHostError             = "host_error"
)

// TraceEvent is one host-boundary crossing, kept for the execution record.
type TraceEvent struct {
	At      time.Time `json:"at"`
	Kind    string    `json:"kind"`
	Detail  string    `json:"detail"`
	Allowed bool      `json:"allowed"`
}

// Invocation is one guest run.
type Invocation struct {
	// Module is the raw artifact.
	Module []byte
	// Entry overrides DefaultEntry when set.
	Entry string
	// Input is handed to the entry function.
	Input []byte
	// Limits bound the run.
	Limits Limits
	// Host supplies the capability implementations.
	Host HostBindings
}

// Result is a completed run: output plus the host-call trace. The trace is
// present even on failure.
type Result struct {
	Output []byte
	Trace  []TraceEvent
}

// Engine executes invocations. Implementations must isolate invocations
// from each other and support per-invocation interruption via ctx.
type Engine interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
	Close(ctx context.Context) error
}
