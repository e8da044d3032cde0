// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

const (
	wasmPageSize = 65536

	// defaultMemoryPages caps guests that carry no explicit memory limit
	// at 64 MiB.
	defaultMemoryPages = 1024

	// maxTraceDetail truncates captured stdout/stderr in the trace.
	maxTraceDetail = 4096

	defaultTimeout = time.Minute
)

// WazeroEngine is the production Engine. Every invocation gets its own
// runtime instance, so guests cannot observe or outlive each other, and
// ctx expiry interrupts the guest at suspension points and loop edges.
// The fuel budget is expressed through the wall-clock limit; wazero does
// not meter instructions.
type WazeroEngine struct{}

// NewWazeroEngine returns the wazero-backed engine.
func NewWazeroEngine() *WazeroEngine {
	return &WazeroEngine{}
}

var _ Engine = (*WazeroEngine)(nil)

// Close implements Engine. Per-invocation runtimes leave nothing shared to
// release.
func (*WazeroEngine) Close(context.Context) error {
	return nil
}

// Invoke compiles and runs one guest under the invocation's limits.
func (*WazeroEngine) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	limits := inv.Limits
	if limits.Timeout <= 0 {
		limits.Timeout = defaultTimeout
	}
	if limits.MaxRequestSize > 0 && int64(len(inv.Input)) > limits.MaxRequestSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInputTooLarge, len(inv.Input))
	}

	ctx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	runtime := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(memoryPages(limits.MaxMemoryBytes)))
	defer runtime.Close(context.WithoutCancel(ctx))

	state := &hostState{bindings: inv.Host}
	if err := instantiateHostModule(ctx, runtime, state); err != nil {
		return nil, fmt.Errorf("instantiating host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, runtime); err != nil {
		return nil, fmt.Errorf("instantiating wasi: %w", err)
	}

	compiled, err := runtime.CompileModule(ctx, inv.Module)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}

	var stdout, stderr bytes.Buffer
	mod, err := runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().
		WithName("component").
		WithStartFunctions().
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithRandSource(rand.Reader).
		WithSysWalltime().
		WithSysNanotime())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}

	entry := inv.Entry
	if entry == "" {
		entry = DefaultEntry
	}
	entryFn := mod.ExportedFunction(entry)
	if entryFn == nil {
		return nil, fmt.Errorf("%w: module does not export %q", ErrInvalidModule, entry)
	}
	allocFn := mod.ExportedFunction(guestAlloc)
	if allocFn == nil {
		return nil, fmt.Errorf("%w: module does not export %q", ErrInvalidModule, guestAlloc)
	}

	inputPtr, err := copyToGuest(ctx, mod, allocFn, inv.Input)
	if err != nil {
		return nil, fmt.Errorf("passing input to guest: %w", err)
	}

	results, err := entryFn.Call(ctx, uint64(inputPtr), uint64(uint32(len(inv.Input))))

	trace := state.trace
	trace = appendStreamEvents(trace, "stdout", stdout.Bytes())
	trace = appendStreamEvents(trace, "stderr", stderr.Bytes())

	if err != nil {
		return &Result{Trace: trace}, mapGuestError(ctx, err)
	}
	if len(results) != 1 {
		return &Result{Trace: trace}, fmt.Errorf("guest returned %d values, want 1", len(results))
	}

	outPtr, outLen := unpack(results[0])
	if limits.MaxResponseSize > 0 && int64(outLen) > limits.MaxResponseSize {
		return &Result{Trace: trace}, fmt.Errorf("%w: %d bytes", ErrOutputTooLarge, outLen)
	}

	output := []byte{}
	if outLen > 0 {
		view, ok := mod.Memory().Read(outPtr, outLen)
		if !ok {
			return &Result{Trace: trace}, fmt.Errorf("guest returned out-of-range output %d+%d", outPtr, outLen)
		}
		output = bytes.Clone(view)
	}
	return &Result{Output: output, Trace: trace}, nil
}

// guestAlloc is the allocator export every guest must provide.
const guestAlloc = "alloc"

func memoryPages(maxBytes int64) uint32 {
	if maxBytes <= 0 {
		return defaultMemoryPages
	}
	pages := (maxBytes + wasmPageSize - 1) / wasmPageSize
	if pages < 1 {
		return 1
	}
	if pages > 65536 {
		return 65536
	}
	return uint32(pages)
}

func unpack(packed uint64) (ptr, length uint32) {
	return uint32(packed >> 32), uint32(packed)
}

func pack(ptr, length uint32) uint64 {
	return uint64(ptr)<<32 | uint64(length)
}

// copyToGuest allocates guest memory and writes data into it. Zero-length
// data still allocates so the guest receives a valid pointer.
func copyToGuest(ctx context.Context, mod api.Module, allocFn api.Function, data []byte) (uint32, error) {
	res, err := allocFn.Call(ctx, uint64(uint32(len(data))))
	if err != nil {
		return 0, fmt.Errorf("guest alloc failed: %w", err)
	}
	if len(res) != 1 {
		return 0, fmt.Errorf("guest alloc returned %d values, want 1", len(res))
	}
	ptr := uint32(res[0])
	if len(data) > 0 && !mod.Memory().Write(ptr, data) {
		return 0, fmt.Errorf("guest alloc returned out-of-range pointer %d", ptr)
	}
	return ptr, nil
}

// instantiateHostModule exports the cyfr host surface. Each call reads its
// request envelope from guest memory, dispatches, and writes the reply back
// through the guest allocator. A packed zero means the reply could not be
// delivered.
func instantiateHostModule(ctx context.Context, runtime wazero.Runtime, state *hostState) error {
	builder := runtime.NewHostModuleBuilder(hostModuleName)

	for _, name := range []string{
		callHTTPRequest,
		callSecretsRead,
		callStorageRead,
		callStorageWrite,
		callStorageList,
		callStorageDelete,
		callToolsCall,
	} {
		builder = builder.NewFunctionBuilder().
			WithFunc(hostCallFunc(state, name)).
			Export(name)
	}

	builder = builder.NewFunctionBuilder().
		WithFunc(func(_ context.Context, mod api.Module, levelPtr, levelLen, msgPtr, msgLen uint32) {
			level, lok := readGuestString(mod, levelPtr, levelLen)
			msg, mok := readGuestString(mod, msgPtr, msgLen)
			if lok && mok {
				state.guestLog(level, msg)
			}
		}).
		Export(callLog)

	_, err := builder.Instantiate(ctx)
	return err
}

func hostCallFunc(state *hostState, name string) func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
	return func(ctx context.Context, mod api.Module, ptr, length uint32) uint64 {
		payload, ok := mod.Memory().Read(ptr, length)
		if !ok {
			return 0
		}
		reply := state.dispatch(ctx, name, bytes.Clone(payload))

		allocFn := mod.ExportedFunction(guestAlloc)
		if allocFn == nil {
			return 0
		}
		replyPtr, err := copyToGuest(ctx, mod, allocFn, reply)
		if err != nil {
			return 0
		}
		return pack(replyPtr, uint32(len(reply)))
	}
}

func readGuestString(mod api.Module, ptr, length uint32) (string, bool) {
	view, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return "", false
	}
	return string(view), true
}

func appendStreamEvents(trace []TraceEvent, kind string, data []byte) []TraceEvent {
	if len(data) == 0 {
		return trace
	}
	if len(data) > maxTraceDetail {
		data = data[:maxTraceDetail]
	}
	return append(trace, TraceEvent{
		At:      time.Now().UTC(),
		Kind:    kind,
		Detail:  string(data),
		Allowed: true,
	})
}

// mapGuestError folds the engine's interruption shapes into the sandbox
// sentinels; anything else is a guest trap.
func mapGuestError(ctx context.Context, err error) error {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case sys.ExitCodeDeadlineExceeded:
			return ErrTimeout
		case sys.ExitCodeContextCanceled:
			return ErrCanceled
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return ErrCanceled
	}
	return fmt.Errorf("guest trapped: %w", err)
}
