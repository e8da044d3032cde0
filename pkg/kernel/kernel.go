// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package kernel is the execution kernel: it resolves a component
// reference to verified WASM bytes, loads the effective host policy,
// preloads granted secrets, records the execution, invokes the sandbox
// under policy-derived limits, and finalizes the record with masked
// output.
package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/cyfrworks/cyfr/pkg/audit"
	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/policy"
	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/registry"
	"github.com/cyfrworks/cyfr/pkg/sandbox"
	"github.com/cyfrworks/cyfr/pkg/secrets"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// DefaultRetentionKeep is how many terminal executions are kept per user.
const DefaultRetentionKeep = 1000

// ToolInvoker re-enters the tool router on behalf of a formula guest.
// The interface breaks the structural cycle between the kernel and the
// tool handlers; the router satisfies it.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args json.RawMessage) (any, error)
}

// OCIPuller resolves an OCI reference to raw artifact bytes. The pull
// side-car (signature checks included) lives behind this interface; when
// none is configured, OCI targets fail with a descriptive error.
type OCIPuller interface {
	Pull(ctx context.Context, ref string) ([]byte, error)
}

// parentExecutionKey carries the parent execution ID into nested tool
// calls made by formula guests.
type parentExecutionKey struct{}

// WithParentExecution marks ctx as running under an execution.
func WithParentExecution(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, parentExecutionKey{}, executionID)
}

// ParentExecutionFromContext returns the enclosing execution ID, or "".
func ParentExecutionFromContext(ctx context.Context) string {
	id, _ := ctx.Value(parentExecutionKey{}).(string)
	return id
}

// Options wires a Kernel.
type Options struct {
	Store    *store.Store
	Registry *registry.Registry
	Policies *policy.Engine
	Secrets  *secrets.Manager
	Adapter  storage.Adapter
	Engine   sandbox.Engine
	Verifier *Verifier
	Policy   *audit.PolicyLogger

	// Puller is optional; nil disables OCI targets.
	Puller OCIPuller

	// HTTPClient performs guest egress. Nil uses a client with no global
	// timeout; per-request deadlines come from the invocation context.
	HTTPClient *http.Client

	// RetentionKeep caps terminal executions per user;
	// DefaultRetentionKeep when zero.
	RetentionKeep int
}

// Kernel runs components. Invocations are independent: each runs in the
// caller's goroutine with its own cancelable context, registered so that
// Cancel can interrupt it.
type Kernel struct {
	store    *store.Store
	registry *registry.Registry
	policies *policy.Engine
	secrets  *secrets.Manager
	adapter  storage.Adapter
	engine   sandbox.Engine
	verifier *Verifier
	plog     *audit.PolicyLogger
	puller   OCIPuller
	client   *http.Client
	keep     int

	mu      sync.Mutex
	invoker ToolInvoker
	running map[string]context.CancelFunc
}

// New builds a kernel. Call SetInvoker before serving formula components.
func New(opts Options) *Kernel {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	keep := opts.RetentionKeep
	if keep <= 0 {
		keep = DefaultRetentionKeep
	}
	return &Kernel{
		store:    opts.Store,
		registry: opts.Registry,
		policies: opts.Policies,
		secrets:  opts.Secrets,
		adapter:  opts.Adapter,
		engine:   opts.Engine,
		verifier: opts.Verifier,
		plog:     opts.Policy,
		puller:   opts.Puller,
		client:   client,
		keep:     keep,
		running:  map[string]context.CancelFunc{},
	}
}

// SetInvoker installs the tool router for formula re-entry. Called once at
// boot after the router is built.
func (k *Kernel) SetInvoker(inv ToolInvoker) {
	k.mu.Lock()
	k.invoker = inv
	k.mu.Unlock()
}

// RunParams describes one invocation.
type RunParams struct {
	Target Target

	// Type hints the component type for arca and oci targets, where no
	// registry row carries it. Ignored for registry and local targets.
	Type refs.Type

	// Input is handed to the guest entry function.
	Input json.RawMessage

	// Entry overrides the default exported entry function.
	Entry string
}

// RunResult is the caller-facing outcome of a completed invocation.
type RunResult struct {
	ExecutionID string          `json:"execution_id"`
	Reference   string          `json:"reference"`
	Digest      string          `json:"digest"`
	Status      string          `json:"status"`
	Output      json.RawMessage `json:"output,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
}

// artifact is a resolved, verified component ready to execute.
type artifact struct {
	bytes  []byte
	ref    refs.Ref
	digest string
}

// Run executes one component end to end. The execution record is inserted
// before the sandbox is entered, so a crash mid-run leaves a running row
// as forensic evidence.
func (k *Kernel) Run(ctx context.Context, p RunParams) (*RunResult, error) {
	identity := callerIdentity(ctx)

	// Stage A+B: resolve the target to verified bytes.
	art, err := k.resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	// Stage C: effective policy, snapshotted into the record.
	pol, stored, err := k.policies.Effective(ctx, art.ref)
	if err != nil {
		return nil, fmt.Errorf("loading policy for %s: %w", art.ref, err)
	}
	if art.ref.Type == refs.TypeCatalyst && !stored && len(pol.AllowedDomains) == 0 {
		k.plog.Record(ctx, audit.PolicyDecision{
			ComponentRef:  art.ref.String(),
			ComponentType: string(art.ref.Type),
			UserID:        identity.StorageUserID(),
			Allowed:       false,
			Reason:        "POLICY_REQUIRED: catalyst has no stored host policy",
			Policy:        pol.ToMap(),
		})
		return nil, cyfrerr.NewPolicyRequiredError(
			fmt.Sprintf("POLICY_REQUIRED: catalyst %s has no host policy; store one before executing", art.ref), nil)
	}

	// Stage D: preload granted secrets; the same plaintexts feed the masker.
	preloaded, err := k.preloadSecrets(ctx, art.ref.String(), identity)
	if err != nil {
		return nil, fmt.Errorf("preloading secrets for %s: %w", art.ref, err)
	}
	masker := secrets.NewMasker(values(preloaded))

	// Stage E: record insert precedes sandbox entry.
	policySnapshot, err := json.Marshal(pol.ToMap())
	if err != nil {
		return nil, fmt.Errorf("encoding policy snapshot: %w", err)
	}
	inputHash := sha256.Sum256(p.Input)
	exec := &store.Execution{
		ID:                "exec_" + uuid.Must(uuid.NewV7()).String(),
		RequestID:         authn.RequestIDFromContext(ctx),
		ParentExecutionID: ParentExecutionFromContext(ctx),
		Reference:         art.ref.String(),
		InputHash:         hex.EncodeToString(inputHash[:]),
		UserID:            identity.StorageUserID(),
		ComponentType:     string(art.ref.Type),
		ComponentDigest:   art.digest,
		Input:             string(p.Input),
		HostPolicy:        string(policySnapshot),
	}
	if err := k.store.InsertExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("recording execution: %w", err)
	}
	k.writeTrailFile(ctx, exec.UserID, exec.ID, "started.json", map[string]any{
		"execution_id": exec.ID,
		"reference":    exec.Reference,
		"digest":       exec.ComponentDigest,
		"started_at":   exec.StartedAt.UTC(),
	})

	// Stage F: sandbox invocation under a cancelable context so Cancel can
	// interrupt this execution without touching its neighbors.
	runCtx, cancel := context.WithCancel(ctx)
	k.track(exec.ID, cancel)
	defer k.untrack(exec.ID)
	defer cancel()

	inv := sandbox.Invocation{
		Module: art.bytes,
		Entry:  p.Entry,
		Input:  p.Input,
		Limits: sandbox.Limits{
			MaxMemoryBytes:  pol.MaxMemoryBytes,
			Timeout:         pol.Timeout,
			MaxRequestSize:  pol.MaxRequestSize,
			MaxResponseSize: pol.MaxResponseSize,
			FuelLimit:       sandbox.DefaultFuelLimit,
		},
		Host: k.bindings(exec.ID, art.ref, pol, preloaded),
	}
	result, runErr := k.engine.Invoke(runCtx, inv)

	// Stage G: finalize exactly once.
	return k.finalize(ctx, exec, masker, result, runErr)
}

func (k *Kernel) finalize(ctx context.Context, exec *store.Execution, masker *secrets.Masker, result *sandbox.Result, runErr error) (*RunResult, error) {
	var trace string
	if result != nil && len(result.Trace) > 0 {
		if data, err := json.Marshal(result.Trace); err == nil {
			trace = masker.MaskString(string(data))
		}
	}

	// Best-effort retention sweep; never affects the result.
	defer func() {
		if _, err := k.store.PruneExecutions(context.WithoutCancel(ctx), exec.UserID, k.keep); err != nil {
			logger.Warnw("Execution retention sweep failed", "user_id", exec.UserID, "error", err)
		}
	}()

	if runErr != nil {
		status := store.ExecFailed
		var outErr *cyfrerr.Error
		switch {
		case errors.Is(runErr, sandbox.ErrTimeout):
			outErr = cyfrerr.NewExecutionTimeoutError(
				fmt.Sprintf("execution %s exceeded its time budget", exec.ID), runErr)
		case errors.Is(runErr, sandbox.ErrCanceled):
			status = store.ExecCancelled
			outErr = cyfrerr.NewExecutionFailedError(
				fmt.Sprintf("execution %s was cancelled", exec.ID), runErr)
		default:
			outErr = cyfrerr.NewExecutionFailedError(runErr.Error(), runErr)
		}

		msg := masker.MaskString(runErr.Error())
		if err := k.complete(ctx, exec.ID, status, msg, "", trace); err != nil {
			logger.Warnw("Execution finalize failed", "execution_id", exec.ID, "error", err)
		}
		k.writeTrailFile(ctx, exec.UserID, exec.ID, "failed.json", map[string]any{
			"execution_id": exec.ID,
			"status":       status,
			"error":        msg,
		})
		return nil, outErr
	}

	masked := maskOutput(masker, result.Output)
	if err := k.complete(ctx, exec.ID, store.ExecCompleted, "", string(masked), trace); err != nil {
		logger.Warnw("Execution finalize failed", "execution_id", exec.ID, "error", err)
	}
	k.writeTrailFile(ctx, exec.UserID, exec.ID, "completed.json", map[string]any{
		"execution_id": exec.ID,
		"status":       store.ExecCompleted,
		"output":       json.RawMessage(masked),
	})

	final, err := k.store.GetExecution(ctx, exec.ID)
	if err != nil {
		return nil, fmt.Errorf("reading finalized execution: %w", err)
	}
	return &RunResult{
		ExecutionID: final.ID,
		Reference:   final.Reference,
		Digest:      final.ComponentDigest,
		Status:      final.Status,
		Output:      json.RawMessage(masked),
		DurationMS:  final.DurationMS,
	}, nil
}

// complete tolerates the cancel race: Cancel may have moved the row to its
// terminal state already.
func (k *Kernel) complete(ctx context.Context, id, status, errMsg, output, trace string) error {
	err := k.store.CompleteExecution(context.WithoutCancel(ctx), id, status, errMsg, output, trace)
	if errors.Is(err, store.ErrNotRunning) {
		return nil
	}
	return err
}

// maskOutput scrubs secrets from the guest output. Valid JSON is masked
// through a decode/encode round-trip; raw bytes are masked as a string and
// re-encoded as a JSON string.
func maskOutput(masker *secrets.Masker, output []byte) []byte {
	if len(output) == 0 {
		return []byte("null")
	}
	var decoded any
	if err := json.Unmarshal(output, &decoded); err == nil {
		if data, err := json.Marshal(masker.Mask(decoded)); err == nil {
			return data
		}
	}
	quoted, _ := json.Marshal(masker.MaskString(string(output)))
	return quoted
}

// resolve runs stages A and B: target to bytes plus provenance check.
func (k *Kernel) resolve(ctx context.Context, p RunParams) (*artifact, error) {
	identity := callerIdentity(ctx)

	switch p.Target.Kind {
	case TargetRegistry:
		component, err := k.registry.Resolve(ctx, p.Target.Value, identity.OrgID)
		if err != nil {
			return nil, err
		}
		bytes, err := k.registry.GetBlob(ctx, component.Digest)
		if err != nil {
			return nil, cyfrerr.NewComponentNotFoundError(
				fmt.Sprintf("artifact for %s is missing", p.Target.Value), err)
		}
		if !LocalPublisher(component.Publisher) {
			sigPath := registry.BlobPath(component.ComponentType, component.Publisher, component.Name, component.Version)
			sigPath[len(sigPath)-1] += ".sig"
			sig, _ := k.adapter.Get(ctx, sigPath...)
			if err := k.verifier.VerifyPublished(component.Publisher, component.Digest, sig); err != nil {
				return nil, cyfrerr.NewInsufficientPermissionsError(
					fmt.Sprintf("artifact %s failed verification", p.Target.Value), err)
			}
		}
		return &artifact{bytes: bytes, ref: component.Ref(), digest: component.Digest}, nil

	case TargetLocal:
		// The canonical-layout check and the local/agent publisher rule both
		// live in the registry's directory registration.
		component, _, err := k.registry.RegisterFromDirectory(ctx, p.Target.Value, false)
		if err != nil {
			return nil, cyfrerr.NewComponentNotFoundError(
				fmt.Sprintf("local path %q is not a canonical component directory", p.Target.Value), err)
		}
		bytes, err := k.registry.GetBlob(ctx, component.Digest)
		if err != nil {
			return nil, err
		}
		return &artifact{bytes: bytes, ref: component.Ref(), digest: component.Digest}, nil

	case TargetOCI:
		if k.puller == nil {
			return nil, cyfrerr.NewExecutionFailedError(
				"no OCI puller is configured; oci references are unavailable", nil)
		}
		// Registry blips are common enough to be worth a couple of retries.
		bytes, err := backoff.Retry(ctx, func() ([]byte, error) {
			return k.puller.Pull(ctx, p.Target.Value)
		}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
		if err != nil {
			return nil, cyfrerr.NewComponentNotFoundError(
				fmt.Sprintf("pulling %s", p.Target.Value), err)
		}
		digest := registry.Digest(bytes)
		// Cache the pull so repeated runs skip the network.
		if err := k.adapter.Put(ctx, bytes, "cache", "oci", strings.ReplaceAll(digest, ":", "_"), "artifact.wasm"); err != nil {
			logger.Warnw("OCI cache write failed", "ref", p.Target.Value, "error", err)
		}
		return &artifact{
			bytes:  bytes,
			ref:    refs.Ref{Type: hintedType(p.Type), Namespace: "oci", Name: p.Target.Value, Version: refs.DefaultVersion},
			digest: digest,
		}, nil

	case TargetArca:
		segments := strings.Split(strings.Trim(p.Target.Value, "/"), "/")
		bytes, err := k.adapter.Get(ctx, segments...)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, cyfrerr.NewComponentNotFoundError(
				fmt.Sprintf("no artifact at storage path %q", p.Target.Value), err)
		}
		if err != nil {
			return nil, err
		}
		if err := registry.ValidateModule(bytes); err != nil {
			return nil, cyfrerr.NewInvalidParamsError(
				fmt.Sprintf("storage path %q does not hold a wasm module", p.Target.Value), err)
		}
		name := segments[len(segments)-1]
		return &artifact{
			bytes:  bytes,
			ref:    refs.Ref{Type: hintedType(p.Type), Namespace: "arca", Name: name, Version: refs.DefaultVersion},
			digest: registry.Digest(bytes),
		}, nil

	default:
		return nil, cyfrerr.NewInvalidParamsError(fmt.Sprintf("unknown reference kind %q", p.Target.Kind), nil)
	}
}

func hintedType(t refs.Type) refs.Type {
	if t == "" {
		return refs.TypeReagent
	}
	return t
}

// preloadSecrets gathers every grant for the reference under the caller's
// personal scope, plus the org scope when the caller belongs to one.
func (k *Kernel) preloadSecrets(ctx context.Context, ref string, identity *authn.Identity) (map[string]string, error) {
	out, err := k.secrets.ResolveGranted(ctx, ref, secrets.ScopePersonal, identity.StorageUserID())
	if err != nil {
		return nil, err
	}
	if identity.OrgID != "" {
		orgSecrets, err := k.secrets.ResolveGranted(ctx, ref, secrets.ScopeOrg, identity.OrgID)
		if err != nil {
			return nil, err
		}
		for name, value := range orgSecrets {
			out[name] = value
		}
	}
	return out, nil
}

func values(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// Cancel interrupts a running execution (stage H). Only rows in running
// state may transition; everything else returns ErrNotRunning.
func (k *Kernel) Cancel(ctx context.Context, executionID string) error {
	exec, err := k.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return store.ErrNotRunning
	}

	k.mu.Lock()
	cancel, live := k.running[executionID]
	k.mu.Unlock()
	if live {
		cancel()
	}

	err = k.store.CompleteExecution(ctx, executionID, store.ExecCancelled,
		"cancelled by request", "", "")
	if errors.Is(err, store.ErrNotRunning) {
		// The run goroutine won the race and already finalized.
		return nil
	}
	return err
}

// List returns the caller's execution records.
func (k *Kernel) List(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return k.store.ListExecutions(ctx, filter)
}

// Logs returns one execution record with its trace and payloads.
func (k *Kernel) Logs(ctx context.Context, executionID string) (*store.Execution, error) {
	return k.store.GetExecution(ctx, executionID)
}

func (k *Kernel) track(id string, cancel context.CancelFunc) {
	k.mu.Lock()
	k.running[id] = cancel
	k.mu.Unlock()
}

func (k *Kernel) untrack(id string) {
	k.mu.Lock()
	delete(k.running, id)
	k.mu.Unlock()
}

// writeTrailFile persists one execution lifecycle file under the user's
// executions directory. Best-effort.
func (k *Kernel) writeTrailFile(ctx context.Context, userID, execID, filename string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	writeCtx := authn.WithIdentity(context.WithoutCancel(ctx), &authn.Identity{UserID: userID, AuthMethod: authn.MethodSession})
	if err := k.adapter.Put(writeCtx, data, "executions", execID, filename); err != nil {
		logger.Warnw("Execution trail write failed", "execution_id", execID, "file", filename, "error", err)
	}
}

// callerIdentity never returns nil; unauthenticated contexts get the
// anonymous identity.
func callerIdentity(ctx context.Context) *authn.Identity {
	if identity, ok := authn.IdentityFromContext(ctx); ok && identity != nil {
		return identity
	}
	return &authn.Identity{AuthMethod: authn.MethodAnonymous}
}
