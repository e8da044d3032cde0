// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// PolicyDecision is one policy consultation outcome handed to the logger.
type PolicyDecision struct {
	ComponentRef  string
	ComponentType string
	ExecutionID   string
	UserID        string
	// Allowed is folded into the stored decision string.
	Allowed bool
	// Reason explains a deny; empty for plain allows.
	Reason string
	// Policy is the full policy snapshot in canonical map form.
	Policy map[string]any
}

// PolicyLogger records every policy consultation, allow or deny, to the
// policy_logs table and a per-user JSON file. Like all log sinks, writes
// are best-effort.
type PolicyLogger struct {
	store   *store.Store
	adapter storage.Adapter
}

// NewPolicyLogger wires the sinks.
func NewPolicyLogger(st *store.Store, adapter storage.Adapter) *PolicyLogger {
	return &PolicyLogger{store: st, adapter: adapter}
}

// Record persists one decision. It never returns an error; a failed write
// is logged at warn.
func (p *PolicyLogger) Record(ctx context.Context, d PolicyDecision) {
	decision := store.DecisionAllow
	if !d.Allowed {
		decision = store.DecisionDeny
	}

	snapshot, err := json.Marshal(d.Policy)
	if err != nil {
		logger.Warnw("Policy snapshot not encodable", "ref", d.ComponentRef, "error", err)
		snapshot = []byte("null")
	}

	row := &store.PolicyLog{
		ID:             "plog_" + uuid.Must(uuid.NewV7()).String(),
		ComponentRef:   d.ComponentRef,
		ComponentType:  d.ComponentType,
		ExecutionID:    d.ExecutionID,
		UserID:         d.UserID,
		Decision:       decision,
		Reason:         d.Reason,
		PolicySnapshot: string(snapshot),
	}
	if err := p.store.InsertPolicyLog(ctx, row); err != nil {
		logger.Warnw("Policy log insert failed", "ref", d.ComponentRef, "error", err)
	}

	file, err := json.Marshal(row)
	if err != nil {
		return
	}
	if err := p.adapter.Put(ctx, file, "policy_logs", row.ID+".json"); err != nil {
		logger.Warnw("Policy log file write failed", "ref", d.ComponentRef, "error", err)
	}
}

// Get fetches one decision row.
func (p *PolicyLogger) Get(ctx context.Context, id string) (*store.PolicyLog, error) {
	return p.store.GetPolicyLog(ctx, id)
}

// List returns decision rows matching the filter, newest first.
func (p *PolicyLogger) List(ctx context.Context, filter store.PolicyLogFilter) ([]*store.PolicyLog, error) {
	return p.store.ListPolicyLogs(ctx, filter)
}

// Delete removes all decision rows for a component reference.
func (p *PolicyLogger) Delete(ctx context.Context, componentRef string) (int64, error) {
	return p.store.DeletePolicyLogs(ctx, componentRef)
}
