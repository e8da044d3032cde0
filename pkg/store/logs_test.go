// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMCPLogs_PendingThenFinalized(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	l := &MCPLog{
		RequestID: "req_1",
		SessionID: "sess-1",
		UserID:    "u1",
		Tool:      "execution",
		Action:    "run",
		Method:    "tools/call",
		RoutedTo:  "opus",
	}
	require.NoError(t, s.InsertMCPLog(ctx, l))
	assert.Equal(t, MCPLogPending, l.Status)

	require.NoError(t, s.FinalizeMCPLog(ctx, "req_1", MCPLogSuccess, 0, 42*time.Millisecond))

	logs, err := s.ListMCPLogs(ctx, MCPLogFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, MCPLogSuccess, logs[0].Status)
	assert.EqualValues(t, 42, logs[0].DurationMS)
	assert.Zero(t, logs[0].ErrorCode)
	assert.Equal(t, "opus", logs[0].RoutedTo)
}

func TestMCPLogs_ErrorKeepsCode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertMCPLog(ctx, &MCPLog{RequestID: "req_2", Tool: "secret", Action: "get"}))
	require.NoError(t, s.FinalizeMCPLog(ctx, "req_2", MCPLogError, -33002, 5*time.Millisecond))

	logs, err := s.ListMCPLogs(ctx, MCPLogFilter{Status: MCPLogError})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, -33002, logs[0].ErrorCode)
}

func TestPolicyLogs_InsertGetListDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	l := &PolicyLog{
		ID:            "plog_1",
		ComponentRef:  "catalyst:local.math:1.0.0",
		ComponentType: "catalyst",
		ExecutionID:   "exec_1",
		UserID:        "u1",
		Decision:      DecisionDeny,
		Reason:        "domain evil.example not allowed",
	}
	require.NoError(t, s.InsertPolicyLog(ctx, l))

	got, err := s.GetPolicyLog(ctx, "plog_1")
	require.NoError(t, err)
	assert.Equal(t, DecisionDeny, got.Decision)
	assert.Equal(t, "domain evil.example not allowed", got.Reason)

	byExec, err := s.ListPolicyLogs(ctx, PolicyLogFilter{ExecutionID: "exec_1"})
	require.NoError(t, err)
	assert.Len(t, byExec, 1)

	n, err := s.DeletePolicyLogs(ctx, "catalyst:local.math:1.0.0")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = s.GetPolicyLog(ctx, "plog_1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAuditEvents_ListSinceAndFilter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertAuditEvent(ctx, &AuditEvent{
		ID:        "audit_1",
		EventType: "key.created",
		UserID:    "u1",
		Outcome:   "success",
	}))
	require.NoError(t, s.InsertAuditEvent(ctx, &AuditEvent{
		ID:        "audit_2",
		EventType: "session.revoked",
		UserID:    "u2",
		Outcome:   "success",
	}))

	got, err := s.GetAuditEvent(ctx, "audit_1")
	require.NoError(t, err)
	assert.Equal(t, "key.created", got.EventType)

	byUser, err := s.ListAuditEvents(ctx, AuditFilter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, byUser, 1)
	assert.Equal(t, "audit_2", byUser[0].ID)

	none, err := s.ListAuditEvents(ctx, AuditFilter{Since: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, none)
}
