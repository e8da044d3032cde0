// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testExecution(id string) *Execution {
	return &Execution{
		ID:            id,
		RequestID:     "req_1",
		Reference:     "catalyst:local.math:1.0.0",
		UserID:        "u1",
		ComponentType: "catalyst",
		Input:         `{"op":"add"}`,
	}
}

//nolint:paralleltest // Pins the package clock.
func TestExecutions_DurationFromStoredStamps(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pinClock(t, 50_000, 1_500)

	e := testExecution("exec_1")
	require.NoError(t, s.InsertExecution(ctx, e))
	assert.Equal(t, ExecRunning, e.Status)

	require.NoError(t, s.CompleteExecution(ctx, "exec_1", ExecCompleted, "", `{"sum":3}`, ""))

	got, err := s.GetExecution(ctx, "exec_1")
	require.NoError(t, err)
	assert.Equal(t, ExecCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, got.CompletedAt.UnixMilli()-got.StartedAt.UnixMilli(), got.DurationMS)
	assert.EqualValues(t, 1_500, got.DurationMS)
	assert.Equal(t, `{"sum":3}`, got.Output)
}

func TestExecutions_TerminalExactlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	e := testExecution("exec_2")
	require.NoError(t, s.InsertExecution(ctx, e))
	require.NoError(t, s.CompleteExecution(ctx, "exec_2", ExecFailed, "boom", "", ""))

	// A second terminal transition must not overwrite the first.
	err := s.CompleteExecution(ctx, "exec_2", ExecCompleted, "", "late", "")
	require.ErrorIs(t, err, ErrNotRunning)

	got, err := s.GetExecution(ctx, "exec_2")
	require.NoError(t, err)
	assert.Equal(t, ExecFailed, got.Status)
	assert.Equal(t, "boom", got.ErrorMessage)

	require.ErrorIs(t, s.CompleteExecution(ctx, "missing", ExecFailed, "", "", ""), ErrNotFound)

	err = s.CompleteExecution(ctx, "exec_2", ExecRunning, "", "", "")
	require.Error(t, err)
}

func TestExecutions_DuplicateID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertExecution(ctx, testExecution("exec_3")))
	require.ErrorIs(t, s.InsertExecution(ctx, testExecution("exec_3")), ErrAlreadyExists)
}

//nolint:paralleltest // Pins the package clock.
func TestExecutions_ListAndPrune(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	pinClock(t, 100_000, 1_000)

	// exec_0 is the oldest and stays running; the rest complete.
	for i := 0; i < 5; i++ {
		e := testExecution(fmt.Sprintf("exec_%d", i))
		require.NoError(t, s.InsertExecution(ctx, e))
		if i > 0 {
			require.NoError(t, s.CompleteExecution(ctx, e.ID, ExecCompleted, "", "", ""))
		}
	}

	all, err := s.ListExecutions(ctx, ExecutionFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 5)
	// Newest first.
	assert.Equal(t, "exec_4", all[0].ID)

	running, err := s.ListExecutions(ctx, ExecutionFilter{Status: ExecRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "exec_0", running[0].ID)

	// Prune to the 2 newest. exec_0 sits outside the window but is still
	// running, so only exec_1 and exec_2 go.
	removed, err := s.PruneExecutions(ctx, "u1", 2)
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)

	left, err := s.ListExecutions(ctx, ExecutionFilter{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, left, 3)
}
