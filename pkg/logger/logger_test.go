// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestUnstructuredLogsCheck tests the unstructuredLogs function
func TestUnstructuredLogsCheck(t *testing.T) { //nolint:paralleltest // Modifies environment
	tests := []struct {
		name     string
		envValue string
		expected bool
	}{
		{"Default Case", "", true},
		{"Explicitly True", "true", true},
		{"Explicitly False", "false", false},
		{"Invalid Value", "not-a-bool", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("UNSTRUCTURED_LOGS", tt.envValue)
			}
			assert.Equal(t, tt.expected, unstructuredLogs())
		})
	}
}

func TestGetReturnsUsableLogger(t *testing.T) { //nolint:paralleltest // Swaps the singleton
	core, logs := observer.New(zapcore.InfoLevel)
	prev := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(prev) })

	Infow("component published", "ref", "catalyst:tools.echo:1.0.0")
	Warnf("sweeper lagging by %d entries", 3)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "component published", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) { //nolint:paralleltest // Swaps the singleton
	core, logs := observer.New(zapcore.InfoLevel)
	prev := Get()
	Set(zap.New(core).Sugar())
	t.Cleanup(func() { Set(prev) })

	Debugf("cache hit for %s", "policy:acme.default:1.0.0")
	assert.Zero(t, logs.Len())
}
