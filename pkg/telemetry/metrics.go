// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the domain instruments recorded by the transport and the
// execution kernel.
type Metrics struct {
	requests       metric.Int64Counter
	requestSeconds metric.Float64Histogram
	executions     metric.Int64Counter
	policyDenials  metric.Int64Counter
	activeSessions metric.Int64UpDownCounter
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.requests, err = meter.Int64Counter(
		"cyfr_requests_total",
		metric.WithDescription("MCP requests by method and status"),
	); err != nil {
		return nil, err
	}
	if m.requestSeconds, err = meter.Float64Histogram(
		"cyfr_request_duration_seconds",
		metric.WithDescription("MCP request latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.executions, err = meter.Int64Counter(
		"cyfr_executions_total",
		metric.WithDescription("Component executions by type and terminal status"),
	); err != nil {
		return nil, err
	}
	if m.policyDenials, err = meter.Int64Counter(
		"cyfr_policy_denials_total",
		metric.WithDescription("Host policy denials by component reference"),
	); err != nil {
		return nil, err
	}
	if m.activeSessions, err = meter.Int64UpDownCounter(
		"cyfr_active_sessions",
		metric.WithDescription("Live MCP sessions"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordRequest counts one MCP request and its latency.
func (m *Metrics) RecordRequest(ctx context.Context, method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)
	m.requests.Add(ctx, 1, attrs)
	m.requestSeconds.Record(ctx, elapsed.Seconds(), attrs)
}

// RecordExecution counts one finished component execution.
func (m *Metrics) RecordExecution(ctx context.Context, componentType, status string) {
	if m == nil {
		return
	}
	m.executions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component_type", componentType),
		attribute.String("status", status),
	))
}

// RecordPolicyDenial counts one host policy denial.
func (m *Metrics) RecordPolicyDenial(ctx context.Context, componentRef string) {
	if m == nil {
		return
	}
	m.policyDenials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("component_ref", componentRef),
	))
}

// SessionOpened and SessionClosed track the live session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, 1)
}

// SessionClosed decrements the live session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.activeSessions.Add(ctx, -1)
}
