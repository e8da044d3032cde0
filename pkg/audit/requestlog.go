// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
)

// RequestLogger records the lifecycle of every MCP request: a pending row
// when dispatch starts and a terminal update when the handler returns. The
// full request/response payload goes to <base>/mcp_logs/<request_id>.json.
type RequestLogger struct {
	store   *store.Store
	adapter storage.Adapter
}

// NewRequestLogger wires the sinks.
func NewRequestLogger(st *store.Store, adapter storage.Adapter) *RequestLogger {
	return &RequestLogger{store: st, adapter: adapter}
}

// RequestStart describes the request being dispatched.
type RequestStart struct {
	RequestID string
	SessionID string
	UserID    string
	Method    string
	Tool      string
	Action    string
	RoutedTo  string
	Params    json.RawMessage
}

// Started inserts the pending row. Best-effort.
func (r *RequestLogger) Started(ctx context.Context, s RequestStart) {
	row := &store.MCPLog{
		RequestID: s.RequestID,
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Tool:      s.Tool,
		Action:    s.Action,
		Method:    s.Method,
		RoutedTo:  s.RoutedTo,
		Payload:   string(s.Params),
	}
	if err := r.store.InsertMCPLog(ctx, row); err != nil {
		logger.Warnw("Request log insert failed", "request_id", s.RequestID, "error", err)
	}
}

// Completed finalizes the row as success and writes the payload file.
func (r *RequestLogger) Completed(ctx context.Context, requestID string, duration time.Duration, payload any) {
	if err := r.store.FinalizeMCPLog(ctx, requestID, store.MCPLogSuccess, 0, duration); err != nil {
		logger.Warnw("Request log finalize failed", "request_id", requestID, "error", err)
	}
	r.writePayload(ctx, requestID, payload)
}

// Failed finalizes the row as an error and writes the payload file.
func (r *RequestLogger) Failed(ctx context.Context, requestID string, errorCode int, duration time.Duration, payload any) {
	if err := r.store.FinalizeMCPLog(ctx, requestID, store.MCPLogError, errorCode, duration); err != nil {
		logger.Warnw("Request log finalize failed", "request_id", requestID, "error", err)
	}
	r.writePayload(ctx, requestID, payload)
}

// writePayload stores the inline request/response payload under the global
// mcp_logs prefix.
func (r *RequestLogger) writePayload(ctx context.Context, requestID string, payload any) {
	if payload == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		logger.Warnw("Request payload not encodable", "request_id", requestID, "error", err)
		return
	}
	if err := r.adapter.Put(ctx, data, "mcp_logs", requestID+".json"); err != nil {
		logger.Warnw("Request payload write failed", "request_id", requestID, "error", err)
	}
}

// List returns request rows matching the filter, newest first.
func (r *RequestLogger) List(ctx context.Context, filter store.MCPLogFilter) ([]*store.MCPLog, error) {
	return r.store.ListMCPLogs(ctx, filter)
}
