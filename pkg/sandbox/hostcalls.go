// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Host import names under the "cyfr" module.
const (
	hostModuleName = "cyfr"

	callHTTPRequest   = "http_request"
	callSecretsRead   = "secrets_read"
	callStorageRead   = "storage_read"
	callStorageWrite  = "storage_write"
	callStorageList   = "storage_list"
	callStorageDelete = "storage_delete"
	callToolsCall     = "tools_call"
	callLog           = "log"
)

// hostState carries one invocation's bindings and its accumulated trace.
// Guest execution is single-threaded, so the trace needs no lock.
type hostState struct {
	bindings HostBindings
	trace    []TraceEvent
}

type hostReply struct {
	OK    json.RawMessage `json:"ok,omitempty"`
	Error *HostError      `json:"error,omitempty"`
}

func (h *hostState) record(kind, detail string, allowed bool) {
	h.trace = append(h.trace, TraceEvent{
		At:      time.Now().UTC(),
		Kind:    kind,
		Detail:  detail,
		Allowed: allowed,
	})
}

// reply encodes a binding outcome for the guest and records the trace
// event. Marshal failures downgrade to host_error rather than trap.
func (h *hostState) reply(kind, detail string, value any, err error) []byte {
	h.record(kind, detail, err == nil)

	var envelope hostReply
	if err != nil {
		var hostErr *HostError
		if !errors.As(err, &hostErr) {
			hostErr = &HostError{Code: CodeHostError, Message: err.Error()}
		}
		envelope.Error = hostErr
	} else {
		raw, merr := json.Marshal(value)
		if merr != nil {
			envelope.Error = &HostError{Code: CodeHostError, Message: merr.Error()}
		} else {
			envelope.OK = raw
		}
	}

	out, merr := json.Marshal(envelope)
	if merr != nil {
		return []byte(`{"error":{"code":"host_error","message":"reply encoding failed"}}`)
	}
	return out
}

func unavailable(kind string) error {
	return &HostError{Code: CodeCapabilityUnavailable, Message: kind + " is not available to this component"}
}

// dispatch runs one host call: decode the request envelope, invoke the
// binding, encode the reply.
func (h *hostState) dispatch(ctx context.Context, kind string, payload []byte) []byte {
	switch kind {
	case callHTTPRequest:
		var req HTTPRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return h.reply(kind, "", nil, fmt.Errorf("bad request envelope: %w", err))
		}
		detail := req.Method + " " + req.URL
		if h.bindings.HTTPRequest == nil {
			return h.reply(kind, detail, nil, unavailable(kind))
		}
		resp, err := h.bindings.HTTPRequest(ctx, req)
		return h.reply(kind, detail, resp, err)

	case callSecretsRead:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return h.reply(kind, "", nil, fmt.Errorf("bad request envelope: %w", err))
		}
		if h.bindings.SecretRead == nil {
			return h.reply(kind, req.Name, nil, unavailable(kind))
		}
		value, err := h.bindings.SecretRead(ctx, req.Name)
		if err != nil {
			return h.reply(kind, req.Name, nil, err)
		}
		return h.reply(kind, req.Name, value, nil)

	case callStorageRead:
		path, err := decodePath(payload)
		if err != nil {
			return h.reply(kind, "", nil, err)
		}
		if h.bindings.StorageRead == nil {
			return h.reply(kind, path, nil, unavailable(kind))
		}
		data, err := h.bindings.StorageRead(ctx, path)
		if err != nil {
			return h.reply(kind, path, nil, err)
		}
		return h.reply(kind, path, string(data), nil)

	case callStorageWrite:
		var req struct {
			Path string `json:"path"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return h.reply(kind, "", nil, fmt.Errorf("bad request envelope: %w", err))
		}
		if h.bindings.StorageWrite == nil {
			return h.reply(kind, req.Path, nil, unavailable(kind))
		}
		err := h.bindings.StorageWrite(ctx, req.Path, []byte(req.Data))
		return h.reply(kind, req.Path, map[string]bool{"written": err == nil}, err)

	case callStorageList:
		path, err := decodePath(payload)
		if err != nil {
			return h.reply(kind, "", nil, err)
		}
		if h.bindings.StorageList == nil {
			return h.reply(kind, path, nil, unavailable(kind))
		}
		entries, err := h.bindings.StorageList(ctx, path)
		if err != nil {
			return h.reply(kind, path, nil, err)
		}
		if entries == nil {
			entries = []string{}
		}
		return h.reply(kind, path, entries, nil)

	case callStorageDelete:
		path, err := decodePath(payload)
		if err != nil {
			return h.reply(kind, "", nil, err)
		}
		if h.bindings.StorageDelete == nil {
			return h.reply(kind, path, nil, unavailable(kind))
		}
		err = h.bindings.StorageDelete(ctx, path)
		return h.reply(kind, path, map[string]bool{"deleted": err == nil}, err)

	case callToolsCall:
		var req struct {
			Name string          `json:"name"`
			Args json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return h.reply(kind, "", nil, fmt.Errorf("bad request envelope: %w", err))
		}
		if h.bindings.ToolCall == nil {
			return h.reply(kind, req.Name, nil, unavailable(kind))
		}
		result, err := h.bindings.ToolCall(ctx, req.Name, req.Args)
		if err != nil {
			return h.reply(kind, req.Name, nil, err)
		}
		return h.reply(kind, req.Name, result, nil)

	default:
		return h.reply(kind, "", nil, &HostError{Code: CodeHostError, Message: "unknown host call " + kind})
	}
}

// guestLog records a guest log line and forwards it to the Log binding.
func (h *hostState) guestLog(level, message string) {
	h.record(callLog, level+": "+message, true)
	if h.bindings.Log != nil {
		h.bindings.Log(level, message)
	}
}

func decodePath(payload []byte) (string, error) {
	var req struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return "", fmt.Errorf("bad request envelope: %w", err)
	}
	return req.Path, nil
}
