// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
)

// ProtocolVersion is the MCP protocol revision this server speaks.
const ProtocolVersion = "2025-11-25"

// rpcRequest is one decoded JSON-RPC 2.0 envelope. A missing id marks a
// notification.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// notification reports whether the envelope expects no response entry.
func (r *rpcRequest) notification() bool {
	return len(r.ID) == 0 || bytes.Equal(r.ID, []byte("null"))
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

func resultResponse(id json.RawMessage, result any) *rpcResponse {
	if id == nil {
		id = json.RawMessage("null")
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, err error) *rpcResponse {
	if id == nil {
		id = json.RawMessage("null")
	}
	message := err.Error()
	var ce *cyfrerr.Error
	if errors.As(err, &ce) {
		message = ce.Message
	}
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &rpcError{Code: cyfrerr.JSONRPCCode(err), Message: message},
	}
}

// decodeBatch splits a POST body into its envelopes. The bool reports
// whether the input used array framing, which is preserved on the way out
// even for single-element batches.
func decodeBatch(body []byte) ([]rpcRequest, bool, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, cyfrerr.NewInvalidRequestError("empty request body", nil)
	}

	if trimmed[0] == '[' {
		var batch []rpcRequest
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, true, cyfrerr.NewInvalidRequestError("request body is not valid JSON", err)
		}
		if len(batch) == 0 {
			return nil, true, cyfrerr.NewInvalidRequestError("batch cannot be empty", nil)
		}
		return batch, true, nil
	}

	var single rpcRequest
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, false, cyfrerr.NewInvalidRequestError("request body is not valid JSON", err)
	}
	return []rpcRequest{single}, false, nil
}

// validate rejects envelopes that are structurally broken before any
// dispatch work happens.
func (r *rpcRequest) validate() error {
	if r.JSONRPC != "2.0" {
		return cyfrerr.NewInvalidRequestError(fmt.Sprintf("jsonrpc must be %q", "2.0"), nil)
	}
	if r.Method == "" {
		return cyfrerr.NewInvalidRequestError("method is required", nil)
	}
	return nil
}
