// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/kernel"
	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/store"
)

const executionSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["run", "list", "logs", "cancel"]},
    "component": {},
    "input": {},
    "type": {"type": "string", "enum": ["catalyst", "reagent", "formula"]},
    "entry": {"type": "string"},
    "execution_id": {"type": "string"},
    "reference": {"type": "string"},
    "status": {"type": "string"},
    "limit": {"type": "integer", "minimum": 1}
  },
  "required": ["action"]
}`

// ExecutionTool runs components and inspects their records.
type ExecutionTool struct {
	kernel *kernel.Kernel
}

// NewExecutionTool wires the execution tool to the kernel.
func NewExecutionTool(k *kernel.Kernel) *ExecutionTool {
	return &ExecutionTool{kernel: k}
}

// Describe returns the MCP descriptor.
func (*ExecutionTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "execution",
		Description:    "Run sandboxed components and inspect or cancel their executions",
		RawInputSchema: json.RawMessage(executionSchema),
	}
}

// Handle dispatches one execution action.
func (t *ExecutionTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	switch action {
	case "run":
		return t.run(ctx, args)
	case "list":
		return t.list(ctx, args)
	case "logs":
		return t.logs(ctx, args)
	case "cancel":
		return t.cancel(ctx, args)
	default:
		return nil, unknownAction("execution", action)
	}
}

func (t *ExecutionTool) run(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Component json.RawMessage `json:"component"`
		Input     json.RawMessage `json:"input"`
		Type      string          `json:"type"`
		Entry     string          `json:"entry"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	if len(p.Component) == 0 {
		return nil, cyfrerr.NewInvalidParamsError("run requires a component reference", nil)
	}

	target, err := kernel.ParseTarget(p.Component)
	if err != nil {
		return nil, err
	}
	var hint refs.Type
	if p.Type != "" {
		if hint, err = refs.ParseType(p.Type); err != nil {
			return nil, cyfrerr.NewInvalidParamsError(err.Error(), nil)
		}
	}
	if len(p.Input) == 0 {
		p.Input = json.RawMessage(`null`)
	}

	return t.kernel.Run(ctx, kernel.RunParams{
		Target: target,
		Type:   hint,
		Input:  p.Input,
		Entry:  p.Entry,
	})
}

func (t *ExecutionTool) list(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Reference string `json:"reference"`
		Status    string `json:"status"`
		Limit     int    `json:"limit"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}

	rows, err := t.kernel.List(ctx, store.ExecutionFilter{
		UserID:    authn.UserIDFromContext(ctx),
		Reference: p.Reference,
		Status:    p.Status,
		Limit:     p.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, e := range rows {
		out = append(out, executionSummary(e))
	}
	return map[string]any{"executions": out}, nil
}

func (t *ExecutionTool) logs(ctx context.Context, args json.RawMessage) (any, error) {
	execID, err := requireString(args, "execution_id")
	if err != nil {
		return nil, err
	}

	e, err := t.kernel.Logs(ctx, execID)
	if err != nil {
		return nil, mapNotFound(err, "execution "+execID)
	}
	if e.UserID != authn.UserIDFromContext(ctx) {
		return nil, cyfrerr.NewInsufficientPermissionsError("execution belongs to another user", nil)
	}

	detail := executionSummary(e)
	detail["input"] = json.RawMessage(orNull(e.Input))
	detail["output"] = json.RawMessage(orNull(e.Output))
	detail["wasi_trace"] = json.RawMessage(orNull(e.WASITrace))
	detail["host_policy"] = json.RawMessage(orNull(e.HostPolicy))
	detail["error_message"] = e.ErrorMessage
	return detail, nil
}

func (t *ExecutionTool) cancel(ctx context.Context, args json.RawMessage) (any, error) {
	execID, err := requireString(args, "execution_id")
	if err != nil {
		return nil, err
	}

	switch err := t.kernel.Cancel(ctx, execID); {
	case err == nil:
		return map[string]any{"execution_id": execID, "status": store.ExecCancelled}, nil
	case isNotFound(err):
		return nil, cyfrerr.NewComponentNotFoundError("execution "+execID+" not found", err)
	case isNotRunning(err):
		return nil, cyfrerr.NewInvalidParamsError("execution "+execID+" is not running", err)
	default:
		return nil, err
	}
}

func executionSummary(e *store.Execution) map[string]any {
	return map[string]any{
		"execution_id":   e.ID,
		"reference":      e.Reference,
		"component_type": e.ComponentType,
		"digest":         e.ComponentDigest,
		"status":         e.Status,
		"started_at":     e.StartedAt.UTC(),
		"duration_ms":    e.DurationMS,
	}
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}
