// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tools defines the MCP tool surface: a registry of named
// handlers, each dispatching on the "action" field of its arguments, and
// the router the transport and the kernel both call into.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/xeipuuv/gojsonschema"

	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
)

// Handler is one named tool. Describe returns the MCP descriptor with the
// published input schema; Handle dispatches a single action.
type Handler interface {
	Describe() mcp.Tool
	Handle(ctx context.Context, action string, args json.RawMessage) (any, error)
}

// RoutedTo names the subsystem a tool's requests are attributed to in
// request logs. Observability metadata only, never authorization.
var RoutedTo = map[string]string{
	"execution":  "opus",
	"build":      "locus",
	"component":  "compendium",
	"guide":      "emissary",
	"storage":    "arca",
	"session":    "sanctum",
	"permission": "sanctum",
	"secret":     "sanctum",
	"key":        "sanctum",
	"audit":      "sanctum",
	"policy_log": "sanctum",
}

// Router dispatches (tool, arguments) pairs to handlers, validating the
// arguments against the tool's published schema first.
type Router struct {
	handlers map[string]Handler
	schemas  map[string]*gojsonschema.Schema
}

// NewRouter returns an empty router; register handlers before serving.
func NewRouter() *Router {
	return &Router{
		handlers: map[string]Handler{},
		schemas:  map[string]*gojsonschema.Schema{},
	}
}

// Register adds a handler under its descriptor name, compiling the input
// schema once. Registering two handlers with the same name is a
// programming error.
func (r *Router) Register(h Handler) error {
	desc := h.Describe()
	if _, dup := r.handlers[desc.Name]; dup {
		return fmt.Errorf("tool %q registered twice", desc.Name)
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(desc.RawInputSchema))
	if err != nil {
		return fmt.Errorf("compiling input schema for %q: %w", desc.Name, err)
	}
	r.handlers[desc.Name] = h
	r.schemas[desc.Name] = schema
	return nil
}

// MustRegister panics on registration failure; used at boot where a bad
// descriptor is unrecoverable.
func (r *Router) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Tools returns every descriptor, sorted by name for stable listings.
func (r *Router) Tools() []mcp.Tool {
	out := make([]mcp.Tool, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h.Describe())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Handle validates the arguments and dispatches to the named tool.
func (r *Router) Handle(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	h, ok := r.handlers[tool]
	if !ok {
		return nil, cyfrerr.NewMethodNotFoundError(fmt.Sprintf("unknown tool %q", tool), nil)
	}
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	result, err := r.schemas[tool].Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, cyfrerr.NewInvalidParamsError(fmt.Sprintf("arguments for %q are not valid JSON", tool), err)
	}
	if !result.Valid() {
		return nil, cyfrerr.NewInvalidParamsError(
			fmt.Sprintf("invalid arguments for %q: %s", tool, result.Errors()[0].String()), nil)
	}

	action := gjson.GetBytes(args, "action").String()
	return h.Handle(ctx, action, args)
}

// Invoke satisfies the kernel's tool re-entry interface.
func (r *Router) Invoke(ctx context.Context, tool string, args json.RawMessage) (any, error) {
	return r.Handle(ctx, tool, args)
}

// decodeArgs unmarshals validated arguments into a tool's typed params.
func decodeArgs(args json.RawMessage, into any) error {
	if err := json.Unmarshal(args, into); err != nil {
		return cyfrerr.NewInvalidParamsError("arguments do not decode", err)
	}
	return nil
}

// unknownAction is the shared fallthrough for action switches.
func unknownAction(tool, action string) error {
	return cyfrerr.NewInvalidParamsError(fmt.Sprintf("tool %q has no action %q", tool, action), nil)
}
