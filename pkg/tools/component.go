// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/registry"
	"github.com/cyfrworks/cyfr/pkg/store"
)

const componentSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["search", "inspect", "pull", "publish", "register", "resolve", "categories", "get_blob"]},
    "reference": {"type": "string"},
    "digest": {"type": "string"},
    "path": {"type": "string"},
    "force": {"type": "boolean"},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "type": {"type": "string", "enum": ["catalyst", "reagent", "formula"]},
    "wasm_base64": {"type": "string"},
    "description": {"type": "string"},
    "tags": {"type": "array", "items": {"type": "string"}},
    "category": {"type": "string"},
    "license": {"type": "string"},
    "query": {"type": "string"},
    "limit": {"type": "integer", "minimum": 1}
  },
  "required": ["action"]
}`

// ComponentTool is the registry surface: search, publish, resolve, and
// artifact retrieval.
type ComponentTool struct {
	registry *registry.Registry
}

// NewComponentTool wires the component tool.
func NewComponentTool(reg *registry.Registry) *ComponentTool {
	return &ComponentTool{registry: reg}
}

// Describe returns the MCP descriptor.
func (*ComponentTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "component",
		Description:    "Search, publish, and resolve WASM components in the registry",
		RawInputSchema: json.RawMessage(componentSchema),
	}
}

// Handle dispatches one component action.
func (t *ComponentTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	switch action {
	case "search":
		return t.search(ctx, args)
	case "inspect", "resolve":
		return t.resolve(ctx, args, action == "inspect")
	case "pull", "get_blob":
		return t.getBlob(ctx, args)
	case "publish":
		return t.publish(ctx, args)
	case "register":
		return t.register(ctx, args)
	case "categories":
		return t.categories(ctx)
	default:
		return nil, unknownAction("component", action)
	}
}

func (t *ComponentTool) search(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Type     string   `json:"type"`
		Category string   `json:"category"`
		License  string   `json:"license"`
		Tags     []string `json:"tags"`
		Query    string   `json:"query"`
		Limit    int      `json:"limit"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}

	var typ refs.Type
	if p.Type != "" {
		var err error
		if typ, err = refs.ParseType(p.Type); err != nil {
			return nil, cyfrerr.NewInvalidParamsError(err.Error(), nil)
		}
	}

	rows, err := t.registry.Search(ctx, registry.SearchFilter{
		Type:     typ,
		Category: p.Category,
		License:  p.License,
		Tags:     p.Tags,
		Query:    p.Query,
		OrgID:    orgID(ctx),
		Limit:    p.Limit,
	})
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(rows))
	for _, c := range rows {
		out = append(out, componentSummary(c))
	}
	return map[string]any{"components": out}, nil
}

func (t *ComponentTool) resolve(ctx context.Context, args json.RawMessage, detail bool) (any, error) {
	reference, err := requireString(args, "reference")
	if err != nil {
		return nil, err
	}

	c, err := t.registry.Resolve(ctx, reference, orgID(ctx))
	if err != nil {
		return nil, err
	}

	out := componentSummary(c)
	if detail {
		out["exports"] = c.Exports
		out["description"] = c.Description
		out["tags"] = c.Tags
		out["category"] = c.Category
		out["license"] = c.License
		out["source"] = c.Source
	}
	return out, nil
}

func (t *ComponentTool) getBlob(ctx context.Context, args json.RawMessage) (any, error) {
	digest := optionalString(args, "digest")
	if digest == "" {
		reference, err := requireString(args, "reference")
		if err != nil {
			return nil, cyfrerr.NewInvalidParamsError("get_blob needs a digest or a reference", nil)
		}
		c, err := t.registry.Resolve(ctx, reference, orgID(ctx))
		if err != nil {
			return nil, err
		}
		digest = c.Digest
	}

	wasm, err := t.registry.GetBlob(ctx, digest)
	if err != nil {
		return nil, cyfrerr.NewComponentNotFoundError("artifact "+digest+" not found", err)
	}
	return map[string]any{
		"digest":      digest,
		"size":        len(wasm),
		"wasm_base64": base64.StdEncoding.EncodeToString(wasm),
	}, nil
}

func (t *ComponentTool) publish(ctx context.Context, args json.RawMessage) (any, error) {
	if _, err := requireAuthenticated(ctx); err != nil {
		return nil, err
	}

	var p struct {
		Name        string   `json:"name"`
		Version     string   `json:"version"`
		Type        string   `json:"type"`
		WASMBase64  string   `json:"wasm_base64"`
		Description string   `json:"description"`
		Tags        []string `json:"tags"`
		Category    string   `json:"category"`
		License     string   `json:"license"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	if p.Name == "" || p.Version == "" || p.WASMBase64 == "" {
		return nil, cyfrerr.NewInvalidParamsError("publish requires name, version, and wasm_base64", nil)
	}

	wasm, err := base64.StdEncoding.DecodeString(p.WASMBase64)
	if err != nil {
		return nil, cyfrerr.NewInvalidParamsError("wasm_base64 is not valid base64", err)
	}
	typ, err := optionalType(args)
	if err != nil {
		return nil, err
	}

	c, err := t.registry.PublishBytes(ctx, wasm, registry.PublishAttrs{
		Name:        p.Name,
		Version:     p.Version,
		Type:        typ,
		OrgID:       orgID(ctx),
		Description: p.Description,
		Tags:        p.Tags,
		Category:    p.Category,
		License:     p.License,
	})
	if err != nil {
		return nil, err
	}
	return componentSummary(c), nil
}

func (t *ComponentTool) register(ctx context.Context, args json.RawMessage) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}
	force := gjsonBool(args, "force")

	c, status, err := t.registry.RegisterFromDirectory(ctx, path, force)
	if err != nil {
		return nil, cyfrerr.NewInvalidParamsError("path is not a registrable component directory", err)
	}
	out := componentSummary(c)
	out["register_status"] = string(status)
	return out, nil
}

func (t *ComponentTool) categories(ctx context.Context) (any, error) {
	categories, err := t.registry.Categories(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"categories": categories}, nil
}

func componentSummary(c *store.Component) map[string]any {
	return map[string]any{
		"reference":  c.Ref().String(),
		"name":       c.Name,
		"version":    c.Version,
		"type":       string(c.ComponentType),
		"publisher":  c.Publisher,
		"digest":     c.Digest,
		"size":       c.Size,
		"updated_at": c.UpdatedAt.UTC(),
	}
}

func orgID(ctx context.Context) string {
	if identity, ok := authn.IdentityFromContext(ctx); ok {
		return identity.OrgID
	}
	return ""
}
