// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/authn"
	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/storage"
	"github.com/cyfrworks/cyfr/pkg/store"
)

const storageSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["list", "read", "write", "delete", "retention"]},
    "path": {"type": "string"},
    "content": {"type": "string"},
    "content_base64": {"type": "string"},
    "keep": {"type": "integer", "minimum": 1}
  },
  "required": ["action"]
}`

// StorageTool exposes the caller's slice of the storage tree.
type StorageTool struct {
	adapter storage.Adapter
	store   *store.Store
}

// NewStorageTool wires the storage tool.
func NewStorageTool(adapter storage.Adapter, st *store.Store) *StorageTool {
	return &StorageTool{adapter: adapter, store: st}
}

// Describe returns the MCP descriptor.
func (*StorageTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "storage",
		Description:    "List, read, and write files in the caller's storage area",
		RawInputSchema: json.RawMessage(storageSchema),
	}
}

// Handle dispatches one storage action.
func (t *StorageTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	switch action {
	case "list":
		return t.list(ctx, args)
	case "read":
		return t.read(ctx, args)
	case "write":
		return t.write(ctx, args)
	case "delete":
		return t.delete(ctx, args)
	case "retention":
		return t.retention(ctx, args)
	default:
		return nil, unknownAction("storage", action)
	}
}

func (t *StorageTool) list(ctx context.Context, args json.RawMessage) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	entries, err := t.adapter.List(ctx, pathSegments(path)...)
	if err != nil {
		return nil, mapStorageErr(err, path)
	}
	return map[string]any{"path": path, "entries": entries}, nil
}

func (t *StorageTool) read(ctx context.Context, args json.RawMessage) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	data, err := t.adapter.Get(ctx, pathSegments(path)...)
	if err != nil {
		return nil, mapStorageErr(err, path)
	}
	return map[string]any{
		"path":           path,
		"size":           len(data),
		"content_base64": base64.StdEncoding.EncodeToString(data),
	}, nil
}

func (t *StorageTool) write(ctx context.Context, args json.RawMessage) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	var data []byte
	if encoded := optionalString(args, "content_base64"); encoded != "" {
		if data, err = base64.StdEncoding.DecodeString(encoded); err != nil {
			return nil, cyfrerr.NewInvalidParamsError("content_base64 is not valid base64", err)
		}
	} else {
		data = []byte(optionalString(args, "content"))
	}

	if err := t.adapter.Put(ctx, data, pathSegments(path)...); err != nil {
		return nil, mapStorageErr(err, path)
	}
	return map[string]any{"path": path, "size": len(data)}, nil
}

func (t *StorageTool) delete(ctx context.Context, args json.RawMessage) (any, error) {
	path, err := requireString(args, "path")
	if err != nil {
		return nil, err
	}

	if err := t.adapter.Delete(ctx, pathSegments(path)...); err != nil {
		return nil, mapStorageErr(err, path)
	}
	return map[string]any{"path": path, "deleted": true}, nil
}

func (t *StorageTool) retention(ctx context.Context, args json.RawMessage) (any, error) {
	var p struct {
		Keep int `json:"keep"`
	}
	if err := decodeArgs(args, &p); err != nil {
		return nil, err
	}
	if p.Keep < 1 {
		return nil, cyfrerr.NewInvalidParamsError("keep must be at least 1", nil)
	}

	pruned, err := t.store.PruneExecutions(ctx, authn.UserIDFromContext(ctx), p.Keep)
	if err != nil {
		return nil, err
	}
	return map[string]any{"kept": p.Keep, "pruned": pruned}, nil
}

func pathSegments(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapStorageErr(err error, path string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return cyfrerr.NewComponentNotFoundError("path "+path+" not found", err)
	case errors.Is(err, storage.ErrInvalidPath):
		return cyfrerr.NewInvalidParamsError(err.Error(), err)
	default:
		return err
	}
}
