// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"embed"
	"encoding/json"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
)

//go:embed guides
var guideFS embed.FS

const guideSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["list", "get", "readme"]},
    "name": {"type": "string"}
  },
  "required": ["action"]
}`

// GuideTool serves the embedded documentation topics.
type GuideTool struct{}

// NewGuideTool returns the guide tool.
func NewGuideTool() *GuideTool {
	return &GuideTool{}
}

// Describe returns the MCP descriptor.
func (*GuideTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "guide",
		Description:    "Read the server's usage guides",
		RawInputSchema: json.RawMessage(guideSchema),
	}
}

// Handle dispatches one guide action.
func (t *GuideTool) Handle(_ context.Context, action string, args json.RawMessage) (any, error) {
	switch action {
	case "list":
		return t.list()
	case "get":
		name, err := requireString(args, "name")
		if err != nil {
			return nil, err
		}
		return t.get(name)
	case "readme":
		return t.get("README")
	default:
		return nil, unknownAction("guide", action)
	}
}

func (*GuideTool) list() (any, error) {
	entries, err := guideFS.ReadDir("guides")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".md")
		if name != "README" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return map[string]any{"guides": names}, nil
}

func (*GuideTool) get(name string) (any, error) {
	// Names come from the embedded listing; anything with a separator is
	// not a topic.
	if strings.ContainsAny(name, "/\\.") {
		return nil, cyfrerr.NewInvalidParamsError("invalid guide name "+name, nil)
	}
	content, err := guideFS.ReadFile("guides/" + name + ".md")
	if err != nil {
		return nil, cyfrerr.NewComponentNotFoundError("guide "+name+" not found", err)
	}
	return map[string]any{"name": name, "content": string(content)}, nil
}
