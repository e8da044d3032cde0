// SPDX-FileCopyrightText: Copyright 2025 Cyfr Works, Inc.
// SPDX-License-Identifier: Apache-2.0

package tools

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/cyfrworks/cyfr/pkg/cyfrerr"
	"github.com/cyfrworks/cyfr/pkg/logger"
	"github.com/cyfrworks/cyfr/pkg/refs"
	"github.com/cyfrworks/cyfr/pkg/registry"
	"github.com/cyfrworks/cyfr/pkg/storage"
)

const buildSchema = `{
  "type": "object",
  "properties": {
    "action": {"type": "string", "enum": ["compile", "compile_and_save", "compile_and_publish", "validate", "toolchains"]},
    "source": {"type": "string"},
    "language": {"type": "string"},
    "toolchain": {"type": "string"},
    "name": {"type": "string"},
    "version": {"type": "string"},
    "type": {"type": "string", "enum": ["catalyst", "reagent", "formula"]},
    "wasm_base64": {"type": "string"}
  },
  "required": ["action"]
}`

// Toolchain describes one compiler the runner can drive.
type Toolchain struct {
	Name     string `json:"name"`
	Language string `json:"language"`
	Version  string `json:"version"`
}

// CompileRequest is one compilation job handed to the runner.
type CompileRequest struct {
	Source    string
	Language  string
	Toolchain string
}

// CompileResult is the runner's output: the artifact plus the build log.
type CompileResult struct {
	WASM []byte
	Log  string
}

// ToolchainRunner drives external compilers. The server ships without one;
// compile actions then return a structured unavailable error while
// validate keeps working.
type ToolchainRunner interface {
	Toolchains(ctx context.Context) []Toolchain
	Compile(ctx context.Context, req CompileRequest) (*CompileResult, error)
}

// BuildTool compiles and validates component artifacts.
type BuildTool struct {
	runner   ToolchainRunner
	registry *registry.Registry
	adapter  storage.Adapter
}

// NewBuildTool wires the build tool; runner may be nil.
func NewBuildTool(runner ToolchainRunner, reg *registry.Registry, adapter storage.Adapter) *BuildTool {
	return &BuildTool{runner: runner, registry: reg, adapter: adapter}
}

// Describe returns the MCP descriptor.
func (*BuildTool) Describe() mcp.Tool {
	return mcp.Tool{
		Name:           "build",
		Description:    "Compile sources to WASM components and validate artifacts",
		RawInputSchema: json.RawMessage(buildSchema),
	}
}

// Handle dispatches one build action.
func (t *BuildTool) Handle(ctx context.Context, action string, args json.RawMessage) (any, error) {
	switch action {
	case "compile":
		return t.compile(ctx, args, "", false)
	case "compile_and_save":
		return t.compile(ctx, args, "save", false)
	case "compile_and_publish":
		return t.compile(ctx, args, "", true)
	case "validate":
		return t.validate(args)
	case "toolchains":
		return t.toolchains(ctx)
	default:
		return nil, unknownAction("build", action)
	}
}

func (t *BuildTool) toolchains(ctx context.Context) (any, error) {
	if t.runner == nil {
		return map[string]any{"available": false, "toolchains": []Toolchain{}}, nil
	}
	return map[string]any{"available": true, "toolchains": t.runner.Toolchains(ctx)}, nil
}

func (t *BuildTool) compile(ctx context.Context, args json.RawMessage, save string, publish bool) (any, error) {
	if t.runner == nil {
		return nil, cyfrerr.NewExecutionFailedError(
			"no build toolchain is configured on this server; use validate or publish a prebuilt artifact", nil)
	}

	source, err := requireString(args, "source")
	if err != nil {
		return nil, err
	}

	buildID := "build_" + uuid.Must(uuid.NewV7()).String()
	t.writeTrail(ctx, buildID, "started.json", map[string]any{
		"build_id":   buildID,
		"started_at": time.Now().UTC(),
		"language":   optionalString(args, "language"),
	})

	result, err := t.runner.Compile(ctx, CompileRequest{
		Source:    source,
		Language:  optionalString(args, "language"),
		Toolchain: optionalString(args, "toolchain"),
	})
	if err != nil {
		t.writeTrail(ctx, buildID, "build.log", err.Error())
		return nil, cyfrerr.NewExecutionFailedError("compilation failed", err)
	}
	t.writeTrail(ctx, buildID, "build.log", result.Log)

	exports, err := registry.ParseExports(result.WASM)
	if err != nil {
		return nil, cyfrerr.NewExecutionFailedError("toolchain produced a corrupt artifact", err)
	}

	out := map[string]any{
		"build_id":      buildID,
		"size":          len(result.WASM),
		"digest":        registry.Digest(result.WASM),
		"exports":       exports,
		"inferred_type": registry.InferType(exports),
		"log":           result.Log,
	}

	switch {
	case publish:
		name, err := requireString(args, "name")
		if err != nil {
			return nil, err
		}
		version, err := requireString(args, "version")
		if err != nil {
			return nil, err
		}
		typ, err := optionalType(args)
		if err != nil {
			return nil, err
		}
		component, err := t.registry.PublishBytes(ctx, result.WASM, registry.PublishAttrs{
			Name:    name,
			Version: version,
			Type:    typ,
		})
		if err != nil {
			return nil, err
		}
		out["reference"] = component.Ref().String()
	case save != "":
		filename := optionalString(args, "name")
		if filename == "" {
			filename = "artifact"
		}
		path := []string{"builds", buildID, filename + ".wasm"}
		if err := t.adapter.Put(ctx, result.WASM, path...); err != nil {
			return nil, err
		}
		out["saved_path"] = "builds/" + buildID + "/" + filename + ".wasm"
	default:
		out["wasm_base64"] = base64.StdEncoding.EncodeToString(result.WASM)
	}

	t.writeTrail(ctx, buildID, "completed.json", map[string]any{
		"build_id":     buildID,
		"completed_at": time.Now().UTC(),
		"digest":       out["digest"],
		"size":         out["size"],
	})
	return out, nil
}

func (t *BuildTool) validate(args json.RawMessage) (any, error) {
	encoded, err := requireString(args, "wasm_base64")
	if err != nil {
		return nil, err
	}

	wasm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, cyfrerr.NewInvalidParamsError("wasm_base64 is not valid base64", err)
	}
	if err := registry.ValidateModule(wasm); err != nil {
		return map[string]any{"valid": false, "reason": err.Error()}, nil
	}
	exports, err := registry.ParseExports(wasm)
	if err != nil {
		return map[string]any{"valid": false, "reason": err.Error()}, nil
	}

	return map[string]any{
		"valid":         true,
		"size":          len(wasm),
		"digest":        registry.Digest(wasm),
		"exports":       exports,
		"inferred_type": registry.InferType(exports),
	}, nil
}

// writeTrail persists one build lifecycle file under the user's builds
// directory. Best-effort.
func (t *BuildTool) writeTrail(ctx context.Context, buildID, filename string, payload any) {
	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			return
		}
	}
	if err := t.adapter.Put(ctx, data, "builds", buildID, filename); err != nil {
		logger.Warnw("Build trail write failed", "build_id", buildID, "file", filename, "error", err)
	}
}

func optionalType(args json.RawMessage) (refs.Type, error) {
	raw := optionalString(args, "type")
	if raw == "" {
		return "", nil
	}
	typ, err := refs.ParseType(raw)
	if err != nil {
		return "", cyfrerr.NewInvalidParamsError(err.Error(), nil)
	}
	return typ, nil
}
