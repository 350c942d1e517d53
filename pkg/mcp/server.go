// Package mcp exposes a running voxd daemon to MCP clients over stdio.
// Each tool forwards to the daemon socket, so the bridge stays
// stateless and several bridges can share one engine.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/voxforge/voxd/pkg/core"
)

const (
	toolCreateProject = "voxd_create_project"
	toolLoadProject   = "voxd_load_project"
	toolSaveProject   = "voxd_save_project"
	toolAddVoxel      = "voxd_add_voxel"
	toolFillRegion    = "voxd_fill_region"
	toolRemoveVoxel   = "voxd_remove_voxel"
	toolGetVoxel      = "voxd_get_voxel"
	toolListLayers    = "voxd_list_layers"
	toolCreateLayer   = "voxd_create_layer"
	toolSetLayer      = "voxd_set_active_layer"
	toolExportModel   = "voxd_export_model"
	toolAnalyzeColors = "voxd_analyze_colors"
	toolStatus        = "voxd_status"
)

// Backend is the capability contract the tools forward to. The socket
// client satisfies it; tests substitute a stub.
type Backend interface {
	Call(method string, params any) (json.RawMessage, error)
}

// NewServer builds the MCP server with all voxd tools registered.
func NewServer(backend Backend) (*mcpserver.MCPServer, error) {
	if backend == nil {
		return nil, fmt.Errorf("mcp backend is required")
	}

	s := mcpserver.NewMCPServer(
		"voxd-mcp",
		core.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	registerTools(s, backend)
	return s, nil
}

// ServeStdio blocks serving the MCP protocol on stdin/stdout.
func ServeStdio(s *mcpserver.MCPServer) error {
	return mcpserver.ServeStdio(s)
}

// forward relays a tool invocation to the daemon and wraps the outcome.
func forward(backend Backend, method string, params any, summary string) (*mcpproto.CallToolResult, error) {
	result, err := backend.Call(method, params)
	if err != nil {
		return errResult(err.Error()), nil
	}
	return structuredResult(summary, result)
}

func registerTools(s *mcpserver.MCPServer, backend Backend) {
	s.AddTool(mcpproto.NewTool(toolCreateProject,
		mcpproto.WithDescription("Create a new voxel project with one default layer."),
		mcpproto.WithString("name", mcpproto.Description("Project name (optional).")),
		mcpproto.WithBoolean("force", mcpproto.Description("Replace an already open project.")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		return forward(backend, "voxd.create_project", map[string]any{
			"name":  getString(args, "name", ""),
			"force": getBool(args, "force", false),
		}, "project created")
	})

	s.AddTool(mcpproto.NewTool(toolLoadProject,
		mcpproto.WithDescription("Load a project snapshot from disk, replacing the open one."),
		mcpproto.WithString("path", mcpproto.Required(), mcpproto.Description("Snapshot file path (.vxp).")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		path := getString(req.GetArguments(), "path", "")
		if path == "" {
			return errResult("path is required"), nil
		}
		return forward(backend, "voxd.load_project", map[string]any{"path": path}, "project loaded")
	})

	s.AddTool(mcpproto.NewTool(toolSaveProject,
		mcpproto.WithDescription("Save the open project to disk."),
		mcpproto.WithString("path", mcpproto.Description("Target path (optional, defaults to the project's own path).")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		params := map[string]any{}
		if path := getString(req.GetArguments(), "path", ""); path != "" {
			params["path"] = path
		}
		return forward(backend, "voxd.save_project", params, "project saved")
	})

	s.AddTool(mcpproto.NewTool(toolAddVoxel,
		mcpproto.WithDescription("Set one voxel in the active (or named) layer."),
		mcpproto.WithNumber("x", mcpproto.Required()),
		mcpproto.WithNumber("y", mcpproto.Required()),
		mcpproto.WithNumber("z", mcpproto.Required()),
		mcpproto.WithString("color", mcpproto.Description("Hex color #RRGGBB or #RRGGBBAA (default white).")),
		mcpproto.WithNumber("layer", mcpproto.Description("Layer id (default: active layer).")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		params := map[string]any{
			"x": getInt(args, "x", 0),
			"y": getInt(args, "y", 0),
			"z": getInt(args, "z", 0),
		}
		if c := getString(args, "color", ""); c != "" {
			params["color"] = c
		}
		if layer, ok := args["layer"]; ok {
			params["layer"] = layer
		}
		return forward(backend, "voxd.add_voxel", params, "voxel added")
	})

	s.AddTool(mcpproto.NewTool(toolFillRegion,
		mcpproto.WithDescription("Fill a box-shaped region of voxels with one color."),
		mcpproto.WithString("from", mcpproto.Required(), mcpproto.Description("Corner as \"x,y,z\".")),
		mcpproto.WithString("to", mcpproto.Required(), mcpproto.Description("Opposite corner as \"x,y,z\".")),
		mcpproto.WithString("color", mcpproto.Description("Hex color (default white).")),
		mcpproto.WithNumber("layer", mcpproto.Description("Layer id (default: active layer).")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		from, err := parseTriplet(getString(args, "from", ""))
		if err != nil {
			return errResult("from: " + err.Error()), nil
		}
		to, err := parseTriplet(getString(args, "to", ""))
		if err != nil {
			return errResult("to: " + err.Error()), nil
		}
		params := map[string]any{
			"region": map[string]any{"from": from, "to": to},
		}
		if c := getString(args, "color", ""); c != "" {
			params["color"] = c
		}
		if layer, ok := args["layer"]; ok {
			params["layer"] = layer
		}
		return forward(backend, "voxd.add_voxels", params, "region filled")
	})

	s.AddTool(mcpproto.NewTool(toolRemoveVoxel,
		mcpproto.WithDescription("Delete one voxel."),
		mcpproto.WithNumber("x", mcpproto.Required()),
		mcpproto.WithNumber("y", mcpproto.Required()),
		mcpproto.WithNumber("z", mcpproto.Required()),
		mcpproto.WithNumber("layer", mcpproto.Description("Layer id (default: active layer).")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		params := map[string]any{
			"x": getInt(args, "x", 0),
			"y": getInt(args, "y", 0),
			"z": getInt(args, "z", 0),
		}
		if layer, ok := args["layer"]; ok {
			params["layer"] = layer
		}
		return forward(backend, "voxd.remove_voxel", params, "voxel removed")
	})

	s.AddTool(mcpproto.NewTool(toolGetVoxel,
		mcpproto.WithDescription("Look a voxel up across visible layers, topmost first."),
		mcpproto.WithNumber("x", mcpproto.Required()),
		mcpproto.WithNumber("y", mcpproto.Required()),
		mcpproto.WithNumber("z", mcpproto.Required()),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		return forward(backend, "voxd.get_voxel", map[string]any{
			"x": getInt(args, "x", 0),
			"y": getInt(args, "y", 0),
			"z": getInt(args, "z", 0),
		}, "voxel found")
	})

	s.AddTool(mcpproto.NewTool(toolListLayers,
		mcpproto.WithDescription("List the layers of the open project."),
	), func(_ context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		return forward(backend, "voxd.list_layers", nil, "layers listed")
	})

	s.AddTool(mcpproto.NewTool(toolCreateLayer,
		mcpproto.WithDescription("Append a new empty layer."),
		mcpproto.WithString("name", mcpproto.Description("Layer name (optional).")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		params := map[string]any{}
		if name := getString(req.GetArguments(), "name", ""); name != "" {
			params["name"] = name
		}
		return forward(backend, "voxd.create_layer", params, "layer created")
	})

	s.AddTool(mcpproto.NewTool(toolSetLayer,
		mcpproto.WithDescription("Switch the editing target layer."),
		mcpproto.WithNumber("id", mcpproto.Required(), mcpproto.Description("Layer id.")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		if _, ok := args["id"]; !ok {
			return errResult("id is required"), nil
		}
		return forward(backend, "voxd.set_active_layer", map[string]any{
			"id": getInt(args, "id", 0),
		}, "active layer changed")
	})

	s.AddTool(mcpproto.NewTool(toolExportModel,
		mcpproto.WithDescription("Export the visible voxels to OBJ, PLY, or TXT."),
		mcpproto.WithString("path", mcpproto.Required(), mcpproto.Description("Output file path.")),
		mcpproto.WithString("format", mcpproto.Description("obj, ply, or txt (default: inferred from extension).")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		path := getString(args, "path", "")
		if path == "" {
			return errResult("path is required"), nil
		}
		params := map[string]any{"path": path}
		if f := getString(args, "format", ""); f != "" {
			params["format"] = f
		}
		return forward(backend, "voxd.export_model", params, "model exported")
	})

	s.AddTool(mcpproto.NewTool(toolAnalyzeColors,
		mcpproto.WithDescription("Quantized color histogram of the visible voxels."),
		mcpproto.WithNumber("limit", mcpproto.Description("Max buckets to return (default 8).")),
	), func(_ context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		params := map[string]any{}
		if limit := getInt(req.GetArguments(), "limit", 0); limit > 0 {
			params["limit"] = limit
		}
		return forward(backend, "voxd.analyze_colors", params, "colors analyzed")
	})

	s.AddTool(mcpproto.NewTool(toolStatus,
		mcpproto.WithDescription("Engine and daemon status snapshot."),
	), func(_ context.Context, _ mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		return forward(backend, "voxd.get_status", nil, "status fetched")
	})
}

// parseTriplet turns "x,y,z" into coordinate params.
func parseTriplet(s string) (map[string]any, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected \"x,y,z\", got %q", s)
	}
	out := map[string]any{}
	keys := []string{"x", "y", "z"}
	for i, p := range parts {
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(p), "%d", &n); err != nil {
			return nil, fmt.Errorf("bad coordinate %q", p)
		}
		out[keys[i]] = n
	}
	return out, nil
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getString(args map[string]any, key string, def string) string {
	if args == nil {
		return def
	}
	if v, ok := args[key].(string); ok {
		return v
	}
	return def
}

func getInt(args map[string]any, key string, def int) int {
	if args == nil {
		return def
	}
	v, ok := args[key].(float64)
	if !ok {
		return def
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return def
	}
	return int(v)
}

func getBool(args map[string]any, key string, def bool) bool {
	if args == nil {
		return def
	}
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}
