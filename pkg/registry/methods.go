package registry

import (
	"encoding/json"
	"fmt"

	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/engine"
	"github.com/voxforge/voxd/pkg/protocol"
)

// HandlerFunc executes a method against the engine. The dispatcher
// guarantees the engine gate is held appropriately for the method's
// access class before the handler runs.
type HandlerFunc func(e *engine.Engine, params json.RawMessage) (any, error)

// decodeParams unmarshals params into v, mapping JSON errors to an
// invalid-params wire error. Absent params leave v at its zero value.
func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &protocol.ErrorObject{
			Code:    protocol.CodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		}
	}
	return nil
}

func invalidParams(format string, args ...any) error {
	return &protocol.ErrorObject{
		Code:    protocol.CodeInvalidParams,
		Message: fmt.Sprintf("invalid params: "+format, args...),
	}
}

type coordParams struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

func (c coordParams) coord() engine.Coord {
	return engine.Coord{X: c.X, Y: c.Y, Z: c.Z}
}

// parseColorParam resolves an optional color string, defaulting to
// opaque white like an empty brush.
func parseColorParam(s string) (engine.Color, error) {
	if s == "" {
		return engine.Color{R: 255, G: 255, B: 255, A: 255}, nil
	}
	return engine.ParseColor(s)
}

// Build registers the full method surface. daemonStatus supplies
// transport-level counters merged into status responses.
func Build(r *Registry, daemonStatus func() map[string]any) error {
	methods := []*Method{
		{
			Name:    "voxd.create_project",
			Access:  AccessMutation,
			Summary: "Create a new project with one default layer",
			Params:  "name?: string, force?: bool",
			Handler: handleCreateProject,
		},
		{
			Name:    "voxd.load_project",
			Access:  AccessMutation,
			Summary: "Replace the open project with a snapshot from disk",
			Params:  "path: string",
			Handler: handleLoadProject,
		},
		{
			Name:    "voxd.save_project",
			Access:  AccessMutation,
			Summary: "Write the open project to disk",
			Params:  "path?: string",
			Handler: handleSaveProject,
		},
		{
			Name:    "voxd.add_voxel",
			Access:  AccessMutation,
			Summary: "Set one voxel",
			Params:  "x, y, z: int, color?: \"#RRGGBB[AA]\", layer?: int",
			Handler: handleAddVoxel,
		},
		{
			Name:    "voxd.add_voxels",
			Access:  AccessMutation,
			Summary: "Bulk voxel edit: explicit list and/or region fill",
			Params:  "voxels?: [{x,y,z,color?}], region?: {from,to}, color?: string, layer?: int",
			Handler: handleAddVoxels,
		},
		{
			Name:    "voxd.remove_voxel",
			Access:  AccessMutation,
			Summary: "Delete one voxel",
			Params:  "x, y, z: int, layer?: int",
			Handler: handleRemoveVoxel,
		},
		{
			Name:    "voxd.get_voxel",
			Access:  AccessQuery,
			Summary: "Look a voxel up across visible layers",
			Params:  "x, y, z: int",
			Handler: handleGetVoxel,
		},
		{
			Name:    "voxd.list_layers",
			Access:  AccessQuery,
			Summary: "List layer descriptors",
			Handler: handleListLayers,
		},
		{
			Name:    "voxd.create_layer",
			Access:  AccessMutation,
			Summary: "Append a new empty layer",
			Params:  "name?: string",
			Handler: handleCreateLayer,
		},
		{
			Name:    "voxd.set_active_layer",
			Access:  AccessMutation,
			Summary: "Switch the editing target layer",
			Params:  "id: int",
			Handler: handleSetActiveLayer,
		},
		{
			Name:    "voxd.export_model",
			Access:  AccessQuery,
			Summary: "Export visible voxels to OBJ, PLY, or TXT",
			Params:  "path: string, format?: obj|ply|txt",
			Handler: handleExportModel,
		},
		{
			Name:    "voxd.analyze_colors",
			Access:  AccessQuery,
			Summary: "Quantized color histogram of the visible voxels",
			Params:  "limit?: int",
			Handler: handleAnalyzeColors,
		},
		{
			Name:    "voxd.get_status",
			Access:  AccessQuery,
			Summary: "Engine and daemon status snapshot",
			Handler: statusHandler(daemonStatus),
		},

		// Diagnostics
		{
			Name:    "ping",
			Access:  AccessQuery,
			Summary: "Liveness probe",
			Handler: func(_ *engine.Engine, _ json.RawMessage) (any, error) {
				return "pong", nil
			},
		},
		{
			Name:    "echo",
			Access:  AccessQuery,
			Summary: "Echo the params back",
			Handler: handleEcho,
		},
		{
			Name:    "version",
			Access:  AccessQuery,
			Summary: "Daemon version information",
			Handler: func(_ *engine.Engine, _ json.RawMessage) (any, error) {
				return map[string]any{
					"name":     core.Name,
					"version":  core.Version,
					"protocol": core.ProtocolVersion,
				}, nil
			},
		},
		{
			Name:    "status",
			Access:  AccessQuery,
			Summary: "Alias of voxd.get_status",
			Handler: statusHandler(daemonStatus),
		},
		{
			Name:    "list_methods",
			Access:  AccessQuery,
			Summary: "Describe all registered methods",
			Handler: func(_ *engine.Engine, _ json.RawMessage) (any, error) {
				return r.List(), nil
			},
		},
	}

	for _, m := range methods {
		if err := r.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func handleCreateProject(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		Name  string `json:"name"`
		Force bool   `json:"force"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	proj, err := e.CreateProject(p.Name, p.Force)
	if err != nil {
		return nil, err
	}
	return map[string]any{"name": proj.Name, "layers": len(proj.Layers)}, nil
}

func handleLoadProject(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, invalidParams("path is required")
	}
	proj, err := e.LoadProject(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"name":        proj.Name,
		"layers":      len(proj.Layers),
		"voxel_count": proj.VoxelCount(),
	}, nil
}

func handleSaveProject(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		Path string `json:"path"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	path, err := e.SaveProject(p.Path)
	if err != nil {
		return nil, err
	}
	return map[string]any{"path": path}, nil
}

func handleAddVoxel(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		coordParams
		Color string `json:"color"`
		Layer *int   `json:"layer"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	color, err := parseColorParam(p.Color)
	if err != nil {
		return nil, err
	}
	if err := e.AddVoxel(p.coord(), color, p.Layer); err != nil {
		return nil, err
	}
	return map[string]any{"added": true}, nil
}

func handleAddVoxels(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		Voxels []engine.VoxelSpec `json:"voxels"`
		Region *engine.Region     `json:"region"`
		Color  string             `json:"color"`
		Layer  *int               `json:"layer"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if len(p.Voxels) == 0 && p.Region == nil {
		return nil, invalidParams("voxels or region is required")
	}
	color, err := parseColorParam(p.Color)
	if err != nil {
		return nil, err
	}
	n, err := e.AddVoxels(p.Voxels, p.Region, color, p.Layer)
	if err != nil {
		return nil, err
	}
	return map[string]any{"added": n}, nil
}

func handleRemoveVoxel(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		coordParams
		Layer *int `json:"layer"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if err := e.RemoveVoxel(p.coord(), p.Layer); err != nil {
		return nil, err
	}
	return map[string]any{"removed": true}, nil
}

func handleGetVoxel(e *engine.Engine, params json.RawMessage) (any, error) {
	var p coordParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return e.GetVoxel(p.coord())
}

func handleListLayers(e *engine.Engine, _ json.RawMessage) (any, error) {
	return e.ListLayers()
}

func handleCreateLayer(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		Name string `json:"name"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return e.CreateLayer(p.Name)
}

func handleSetActiveLayer(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		ID *int `json:"id"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.ID == nil {
		return nil, invalidParams("id is required")
	}
	if err := e.SetActiveLayer(*p.ID); err != nil {
		return nil, err
	}
	return map[string]any{"active": *p.ID}, nil
}

func handleExportModel(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		Path   string `json:"path"`
		Format string `json:"format"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, invalidParams("path is required")
	}
	return e.ExportModel(p.Path, p.Format)
}

func handleAnalyzeColors(e *engine.Engine, params json.RawMessage) (any, error) {
	var p struct {
		Limit int `json:"limit"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	return e.AnalyzeColors(p.Limit)
}

func handleEcho(_ *engine.Engine, params json.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return nil, invalidParams("%v", err)
	}
	return v, nil
}

func statusHandler(daemonStatus func() map[string]any) HandlerFunc {
	return func(e *engine.Engine, _ json.RawMessage) (any, error) {
		status := e.Status()
		if daemonStatus != nil {
			status["daemon"] = daemonStatus()
		}
		return status, nil
	}
}
