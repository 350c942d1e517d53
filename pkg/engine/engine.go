package engine

import (
	"fmt"
	"log"
	"math"
	"time"

	"github.com/voxforge/voxd/pkg/core"
	"github.com/voxforge/voxd/pkg/engine/native"
)

// Store persists project snapshots. Implemented by pkg/persistence.
type Store interface {
	Save(p *Project, path string) error
	Load(path string) (*Project, error)
	DefaultPath(name string) string
}

// Engine is the voxel editing core. It owns exactly one open project
// and is deliberately not safe for concurrent use: every entry point
// assumes the caller holds the engine gate (write side for mutations,
// read side for queries).
type Engine struct {
	cfg   core.EngineConfig
	store Store
	accel *native.Accelerator

	project *Project
	dirty   bool

	startedAt     time.Time
	voxelsAdded   uint64
	voxelsRemoved uint64
	mutations     uint64
}

// New creates an engine with no open project.
func New(cfg core.EngineConfig, store Store) *Engine {
	accel := native.Load(cfg.NativeLibrary)
	if accel != nil {
		log.Println("🧊 Native voxel ops library loaded")
	}
	return &Engine{
		cfg:       cfg,
		store:     store,
		accel:     accel,
		startedAt: time.Now(),
	}
}

// Dirty reports whether the open project has unsaved changes.
func (e *Engine) Dirty() bool { return e.dirty }

// Project returns the open project, or nil.
func (e *Engine) Project() *Project { return e.project }

func (e *Engine) requireProject() (*Project, error) {
	if e.project == nil {
		return nil, core.ErrNoProject
	}
	return e.project, nil
}

// CreateProject opens a fresh project. An already-open project is only
// replaced when force is set; unsaved changes are discarded in that case.
func (e *Engine) CreateProject(name string, force bool) (*Project, error) {
	if name == "" {
		name = "untitled"
	}
	if e.project != nil && !force {
		return nil, fmt.Errorf("%w: %s", core.ErrProjectExists, e.project.Name)
	}
	e.project = NewProject(name)
	e.dirty = false
	e.mutations++
	return e.project, nil
}

// LoadProject replaces the open project with a snapshot from disk.
func (e *Engine) LoadProject(path string) (*Project, error) {
	p, err := e.store.Load(path)
	if err != nil {
		return nil, err
	}
	p.Path = path
	p.RestoreLayerIDs()
	e.project = p
	e.dirty = false
	e.mutations++
	return p, nil
}

// SaveProject writes the open project to path. An empty path reuses the
// project's last path, falling back to the store's default location.
func (e *Engine) SaveProject(path string) (string, error) {
	p, err := e.requireProject()
	if err != nil {
		return "", err
	}
	if path == "" {
		path = p.Path
	}
	if path == "" {
		path = e.store.DefaultPath(p.Name)
	}
	if err := e.store.Save(p, path); err != nil {
		return "", err
	}
	p.Path = path
	e.dirty = false
	e.mutations++
	return path, nil
}

func (e *Engine) layerByID(p *Project, id *int) (*Layer, error) {
	if id == nil {
		if p.ActiveLayer < 0 || p.ActiveLayer >= len(p.Layers) {
			return nil, core.ErrLayerNotFound
		}
		return p.Layers[p.ActiveLayer], nil
	}
	for _, l := range p.Layers {
		if l.ID == *id {
			return l, nil
		}
	}
	return nil, fmt.Errorf("%w: id %d", core.ErrLayerNotFound, *id)
}

// AddVoxel sets one voxel on the given layer (nil = active layer).
func (e *Engine) AddVoxel(c Coord, color Color, layerID *int) error {
	p, err := e.requireProject()
	if err != nil {
		return err
	}
	if !c.Valid() {
		return fmt.Errorf("%w: (%d,%d,%d)", core.ErrInvalidCoordinates, c.X, c.Y, c.Z)
	}
	layer, err := e.layerByID(p, layerID)
	if err != nil {
		return err
	}
	layer.Voxels[c] = color
	p.touch()
	e.dirty = true
	e.voxelsAdded++
	e.mutations++
	return nil
}

// Region is an inclusive axis-aligned box.
type Region struct {
	From Coord `json:"from"`
	To   Coord `json:"to"`
}

// Volume returns the voxel count of the box, normalizing inverted
// axes. A box spanning the full coordinate range would overflow int64,
// so the product saturates at math.MaxInt64. Cap checks against the
// result stay valid either way.
func (r Region) Volume() int64 {
	dx := int64(abs32(r.To.X-r.From.X)) + 1
	dy := int64(abs32(r.To.Y-r.From.Y)) + 1
	dz := int64(abs32(r.To.Z-r.From.Z)) + 1
	if dx > math.MaxInt64/dy {
		return math.MaxInt64
	}
	area := dx * dy
	if area > math.MaxInt64/dz {
		return math.MaxInt64
	}
	return area * dz
}

func abs32(v int32) int32 {
	if v < 0 {
		return -v
	}
	return v
}

// VoxelSpec is one voxel in a bulk request, with an optional per-voxel
// color override.
type VoxelSpec struct {
	Coord
	Color string `json:"color,omitempty"`
}

// AddVoxels applies a bulk edit: an explicit voxel list, a filled
// region, or both. The total touched count is capped by configuration.
// Returns the number of voxels written.
func (e *Engine) AddVoxels(voxels []VoxelSpec, region *Region, defaultColor Color, layerID *int) (int, error) {
	p, err := e.requireProject()
	if err != nil {
		return 0, err
	}
	layer, err := e.layerByID(p, layerID)
	if err != nil {
		return 0, err
	}

	total := int64(len(voxels))
	if region != nil {
		if !region.From.Valid() || !region.To.Valid() {
			return 0, core.ErrInvalidCoordinates
		}
		vol := region.Volume()
		// Compare before adding: vol may be saturated and the sum
		// must not wrap past the cap check below.
		if vol > int64(e.cfg.MaxVoxelsPerOp)-total {
			return 0, fmt.Errorf("%w: region volume %d exceeds %d", core.ErrTooManyVoxels, vol, e.cfg.MaxVoxelsPerOp)
		}
		total += vol
	}
	if total > int64(e.cfg.MaxVoxelsPerOp) {
		return 0, fmt.Errorf("%w: %d > %d", core.ErrTooManyVoxels, total, e.cfg.MaxVoxelsPerOp)
	}

	written := 0
	for _, v := range voxels {
		if !v.Valid() {
			return written, fmt.Errorf("%w: (%d,%d,%d)", core.ErrInvalidCoordinates, v.X, v.Y, v.Z)
		}
		color := defaultColor
		if v.Color != "" {
			color, err = ParseColor(v.Color)
			if err != nil {
				return written, err
			}
		}
		layer.Voxels[v.Coord] = color
		written++
	}

	if region != nil {
		x0, x1 := ordered(region.From.X, region.To.X)
		y0, y1 := ordered(region.From.Y, region.To.Y)
		z0, z1 := ordered(region.From.Z, region.To.Z)
		for x := x0; x <= x1; x++ {
			for y := y0; y <= y1; y++ {
				for z := z0; z <= z1; z++ {
					layer.Voxels[Coord{X: x, Y: y, Z: z}] = defaultColor
					written++
				}
			}
		}
	}

	if written > 0 {
		p.touch()
		e.dirty = true
		e.voxelsAdded += uint64(written)
	}
	e.mutations++
	return written, nil
}

func ordered(a, b int32) (int32, int32) {
	if a > b {
		return b, a
	}
	return a, b
}

// RemoveVoxel deletes one voxel from the given layer (nil = active).
func (e *Engine) RemoveVoxel(c Coord, layerID *int) error {
	p, err := e.requireProject()
	if err != nil {
		return err
	}
	layer, err := e.layerByID(p, layerID)
	if err != nil {
		return err
	}
	if _, ok := layer.Voxels[c]; !ok {
		return fmt.Errorf("%w: (%d,%d,%d)", core.ErrVoxelNotFound, c.X, c.Y, c.Z)
	}
	delete(layer.Voxels, c)
	p.touch()
	e.dirty = true
	e.voxelsRemoved++
	e.mutations++
	return nil
}

// VoxelHit describes a found voxel and the layer that holds it.
type VoxelHit struct {
	Coord Coord  `json:"coord"`
	Color string `json:"color"`
	Layer int    `json:"layer"`
}

// GetVoxel looks the coordinate up across layers, topmost first.
func (e *Engine) GetVoxel(c Coord) (*VoxelHit, error) {
	p, err := e.requireProject()
	if err != nil {
		return nil, err
	}
	if !c.Valid() {
		return nil, core.ErrInvalidCoordinates
	}
	for i := len(p.Layers) - 1; i >= 0; i-- {
		l := p.Layers[i]
		if !l.Visible {
			continue
		}
		if color, ok := l.Voxels[c]; ok {
			return &VoxelHit{Coord: c, Color: color.Hex(), Layer: l.ID}, nil
		}
	}
	return nil, fmt.Errorf("%w: (%d,%d,%d)", core.ErrVoxelNotFound, c.X, c.Y, c.Z)
}

// ListLayers returns wire descriptors for all layers.
func (e *Engine) ListLayers() ([]LayerInfo, error) {
	p, err := e.requireProject()
	if err != nil {
		return nil, err
	}
	infos := make([]LayerInfo, 0, len(p.Layers))
	for i, l := range p.Layers {
		infos = append(infos, LayerInfo{
			ID:         l.ID,
			Name:       l.Name,
			Visible:    l.Visible,
			VoxelCount: len(l.Voxels),
			Active:     i == p.ActiveLayer,
		})
	}
	return infos, nil
}

// CreateLayer appends a new empty layer and returns its descriptor.
func (e *Engine) CreateLayer(name string) (*LayerInfo, error) {
	p, err := e.requireProject()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = fmt.Sprintf("layer %d", len(p.Layers)+1)
	}
	l := NewLayer(p.allocLayerID(), name)
	p.Layers = append(p.Layers, l)
	p.touch()
	e.dirty = true
	e.mutations++
	return &LayerInfo{ID: l.ID, Name: l.Name, Visible: true}, nil
}

// SetActiveLayer switches the editing target layer by id.
func (e *Engine) SetActiveLayer(id int) error {
	p, err := e.requireProject()
	if err != nil {
		return err
	}
	for i, l := range p.Layers {
		if l.ID == id {
			p.ActiveLayer = i
			e.mutations++
			return nil
		}
	}
	return fmt.Errorf("%w: id %d", core.ErrLayerNotFound, id)
}

// Status returns an engine status snapshot.
func (e *Engine) Status() map[string]any {
	status := map[string]any{
		"uptime_seconds": int64(time.Since(e.startedAt).Seconds()),
		"mutations":      e.mutations,
		"voxels_added":   e.voxelsAdded,
		"voxels_removed": e.voxelsRemoved,
		"native_ops":     e.accel != nil,
		"project_open":   e.project != nil,
	}
	if e.project != nil {
		status["project"] = map[string]any{
			"name":        e.project.Name,
			"path":        e.project.Path,
			"layers":      len(e.project.Layers),
			"voxel_count": e.project.VoxelCount(),
			"dirty":       e.dirty,
			"modified_at": e.project.ModifiedAt,
		}
	}
	return status
}

// DefaultSavePath is where SaveProject would write the open project
// absent an explicit path.
func (e *Engine) DefaultSavePath() string {
	if e.project == nil {
		return ""
	}
	if e.project.Path != "" {
		return e.project.Path
	}
	return e.store.DefaultPath(e.project.Name)
}
