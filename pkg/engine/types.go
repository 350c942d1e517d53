package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/voxforge/voxd/pkg/core"
)

// CoordLimit bounds voxel coordinates to ±2^20 per axis.
const CoordLimit = 1 << 20

// Coord addresses a single voxel cell.
type Coord struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
	Z int32 `json:"z"`
}

// Valid reports whether all axes are within CoordLimit.
func (c Coord) Valid() bool {
	return c.X >= -CoordLimit && c.X <= CoordLimit &&
		c.Y >= -CoordLimit && c.Y <= CoordLimit &&
		c.Z >= -CoordLimit && c.Z <= CoordLimit
}

// Color is an RGBA voxel color.
type Color struct {
	R uint8 `json:"r"`
	G uint8 `json:"g"`
	B uint8 `json:"b"`
	A uint8 `json:"a"`
}

// ParseColor decodes "#RRGGBB" or "#RRGGBBAA" hex notation. The leading
// hash is optional. Alpha defaults to 255.
func ParseColor(s string) (Color, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) != 6 && len(s) != 8 {
		return Color{}, fmt.Errorf("%w: %q", core.ErrInvalidColor, s)
	}

	var raw [4]uint8
	raw[3] = 255
	for i := 0; i < len(s)/2; i++ {
		hi, ok1 := hexNibble(s[i*2])
		lo, ok2 := hexNibble(s[i*2+1])
		if !ok1 || !ok2 {
			return Color{}, fmt.Errorf("%w: %q", core.ErrInvalidColor, s)
		}
		raw[i] = hi<<4 | lo
	}
	return Color{R: raw[0], G: raw[1], B: raw[2], A: raw[3]}, nil
}

func hexNibble(c byte) (uint8, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// Hex renders the color as "#RRGGBB" or "#RRGGBBAA" when translucent.
func (c Color) Hex() string {
	if c.A == 255 {
		return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
	}
	return fmt.Sprintf("#%02x%02x%02x%02x", c.R, c.G, c.B, c.A)
}

// Packed returns the color as a single 0xRRGGBBAA word.
func (c Color) Packed() uint32 {
	return uint32(c.R)<<24 | uint32(c.G)<<16 | uint32(c.B)<<8 | uint32(c.A)
}

// Layer is one voxel layer of a project.
type Layer struct {
	ID      int             `json:"id"`
	Name    string          `json:"name"`
	Visible bool            `json:"visible"`
	Voxels  map[Coord]Color `json:"-"`
}

// NewLayer creates an empty visible layer.
func NewLayer(id int, name string) *Layer {
	return &Layer{
		ID:      id,
		Name:    name,
		Visible: true,
		Voxels:  make(map[Coord]Color),
	}
}

// LayerInfo is the wire descriptor of a layer.
type LayerInfo struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Visible    bool   `json:"visible"`
	VoxelCount int    `json:"voxelCount"`
	Active     bool   `json:"active"`
}

// Project is the in-memory editing state. It is not safe for concurrent
// use; callers serialize access through the engine gate.
type Project struct {
	Name        string    `json:"name"`
	Path        string    `json:"path,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	ModifiedAt  time.Time `json:"modifiedAt"`
	Layers      []*Layer  `json:"-"`
	ActiveLayer int       `json:"activeLayer"`

	nextLayerID int
}

// NewProject creates a project with one default layer.
func NewProject(name string) *Project {
	now := time.Now().UTC()
	p := &Project{
		Name:        name,
		CreatedAt:   now,
		ModifiedAt:  now,
		nextLayerID: 1,
	}
	p.Layers = []*Layer{NewLayer(p.allocLayerID(), "layer 1")}
	return p
}

func (p *Project) allocLayerID() int {
	id := p.nextLayerID
	p.nextLayerID++
	return id
}

// RestoreLayerIDs resets the id allocator after loading a snapshot.
func (p *Project) RestoreLayerIDs() {
	max := 0
	for _, l := range p.Layers {
		if l.ID > max {
			max = l.ID
		}
	}
	p.nextLayerID = max + 1
}

// VoxelCount sums voxels across all layers.
func (p *Project) VoxelCount() int {
	n := 0
	for _, l := range p.Layers {
		n += len(l.Voxels)
	}
	return n
}

func (p *Project) touch() {
	p.ModifiedAt = time.Now().UTC()
}
