package engine

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/voxforge/voxd/pkg/core"
)

// Export formats.
const (
	FormatOBJ = "obj"
	FormatPLY = "ply"
	FormatTXT = "txt"
)

// ExportResult reports what an export wrote.
type ExportResult struct {
	Path       string `json:"path"`
	Format     string `json:"format"`
	VoxelCount int    `json:"voxelCount"`
}

// ExportModel writes the visible voxels of the open project to path in
// the given format. An empty format is inferred from the file extension.
// Export reads project state but never mutates it.
func (e *Engine) ExportModel(path, format string) (*ExportResult, error) {
	p, err := e.requireProject()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, fmt.Errorf("%w: export path required", core.ErrUnsupportedFormat)
	}
	path = filepath.Clean(path)

	if format == "" {
		format = strings.TrimPrefix(filepath.Ext(path), ".")
	}
	format = strings.ToLower(format)

	voxels := collectVisible(p)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating export file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	switch format {
	case FormatOBJ:
		err = writeOBJ(w, p.Name, voxels)
	case FormatPLY:
		err = writePLY(w, voxels)
	case FormatTXT:
		err = writeTXT(w, voxels)
	default:
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("flushing export file: %w", err)
	}

	return &ExportResult{Path: path, Format: format, VoxelCount: len(voxels)}, nil
}

type exportVoxel struct {
	Coord
	Color Color
}

// collectVisible flattens visible layers topmost-first so upper layers
// win coordinate collisions, then sorts for deterministic output.
func collectVisible(p *Project) []exportVoxel {
	seen := make(map[Coord]Color)
	for i := len(p.Layers) - 1; i >= 0; i-- {
		l := p.Layers[i]
		if !l.Visible {
			continue
		}
		for c, color := range l.Voxels {
			if _, ok := seen[c]; !ok {
				seen[c] = color
			}
		}
	}

	out := make([]exportVoxel, 0, len(seen))
	for c, color := range seen {
		out = append(out, exportVoxel{Coord: c, Color: color})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.Y != b.Y {
			return a.Y < b.Y
		}
		return a.X < b.X
	})
	return out
}

// cubeCorners are the 8 unit-cube vertex offsets in OBJ winding order.
var cubeCorners = [8][3]int32{
	{0, 0, 0}, {1, 0, 0}, {1, 1, 0}, {0, 1, 0},
	{0, 0, 1}, {1, 0, 1}, {1, 1, 1}, {0, 1, 1},
}

// cubeFaces index cubeCorners as quads, outward-facing.
var cubeFaces = [6][4]int{
	{0, 3, 2, 1}, // -z
	{4, 5, 6, 7}, // +z
	{0, 1, 5, 4}, // -y
	{2, 3, 7, 6}, // +y
	{0, 4, 7, 3}, // -x
	{1, 2, 6, 5}, // +x
}

func writeOBJ(w *bufio.Writer, name string, voxels []exportVoxel) error {
	fmt.Fprintf(w, "# exported by %s %s\n", core.Name, core.Version)
	fmt.Fprintf(w, "o %s\n", sanitizeOBJName(name))

	for _, v := range voxels {
		for _, corner := range cubeCorners {
			fmt.Fprintf(w, "v %d %d %d %.4f %.4f %.4f\n",
				v.X+corner[0], v.Y+corner[1], v.Z+corner[2],
				float64(v.Color.R)/255, float64(v.Color.G)/255, float64(v.Color.B)/255)
		}
	}
	for i := range voxels {
		base := i*8 + 1
		for _, face := range cubeFaces {
			fmt.Fprintf(w, "f %d %d %d %d\n",
				base+face[0], base+face[1], base+face[2], base+face[3])
		}
	}
	return nil
}

func sanitizeOBJName(name string) string {
	name = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return '_'
		}
		return r
	}, name)
	if name == "" {
		name = "model"
	}
	return name
}

func writePLY(w *bufio.Writer, voxels []exportVoxel) error {
	fmt.Fprintln(w, "ply")
	fmt.Fprintln(w, "format ascii 1.0")
	fmt.Fprintf(w, "comment exported by %s %s\n", core.Name, core.Version)
	fmt.Fprintf(w, "element vertex %d\n", len(voxels))
	fmt.Fprintln(w, "property int x")
	fmt.Fprintln(w, "property int y")
	fmt.Fprintln(w, "property int z")
	fmt.Fprintln(w, "property uchar red")
	fmt.Fprintln(w, "property uchar green")
	fmt.Fprintln(w, "property uchar blue")
	fmt.Fprintln(w, "end_header")
	for _, v := range voxels {
		fmt.Fprintf(w, "%d %d %d %d %d %d\n", v.X, v.Y, v.Z, v.Color.R, v.Color.G, v.Color.B)
	}
	return nil
}

// writeTXT emits the plain "x y z RRGGBB" interchange format.
func writeTXT(w *bufio.Writer, voxels []exportVoxel) error {
	fmt.Fprintln(w, "# x y z rrggbb")
	for _, v := range voxels {
		fmt.Fprintf(w, "%d %d %d %02x%02x%02x\n", v.X, v.Y, v.Z, v.Color.R, v.Color.G, v.Color.B)
	}
	return nil
}
