package engine

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/voxforge/voxd/pkg/core"
)

type stubStore struct {
	saved  map[string]*Project
	failOn string
}

func newStubStore() *stubStore {
	return &stubStore{saved: make(map[string]*Project)}
}

func (s *stubStore) Save(p *Project, path string) error {
	if path == s.failOn {
		return fmt.Errorf("disk full")
	}
	s.saved[path] = p
	return nil
}

func (s *stubStore) Load(path string) (*Project, error) {
	p, ok := s.saved[path]
	if !ok {
		return nil, core.ErrSnapshotCorrupt
	}
	return p, nil
}

func (s *stubStore) DefaultPath(name string) string {
	return "/data/" + name + ".vxp"
}

func setupTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := core.DefaultConfig().Engine
	cfg.MaxVoxelsPerOp = 1000
	return New(cfg, newStubStore())
}

func TestCreateProject(t *testing.T) {
	e := setupTestEngine(t)

	p, err := e.CreateProject("castle", false)
	if err != nil {
		t.Fatalf("CreateProject failed: %v", err)
	}
	if p.Name != "castle" {
		t.Errorf("Unexpected name: %s", p.Name)
	}
	if len(p.Layers) != 1 {
		t.Errorf("New project should have one default layer, got %d", len(p.Layers))
	}
	if e.Dirty() {
		t.Error("Fresh project should not be dirty")
	}
}

func TestCreateProjectConflict(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("first", false)

	_, err := e.CreateProject("second", false)
	if !errors.Is(err, core.ErrProjectExists) {
		t.Errorf("Expected ErrProjectExists, got %v", err)
	}

	p, err := e.CreateProject("second", true)
	if err != nil || p.Name != "second" {
		t.Errorf("Force create should replace: %v", err)
	}
}

func TestOperationsRequireProject(t *testing.T) {
	e := setupTestEngine(t)

	if err := e.AddVoxel(Coord{}, Color{}, nil); !errors.Is(err, core.ErrNoProject) {
		t.Errorf("AddVoxel without project: %v", err)
	}
	if _, err := e.GetVoxel(Coord{}); !errors.Is(err, core.ErrNoProject) {
		t.Errorf("GetVoxel without project: %v", err)
	}
	if _, err := e.ListLayers(); !errors.Is(err, core.ErrNoProject) {
		t.Errorf("ListLayers without project: %v", err)
	}
	if _, err := e.SaveProject(""); !errors.Is(err, core.ErrNoProject) {
		t.Errorf("SaveProject without project: %v", err)
	}
}

func TestAddAndGetVoxel(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	red, _ := ParseColor("#ff0000")
	if err := e.AddVoxel(Coord{X: 1, Y: 2, Z: 3}, red, nil); err != nil {
		t.Fatalf("AddVoxel failed: %v", err)
	}

	hit, err := e.GetVoxel(Coord{X: 1, Y: 2, Z: 3})
	if err != nil {
		t.Fatalf("GetVoxel failed: %v", err)
	}
	if hit.Color != "#ff0000" {
		t.Errorf("Unexpected color: %s", hit.Color)
	}
	if !e.Dirty() {
		t.Error("Mutation should mark project dirty")
	}
}

func TestGetVoxelNotFound(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	_, err := e.GetVoxel(Coord{X: 9, Y: 9, Z: 9})
	if !errors.Is(err, core.ErrVoxelNotFound) {
		t.Errorf("Expected ErrVoxelNotFound, got %v", err)
	}
}

func TestAddVoxelOutOfRange(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	err := e.AddVoxel(Coord{X: CoordLimit + 1}, Color{}, nil)
	if !errors.Is(err, core.ErrInvalidCoordinates) {
		t.Errorf("Expected ErrInvalidCoordinates, got %v", err)
	}
}

func TestRemoveVoxel(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	c := Coord{X: 1}
	e.AddVoxel(c, Color{R: 255, A: 255}, nil)

	if err := e.RemoveVoxel(c, nil); err != nil {
		t.Fatalf("RemoveVoxel failed: %v", err)
	}
	if err := e.RemoveVoxel(c, nil); !errors.Is(err, core.ErrVoxelNotFound) {
		t.Errorf("Removing absent voxel: %v", err)
	}
}

func TestLayers(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	info, err := e.CreateLayer("details")
	if err != nil {
		t.Fatalf("CreateLayer failed: %v", err)
	}

	layers, _ := e.ListLayers()
	if len(layers) != 2 {
		t.Fatalf("Expected 2 layers, got %d", len(layers))
	}
	if !layers[0].Active || layers[1].Active {
		t.Error("First layer should still be active")
	}

	if err := e.SetActiveLayer(info.ID); err != nil {
		t.Fatalf("SetActiveLayer failed: %v", err)
	}
	layers, _ = e.ListLayers()
	if !layers[1].Active {
		t.Error("Second layer should be active after switch")
	}

	if err := e.SetActiveLayer(999); !errors.Is(err, core.ErrLayerNotFound) {
		t.Errorf("Expected ErrLayerNotFound, got %v", err)
	}
}

func TestAddVoxelToNamedLayer(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)
	info, _ := e.CreateLayer("top")

	c := Coord{X: 5}
	if err := e.AddVoxel(c, Color{A: 255}, &info.ID); err != nil {
		t.Fatalf("AddVoxel to layer failed: %v", err)
	}

	hit, err := e.GetVoxel(c)
	if err != nil {
		t.Fatalf("GetVoxel failed: %v", err)
	}
	if hit.Layer != info.ID {
		t.Errorf("Expected layer %d, got %d", info.ID, hit.Layer)
	}

	bogus := 12345
	if err := e.AddVoxel(c, Color{}, &bogus); !errors.Is(err, core.ErrLayerNotFound) {
		t.Errorf("Expected ErrLayerNotFound, got %v", err)
	}
}

func TestGetVoxelSkipsHiddenLayers(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)
	info, _ := e.CreateLayer("hidden")
	e.AddVoxel(Coord{X: 1}, Color{R: 255, A: 255}, &info.ID)

	p := e.Project()
	p.Layers[1].Visible = false

	_, err := e.GetVoxel(Coord{X: 1})
	if !errors.Is(err, core.ErrVoxelNotFound) {
		t.Errorf("Hidden layer voxels should not be found: %v", err)
	}
}

func TestAddVoxelsBulk(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	white, _ := ParseColor("#ffffff")
	voxels := []VoxelSpec{
		{Coord: Coord{X: 0}},
		{Coord: Coord{X: 1}, Color: "#00ff00"},
	}

	n, err := e.AddVoxels(voxels, nil, white, nil)
	if err != nil {
		t.Fatalf("AddVoxels failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 written, got %d", n)
	}

	hit, _ := e.GetVoxel(Coord{X: 1})
	if hit.Color != "#00ff00" {
		t.Errorf("Per-voxel color override lost: %s", hit.Color)
	}
}

func TestAddVoxelsRegionFill(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	blue, _ := ParseColor("#0000ff")
	region := &Region{From: Coord{X: 2, Y: 2, Z: 2}, To: Coord{X: 0, Y: 0, Z: 0}}

	n, err := e.AddVoxels(nil, region, blue, nil)
	if err != nil {
		t.Fatalf("Region fill failed: %v", err)
	}
	if n != 27 {
		t.Errorf("Expected 27 voxels (3x3x3), got %d", n)
	}
	if e.Project().VoxelCount() != 27 {
		t.Errorf("Project should hold 27 voxels, got %d", e.Project().VoxelCount())
	}
}

func TestAddVoxelsExceedsCap(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	region := &Region{From: Coord{}, To: Coord{X: 99, Y: 99, Z: 99}}
	_, err := e.AddVoxels(nil, region, Color{}, nil)
	if !errors.Is(err, core.ErrTooManyVoxels) {
		t.Errorf("Expected ErrTooManyVoxels, got %v", err)
	}
}

func TestAddVoxelsFullRangeRegionRejected(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("p", false)

	// Every extent at its maximum: the raw product of the three extents
	// does not fit in int64, so Volume must saturate, not wrap negative
	// past the cap check.
	full := &Region{
		From: Coord{X: -CoordLimit, Y: -CoordLimit, Z: -CoordLimit},
		To:   Coord{X: CoordLimit, Y: CoordLimit, Z: CoordLimit},
	}
	if v := full.Volume(); v <= 0 {
		t.Fatalf("Volume wrapped negative: %d", v)
	}

	_, err := e.AddVoxels(nil, full, Color{A: 255}, nil)
	if !errors.Is(err, core.ErrTooManyVoxels) {
		t.Errorf("Expected ErrTooManyVoxels, got %v", err)
	}
}

func TestRegionVolumeSaturates(t *testing.T) {
	cases := []struct {
		region Region
		want   int64
	}{
		{Region{From: Coord{}, To: Coord{}}, 1},
		{Region{From: Coord{X: 2, Y: 2, Z: 2}, To: Coord{}}, 27},
		{Region{
			From: Coord{X: -CoordLimit, Y: -CoordLimit, Z: -CoordLimit},
			To:   Coord{X: CoordLimit, Y: CoordLimit, Z: CoordLimit},
		}, math.MaxInt64},
	}
	for i, c := range cases {
		if got := c.region.Volume(); got != c.want {
			t.Errorf("Case %d: expected %d, got %d", i, c.want, got)
		}
	}
}

func TestSaveAndLoadProject(t *testing.T) {
	e := setupTestEngine(t)
	e.CreateProject("keep", false)
	e.AddVoxel(Coord{X: 1}, Color{R: 9, A: 255}, nil)

	path, err := e.SaveProject("")
	if err != nil {
		t.Fatalf("SaveProject failed: %v", err)
	}
	if path != "/data/keep.vxp" {
		t.Errorf("Expected default path, got %s", path)
	}
	if e.Dirty() {
		t.Error("Save should clear the dirty flag")
	}

	p, err := e.LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject failed: %v", err)
	}
	if p.Name != "keep" {
		t.Errorf("Unexpected loaded project: %s", p.Name)
	}
}

func TestLoadProjectMissing(t *testing.T) {
	e := setupTestEngine(t)

	_, err := e.LoadProject("/nope.vxp")
	if err == nil {
		t.Error("Expected load error")
	}
}

func TestStatus(t *testing.T) {
	e := setupTestEngine(t)

	status := e.Status()
	if status["project_open"].(bool) {
		t.Error("No project should be open")
	}

	e.CreateProject("s", false)
	e.AddVoxel(Coord{}, Color{A: 255}, nil)

	status = e.Status()
	proj := status["project"].(map[string]any)
	if proj["voxel_count"].(int) != 1 {
		t.Errorf("Expected 1 voxel in status, got %v", proj["voxel_count"])
	}
	if !proj["dirty"].(bool) {
		t.Error("Status should report dirty project")
	}
}

func TestParseColor(t *testing.T) {
	cases := []struct {
		in   string
		want Color
		ok   bool
	}{
		{"#ff0000", Color{255, 0, 0, 255}, true},
		{"00ff00", Color{0, 255, 0, 255}, true},
		{"#12345678", Color{0x12, 0x34, 0x56, 0x78}, true},
		{"#FFAA00", Color{255, 170, 0, 255}, true},
		{"", Color{}, false},
		{"#ff00", Color{}, false},
		{"#gg0000", Color{}, false},
	}
	for _, tc := range cases {
		got, err := ParseColor(tc.in)
		if tc.ok && (err != nil || got != tc.want) {
			t.Errorf("ParseColor(%q) = %v, %v", tc.in, got, err)
		}
		if !tc.ok && !errors.Is(err, core.ErrInvalidColor) {
			t.Errorf("ParseColor(%q) should fail with ErrInvalidColor, got %v", tc.in, err)
		}
	}
}

func TestColorHexRoundTrip(t *testing.T) {
	c := Color{R: 1, G: 2, B: 3, A: 255}
	if c.Hex() != "#010203" {
		t.Errorf("Unexpected hex: %s", c.Hex())
	}
	translucent := Color{R: 1, G: 2, B: 3, A: 128}
	if translucent.Hex() != "#01020380" {
		t.Errorf("Unexpected hex: %s", translucent.Hex())
	}
}
