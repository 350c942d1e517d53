package native

import "testing"

func TestBucketIndex(t *testing.T) {
	cases := []struct {
		packed uint32
		bucket int
	}{
		{0x00000000, 0},
		{0xffffffff, 4095},
		{0xff0000ff, 0xf00}, // pure red
		{0x00ff00ff, 0x0f0}, // pure green
		{0x0000ffff, 0x00f}, // pure blue
	}
	for _, tc := range cases {
		if got := BucketIndex(tc.packed); got != tc.bucket {
			t.Errorf("BucketIndex(%08x) = %03x, want %03x", tc.packed, got, tc.bucket)
		}
	}
}

func TestHistogramGeneric(t *testing.T) {
	packed := []uint32{0xff0000ff, 0xff0000ff, 0x00ff00ff}

	bins := HistogramGeneric(packed)

	if len(bins) != HistogramBins {
		t.Fatalf("Expected %d bins, got %d", HistogramBins, len(bins))
	}
	if bins[0xf00] != 2 {
		t.Errorf("Expected 2 red voxels, got %d", bins[0xf00])
	}
	if bins[0x0f0] != 1 {
		t.Errorf("Expected 1 green voxel, got %d", bins[0x0f0])
	}

	total := uint32(0)
	for _, c := range bins {
		total += c
	}
	if total != 3 {
		t.Errorf("Bin counts should sum to input length, got %d", total)
	}
}

func TestHistogramGenericEmpty(t *testing.T) {
	bins := HistogramGeneric(nil)
	for i, c := range bins {
		if c != 0 {
			t.Fatalf("Empty input produced count at bin %d", i)
		}
	}
}

func TestLoadMissingLibrary(t *testing.T) {
	// An explicit path that does not exist must degrade to nil, never panic.
	accel := Load("/nonexistent/libvoxops.so")
	if accel != nil && !IsLibraryAvailable() {
		t.Error("Load should return nil when the library is absent")
	}
}
