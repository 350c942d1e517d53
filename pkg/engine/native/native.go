// Optional accelerated voxel ops via a dynamically loaded shared
// library (no cgo). Every operation has a pure-Go fallback.
package native

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/klauspost/cpuid/v2"
)

// HistogramBins is the size of the quantized color histogram: 4 bits
// per RGB channel, 4096 buckets.
const HistogramBins = 4096

var (
	avx2     = cpuid.CPU.Supports(cpuid.AVX2)
	apple    = runtime.GOARCH == "arm64" && runtime.GOOS == "darwin"
	hardware = avx2 || apple
)

var (
	libptr        uintptr
	libOnce       sync.Once
	libErr        error
	vox_version   func() uint32
	vox_histogram func(colors unsafe.Pointer, n uint64, bins unsafe.Pointer)
)

// Accelerator wraps the loaded voxel-ops library.
type Accelerator struct{}

// Load locates and loads the voxel-ops shared library. explicitPath
// overrides the search when non-empty. Returns nil when the CPU lacks
// the required SIMD support or the library cannot be loaded; callers
// then use the generic implementations.
func Load(explicitPath string) *Accelerator {
	if !hardware {
		return nil
	}

	libOnce.Do(func() {
		path := explicitPath
		if path == "" {
			var err error
			path, err = findVoxOps()
			if err != nil {
				libErr = err
				return
			}
		}
		if libptr, libErr = load(path); libErr != nil {
			return
		}

		purego.RegisterLibFunc(&vox_version, libptr, "vox_version")
		purego.RegisterLibFunc(&vox_histogram, libptr, "vox_histogram")

		if vox_version() == 0 {
			libErr = ErrLibraryNotFound
			libptr = 0
		}
	})

	if libErr != nil || libptr == 0 {
		return nil
	}
	return &Accelerator{}
}

// Histogram bins packed 0xRRGGBBAA colors into HistogramBins buckets.
// Falls back to the generic implementation if the native call faults.
func (a *Accelerator) Histogram(packed []uint32) []uint32 {
	bins := make([]uint32, HistogramBins)
	if len(packed) == 0 {
		return bins
	}
	if a.runHistogram(packed, bins) {
		return bins
	}
	return HistogramGeneric(packed)
}

func (a *Accelerator) runHistogram(packed, bins []uint32) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	vox_histogram(unsafe.Pointer(&packed[0]), uint64(len(packed)), unsafe.Pointer(&bins[0]))
	return true
}

// HistogramGeneric is the pure-Go histogram used when no accelerator
// is loaded. Identical bucketing to the native path.
func HistogramGeneric(packed []uint32) []uint32 {
	bins := make([]uint32, HistogramBins)
	for _, w := range packed {
		bins[BucketIndex(w)]++
	}
	return bins
}

// BucketIndex maps a packed 0xRRGGBBAA color to its histogram bucket.
func BucketIndex(w uint32) int {
	r := (w >> 28) & 0xf
	g := (w >> 20) & 0xf
	b := (w >> 12) & 0xf
	return int(r<<8 | g<<4 | b)
}
