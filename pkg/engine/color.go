package engine

import (
	"sort"

	"github.com/voxforge/voxd/pkg/engine/native"
)

// ColorBucket is one entry of the color distribution, keyed by a
// 12-bit quantized RGB bucket (4 bits per channel).
type ColorBucket struct {
	Color string  `json:"color"`
	Count uint32  `json:"count"`
	Share float64 `json:"share"`
}

// ColorAnalysis summarizes the palette of the visible voxels.
type ColorAnalysis struct {
	TotalVoxels  int           `json:"totalVoxels"`
	UniqueColors int           `json:"uniqueColors"`
	Dominant     []ColorBucket `json:"dominant"`
}

// AnalyzeColors computes a quantized color histogram over the visible
// voxels and returns the limit most frequent buckets. Uses the native
// ops library when loaded, with an identical pure-Go fallback.
func (e *Engine) AnalyzeColors(limit int) (*ColorAnalysis, error) {
	p, err := e.requireProject()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 8
	}

	voxels := collectVisible(p)
	packed := make([]uint32, len(voxels))
	unique := make(map[uint32]struct{}, len(voxels))
	for i, v := range voxels {
		w := v.Color.Packed()
		packed[i] = w
		unique[w] = struct{}{}
	}

	var bins []uint32
	if e.accel != nil {
		bins = e.accel.Histogram(packed)
	} else {
		bins = native.HistogramGeneric(packed)
	}

	type binCount struct {
		bin   int
		count uint32
	}
	nonzero := make([]binCount, 0, 64)
	for bin, count := range bins {
		if count > 0 {
			nonzero = append(nonzero, binCount{bin, count})
		}
	}
	sort.Slice(nonzero, func(i, j int) bool {
		if nonzero[i].count != nonzero[j].count {
			return nonzero[i].count > nonzero[j].count
		}
		return nonzero[i].bin < nonzero[j].bin
	})
	if len(nonzero) > limit {
		nonzero = nonzero[:limit]
	}

	analysis := &ColorAnalysis{
		TotalVoxels:  len(voxels),
		UniqueColors: len(unique),
		Dominant:     make([]ColorBucket, 0, len(nonzero)),
	}
	for _, bc := range nonzero {
		share := 0.0
		if len(voxels) > 0 {
			share = float64(bc.count) / float64(len(voxels))
		}
		analysis.Dominant = append(analysis.Dominant, ColorBucket{
			Color: bucketColor(bc.bin).Hex(),
			Count: bc.count,
			Share: share,
		})
	}
	return analysis, nil
}

// bucketColor returns the representative color at a bucket's center.
func bucketColor(bin int) Color {
	r := uint8((bin>>8)&0xf)<<4 | 0x8
	g := uint8((bin>>4)&0xf)<<4 | 0x8
	b := uint8(bin&0xf)<<4 | 0x8
	return Color{R: r, G: g, B: b, A: 255}
}
