package raster

import (
	"fmt"
	"math"
	"slices"
)

// Median returns the per-pixel median of scenes, band by band. NaN values are
// skipped; a pixel with no valid value in any scene stays NaN. All scenes must
// share the same grid and band count. The result is Float32 with NaN nodata.
func Median(scenes []*Raster) (*Raster, error) {
	if len(scenes) == 0 {
		return nil, fmt.Errorf("median of zero scenes")
	}

	first := scenes[0]
	for i, s := range scenes[1:] {
		if s.Width != first.Width || s.Height != first.Height || len(s.Bands) != len(first.Bands) {
			return nil, fmt.Errorf("%w: scene %d is %dx%dx%d, want %dx%dx%d", ErrShapeMismatch, i+1,
				s.Width, s.Height, len(s.Bands), first.Width, first.Height, len(first.Bands))
		}
	}

	out := New(first.Width, first.Height, len(first.Bands), Float32)
	out.GeoTransform = first.GeoTransform
	out.EPSG = first.EPSG
	out.NoData = math.NaN()
	out.HasNoData = true

	values := make([]float64, 0, len(scenes))
	for b := range out.Bands {
		for i := range out.Bands[b] {
			values = values[:0]
			for _, s := range scenes {
				if v := s.Bands[b][i]; !math.IsNaN(v) {
					values = append(values, v)
				}
			}
			out.Bands[b][i] = median(values)
		}
	}
	return out, nil
}

// median sorts values in place and returns their median, or NaN when empty.
func median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return math.NaN()
	}
	slices.Sort(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}
