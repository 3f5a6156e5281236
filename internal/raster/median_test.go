package raster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scene(values ...float64) *Raster {
	r := New(len(values), 1, 1, Float64)
	r.GeoTransform = [6]float64{500000, 30, 0, 4000000, 0, -30}
	r.EPSG = 32633
	copy(r.Bands[0], values)
	return r
}

func TestMedian(t *testing.T) {
	nan := math.NaN()
	scenes := []*Raster{
		scene(1, 5, nan, 0.2),
		scene(3, nan, nan, 0.4),
		scene(2, 7, nan, nan),
		scene(10, nan, nan, 0.3),
	}

	out, err := Median(scenes)
	require.NoError(t, err)

	assert.Equal(t, Float32, out.DataType)
	assert.Equal(t, 32633, out.EPSG)
	assert.Equal(t, scenes[0].GeoTransform, out.GeoTransform)
	assert.True(t, out.HasNoData)

	assert.InDelta(t, 2.5, out.Bands[0][0], 1e-12)
	assert.InDelta(t, 6, out.Bands[0][1], 1e-12)
	assert.True(t, math.IsNaN(out.Bands[0][2]))
	assert.InDelta(t, 0.3, out.Bands[0][3], 1e-12)

	// Inputs are left untouched.
	assert.Equal(t, 10.0, scenes[3].Bands[0][0])
}

func TestMedianRejectsMismatchedScenes(t *testing.T) {
	_, err := Median([]*Raster{scene(1, 2), scene(1, 2, 3)})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = Median(nil)
	assert.Error(t, err)
}
