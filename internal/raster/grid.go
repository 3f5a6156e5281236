package raster

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Grid is a north-up target grid for warping source scenes.
type Grid struct {
	EPSG       int
	Bounds     orb.Bound
	Resolution float64
}

// NewGrid snaps b outward to multiples of resolution.
func NewGrid(epsg int, b orb.Bound, resolution float64) (Grid, error) {
	if resolution <= 0 {
		return Grid{}, fmt.Errorf("grid resolution must be positive, got %v", resolution)
	}
	snapped := orb.Bound{
		Min: orb.Point{
			math.Floor(b.Min[0]/resolution) * resolution,
			math.Floor(b.Min[1]/resolution) * resolution,
		},
		Max: orb.Point{
			math.Ceil(b.Max[0]/resolution) * resolution,
			math.Ceil(b.Max[1]/resolution) * resolution,
		},
	}
	g := Grid{EPSG: epsg, Bounds: snapped, Resolution: resolution}
	if g.Width() == 0 || g.Height() == 0 {
		return Grid{}, fmt.Errorf("grid over %v at %v has no pixels", b, resolution)
	}
	return g, nil
}

// Width returns the number of columns.
func (g Grid) Width() int {
	return int(math.Round((g.Bounds.Max[0] - g.Bounds.Min[0]) / g.Resolution))
}

// Height returns the number of rows.
func (g Grid) Height() int {
	return int(math.Round((g.Bounds.Max[1] - g.Bounds.Min[1]) / g.Resolution))
}

// GeoTransform returns the GDAL geotransform of the grid.
func (g Grid) GeoTransform() [6]float64 {
	return [6]float64{g.Bounds.Min[0], g.Resolution, 0, g.Bounds.Max[1], 0, -g.Resolution}
}

// UTMZoneEPSG returns the WGS84 / UTM EPSG code of the zone containing (lon, lat):
// 326zz in the northern hemisphere, 327zz in the southern.
func UTMZoneEPSG(lon, lat float64) int {
	zone := int((lon+180)/6) + 1
	zone = min(max(zone, 1), 60)
	if lat >= 0 {
		return 32600 + zone
	}
	return 32700 + zone
}
