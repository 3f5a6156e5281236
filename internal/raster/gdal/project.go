package gdal

import (
	"context"
	"fmt"

	"github.com/airbusgeo/godal"
	"github.com/paulmach/orb"

	"github.com/robert-malhotra/sat-compositor/internal/raster"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// Projector reprojects WGS84 polygons into any CRS known to PROJ.
type Projector struct{}

// NewProjector registers the GDAL drivers and returns a Projector.
func NewProjector() Projector {
	Register()
	return Projector{}
}

func (Projector) Project(_ context.Context, mp orb.MultiPolygon, epsg int) (orb.MultiPolygon, error) {
	if epsg == 0 || epsg == raster.EPSGWGS84 {
		return mp.Clone(), nil
	}

	g, err := geojson.FromOrb(mp)
	if err != nil {
		return nil, err
	}
	wkt, err := geojson.ToWKT(g)
	if err != nil {
		return nil, err
	}

	src, err := godal.NewSpatialRefFromEPSG(raster.EPSGWGS84)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	dst, err := godal.NewSpatialRefFromEPSG(epsg)
	if err != nil {
		return nil, fmt.Errorf("%w: EPSG:%d: %v", raster.ErrUnsupportedCRS, epsg, err)
	}
	defer dst.Close()

	geom, err := godal.NewGeometryFromWKT(wkt, src)
	if err != nil {
		return nil, fmt.Errorf("failed to parse AOI WKT: %w", err)
	}
	defer geom.Close()

	if err := geom.Reproject(dst); err != nil {
		return nil, fmt.Errorf("failed to reproject AOI: %w", err)
	}

	out, err := geom.WKT()
	if err != nil {
		return nil, err
	}
	projected, err := geojson.FromWKT(out)
	if err != nil {
		return nil, err
	}
	return projected.Orb()
}
