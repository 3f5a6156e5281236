package raster

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

// Web Mercator codes, including the legacy Google code.
const (
	EPSGWebMercator       = 3857
	epsgGoogleWebMercator = 900913
)

// Mercator projects WGS84 polygons into Web Mercator without external libraries.
// WGS84 targets are returned unchanged. Other codes yield ErrUnsupportedCRS.
type Mercator struct{}

func (Mercator) Project(_ context.Context, mp orb.MultiPolygon, epsg int) (orb.MultiPolygon, error) {
	switch epsg {
	case 0, EPSGWGS84:
		return mp.Clone(), nil
	case EPSGWebMercator, epsgGoogleWebMercator:
		return project.MultiPolygon(mp.Clone(), project.WGS84.ToMercator), nil
	default:
		return nil, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, epsg)
	}
}

// Chain tries each projector in order and returns the first result that is
// not ErrUnsupportedCRS.
type Chain []Projector

func (c Chain) Project(ctx context.Context, mp orb.MultiPolygon, epsg int) (orb.MultiPolygon, error) {
	for _, p := range c {
		out, err := p.Project(ctx, mp, epsg)
		if errors.Is(err, ErrUnsupportedCRS) {
			continue
		}
		return out, err
	}
	return nil, fmt.Errorf("%w: EPSG:%d", ErrUnsupportedCRS, epsg)
}
