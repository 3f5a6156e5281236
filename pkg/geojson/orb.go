package geojson

import (
	"fmt"

	"github.com/paulmach/orb"
)

// Orb returns the geometry as an orb.MultiPolygon. A Polygon becomes a one-element MultiPolygon.
func (g *Geometry) Orb() (orb.MultiPolygon, error) {
	polygons, err := g.Polygons()
	if err != nil {
		return nil, err
	}

	mp := make(orb.MultiPolygon, 0, len(polygons))
	for _, rings := range polygons {
		poly := make(orb.Polygon, 0, len(rings))
		for _, ring := range rings {
			r := make(orb.Ring, 0, len(ring))
			for _, p := range ring {
				if len(p) < 2 {
					return nil, fmt.Errorf("%w: position needs at least 2 values", ErrInvalidGeometry)
				}
				r = append(r, orb.Point{p[0], p[1]})
			}
			poly = append(poly, r)
		}
		mp = append(mp, poly)
	}
	return mp, nil
}

// FromOrb converts an orb Polygon or MultiPolygon back into a Geometry.
func FromOrb(geom orb.Geometry) (*Geometry, error) {
	switch v := geom.(type) {
	case orb.Polygon:
		return newGeometry("Polygon", polygonCoords(v))
	case orb.MultiPolygon:
		if len(v) == 1 {
			return newGeometry("Polygon", polygonCoords(v[0]))
		}
		coords := make([][][][]float64, 0, len(v))
		for _, p := range v {
			coords = append(coords, polygonCoords(p))
		}
		return newGeometry("MultiPolygon", coords)
	case orb.Bound:
		return FromOrb(v.ToPolygon())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, geom.GeoJSONType())
	}
}

func polygonCoords(p orb.Polygon) [][][]float64 {
	rings := make([][][]float64, 0, len(p))
	for _, r := range p {
		ring := make([][]float64, 0, len(r))
		for _, pt := range r {
			ring = append(ring, []float64{pt[0], pt[1]})
		}
		rings = append(rings, ring)
	}
	return rings
}
