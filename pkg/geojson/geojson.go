// Package geojson provides the area-of-interest geometry used across the compositor:
// GeoJSON input is reduced to a single WGS84 Polygon or MultiPolygon, validated, and
// exposed together with its bounding box.
package geojson

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrInvalidGeometry is returned when coordinates are malformed or out of range.
	ErrInvalidGeometry = errors.New("invalid geometry")
	// ErrUnsupportedType is returned for GeoJSON types other than Polygon, MultiPolygon,
	// Feature and FeatureCollection.
	ErrUnsupportedType = errors.New("unsupported GeoJSON type")
)

// Geometry represents a GeoJSON geometry object.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// BBox is an axis-aligned WGS84 bounding box.
type BBox struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Slice returns the box as [west, south, east, north].
func (b BBox) Slice() []float64 {
	return []float64{b.West, b.South, b.East, b.North}
}

// Center returns the longitude and latitude of the box centre.
func (b BBox) Center() (lon, lat float64) {
	return (b.West + b.East) / 2, (b.South + b.North) / 2
}

// Validate checks that the box lies in WGS84 range and is not degenerate.
func (b BBox) Validate() error {
	if b.West < -180 || b.West > 180 || b.East < -180 || b.East > 180 {
		return fmt.Errorf("%w: longitude must be within [-180, 180]", ErrInvalidGeometry)
	}
	if b.South < -90 || b.South > 90 || b.North < -90 || b.North > 90 {
		return fmt.Errorf("%w: latitude must be within [-90, 90]", ErrInvalidGeometry)
	}
	if b.West >= b.East {
		return fmt.Errorf("%w: west (%g) must be less than east (%g)", ErrInvalidGeometry, b.West, b.East)
	}
	if b.South >= b.North {
		return fmt.Errorf("%w: south (%g) must be less than north (%g)", ErrInvalidGeometry, b.South, b.North)
	}
	return nil
}

// envelope holds the union of fields needed to walk Feature and FeatureCollection wrappers.
type envelope struct {
	Type        string            `json:"type"`
	Coordinates json.RawMessage   `json:"coordinates"`
	Geometry    json.RawMessage   `json:"geometry"`
	Features    []json.RawMessage `json:"features"`
}

// Normalize reduces arbitrary GeoJSON to a single Polygon or MultiPolygon.
// A FeatureCollection contributes its first feature, a Feature contributes its geometry.
// Open rings are closed and every position is range-checked.
func Normalize(data []byte) (*Geometry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGeometry, err)
	}

	switch env.Type {
	case "FeatureCollection":
		if len(env.Features) == 0 {
			return nil, fmt.Errorf("%w: empty FeatureCollection", ErrInvalidGeometry)
		}
		return Normalize(env.Features[0])

	case "Feature":
		if len(env.Geometry) == 0 || string(env.Geometry) == "null" {
			return nil, fmt.Errorf("%w: Feature without geometry", ErrInvalidGeometry)
		}
		return Normalize(env.Geometry)

	case "Polygon":
		var rings [][][]float64
		if err := json.Unmarshal(env.Coordinates, &rings); err != nil {
			return nil, fmt.Errorf("%w: Polygon coordinates: %v", ErrInvalidGeometry, err)
		}
		rings, err := normalizePolygon(rings)
		if err != nil {
			return nil, err
		}
		return newGeometry("Polygon", rings)

	case "MultiPolygon":
		var polygons [][][][]float64
		if err := json.Unmarshal(env.Coordinates, &polygons); err != nil {
			return nil, fmt.Errorf("%w: MultiPolygon coordinates: %v", ErrInvalidGeometry, err)
		}
		if len(polygons) == 0 {
			return nil, fmt.Errorf("%w: MultiPolygon has no polygons", ErrInvalidGeometry)
		}
		for i := range polygons {
			rings, err := normalizePolygon(polygons[i])
			if err != nil {
				return nil, fmt.Errorf("polygon %d: %w", i, err)
			}
			polygons[i] = rings
		}
		return newGeometry("MultiPolygon", polygons)

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidGeometry)

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, env.Type)
	}
}

func normalizePolygon(rings [][][]float64) ([][][]float64, error) {
	if len(rings) == 0 {
		return nil, fmt.Errorf("%w: polygon has no rings", ErrInvalidGeometry)
	}
	out := make([][][]float64, len(rings))
	for i, ring := range rings {
		closed, err := normalizeRing(ring)
		if err != nil {
			return nil, fmt.Errorf("ring %d: %w", i, err)
		}
		out[i] = closed
	}
	return out, nil
}

func normalizeRing(ring [][]float64) ([][]float64, error) {
	out := make([][]float64, 0, len(ring)+1)
	for _, p := range ring {
		if len(p) < 2 {
			return nil, fmt.Errorf("%w: position needs at least 2 values", ErrInvalidGeometry)
		}
		lon, lat := p[0], p[1]
		if math.IsNaN(lon) || math.IsNaN(lat) || lon < -180 || lon > 180 || lat < -90 || lat > 90 {
			return nil, fmt.Errorf("%w: position (%g, %g) outside WGS84 range", ErrInvalidGeometry, lon, lat)
		}
		out = append(out, []float64{lon, lat})
	}
	if len(out) > 0 {
		first, last := out[0], out[len(out)-1]
		if first[0] != last[0] || first[1] != last[1] {
			out = append(out, []float64{first[0], first[1]})
		}
	}
	// A closed ring needs three distinct vertices plus the closing one.
	if len(out) < 4 {
		return nil, fmt.Errorf("%w: ring needs at least 4 positions, got %d", ErrInvalidGeometry, len(out))
	}
	return out, nil
}

func newGeometry(typ string, coords any) (*Geometry, error) {
	raw, err := json.Marshal(coords)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s coordinates: %w", typ, err)
	}
	return &Geometry{Type: typ, Coordinates: raw}, nil
}

// Polygon returns the coordinates as a Polygon [][][lon, lat].
// Returns error if geometry is not a Polygon.
func (g *Geometry) Polygon() ([][][]float64, error) {
	if g.Type != "Polygon" {
		return nil, fmt.Errorf("geometry is not a Polygon, got %s", g.Type)
	}
	var coords [][][]float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Polygon coordinates: %w", err)
	}
	return coords, nil
}

// MultiPolygon returns the coordinates as a MultiPolygon [][][][lon, lat].
// Returns error if geometry is not a MultiPolygon.
func (g *Geometry) MultiPolygon() ([][][][]float64, error) {
	if g.Type != "MultiPolygon" {
		return nil, fmt.Errorf("geometry is not a MultiPolygon, got %s", g.Type)
	}
	var coords [][][][]float64
	if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MultiPolygon coordinates: %w", err)
	}
	return coords, nil
}

// Polygons returns the geometry as a list of polygons, so a Polygon becomes a
// one-element list.
func (g *Geometry) Polygons() ([][][][]float64, error) {
	if g == nil {
		return nil, fmt.Errorf("geometry is nil")
	}
	switch g.Type {
	case "Polygon":
		rings, err := g.Polygon()
		if err != nil {
			return nil, err
		}
		return [][][][]float64{rings}, nil
	case "MultiPolygon":
		return g.MultiPolygon()
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, g.Type)
	}
}

// BBox computes the bounding box of the geometry.
func (g *Geometry) BBox() (BBox, error) {
	return ComputeBBox(g)
}

// ComputeBBox computes the bounding box of a Polygon or MultiPolygon.
func ComputeBBox(g *Geometry) (BBox, error) {
	polygons, err := g.Polygons()
	if err != nil {
		return BBox{}, err
	}

	minLon, minLat := math.Inf(1), math.Inf(1)
	maxLon, maxLat := math.Inf(-1), math.Inf(-1)

	for _, polygon := range polygons {
		for _, ring := range polygon {
			for _, point := range ring {
				if len(point) < 2 {
					continue
				}
				minLon = math.Min(minLon, point[0])
				maxLon = math.Max(maxLon, point[0])
				minLat = math.Min(minLat, point[1])
				maxLat = math.Max(maxLat, point[1])
			}
		}
	}

	if math.IsInf(minLon, 0) || math.IsInf(minLat, 0) {
		return BBox{}, fmt.Errorf("failed to compute bounding box: no valid coordinates found")
	}

	return BBox{West: minLon, South: minLat, East: maxLon, North: maxLat}, nil
}

// NewPolygonFromBBox creates a closed rectangular polygon from a bounding box.
func NewPolygonFromBBox(b BBox) (*Geometry, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}

	coords := [][][]float64{
		{
			{b.West, b.South},
			{b.East, b.South},
			{b.East, b.North},
			{b.West, b.North},
			{b.West, b.South},
		},
	}

	return newGeometry("Polygon", coords)
}
