package geojson

import (
	"fmt"
	"strconv"
	"strings"
)

// ToWKT converts a Polygon or MultiPolygon to WKT, the exchange format used with GDAL.
func ToWKT(g *Geometry) (string, error) {
	if g == nil {
		return "", fmt.Errorf("geometry is nil")
	}

	switch g.Type {
	case "Polygon":
		rings, err := g.Polygon()
		if err != nil {
			return "", err
		}
		body, err := ringsToWKT(rings)
		if err != nil {
			return "", err
		}
		return "POLYGON" + body, nil
	case "MultiPolygon":
		polygons, err := g.MultiPolygon()
		if err != nil {
			return "", err
		}
		parts := make([]string, 0, len(polygons))
		for _, rings := range polygons {
			body, err := ringsToWKT(rings)
			if err != nil {
				return "", err
			}
			parts = append(parts, body)
		}
		return "MULTIPOLYGON(" + strings.Join(parts, ",") + ")", nil
	default:
		return "", fmt.Errorf("unsupported geometry type for WKT conversion: %s", g.Type)
	}
}

func ringsToWKT(rings [][][]float64) (string, error) {
	out := make([]string, 0, len(rings))
	for _, ring := range rings {
		points := make([]string, len(ring))
		for i, point := range ring {
			if len(point) < 2 {
				return "", fmt.Errorf("invalid point in ring: expected at least 2 coordinates")
			}
			points[i] = formatFloat(point[0]) + " " + formatFloat(point[1])
		}
		out = append(out, "("+strings.Join(points, ",")+")")
	}
	return "(" + strings.Join(out, ",") + ")", nil
}

// FromWKT parses a POLYGON or MULTIPOLYGON WKT string. Z and M values are dropped.
func FromWKT(wkt string) (*Geometry, error) {
	wkt = strings.TrimSpace(wkt)
	if wkt == "" {
		return nil, fmt.Errorf("empty WKT string")
	}

	start := strings.Index(wkt, "(")
	end := strings.LastIndex(wkt, ")")
	if start == -1 || end == -1 || start >= end {
		return nil, fmt.Errorf("invalid WKT format")
	}
	content := wkt[start+1 : end]

	upper := strings.ToUpper(wkt)
	switch {
	case strings.HasPrefix(upper, "MULTIPOLYGON"):
		groups, err := splitGroups(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse MULTIPOLYGON polygons: %w", err)
		}
		polygons := make([][][][]float64, 0, len(groups))
		for _, group := range groups {
			rings, err := parseRings(group[1 : len(group)-1])
			if err != nil {
				return nil, err
			}
			polygons = append(polygons, rings)
		}
		return newGeometry("MultiPolygon", polygons)
	case strings.HasPrefix(upper, "POLYGON"):
		rings, err := parseRings(content)
		if err != nil {
			return nil, fmt.Errorf("failed to parse POLYGON rings: %w", err)
		}
		return newGeometry("Polygon", rings)
	default:
		return nil, fmt.Errorf("unsupported WKT geometry type")
	}
}

// parseCoordPair parses "x y [z [m]]" into [x, y].
func parseCoordPair(s string) ([]float64, error) {
	parts := strings.Fields(strings.TrimSpace(s))
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid coordinate pair: %s", s)
	}

	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid x coordinate: %s", parts[0])
	}

	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid y coordinate: %s", parts[1])
	}

	return []float64{x, y}, nil
}

// parseRings parses "(x y,...),(x y,...)" into rings.
func parseRings(s string) ([][][]float64, error) {
	groups, err := splitGroups(s)
	if err != nil {
		return nil, err
	}

	rings := make([][][]float64, 0, len(groups))
	for _, group := range groups {
		pairs := strings.Split(group[1:len(group)-1], ",")
		ring := make([][]float64, 0, len(pairs))
		for _, pair := range pairs {
			coords, err := parseCoordPair(pair)
			if err != nil {
				return nil, err
			}
			ring = append(ring, coords)
		}
		rings = append(rings, ring)
	}

	return rings, nil
}

// splitGroups splits a string into its top-level parenthesised groups, parentheses included.
func splitGroups(s string) ([]string, error) {
	var result []string
	var current strings.Builder
	depth := 0

	for i, ch := range s {
		switch ch {
		case '(':
			current.WriteRune(ch)
			depth++
		case ')':
			current.WriteRune(ch)
			depth--
			if depth == 0 {
				result = append(result, current.String())
				current.Reset()
			} else if depth < 0 {
				return nil, fmt.Errorf("unmatched closing parenthesis at position %d", i)
			}
		default:
			if depth > 0 {
				current.WriteRune(ch)
			}
		}
	}

	if depth != 0 {
		return nil, fmt.Errorf("unmatched parentheses")
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("no coordinate groups found")
	}

	return result, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
