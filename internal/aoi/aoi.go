// Package aoi decodes uploaded area-of-interest files into a normalized geometry.
// Zipped ESRI shapefiles and GeoJSON files are supported. Only the first polygon
// found in a file is used and coordinates must already be WGS84 longitude/latitude.
package aoi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

var (
	// ErrUnsupportedFormat is returned for file extensions other than .zip, .geojson and .json.
	ErrUnsupportedFormat = errors.New("unsupported AOI file format; use .zip (shapefile) or .geojson/.json")

	// ErrTooLarge is returned when an upload exceeds the configured size limit.
	ErrTooLarge = errors.New("AOI upload too large")

	// ErrNoPolygon is returned when a shapefile holds no polygon shape.
	ErrNoPolygon = errors.New("shapefile contains no polygon")
)

// Format is a supported upload format.
type Format string

const (
	FormatShapefile Format = "shapefile"
	FormatGeoJSON   Format = "geojson"
)

// FormatOf returns the format implied by the extension of filename.
func FormatOf(filename string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".zip":
		return FormatShapefile, nil
	case ".geojson", ".json":
		return FormatGeoJSON, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// Decoder stores uploads in a scratch directory while they are decoded.
type Decoder struct {
	dir      string
	maxBytes int64
	logger   *slog.Logger
}

// NewDecoder creates a decoder writing uploads under dir. Uploads larger than
// maxBytes are rejected; zero or less disables the limit.
func NewDecoder(dir string, maxBytes int64, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{dir: dir, maxBytes: maxBytes, logger: logger}
}

// Decode saves the upload read from r, decodes it according to the extension of
// filename and removes it again.
func (d *Decoder) Decode(ctx context.Context, filename string, r io.Reader) (*geojson.Geometry, error) {
	format, err := FormatOf(filename)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	f, err := os.CreateTemp(d.dir, "aoi-*"+strings.ToLower(filepath.Ext(filename)))
	if err != nil {
		return nil, fmt.Errorf("failed to create upload file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	src := r
	if d.maxBytes > 0 {
		src = io.LimitReader(r, d.maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if d.maxBytes > 0 && n > d.maxBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrTooLarge, d.maxBytes)
	}

	d.logger.DebugContext(ctx, "AOI upload stored",
		slog.String("filename", filename),
		slog.String("format", string(format)),
		slog.Int64("bytes", n),
	)

	var g *geojson.Geometry
	switch format {
	case FormatShapefile:
		g, err = ReadShapefileZip(path)
	default:
		g, err = ReadGeoJSONFile(path)
	}
	if err != nil {
		return nil, err
	}

	d.logger.InfoContext(ctx, "AOI upload decoded",
		slog.String("filename", filename),
		slog.String("type", g.Type),
	)
	return g, nil
}

// ReadGeoJSONFile reads a Polygon, MultiPolygon, Feature or FeatureCollection
// file and returns its normalized geometry.
func ReadGeoJSONFile(path string) (*geojson.Geometry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read GeoJSON file: %w", err)
	}
	return geojson.Normalize(data)
}

// ReadShapefileZip reads the first polygon of the single shapefile inside the
// zip archive at path.
func ReadShapefileZip(path string) (*geojson.Geometry, error) {
	r, err := shp.OpenZip(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open shapefile archive: %w", err)
	}
	defer r.Close()

	for r.Next() {
		_, shape := r.Shape()
		parts, points, ok := polygonOf(shape)
		if !ok {
			continue
		}
		mp, err := fromRings(parts, points)
		if err != nil {
			return nil, err
		}
		return normalizeOrb(mp)
	}
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("failed to read shapefile: %w", err)
	}
	return nil, ErrNoPolygon
}

func polygonOf(shape shp.Shape) ([]int32, []shp.Point, bool) {
	switch p := shape.(type) {
	case *shp.Polygon:
		return p.Parts, p.Points, true
	case *shp.PolygonZ:
		return p.Parts, p.Points, true
	case *shp.PolygonM:
		return p.Parts, p.Points, true
	default:
		return nil, nil, false
	}
}

// fromRings groups shapefile rings into polygons. A clockwise ring starts a new
// polygon; counter-clockwise rings are holes of the polygon before them.
func fromRings(parts []int32, points []shp.Point) (orb.MultiPolygon, error) {
	var mp orb.MultiPolygon
	for i, start := range parts {
		end := int32(len(points))
		if i+1 < len(parts) {
			end = parts[i+1]
		}
		if start < 0 || start > end || int(end) > len(points) {
			return nil, fmt.Errorf("%w: corrupt shapefile part %d", geojson.ErrInvalidGeometry, i)
		}

		ring := make(orb.Ring, 0, end-start)
		for _, p := range points[start:end] {
			ring = append(ring, orb.Point{p.X, p.Y})
		}

		if len(mp) == 0 || ring.Orientation() == orb.CW {
			mp = append(mp, orb.Polygon{ring})
			continue
		}
		last := len(mp) - 1
		mp[last] = append(mp[last], ring)
	}
	if len(mp) == 0 {
		return nil, ErrNoPolygon
	}
	return mp, nil
}

// normalizeOrb converts mp to a Geometry and runs it through geojson.Normalize
// so uploads get the same ring closing and range checks as posted GeoJSON.
func normalizeOrb(mp orb.MultiPolygon) (*geojson.Geometry, error) {
	g, err := geojson.FromOrb(mp)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to encode shapefile geometry: %w", err)
	}
	return geojson.Normalize(data)
}
