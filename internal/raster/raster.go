// Package raster holds the in-memory raster model used to finalize composites:
// masking to the AOI polygon, cropping, and per-pixel temporal medians.
//
// File formats and coordinate transforms are reached through the Codec and
// Projector capabilities so that the masking logic stays independent of GDAL.
package raster

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// EPSGWGS84 is the code of the geographic CRS AOIs are expressed in.
const EPSGWGS84 = 4326

var (
	// ErrNoOverlap is returned when the AOI does not intersect the raster extent.
	ErrNoOverlap = errors.New("aoi does not overlap raster")

	// ErrUnsupportedCRS is returned by a Projector that cannot reach the requested CRS.
	ErrUnsupportedCRS = errors.New("unsupported CRS")

	// ErrRotated is returned for rasters whose geotransform is not north-up with
	// columns increasing eastward.
	ErrRotated = errors.New("rotated geotransforms are not supported")

	// ErrShapeMismatch is returned when rasters that must share a grid do not.
	ErrShapeMismatch = errors.New("raster shapes differ")
)

// DataType is the pixel type of a raster file.
type DataType int

const (
	Byte DataType = iota
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
)

func (d DataType) String() string {
	switch d {
	case Byte:
		return "Byte"
	case UInt16:
		return "UInt16"
	case Int16:
		return "Int16"
	case UInt32:
		return "UInt32"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	default:
		return fmt.Sprintf("DataType(%d)", int(d))
	}
}

// IsFloat reports whether d is a floating point type.
func (d DataType) IsFloat() bool {
	return d == Float32 || d == Float64
}

// NoData returns the masking sentinel for d: NaN for floating point types, 0 otherwise.
func (d DataType) NoData() float64 {
	if d.IsFloat() {
		return math.NaN()
	}
	return 0
}

// Raster is a north-up multi-band grid. Band values are stored row-major as
// float64 regardless of DataType, which records the type to write back.
type Raster struct {
	Width  int
	Height int

	// GeoTransform follows the GDAL convention:
	// x = gt[0] + col*gt[1] + row*gt[2], y = gt[3] + col*gt[4] + row*gt[5].
	GeoTransform [6]float64

	// EPSG is the code of the raster CRS. Zero means unknown and is treated as WGS84.
	EPSG int

	DataType  DataType
	NoData    float64
	HasNoData bool

	Bands [][]float64
}

// New allocates a raster with nbands bands filled with zero.
func New(width, height, nbands int, dt DataType) *Raster {
	bands := make([][]float64, nbands)
	for i := range bands {
		bands[i] = make([]float64, width*height)
	}
	return &Raster{Width: width, Height: height, DataType: dt, Bands: bands}
}

// NorthUp reports whether the geotransform has no rotation terms.
func (r *Raster) NorthUp() bool {
	return r.GeoTransform[2] == 0 && r.GeoTransform[4] == 0
}

// Bounds returns the extent of a north-up raster in its own CRS.
func (r *Raster) Bounds() orb.Bound {
	gt := r.GeoTransform
	x0, x1 := gt[0], gt[0]+float64(r.Width)*gt[1]
	y0, y1 := gt[3], gt[3]+float64(r.Height)*gt[5]
	return orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	}
}

// PixelBounds returns the extent of pixel (col, row).
func (r *Raster) PixelBounds(col, row int) orb.Bound {
	gt := r.GeoTransform
	x0 := gt[0] + float64(col)*gt[1]
	y0 := gt[3] + float64(row)*gt[5]
	x1, y1 := x0+gt[1], y0+gt[5]
	return orb.Bound{
		Min: orb.Point{math.Min(x0, x1), math.Min(y0, y1)},
		Max: orb.Point{math.Max(x0, x1), math.Max(y0, y1)},
	}
}

// PixelCenter returns the coordinates of the center of pixel (col, row).
func (r *Raster) PixelCenter(col, row int) orb.Point {
	gt := r.GeoTransform
	return orb.Point{
		gt[0] + (float64(col)+0.5)*gt[1],
		gt[3] + (float64(row)+0.5)*gt[5],
	}
}

// At returns the value of band b at (col, row).
func (r *Raster) At(b, col, row int) float64 {
	return r.Bands[b][row*r.Width+col]
}

// Set stores v in band b at (col, row).
func (r *Raster) Set(b, col, row int, v float64) {
	r.Bands[b][row*r.Width+col] = v
}

// IsNoData reports whether v is the raster's nodata value.
func (r *Raster) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return r.HasNoData && v == r.NoData
}

// CRS returns the EPSG code, defaulting to WGS84 when unknown.
func (r *Raster) CRS() int {
	if r.EPSG == 0 {
		return EPSGWGS84
	}
	return r.EPSG
}

// Codec reads and writes raster files.
type Codec interface {
	Read(ctx context.Context, path string) (*Raster, error)
	Write(ctx context.Context, path string, r *Raster) error
}

// Projector transforms WGS84 polygons into the CRS identified by an EPSG code.
type Projector interface {
	Project(ctx context.Context, mp orb.MultiPolygon, epsg int) (orb.MultiPolygon, error)
}
