// Package gdal implements the raster capabilities on top of GDAL through godal:
// GeoTIFF reading and writing, polygon reprojection, and scene warping.
package gdal

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/airbusgeo/godal"

	"github.com/robert-malhotra/sat-compositor/internal/raster"
)

var registerOnce sync.Once

// Register loads the GDAL drivers. It is safe to call more than once.
func Register() {
	registerOnce.Do(godal.RegisterAll)
}

// Codec reads and writes GeoTIFF files.
type Codec struct {
	// CreationOptions are passed to the GTiff driver on write.
	CreationOptions []string
}

// NewCodec returns a codec writing tiled, deflate-compressed GeoTIFFs.
func NewCodec() *Codec {
	Register()
	return &Codec{CreationOptions: []string{"TILED=YES", "COMPRESS=DEFLATE", "BIGTIFF=IF_SAFER"}}
}

// Read loads every band of the raster at path.
func (c *Codec) Read(ctx context.Context, path string) (*raster.Raster, error) {
	ds, err := godal.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer ds.Close()
	return readDataset(ds)
}

func readDataset(ds *godal.Dataset) (*raster.Raster, error) {
	st := ds.Structure()
	dt, err := fromGDALType(st.DataType)
	if err != nil {
		return nil, err
	}

	r := raster.New(st.SizeX, st.SizeY, st.NBands, dt)

	gt, err := ds.GeoTransform()
	if err != nil {
		return nil, fmt.Errorf("failed to read geotransform: %w", err)
	}
	r.GeoTransform = gt

	if sr := ds.SpatialRef(); sr != nil {
		r.EPSG = epsgOf(sr)
		sr.Close()
	}

	for i, band := range ds.Bands() {
		if err := band.Read(0, 0, r.Bands[i], st.SizeX, st.SizeY); err != nil {
			return nil, fmt.Errorf("failed to read band %d: %w", i+1, err)
		}
		if i == 0 {
			r.NoData, r.HasNoData = band.NoData()
		}
	}
	return r, nil
}

// Write creates a GeoTIFF at path holding r.
func (c *Codec) Write(ctx context.Context, path string, r *raster.Raster) error {
	dt, err := toGDALType(r.DataType)
	if err != nil {
		return err
	}

	ds, err := godal.Create(godal.GTiff, path, len(r.Bands), dt, r.Width, r.Height,
		godal.CreationOption(c.CreationOptions...))
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}

	if err := writeDataset(ds, r); err != nil {
		ds.Close()
		return err
	}
	if err := ds.Close(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return nil
}

func writeDataset(ds *godal.Dataset, r *raster.Raster) error {
	if err := ds.SetGeoTransform(r.GeoTransform); err != nil {
		return fmt.Errorf("failed to set geotransform: %w", err)
	}

	sr, err := godal.NewSpatialRefFromEPSG(r.CRS())
	if err != nil {
		return fmt.Errorf("failed to build EPSG:%d: %w", r.CRS(), err)
	}
	defer sr.Close()
	if err := ds.SetSpatialRef(sr); err != nil {
		return fmt.Errorf("failed to set spatial reference: %w", err)
	}

	for i, band := range ds.Bands() {
		if r.HasNoData {
			if err := band.SetNoData(r.NoData); err != nil {
				return fmt.Errorf("failed to set nodata on band %d: %w", i+1, err)
			}
		}
		if err := band.Write(0, 0, r.Bands[i], r.Width, r.Height); err != nil {
			return fmt.Errorf("failed to write band %d: %w", i+1, err)
		}
	}
	return nil
}

func epsgOf(sr *godal.SpatialRef) int {
	code, err := strconv.Atoi(sr.AuthorityCode(""))
	if err != nil {
		return 0
	}
	return code
}

func fromGDALType(dt godal.DataType) (raster.DataType, error) {
	switch dt {
	case godal.Byte:
		return raster.Byte, nil
	case godal.UInt16:
		return raster.UInt16, nil
	case godal.Int16:
		return raster.Int16, nil
	case godal.UInt32:
		return raster.UInt32, nil
	case godal.Int32:
		return raster.Int32, nil
	case godal.Float32:
		return raster.Float32, nil
	case godal.Float64:
		return raster.Float64, nil
	default:
		return 0, fmt.Errorf("unsupported GDAL data type %s", dt)
	}
}

func toGDALType(dt raster.DataType) (godal.DataType, error) {
	switch dt {
	case raster.Byte:
		return godal.Byte, nil
	case raster.UInt16:
		return godal.UInt16, nil
	case raster.Int16:
		return godal.Int16, nil
	case raster.UInt32:
		return godal.UInt32, nil
	case raster.Int32:
		return godal.Int32, nil
	case raster.Float32:
		return godal.Float32, nil
	case raster.Float64:
		return godal.Float64, nil
	default:
		return godal.Unknown, fmt.Errorf("unsupported data type %s", dt)
	}
}
