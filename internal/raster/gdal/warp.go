package gdal

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/airbusgeo/godal"

	"github.com/robert-malhotra/sat-compositor/internal/raster"
)

// Warper resamples remote single-band assets onto a target grid.
type Warper struct {
	// Resampling is the gdalwarp -r method.
	Resampling string
}

// NewWarper returns a nearest-neighbour warper.
func NewWarper() *Warper {
	Register()
	return &Warper{Resampling: "near"}
}

// Warp reads href, which may be an http(s) URL, and returns it resampled onto grid
// as Float64 with NaN where the source has no data.
func (w *Warper) Warp(ctx context.Context, href string, grid raster.Grid) (*raster.Raster, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, err := godal.Open(vsiPath(href))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", redact(href), err)
	}
	defer src.Close()

	b := grid.Bounds
	switches := []string{
		"-of", "MEM",
		"-t_srs", "EPSG:" + strconv.Itoa(grid.EPSG),
		"-te", ftoa(b.Min[0]), ftoa(b.Min[1]), ftoa(b.Max[0]), ftoa(b.Max[1]),
		"-ts", strconv.Itoa(grid.Width()), strconv.Itoa(grid.Height()),
		"-r", w.Resampling,
		"-ot", "Float64",
		"-dstnodata", "nan",
	}

	dst, err := godal.Warp("", []*godal.Dataset{src}, switches)
	if err != nil {
		return nil, fmt.Errorf("failed to warp %s: %w", redact(href), err)
	}
	defer dst.Close()

	r, err := readDataset(dst)
	if err != nil {
		return nil, err
	}
	r.EPSG = grid.EPSG
	return r, nil
}

func vsiPath(href string) string {
	if strings.HasPrefix(href, "http://") || strings.HasPrefix(href, "https://") {
		return "/vsicurl/" + href
	}
	return href
}

// redact drops the query string, which carries SAS tokens.
func redact(href string) string {
	if i := strings.IndexByte(href, '?'); i >= 0 {
		return href[:i]
	}
	return href
}

func ftoa(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
