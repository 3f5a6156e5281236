package raster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/clip"

	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// Mask returns a copy of r cropped to the bounding box of mp and with every
// pixel that does not touch mp set to the nodata sentinel of r's pixel type.
// mp must already be in r's CRS. It returns ErrNoOverlap when mp and r do not intersect.
func Mask(r *Raster, mp orb.MultiPolygon) (*Raster, error) {
	if !r.NorthUp() || r.GeoTransform[1] <= 0 || r.GeoTransform[5] >= 0 {
		return nil, ErrRotated
	}
	if len(mp) == 0 {
		return nil, ErrNoOverlap
	}

	rb := r.Bounds()
	if !mp.Bound().Intersects(rb) {
		return nil, ErrNoOverlap
	}
	// Parts outside the raster cannot touch any pixel.
	mp = clip.MultiPolygon(rb, mp.Clone())
	if len(mp) == 0 {
		return nil, ErrNoOverlap
	}

	col0, row0, col1, row1 := r.window(mp.Bound())
	if col1 <= col0 || row1 <= row0 {
		return nil, ErrNoOverlap
	}

	out := crop(r, col0, row0, col1, row1)
	touched := coverage(out, mp)

	nodata := out.DataType.NoData()
	for b := range out.Bands {
		band := out.Bands[b]
		for i := range band {
			if !touched[i] {
				band[i] = nodata
			}
		}
	}
	out.NoData = nodata
	out.HasNoData = true

	return out, nil
}

// window returns the pixel window [col0, col1) x [row0, row1) covering b, clamped to r.
func (r *Raster) window(b orb.Bound) (col0, row0, col1, row1 int) {
	gt := r.GeoTransform
	cx0 := (b.Min[0] - gt[0]) / gt[1]
	cx1 := (b.Max[0] - gt[0]) / gt[1]
	ry0 := (b.Max[1] - gt[3]) / gt[5]
	ry1 := (b.Min[1] - gt[3]) / gt[5]

	col0 = clampInt(int(math.Floor(math.Min(cx0, cx1))), 0, r.Width)
	col1 = clampInt(int(math.Ceil(math.Max(cx0, cx1))), 0, r.Width)
	row0 = clampInt(int(math.Floor(math.Min(ry0, ry1))), 0, r.Height)
	row1 = clampInt(int(math.Ceil(math.Max(ry0, ry1))), 0, r.Height)

	// A polygon whose bound spans no area still touches the pixel containing it.
	if col1 == col0 && col0 < r.Width {
		col1 = col0 + 1
	}
	if row1 == row0 && row0 < r.Height {
		row1 = row0 + 1
	}
	return col0, row0, col1, row1
}

func crop(r *Raster, col0, row0, col1, row1 int) *Raster {
	w, h := col1-col0, row1-row0
	out := New(w, h, len(r.Bands), r.DataType)
	out.EPSG = r.EPSG
	out.NoData = r.NoData
	out.HasNoData = r.HasNoData

	gt := r.GeoTransform
	out.GeoTransform = gt
	out.GeoTransform[0] = gt[0] + float64(col0)*gt[1]
	out.GeoTransform[3] = gt[3] + float64(row0)*gt[5]

	for b := range r.Bands {
		for row := 0; row < h; row++ {
			src := r.Bands[b][(row0+row)*r.Width+col0 : (row0+row)*r.Width+col1]
			copy(out.Bands[b][row*w:(row+1)*w], src)
		}
	}
	return out
}

// coverage returns, for every pixel of r, whether it touches mp: either its
// center is inside mp (even-odd rule over all rings) or an edge of mp crosses it.
func coverage(r *Raster, mp orb.MultiPolygon) []bool {
	touched := make([]bool, r.Width*r.Height)

	var segments [][2]orb.Point
	for _, poly := range mp {
		for _, ring := range poly {
			for i := 0; i+1 < len(ring); i++ {
				segments = append(segments, [2]orb.Point{ring[i], ring[i+1]})
			}
			if n := len(ring); n > 1 && ring[0] != ring[n-1] {
				segments = append(segments, [2]orb.Point{ring[n-1], ring[0]})
			}
		}
	}

	gt := r.GeoTransform

	// Scanline fill of pixel centers.
	xs := make([]float64, 0, 16)
	for row := 0; row < r.Height; row++ {
		y := gt[3] + (float64(row)+0.5)*gt[5]
		xs = xs[:0]
		for _, s := range segments {
			a, b := s[0], s[1]
			if (a[1] > y) == (b[1] > y) {
				continue
			}
			xs = append(xs, a[0]+(y-a[1])*(b[0]-a[0])/(b[1]-a[1]))
		}
		if len(xs) < 2 {
			continue
		}
		slices.Sort(xs)
		for i := 0; i+1 < len(xs); i += 2 {
			c0 := int(math.Ceil((xs[i]-gt[0])/gt[1] - 0.5))
			c1 := int(math.Floor((xs[i+1]-gt[0])/gt[1] - 0.5))
			c0 = max(c0, 0)
			c1 = min(c1, r.Width-1)
			for col := c0; col <= c1; col++ {
				touched[row*r.Width+col] = true
			}
		}
	}

	// Pixels crossed by an edge.
	for _, s := range segments {
		col0, row0, col1, row1 := r.window(orb.Bound{
			Min: orb.Point{math.Min(s[0][0], s[1][0]), math.Min(s[0][1], s[1][1])},
			Max: orb.Point{math.Max(s[0][0], s[1][0]), math.Max(s[0][1], s[1][1])},
		})
		for row := row0; row < row1; row++ {
			for col := col0; col < col1; col++ {
				idx := row*r.Width + col
				if touched[idx] {
					continue
				}
				if segmentTouches(s[0], s[1], r.PixelBounds(col, row)) {
					touched[idx] = true
				}
			}
		}
	}

	return touched
}

// segmentTouches reports whether segment ab intersects the closed box b (Liang-Barsky).
func segmentTouches(a, c orb.Point, b orb.Bound) bool {
	dx, dy := c[0]-a[0], c[1]-a[1]
	t0, t1 := 0.0, 1.0

	edges := [4][2]float64{
		{-dx, a[0] - b.Min[0]},
		{dx, b.Max[0] - a[0]},
		{-dy, a[1] - b.Min[1]},
		{dy, b.Max[1] - a[1]},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return false
			}
			t0 = math.Max(t0, t)
		} else {
			if t < t0 {
				return false
			}
			t1 = math.Min(t1, t)
		}
	}
	return t0 <= t1
}

func clampInt(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// Clipper masks raster files to an AOI polygon in place.
type Clipper struct {
	codec     Codec
	projector Projector
	logger    *slog.Logger
}

// NewClipper creates a clipper. The projector is used when a raster is not in WGS84.
func NewClipper(codec Codec, projector Projector, logger *slog.Logger) *Clipper {
	if logger == nil {
		logger = slog.Default()
	}
	if projector == nil {
		projector = Mercator{}
	}
	return &Clipper{codec: codec, projector: projector, logger: logger}
}

// Clip masks the raster at path to aoi, which is in WGS84, and replaces the file.
// An AOI that does not overlap the raster leaves the file untouched and is not an error.
func (c *Clipper) Clip(ctx context.Context, path string, aoi *geojson.Geometry) error {
	mp, err := aoi.Orb()
	if err != nil {
		return fmt.Errorf("failed to read AOI: %w", err)
	}

	r, err := c.codec.Read(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read raster: %w", err)
	}

	if epsg := r.CRS(); epsg != EPSGWGS84 {
		c.logger.DebugContext(ctx, "reprojecting AOI", slog.Int("epsg", epsg))
		mp, err = c.projector.Project(ctx, mp, epsg)
		if err != nil {
			return fmt.Errorf("failed to reproject AOI to EPSG:%d: %w", epsg, err)
		}
	}

	out, err := Mask(r, mp)
	if errors.Is(err, ErrNoOverlap) {
		c.logger.WarnContext(ctx, "AOI does not overlap raster, leaving it unclipped",
			slog.String("path", path),
			slog.Any("raster_bounds", r.Bounds()),
			slog.Any("aoi_bounds", mp.Bound()),
			slog.Int("epsg", r.CRS()),
		)
		return nil
	}
	if err != nil {
		return err
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".clip")
	if err := c.codec.Write(ctx, tmp, out); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write clipped raster: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace raster: %w", err)
	}

	c.logger.InfoContext(ctx, "raster clipped to AOI",
		slog.String("path", path),
		slog.Int("width", out.Width),
		slog.Int("height", out.Height),
	)
	return nil
}
