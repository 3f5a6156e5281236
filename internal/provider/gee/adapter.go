package gee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"

	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// metersPerDegree converts a resolution in meters to degrees at the equator.
const metersPerDegree = 111320

// maxGridDimension is the largest width or height computePixels accepts.
const maxGridDimension = 32768

// compositeFunc adds a composite to g and returns its value.
type compositeFunc func(g *Graph, req provider.Request, region Value, progress provider.ProgressFunc) Value

// Adapter produces one Earth Engine composite variant.
type Adapter struct {
	name      string
	composite compositeFunc
	// requestAt is the progress reported when pixels are requested.
	requestAt int
	client    *Client
	session   *Session
	logger    *slog.Logger
}

// NewSentinelAdapter returns the gee_sentinel adapter.
func NewSentinelAdapter(client *Client, session *Session, logger *slog.Logger) *Adapter {
	return newAdapter(provider.GEESentinel, sentinelComposite, 50, client, session, logger)
}

// NewLandsatAdapter returns the gee_landsat adapter.
func NewLandsatAdapter(client *Client, session *Session, logger *slog.Logger) *Adapter {
	return newAdapter(provider.GEELandsat, landsatComposite, 60, client, session, logger)
}

func newAdapter(name string, fn compositeFunc, requestAt int, client *Client, session *Session, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		name:      name,
		composite: fn,
		requestAt: requestAt,
		client:    client,
		session:   session,
		logger:    logger.With(slog.String("provider", name)),
	}
}

// Name returns the provider tag.
func (a *Adapter) Name() string {
	return a.name
}

// Authenticated probes the API. On failure the session is reloaded once before
// it is dropped.
func (a *Adapter) Authenticated(ctx context.Context) bool {
	if !a.session.Initialized() {
		return false
	}
	err := a.client.Ping(ctx)
	if err == nil {
		return true
	}
	a.logger.WarnContext(ctx, "Earth Engine token check failed, reinitializing", slog.String("error", err.Error()))

	if err := a.session.Initialize(ctx, ""); err != nil {
		a.logger.ErrorContext(ctx, "Earth Engine reinitialization failed", slog.String("error", err.Error()))
		a.session.Reset()
		return false
	}
	if err := a.client.Ping(ctx); err != nil {
		a.logger.ErrorContext(ctx, "Earth Engine token still rejected", slog.String("error", err.Error()))
		a.session.Reset()
		return false
	}
	a.logger.InfoContext(ctx, "Earth Engine session refreshed")
	return true
}

// Process builds the composite graph, requests its pixels over the AOI bounds in
// EPSG:4326 and streams them to outputPath.
func (a *Adapter) Process(ctx context.Context, req provider.Request, outputPath string, progress provider.ProgressFunc) error {
	progress(5, "building AOI geometry")
	region, err := Geometry(req.AOI)
	if err != nil {
		return err
	}
	bbox, err := req.AOI.BBox()
	if err != nil {
		return err
	}
	grid, err := pixelGrid(bbox, req.Resolution)
	if err != nil {
		return err
	}

	g := NewGraph()
	image := a.composite(g, req, region, progress)

	progress(a.requestAt, "requesting GeoTIFF download")
	pixels := PixelsRequest{
		Expression: g.Expression(image),
		FileFormat: "GEO_TIFF",
		BandIDs:    req.Bands,
		Grid:       grid,
	}

	a.logger.InfoContext(ctx, "requesting pixels",
		slog.Int("width", grid.Dimensions.Width),
		slog.Int("height", grid.Dimensions.Height),
		slog.Any("bands", req.Bands),
	)

	progress(70, "downloading GeoTIFF")
	if err := a.download(ctx, pixels, outputPath, progress); err != nil {
		if errors.Is(err, ErrRequestTooLarge) {
			return fmt.Errorf("%w: %w; reduce the AOI or use a coarser resolution", provider.ErrExportTooLarge, err)
		}
		return fmt.Errorf("%w: %w", provider.ErrDownload, err)
	}
	return nil
}

// download writes the pixels to a temporary file next to outputPath and renames it into place.
func (a *Adapter) download(ctx context.Context, req PixelsRequest, outputPath string, progress provider.ProgressFunc) error {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".*.part")
	if err != nil {
		return fmt.Errorf("failed to create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	err = a.client.ComputePixels(ctx, req, tmp, func(written, total int64) {
		if total <= 0 {
			return
		}
		progress(min(provider.Scaled(70, 95, float64(written)/float64(total)), 95),
			fmt.Sprintf("downloading... %d KB", written/1024))
	})
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), outputPath)
}

// pixelGrid covers bbox in EPSG:4326 at resolution meters per pixel.
func pixelGrid(bbox geojson.BBox, resolution int) (PixelGrid, error) {
	scale := float64(resolution) / metersPerDegree
	width := max(int(math.Ceil((bbox.East-bbox.West)/scale)), 1)
	height := max(int(math.Ceil((bbox.North-bbox.South)/scale)), 1)

	if width > maxGridDimension || height > maxGridDimension {
		return PixelGrid{}, fmt.Errorf("%w: %dx%d pixels at %d m exceeds %d per side; reduce the AOI or use a coarser resolution",
			provider.ErrExportTooLarge, width, height, resolution, maxGridDimension)
	}

	return PixelGrid{
		Dimensions: Dimensions{Width: width, Height: height},
		AffineTransform: AffineTransform{
			ScaleX:     scale,
			TranslateX: bbox.West,
			ScaleY:     -scale,
			TranslateY: bbox.North,
		},
		CRSCode: "EPSG:4326",
	}, nil
}
