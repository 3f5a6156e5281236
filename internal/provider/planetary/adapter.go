package planetary

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/planetlabs/go-stac"
	"golang.org/x/sync/errgroup"

	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/internal/raster"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// QAAsset is the Landsat Collection 2 pixel quality band.
const QAAsset = "qa_pixel"

// qaCloudBits masks dilated cloud (bit 1), cloud (3), cloud shadow (4) and snow (5).
const qaCloudBits = 1<<1 | 1<<3 | 1<<4 | 1<<5

// Collection 2 surface reflectance scale and offset.
const (
	reflectanceScale  = 0.0000275
	reflectanceOffset = -0.2
)

// Warper resamples one single-band asset onto a grid. Pixels without data are NaN.
type Warper interface {
	Warp(ctx context.Context, href string, grid raster.Grid) (*raster.Raster, error)
}

// Options tunes the adapter.
type Options struct {
	Collection  string
	MaxItems    int
	Concurrency int
}

// Adapter composites Landsat 8/9 scenes locally. The catalog is public, so the
// adapter is always authenticated.
type Adapter struct {
	client    *Client
	signer    *Signer
	warper    Warper
	projector raster.Projector
	codec     raster.Codec
	opts      Options
	logger    *slog.Logger
}

// NewAdapter creates the planetary adapter.
func NewAdapter(client *Client, signer *Signer, warper Warper, projector raster.Projector, codec raster.Codec, opts Options, logger *slog.Logger) *Adapter {
	if opts.Collection == "" {
		opts.Collection = DefaultCollection
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		client:    client,
		signer:    signer,
		warper:    warper,
		projector: projector,
		codec:     codec,
		opts:      opts,
		logger:    logger,
	}
}

// Name returns the provider tag.
func (a *Adapter) Name() string {
	return provider.Planetary
}

// Authenticated always returns true.
func (a *Adapter) Authenticated(context.Context) bool {
	return true
}

// scene holds the signed hrefs of one item.
type scene struct {
	id    string
	bands []string
	qa    string
}

// Process searches, warps, masks, scales and medians the matching scenes.
func (a *Adapter) Process(ctx context.Context, req provider.Request, outputPath string, progress provider.ProgressFunc) error {
	bbox, err := req.AOI.BBox()
	if err != nil {
		return err
	}

	progress(5, "searching Planetary Computer catalog")
	items, err := a.client.Search(ctx, SearchParams{
		Collection: a.opts.Collection,
		BBox:       bbox,
		Start:      req.StartDate,
		End:        req.EndDate,
		MaxCloud:   req.MaxCloud,
		MaxItems:   a.opts.MaxItems,
	})
	if err != nil {
		return fmt.Errorf("%w: scene search: %w", provider.ErrSubmission, err)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: no Landsat scenes between %s and %s under %d%% cloud; widen the period or raise max_cloud",
			provider.ErrNoScenes, req.StartDate.Format(provider.DateLayout), req.EndDate.Format(provider.DateLayout), req.MaxCloud)
	}

	progress(15, fmt.Sprintf("%d scenes found, signing asset URLs", len(items)))
	scenes, err := a.sign(ctx, items, req.Bands)
	if err != nil {
		return err
	}
	if len(scenes) == 0 {
		return fmt.Errorf("%w: no scene carries all of %v", provider.ErrNoScenes, req.Bands)
	}

	lon, lat := bbox.Center()
	epsg := raster.UTMZoneEPSG(lon, lat)
	grid, err := a.grid(ctx, bbox, epsg, req.Resolution)
	if err != nil {
		return err
	}

	a.logger.InfoContext(ctx, "building datacube",
		slog.Int("scenes", len(scenes)),
		slog.Int("epsg", epsg),
		slog.Int("width", grid.Width()),
		slog.Int("height", grid.Height()),
	)
	progress(25, fmt.Sprintf("building datacube on EPSG:%d", epsg))

	stack, qa, err := a.warpAll(ctx, scenes, grid, progress)
	if err != nil {
		return err
	}

	progress(40, "applying QA_PIXEL cloud mask")
	for i := range stack {
		maskClouds(stack[i], qa[i])
	}

	progress(55, "applying Collection 2 scale factor")
	for _, s := range stack {
		scaleReflectance(s)
	}

	progress(65, "computing temporal median")
	composite, err := raster.Median(stack)
	if err != nil {
		return err
	}
	a.logStats(ctx, composite)

	progress(90, "writing GeoTIFF")
	if err := a.codec.Write(ctx, outputPath, composite); err != nil {
		return fmt.Errorf("failed to write composite: %w", err)
	}
	return nil
}

func (a *Adapter) sign(ctx context.Context, items []*stac.Item, bands []string) ([]scene, error) {
	scenes := make([]scene, 0, len(items))
	for _, item := range items {
		s, ok := sceneAssets(item, bands)
		if !ok {
			a.logger.WarnContext(ctx, "skipping scene with missing assets", slog.String("item", item.Id))
			continue
		}

		collection := item.Collection
		if collection == "" {
			collection = a.opts.Collection
		}

		var err error
		for i, href := range s.bands {
			if s.bands[i], err = a.signer.Sign(ctx, collection, href); err != nil {
				return nil, fmt.Errorf("%w: signing %s: %w", provider.ErrDownload, item.Id, err)
			}
		}
		if s.qa, err = a.signer.Sign(ctx, collection, s.qa); err != nil {
			return nil, fmt.Errorf("%w: signing %s: %w", provider.ErrDownload, item.Id, err)
		}
		scenes = append(scenes, s)
	}
	return scenes, nil
}

// sceneAssets returns the unsigned hrefs of bands and the QA asset of item.
func sceneAssets(item *stac.Item, bands []string) (scene, bool) {
	s := scene{id: item.Id, bands: make([]string, len(bands))}
	for i, band := range bands {
		asset, ok := item.Assets[band]
		if !ok || asset == nil || asset.Href == "" {
			return scene{}, false
		}
		s.bands[i] = asset.Href
	}
	qa, ok := item.Assets[QAAsset]
	if !ok || qa == nil || qa.Href == "" {
		return scene{}, false
	}
	s.qa = qa.Href
	return s, true
}

// grid projects the AOI bounding box into epsg and snaps it to resolution.
func (a *Adapter) grid(ctx context.Context, bbox geojson.BBox, epsg, resolution int) (raster.Grid, error) {
	b := orb.Bound{Min: orb.Point{bbox.West, bbox.South}, Max: orb.Point{bbox.East, bbox.North}}
	projected, err := a.projector.Project(ctx, orb.MultiPolygon{b.ToPolygon()}, epsg)
	if err != nil {
		return raster.Grid{}, fmt.Errorf("failed to project AOI to EPSG:%d: %w", epsg, err)
	}
	return raster.NewGrid(epsg, projected.Bound(), float64(resolution))
}

// warpAll warps every scene's bands and QA asset onto grid, a bounded number of
// scenes at a time. It returns the band stacks and QA rasters in scene order.
func (a *Adapter) warpAll(ctx context.Context, scenes []scene, grid raster.Grid, progress provider.ProgressFunc) ([]*raster.Raster, []*raster.Raster, error) {
	stack := make([]*raster.Raster, len(scenes))
	qa := make([]*raster.Raster, len(scenes))

	var (
		mu   sync.Mutex
		done int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.opts.Concurrency)

	for i, s := range scenes {
		g.Go(func() error {
			bands, err := a.warpScene(gctx, s, grid)
			if err != nil {
				return err
			}
			mask, err := a.warper.Warp(gctx, s.qa, grid)
			if err != nil {
				return fmt.Errorf("%w: %s %s: %w", provider.ErrDownload, s.id, QAAsset, err)
			}
			if err := sameGrid(mask, grid); err != nil {
				return fmt.Errorf("%s %s: %w", s.id, QAAsset, err)
			}
			stack[i], qa[i] = bands, mask

			mu.Lock()
			defer mu.Unlock()
			done++
			progress(provider.Scaled(25, 40, float64(done)/float64(len(scenes))),
				fmt.Sprintf("warped scene %d/%d", done, len(scenes)))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return stack, qa, nil
}

func (a *Adapter) warpScene(ctx context.Context, s scene, grid raster.Grid) (*raster.Raster, error) {
	out := raster.New(grid.Width(), grid.Height(), len(s.bands), raster.Float64)
	out.GeoTransform = grid.GeoTransform()
	out.EPSG = grid.EPSG
	out.NoData = math.NaN()
	out.HasNoData = true

	for b, href := range s.bands {
		band, err := a.warper.Warp(ctx, href, grid)
		if err != nil {
			return nil, fmt.Errorf("%w: %s band %d: %w", provider.ErrDownload, s.id, b+1, err)
		}
		if err := sameGrid(band, grid); err != nil {
			return nil, fmt.Errorf("%s band %d: %w", s.id, b+1, err)
		}
		out.Bands[b] = band.Bands[0]
	}
	return out, nil
}

func sameGrid(r *raster.Raster, grid raster.Grid) error {
	if r.Width != grid.Width() || r.Height != grid.Height() || len(r.Bands) == 0 {
		return fmt.Errorf("%w: warped to %dx%d, want %dx%d", raster.ErrShapeMismatch,
			r.Width, r.Height, grid.Width(), grid.Height())
	}
	return nil
}

// maskClouds sets every band to NaN where the QA band flags cloud, shadow or snow.
// Pixels without QA data are kept.
func maskClouds(s, qa *raster.Raster) {
	flags := qa.Bands[0]
	for i, q := range flags {
		if math.IsNaN(q) {
			continue
		}
		if uint32(q)&qaCloudBits == 0 {
			continue
		}
		for b := range s.Bands {
			s.Bands[b][i] = math.NaN()
		}
	}
}

// scaleReflectance converts digital numbers to surface reflectance in [0, 1].
func scaleReflectance(s *raster.Raster) {
	for b := range s.Bands {
		for i, v := range s.Bands[b] {
			if math.IsNaN(v) {
				continue
			}
			s.Bands[b][i] = min(max(v*reflectanceScale+reflectanceOffset, 0), 1)
		}
	}
}

func (a *Adapter) logStats(ctx context.Context, r *raster.Raster) {
	lo, hi := math.Inf(1), math.Inf(-1)
	var nan, total int
	for _, band := range r.Bands {
		for _, v := range band {
			total++
			if math.IsNaN(v) {
				nan++
				continue
			}
			lo, hi = min(lo, v), max(hi, v)
		}
	}
	a.logger.InfoContext(ctx, "composite computed",
		slog.Float64("min", lo),
		slog.Float64("max", hi),
		slog.Float64("nan_pct", 100*float64(nan)/float64(max(total, 1))),
	)
}
