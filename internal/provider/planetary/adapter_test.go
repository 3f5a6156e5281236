package planetary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/internal/raster"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

var testBands = []string{"red", "nir08"}

// fakeWarper fills each warped raster from the unsigned href.
type fakeWarper struct {
	mu    sync.Mutex
	hrefs []string
	fill  func(scene, asset string, i int) float64
	err   error
}

func (w *fakeWarper) Warp(_ context.Context, href string, grid raster.Grid) (*raster.Raster, error) {
	w.mu.Lock()
	w.hrefs = append(w.hrefs, href)
	w.mu.Unlock()

	if w.err != nil {
		return nil, w.err
	}

	path := redactQuery(href)
	parts := strings.Split(strings.TrimPrefix(path, "https://data.test/"), "/")
	scene, asset := parts[0], strings.TrimSuffix(parts[1], ".tif")

	r := raster.New(grid.Width(), grid.Height(), 1, raster.Float64)
	r.GeoTransform = grid.GeoTransform()
	r.EPSG = grid.EPSG
	for i := range r.Bands[0] {
		r.Bands[0][i] = w.fill(scene, asset, i)
	}
	return r, nil
}

func redactQuery(href string) string {
	if i := strings.IndexByte(href, '?'); i >= 0 {
		return href[:i]
	}
	return href
}

// fixedProjector returns a 90x60 m box on the 30 m lattice regardless of input.
type fixedProjector struct {
	epsg int
}

func (p *fixedProjector) Project(_ context.Context, _ orb.MultiPolygon, epsg int) (orb.MultiPolygon, error) {
	p.epsg = epsg
	b := orb.Bound{Min: orb.Point{499980, 3999990}, Max: orb.Point{500070, 4000050}}
	return orb.MultiPolygon{b.ToPolygon()}, nil
}

type captureCodec struct {
	path string
	out  *raster.Raster
}

func (c *captureCodec) Read(context.Context, string) (*raster.Raster, error) {
	return nil, errors.New("not implemented")
}

func (c *captureCodec) Write(_ context.Context, path string, r *raster.Raster) error {
	c.path, c.out = path, r
	return nil
}

// landsatFill produces three scenes s0..s2. Band values are DN 8000 + 1000*scene + 100*band.
// Scene s0 flags pixel 1 as dilated cloud, s2 flags pixel 0 as cloud, and s1 has no QA data.
func landsatFill(scene, asset string, i int) float64 {
	k := int(scene[1] - '0')
	if asset == QAAsset {
		switch {
		case k == 1:
			return math.NaN()
		case k == 0 && i == 1:
			return 2
		case k == 2 && i == 0:
			return 8
		default:
			return 21824
		}
	}
	b := slices.Index(testBands, asset)
	return float64(8000 + 1000*k + 100*b)
}

func newCatalog(t *testing.T, scenes ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/search":
			features := []any{}
			for _, id := range scenes {
				features = append(features, itemJSON(id, append(slices.Clone(testBands), QAAsset)...))
			}
			json.NewEncoder(w).Encode(map[string]any{"features": features})
		case strings.HasPrefix(r.URL.Path, "/token/"):
			json.NewEncoder(w).Encode(map[string]any{
				"msft:expiry": time.Now().Add(time.Hour).Format(time.RFC3339),
				"token":       "sig=abc",
			})
		default:
			http.NotFound(w, r)
		}
	}))
}

func testAdapter(server *httptest.Server, warper Warper, codec raster.Codec, projector raster.Projector) *Adapter {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAdapter(
		NewClient(server.URL, 5*time.Second).WithLogger(logger),
		NewSigner(server.URL, 5*time.Second).WithLogger(logger),
		warper, projector, codec,
		Options{MaxItems: 10, Concurrency: 2},
		logger,
	)
}

func adapterRequest(t *testing.T) provider.Request {
	t.Helper()
	aoi, err := geojson.NewPolygonFromBBox(geojson.BBox{West: -122.5, South: 37.7, East: -122.4, North: 37.8})
	if err != nil {
		t.Fatal(err)
	}
	return provider.Request{
		Provider:   provider.Planetary,
		AOI:        aoi,
		StartDate:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:    time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
		Bands:      testBands,
		Resolution: 30,
		MaxCloud:   30,
	}
}

func reflectance(dn float64) float64 {
	return dn*0.0000275 - 0.2
}

func TestAdapter_Process(t *testing.T) {
	server := newCatalog(t, "s0", "s1", "s2")
	defer server.Close()

	warper := &fakeWarper{fill: landsatFill}
	codec := &captureCodec{}
	projector := &fixedProjector{}
	adapter := testAdapter(server, warper, codec, projector)

	var progress []int
	err := adapter.Process(context.Background(), adapterRequest(t), "/out/planetary.tif", func(pct int, _ string) {
		progress = append(progress, pct)
	})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if projector.epsg != 32610 {
		t.Errorf("Expected UTM zone EPSG 32610, got %d", projector.epsg)
	}
	if len(warper.hrefs) != 9 {
		t.Errorf("Expected 9 warps (3 scenes x 3 assets), got %d", len(warper.hrefs))
	}
	for _, href := range warper.hrefs {
		if !strings.HasSuffix(href, "?sig=abc") {
			t.Errorf("Expected signed href, got %s", href)
		}
	}

	out := codec.out
	if codec.path != "/out/planetary.tif" || out == nil {
		t.Fatalf("Expected composite written to /out/planetary.tif, got %q", codec.path)
	}
	if out.Width != 3 || out.Height != 2 || len(out.Bands) != 2 {
		t.Fatalf("Expected 3x2x2 composite, got %dx%dx%d", out.Width, out.Height, len(out.Bands))
	}
	if gt := out.GeoTransform; gt[0] != 499980 || gt[3] != 4000050 || gt[1] != 30 {
		t.Errorf("Expected composite origin (499980, 4000050) at 30 m, got %v", gt)
	}
	if out.DataType != raster.Float32 || out.EPSG != 32610 {
		t.Errorf("Expected Float32 in EPSG:32610, got %s in EPSG:%d", out.DataType, out.EPSG)
	}

	for b := range testBands {
		offset := float64(100 * b)
		want := map[int]float64{
			0: (reflectance(8000+offset) + reflectance(9000+offset)) / 2,  // s2 cloud
			1: (reflectance(9000+offset) + reflectance(10000+offset)) / 2, // s0 dilated cloud
			2: reflectance(9000 + offset),
			5: reflectance(9000 + offset),
		}
		for i, w := range want {
			if got := out.Bands[b][i]; math.Abs(got-w) > 1e-9 {
				t.Errorf("band %d pixel %d: expected %v, got %v", b, i, w, got)
			}
		}
	}

	if !slices.IsSorted(progress) {
		t.Errorf("Expected non-decreasing progress, got %v", progress)
	}
	for _, milestone := range []int{5, 15, 25, 40, 55, 65, 90} {
		if !slices.Contains(progress, milestone) {
			t.Errorf("Expected milestone %d in %v", milestone, progress)
		}
	}
}

func TestAdapter_ProcessNoScenes(t *testing.T) {
	server := newCatalog(t)
	defer server.Close()

	adapter := testAdapter(server, &fakeWarper{fill: landsatFill}, &captureCodec{}, &fixedProjector{})
	err := adapter.Process(context.Background(), adapterRequest(t), "/out/x.tif", func(int, string) {})
	if !errors.Is(err, provider.ErrNoScenes) {
		t.Errorf("Expected ErrNoScenes, got %v", err)
	}
}

func TestAdapter_ProcessWarpFailure(t *testing.T) {
	server := newCatalog(t, "s0", "s1")
	defer server.Close()

	codec := &captureCodec{}
	warper := &fakeWarper{err: fmt.Errorf("HTTP 403")}
	adapter := testAdapter(server, warper, codec, &fixedProjector{})

	err := adapter.Process(context.Background(), adapterRequest(t), "/out/x.tif", func(int, string) {})
	if !errors.Is(err, provider.ErrDownload) {
		t.Errorf("Expected ErrDownload, got %v", err)
	}
	if codec.out != nil {
		t.Error("Expected nothing written after a warp failure")
	}
}

func TestAdapter_Authenticated(t *testing.T) {
	adapter := NewAdapter(nil, nil, nil, nil, nil, Options{}, nil)
	if !adapter.Authenticated(context.Background()) {
		t.Error("Expected planetary adapter to be always authenticated")
	}
	if adapter.Name() != provider.Planetary {
		t.Errorf("Expected name %s, got %s", provider.Planetary, adapter.Name())
	}
}

func TestScaleReflectanceClamps(t *testing.T) {
	r := raster.New(4, 1, 1, raster.Float64)
	copy(r.Bands[0], []float64{0, 50000, math.NaN(), 10000})

	scaleReflectance(r)

	if r.Bands[0][0] != 0 || r.Bands[0][1] != 1 {
		t.Errorf("Expected clamped [0 1], got %v", r.Bands[0][:2])
	}
	if !math.IsNaN(r.Bands[0][2]) {
		t.Errorf("Expected NaN preserved, got %v", r.Bands[0][2])
	}
	if math.Abs(r.Bands[0][3]-0.075) > 1e-12 {
		t.Errorf("Expected 0.075, got %v", r.Bands[0][3])
	}
}
