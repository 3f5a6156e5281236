// Package integration provides live integration tests against the Planetary
// Computer and a local GDAL installation.
// Run with: go test -v ./internal/integration -tags=integration
//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/robert-malhotra/sat-compositor/internal/jobs"
	"github.com/robert-malhotra/sat-compositor/internal/provider/planetary"
	"github.com/robert-malhotra/sat-compositor/internal/raster/gdal"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
	"github.com/robert-malhotra/sat-compositor/pkg/server"
)

const timeout = 60 * time.Second

// A small field near Rome, cloud-free in summer.
var testBBox = geojson.BBox{West: 12.50, South: 41.88, East: 12.52, North: 41.90}

func logger() *slog.Logger {
	if os.Getenv("INTEGRATION_VERBOSE") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// Planetary Computer Direct Tests
// =============================================================================

func TestPlanetarySearch(t *testing.T) {
	client := planetary.NewClient(planetary.DefaultSTACURL, timeout).WithLogger(logger())
	ctx := context.Background()

	items, err := client.Search(ctx, planetary.SearchParams{
		Collection: planetary.DefaultCollection,
		BBox:       testBBox,
		Start:      time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC),
		End:        time.Date(2023, 7, 31, 0, 0, 0, 0, time.UTC),
		MaxCloud:   20,
		MaxItems:   5,
	})
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(items) == 0 {
		t.Fatal("expected at least one scene")
	}
	if len(items) > 5 {
		t.Errorf("expected at most 5 scenes, got %d", len(items))
	}

	for _, item := range items {
		if cc, ok := item.Properties["eo:cloud_cover"].(float64); ok && cc >= 20 {
			t.Errorf("scene %s has cloud cover %.1f", item.Id, cc)
		}
		platform, _ := item.Properties["platform"].(string)
		if platform != "landsat-8" && platform != "landsat-9" {
			t.Errorf("scene %s has platform %q", item.Id, platform)
		}
		if item.Assets[planetary.QAAsset] == nil {
			t.Errorf("scene %s has no %s asset", item.Id, planetary.QAAsset)
		}
	}
	t.Logf("Received %d scenes", len(items))
}

func TestPlanetarySign(t *testing.T) {
	signer := planetary.NewSigner(planetary.DefaultSASURL, timeout).WithLogger(logger())

	href := "https://landsateuwest.blob.core.windows.net/landsat-c2/level-2/example_SR_B4.TIF"
	signed, err := signer.Sign(context.Background(), planetary.DefaultCollection, href)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if !strings.HasPrefix(signed, href+"?") || !strings.Contains(signed, "sig=") {
		t.Errorf("expected a SAS query on the href, got %s", signed)
	}
}

// =============================================================================
// Full Stack Tests
// =============================================================================

func setupTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()

	srv, err := server.New(server.Options{
		OutputDir: t.TempDir(),
		UploadDir: t.TempDir(),
		Logger:    logger(),
	})
	if err != nil {
		t.Fatalf("failed to build server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postJSON(t *testing.T, url string, body any, out any) int {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s failed: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func TestPlanetaryComposite(t *testing.T) {
	if testing.Short() {
		t.Skip("downloads several Landsat scenes")
	}
	srv, ts := setupTestServer(t)

	aoi, err := geojson.NewPolygonFromBBox(testBBox)
	if err != nil {
		t.Fatal(err)
	}

	var rec jobs.Record
	status := postJSON(t, ts.URL+"/api/process", map[string]any{
		"provider":    "planetary",
		"aoi_geojson": aoi,
		"start_date":  "2023-07-01",
		"end_date":    "2023-07-31",
		"max_cloud":   20,
	}, &rec)
	if status != http.StatusOK {
		t.Fatalf("expected status 200, got %d", status)
	}

	srv.Runner().Wait()

	done, _ := srv.Store().Get(rec.ID)
	if done.Status != jobs.StatusCompleted {
		t.Fatalf("expected completed job, got %s: %s", done.Status, done.Message)
	}
	if done.Message != "done" {
		t.Errorf("expected a clean clip, got %q", done.Message)
	}

	resp, err := http.Get(ts.URL + "/api/download/" + done.OutputFile)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected download status 200, got %d", resp.StatusCode)
	}

	path := filepath.Join(t.TempDir(), done.OutputFile)
	data, _ := io.ReadAll(resp.Body)
	os.WriteFile(path, data, 0o644)

	r, err := gdal.NewCodec().Read(context.Background(), path)
	if err != nil {
		t.Fatalf("failed to read composite: %v", err)
	}
	if len(r.Bands) != 4 {
		t.Errorf("expected 4 bands, got %d", len(r.Bands))
	}
	if epsg := r.CRS(); epsg != 32633 {
		t.Errorf("expected UTM zone 33N, got EPSG:%d", epsg)
	}
	t.Logf("Composite %dx%d in EPSG:%d", r.Width, r.Height, r.CRS())
}

func TestAuthStatus(t *testing.T) {
	_, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/auth/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var status map[string]any
	json.NewDecoder(resp.Body).Decode(&status)
	if status["planetary"] != true {
		t.Errorf("expected planetary always available, got %v", status)
	}
	if status["copernicus"] != false {
		t.Errorf("expected copernicus unauthenticated without credentials, got %v", status["copernicus"])
	}
}
