package geojson

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/paulmach/orb"
)

const squareJSON = `{"type":"Polygon","coordinates":[[[10,45],[11,45],[11,46],[10,46],[10,45]]]}`

func TestNormalize_Polygon(t *testing.T) {
	g, err := Normalize([]byte(squareJSON))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}

	if g.Type != "Polygon" {
		t.Errorf("Type = %s, want Polygon", g.Type)
	}

	rings, err := g.Polygon()
	if err != nil {
		t.Fatalf("Polygon() error: %v", err)
	}
	if len(rings) != 1 || len(rings[0]) != 5 {
		t.Errorf("unexpected rings: %v", rings)
	}
}

func TestNormalize_Feature(t *testing.T) {
	input := `{"type":"Feature","properties":{"name":"field"},"geometry":` + squareJSON + `}`

	g, err := Normalize([]byte(input))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if g.Type != "Polygon" {
		t.Errorf("Type = %s, want Polygon", g.Type)
	}
}

func TestNormalize_FeatureCollectionTakesFirstFeature(t *testing.T) {
	input := `{"type":"FeatureCollection","features":[
		{"type":"Feature","geometry":{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,0]]],[[[5,5],[6,5],[6,6],[5,5]]]]}},
		{"type":"Feature","geometry":` + squareJSON + `}
	]}`

	g, err := Normalize([]byte(input))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}
	if g.Type != "MultiPolygon" {
		t.Errorf("Type = %s, want MultiPolygon", g.Type)
	}
}

func TestNormalize_ClosesOpenRing(t *testing.T) {
	input := `{"type":"Polygon","coordinates":[[[10,45],[11,45],[11,46],[10,46]]]}`

	g, err := Normalize([]byte(input))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}

	rings, _ := g.Polygon()
	ring := rings[0]
	if len(ring) != 5 {
		t.Fatalf("ring length = %d, want 5", len(ring))
	}
	if ring[0][0] != ring[4][0] || ring[0][1] != ring[4][1] {
		t.Errorf("ring not closed: first %v last %v", ring[0], ring[4])
	}
}

func TestNormalize_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"not json", `{`, ErrInvalidGeometry},
		{"missing type", `{"coordinates":[]}`, ErrInvalidGeometry},
		{"point", `{"type":"Point","coordinates":[1,2]}`, ErrUnsupportedType},
		{"line", `{"type":"LineString","coordinates":[[1,2],[3,4]]}`, ErrUnsupportedType},
		{"empty collection", `{"type":"FeatureCollection","features":[]}`, ErrInvalidGeometry},
		{"null geometry", `{"type":"Feature","geometry":null}`, ErrInvalidGeometry},
		{"too few positions", `{"type":"Polygon","coordinates":[[[0,0],[1,1],[0,0]]]}`, ErrInvalidGeometry},
		{"latitude out of range", `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,95],[0,0]]]}`, ErrInvalidGeometry},
		{"no rings", `{"type":"Polygon","coordinates":[]}`, ErrInvalidGeometry},
		{"empty multipolygon", `{"type":"MultiPolygon","coordinates":[]}`, ErrInvalidGeometry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Normalize([]byte(tt.input))
			if err == nil {
				t.Fatal("Normalize() should return an error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestComputeBBox_MultiPolygon(t *testing.T) {
	coords := [][][][]float64{
		{{{-122.5, 37.7}, {-122.4, 37.7}, {-122.4, 37.8}, {-122.5, 37.7}}},
		{{{-122.3, 37.9}, {-122.2, 37.9}, {-122.2, 38.0}, {-122.3, 37.9}}},
	}
	coordsJSON, _ := json.Marshal(coords)
	g := &Geometry{Type: "MultiPolygon", Coordinates: coordsJSON}

	bbox, err := g.BBox()
	if err != nil {
		t.Fatalf("BBox() error: %v", err)
	}

	want := BBox{West: -122.5, South: 37.7, East: -122.2, North: 38.0}
	if bbox != want {
		t.Errorf("BBox() = %+v, want %+v", bbox, want)
	}

	lon, lat := bbox.Center()
	if math.Abs(lon+122.35) > 1e-9 || math.Abs(lat-37.85) > 1e-9 {
		t.Errorf("Center() = (%g, %g)", lon, lat)
	}
}

func TestComputeBBox_NilGeometry(t *testing.T) {
	if _, err := ComputeBBox(nil); err == nil {
		t.Error("ComputeBBox(nil) should return error")
	}
}

func TestBBoxValidate(t *testing.T) {
	tests := []struct {
		name    string
		bbox    BBox
		wantErr bool
	}{
		{"valid", BBox{West: -10, South: -5, East: 10, North: 5}, false},
		{"west after east", BBox{West: 10, South: -5, East: -10, North: 5}, true},
		{"degenerate", BBox{West: 1, South: 1, East: 1, North: 2}, true},
		{"longitude out of range", BBox{West: -190, South: 0, East: 10, North: 5}, true},
		{"latitude out of range", BBox{West: 0, South: -91, East: 10, North: 5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bbox.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewPolygonFromBBox(t *testing.T) {
	g, err := NewPolygonFromBBox(BBox{West: -1, South: -2, East: 3, North: 4})
	if err != nil {
		t.Fatalf("NewPolygonFromBBox() error: %v", err)
	}

	rings, err := g.Polygon()
	if err != nil {
		t.Fatalf("Polygon() error: %v", err)
	}
	if len(rings[0]) != 5 {
		t.Errorf("ring length = %d, want 5", len(rings[0]))
	}

	bbox, _ := g.BBox()
	if bbox != (BBox{West: -1, South: -2, East: 3, North: 4}) {
		t.Errorf("round trip bbox = %+v", bbox)
	}

	if _, err := NewPolygonFromBBox(BBox{West: 3, South: 0, East: 1, North: 1}); err == nil {
		t.Error("NewPolygonFromBBox() should reject an inverted box")
	}
}

func TestToWKT(t *testing.T) {
	g, _ := Normalize([]byte(squareJSON))

	wkt, err := ToWKT(g)
	if err != nil {
		t.Fatalf("ToWKT() error: %v", err)
	}

	want := "POLYGON((10 45,11 45,11 46,10 46,10 45))"
	if wkt != want {
		t.Errorf("ToWKT() = %s, want %s", wkt, want)
	}
}

func TestFromWKT_GDALOutput(t *testing.T) {
	// GDAL separates the type keyword and may emit a Z dimension.
	wkt := "POLYGON Z ((500000 4980000 0,580000 4980000 0,580000 5090000 0,500000 4980000 0))"

	g, err := FromWKT(wkt)
	if err != nil {
		t.Fatalf("FromWKT() error: %v", err)
	}

	rings, _ := g.Polygon()
	if len(rings[0]) != 4 || rings[0][1][0] != 580000 || rings[0][2][1] != 5090000 {
		t.Errorf("unexpected rings: %v", rings)
	}
}

func TestWKTRoundTrip_MultiPolygon(t *testing.T) {
	input := `{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,0]],[[0.2,0.1],[0.8,0.1],[0.8,0.5],[0.2,0.1]]],[[[5,5],[6,5],[6,6],[5,5]]]]}`
	g, err := Normalize([]byte(input))
	if err != nil {
		t.Fatalf("Normalize() error: %v", err)
	}

	wkt, err := ToWKT(g)
	if err != nil {
		t.Fatalf("ToWKT() error: %v", err)
	}
	if !strings.HasPrefix(wkt, "MULTIPOLYGON(") {
		t.Errorf("ToWKT() = %s", wkt)
	}

	back, err := FromWKT(wkt)
	if err != nil {
		t.Fatalf("FromWKT() error: %v", err)
	}

	polygons, _ := back.MultiPolygon()
	if len(polygons) != 2 || len(polygons[0]) != 2 {
		t.Errorf("unexpected structure after round trip: %v", polygons)
	}
}

func TestFromWKT_InvalidFormat(t *testing.T) {
	tests := []string{
		"",
		"POINT(1 2)",
		"POLYGON((1 2, 3 4)",
		"POLYGON((a b,c d,e f,a b))",
	}

	for _, wkt := range tests {
		if _, err := FromWKT(wkt); err == nil {
			t.Errorf("FromWKT(%q) should return error", wkt)
		}
	}
}

func TestOrbConversion(t *testing.T) {
	g, _ := Normalize([]byte(squareJSON))

	mp, err := g.Orb()
	if err != nil {
		t.Fatalf("Orb() error: %v", err)
	}
	if len(mp) != 1 || len(mp[0]) != 1 || len(mp[0][0]) != 5 {
		t.Fatalf("unexpected orb structure: %v", mp)
	}

	bound := mp.Bound()
	if bound.Min != (orb.Point{10, 45}) || bound.Max != (orb.Point{11, 46}) {
		t.Errorf("Bound() = %v", bound)
	}

	back, err := FromOrb(mp)
	if err != nil {
		t.Fatalf("FromOrb() error: %v", err)
	}
	if back.Type != "Polygon" {
		t.Errorf("FromOrb() type = %s, want Polygon", back.Type)
	}

	fromBound, err := FromOrb(orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{1, 1}})
	if err != nil {
		t.Fatalf("FromOrb(bound) error: %v", err)
	}
	bbox, _ := fromBound.BBox()
	if bbox != (BBox{West: 0, South: 0, East: 1, North: 1}) {
		t.Errorf("bound polygon bbox = %+v", bbox)
	}

	if _, err := FromOrb(orb.Point{1, 2}); !errors.Is(err, ErrUnsupportedType) {
		t.Errorf("FromOrb(point) error = %v, want ErrUnsupportedType", err)
	}
}
