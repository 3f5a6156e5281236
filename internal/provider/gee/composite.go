package gee

import (
	"fmt"

	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// Earth Engine catalog ids.
const (
	SentinelSR          = "COPERNICUS/S2_SR_HARMONIZED"
	SentinelCloudProb   = "COPERNICUS/S2_CLOUD_PROBABILITY"
	Landsat8            = "LANDSAT/LC08/C02/T1_L2"
	Landsat9            = "LANDSAT/LC09/C02/T1_L2"
	landsatQABand       = "QA_PIXEL"
	cloudProbProperty   = "cloud_prob"
	cloudProbBand       = "probability"
	mappedImageArgument = "image"
)

// Landsat QA_PIXEL cloud (bit 3) and cloud shadow (bit 4) flags.
const (
	qaCloud       = 1 << 3
	qaCloudShadow = 1 << 4
)

// Geometry converts an AOI into a server-side geometry.
func Geometry(aoi *geojson.Geometry) (Value, error) {
	polygons, err := aoi.Polygons()
	if err != nil {
		return Value{}, err
	}
	if len(polygons) == 1 {
		return Call("GeometryConstructors.Polygon", Args{
			"coordinates": Const(polygons[0]),
			"evenOdd":     Const(true),
		}), nil
	}
	return Call("GeometryConstructors.MultiPolygon", Args{
		"coordinates": Const(polygons),
		"evenOdd":     Const(true),
	}), nil
}

// load returns collection id filtered to region and the request period.
func load(id string, region Value, req provider.Request) Value {
	c := Call("ImageCollection.load", Args{"id": Const(id)})
	c = Call("Collection.filter", Args{
		"collection": c,
		"filter": Call("Filter.intersects", Args{
			"leftField":  Const(".all"),
			"rightValue": Call("Feature", Args{"geometry": region}),
		}),
	})
	return Call("Collection.filter", Args{
		"collection": c,
		"filter": Call("Filter.dateRangeContains", Args{
			"leftValue": Call("DateRange", Args{
				"start": Call("Date", Args{"value": Const(req.StartDate.UnixMilli())}),
				"end":   Call("Date", Args{"value": Const(req.EndDate.UnixMilli())}),
			}),
			"rightField": Const("system:time_start"),
		}),
	})
}

func constant(v any) Value {
	return Call("Image.constant", Args{"value": Const(v)})
}

func selectBands(image Value, bands []string) Value {
	return Call("Image.select", Args{"input": image, "bandSelectors": Const(bands)})
}

func medianClipped(collection, region Value) Value {
	return Call("Image.clip", Args{
		"input":    Call("reduce.median", Args{"collection": collection}),
		"geometry": region,
	})
}

// sentinelComposite builds the Sentinel-2 SR median masked with the s2cloudless
// probability joined on system:index.
func sentinelComposite(g *Graph, req provider.Request, region Value, progress provider.ProgressFunc) Value {
	progress(10, "loading Sentinel-2 SR harmonized collection")
	s2 := Call("Collection.filter", Args{
		"collection": load(SentinelSR, region, req),
		"filter": Call("Filter.lessThan", Args{
			"leftField":  Const("CLOUDY_PIXEL_PERCENTAGE"),
			"rightValue": Const(req.MaxCloud),
		}),
	})
	clouds := load(SentinelCloudProb, region, req)

	progress(20, "joining cloud probability")
	joined := Call("Join.apply", Args{
		"join":      Call("Join.saveFirst", Args{"matchKey": Const(cloudProbProperty)}),
		"primary":   s2,
		"secondary": clouds,
		"condition": Call("Filter.equals", Args{
			"leftField":  Const("system:index"),
			"rightField": Const("system:index"),
		}),
	})

	progress(30, fmt.Sprintf("masking pixels with cloud probability >= %d", req.CloudProbThreshold))
	image := Arg(mappedImageArgument)
	probability := selectBands(Call("Element.get", Args{
		"object":   image,
		"property": Const(cloudProbProperty),
	}), []string{cloudProbBand})
	masked := Call("Image.updateMask", Args{
		"image": image,
		"mask":  Call("Image.lt", Args{"image1": probability, "image2": constant(req.CloudProbThreshold)}),
	})
	mapped := Call("Collection.map", Args{
		"collection":    joined,
		"baseAlgorithm": g.Func([]string{mappedImageArgument}, selectBands(masked, req.Bands)),
	})

	progress(40, "computing median composite")
	return medianClipped(mapped, region)
}

// landsatComposite builds the Landsat 8+9 Collection 2 median with cloud and
// shadow masked and surface reflectance scaling applied.
func landsatComposite(g *Graph, req provider.Request, region Value, progress provider.ProgressFunc) Value {
	progress(10, "loading Landsat 8 and 9 collections")
	merged := Call("Collection.merge", Args{
		"collection1": load(Landsat8, region, req),
		"collection2": load(Landsat9, region, req),
	})

	progress(25, "applying QA_PIXEL cloud mask")
	image := Arg(mappedImageArgument)
	qa := selectBands(image, []string{landsatQABand})
	unset := func(bit int) Value {
		return Call("Image.eq", Args{
			"image1": Call("Image.bitwiseAnd", Args{"image1": qa, "image2": constant(bit)}),
			"image2": constant(0),
		})
	}
	masked := Call("Image.updateMask", Args{
		"image": image,
		"mask":  Call("Image.and", Args{"image1": unset(qaCloud), "image2": unset(qaCloudShadow)}),
	})

	progress(40, "applying Collection 2 scale factor")
	scaled := Call("Image.add", Args{
		"image1": Call("Image.multiply", Args{
			"image1": selectBands(masked, req.Bands),
			"image2": constant(0.0000275),
		}),
		"image2": constant(-0.2),
	})
	mapped := Call("Collection.map", Args{
		"collection":    merged,
		"baseAlgorithm": g.Func([]string{mappedImageArgument}, scaled),
	})

	progress(50, "computing median composite")
	return medianClipped(mapped, region)
}
