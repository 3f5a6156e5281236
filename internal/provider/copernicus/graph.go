package copernicus

import (
	"fmt"
	"slices"

	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// Collection is the openEO collection composited by the adapter.
const Collection = "SENTINEL2_L2A"

// sclBand is the Sentinel-2 scene classification band.
const sclBand = "SCL"

// sclInvalid lists the scene classes masked out: saturated (1), dark area (2),
// cloud shadow (3), cloud medium (8) and high (9) probability, cirrus (10), snow (11).
var sclInvalid = []int{1, 2, 3, 8, 9, 10, 11}

// Node is one process of an openEO process graph.
type Node struct {
	ProcessID string         `json:"process_id"`
	Arguments map[string]any `json:"arguments"`
	Result    bool           `json:"result,omitempty"`
}

// ProcessGraph maps node ids to processes. Exactly one node is the result.
type ProcessGraph map[string]Node

// Process wraps a graph for job creation.
type Process struct {
	ProcessGraph ProcessGraph `json:"process_graph"`
}

func fromNode(id string) map[string]any {
	return map[string]any{"from_node": id}
}

func fromParameter(name string) map[string]any {
	return map[string]any{"from_parameter": name}
}

func callback(graph ProcessGraph) map[string]any {
	return map[string]any{"process_graph": graph}
}

// MedianGraph returns the process graph of the Sentinel-2 L2A median composite:
// load with a cloud cover filter, mask invalid SCL classes, keep the requested
// bands, reduce time by median and save as GeoTIFF.
func MedianGraph(bbox geojson.BBox, req provider.Request) ProcessGraph {
	bands := slices.DeleteFunc(slices.Clone(req.Bands), func(b string) bool { return b == sclBand })
	load := append(slices.Clone(bands), sclBand)

	return ProcessGraph{
		"load": {
			ProcessID: "load_collection",
			Arguments: map[string]any{
				"id": Collection,
				"spatial_extent": map[string]any{
					"west":  bbox.West,
					"south": bbox.South,
					"east":  bbox.East,
					"north": bbox.North,
				},
				"temporal_extent": []string{
					req.StartDate.Format(provider.DateLayout),
					req.EndDate.Format(provider.DateLayout),
				},
				"bands": load,
				"properties": map[string]any{
					"eo:cloud_cover": callback(ProcessGraph{
						"cc": {
							ProcessID: "lte",
							Arguments: map[string]any{"x": fromParameter("value"), "y": req.MaxCloud},
							Result:    true,
						},
					}),
				},
			},
		},
		"cloudmask": {
			ProcessID: "reduce_dimension",
			Arguments: map[string]any{
				"data":      fromNode("load"),
				"dimension": "bands",
				"reducer":   callback(sclMaskGraph()),
			},
		},
		"mask": {
			ProcessID: "mask",
			Arguments: map[string]any{
				"data": fromNode("load"),
				"mask": fromNode("cloudmask"),
			},
		},
		"bands": {
			ProcessID: "filter_bands",
			Arguments: map[string]any{
				"data":  fromNode("mask"),
				"bands": bands,
			},
		},
		"median": {
			ProcessID: "reduce_dimension",
			Arguments: map[string]any{
				"data":      fromNode("bands"),
				"dimension": "t",
				"reducer": callback(ProcessGraph{
					"median": {
						ProcessID: "median",
						Arguments: map[string]any{"data": fromParameter("data")},
						Result:    true,
					},
				}),
			},
		},
		"save": {
			ProcessID: "save_result",
			Arguments: map[string]any{
				"data":   fromNode("median"),
				"format": "GTiff",
			},
			Result: true,
		},
	}
}

// sclMaskGraph is true where the SCL class is one of sclInvalid.
func sclMaskGraph() ProcessGraph {
	g := ProcessGraph{
		"scl": {
			ProcessID: "array_element",
			Arguments: map[string]any{"data": fromParameter("data"), "label": sclBand},
		},
	}

	var prev string
	for i, class := range sclInvalid {
		eq := fmt.Sprintf("eq%d", class)
		g[eq] = Node{
			ProcessID: "eq",
			Arguments: map[string]any{"x": fromNode("scl"), "y": class},
		}
		if i == 0 {
			prev = eq
			continue
		}
		or := fmt.Sprintf("or%d", i)
		g[or] = Node{
			ProcessID: "or",
			Arguments: map[string]any{"x": fromNode(prev), "y": fromNode(eq)},
		}
		prev = or
	}

	n := g[prev]
	n.Result = true
	g[prev] = n
	return g
}
