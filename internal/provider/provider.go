// Package provider defines the capability contract every imagery backend implements,
// the immutable request bundle handed to it, and the registry used to select a backend by tag.
package provider

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// Provider tags accepted at submission time.
const (
	GEESentinel = "gee_sentinel"
	GEELandsat  = "gee_landsat"
	Copernicus  = "copernicus"
	Planetary   = "planetary"
)

// DateLayout is the calendar date format used by requests.
const DateLayout = "2006-01-02"

// Request defaults.
const (
	DefaultMaxCloud           = 30
	DefaultCloudProbThreshold = 50
)

// ProgressFunc receives progress reports from an adapter. Percentages are 0-100.
type ProgressFunc func(pct int, message string)

// Adapter produces a composite raster for one backend.
type Adapter interface {
	// Name returns the provider tag, e.g. "planetary".
	Name() string

	// Authenticated reports whether the adapter can currently reach its backend.
	// Implementations may refresh credentials as a side effect.
	Authenticated(ctx context.Context) bool

	// Process builds the composite described by req and writes it to outputPath.
	Process(ctx context.Context, req Request, outputPath string, progress ProgressFunc) error
}

// Request is the parameter bundle for one composite.
type Request struct {
	Provider           string
	AOI                *geojson.Geometry
	StartDate          time.Time
	EndDate            time.Time
	Bands              []string
	Resolution         int
	MaxCloud           int
	CloudProbThreshold int
}

// Defaults holds the per-provider band list and resolution in meters.
type Defaults struct {
	Bands      []string
	Resolution int
}

var defaults = map[string]Defaults{
	GEESentinel: {Bands: []string{"B2", "B3", "B4", "B8"}, Resolution: 10},
	GEELandsat:  {Bands: []string{"SR_B2", "SR_B3", "SR_B4", "SR_B5"}, Resolution: 30},
	Copernicus:  {Bands: []string{"B02", "B03", "B04", "B08"}, Resolution: 10},
	Planetary:   {Bands: []string{"blue", "green", "red", "nir08"}, Resolution: 30},
}

// DefaultsFor returns the defaults of a provider tag.
func DefaultsFor(tag string) (Defaults, bool) {
	d, ok := defaults[tag]
	if !ok {
		return Defaults{}, false
	}
	return Defaults{Bands: slices.Clone(d.Bands), Resolution: d.Resolution}, true
}

// WithDefaults fills empty bands and resolution from the provider defaults.
// The returned request owns its band slice.
func (r Request) WithDefaults() Request {
	d, ok := DefaultsFor(r.Provider)
	if len(r.Bands) == 0 && ok {
		r.Bands = d.Bands
	} else {
		r.Bands = slices.Clone(r.Bands)
	}
	if r.Resolution == 0 && ok {
		r.Resolution = d.Resolution
	}
	return r
}

// Validate checks the request fields that do not need the backend.
func (r Request) Validate() error {
	if _, ok := defaults[r.Provider]; !ok {
		return fmt.Errorf("%w: unknown provider %q", ErrInvalidRequest, r.Provider)
	}
	if r.AOI == nil {
		return fmt.Errorf("%w: aoi is required", ErrInvalidRequest)
	}
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidRequest)
	}
	if r.EndDate.Before(r.StartDate) {
		return fmt.Errorf("%w: end date %s is before start date %s", ErrInvalidRequest,
			r.EndDate.Format(DateLayout), r.StartDate.Format(DateLayout))
	}
	if len(r.Bands) == 0 {
		return fmt.Errorf("%w: at least one band is required", ErrInvalidRequest)
	}
	if r.Resolution <= 0 {
		return fmt.Errorf("%w: resolution must be positive, got %d", ErrInvalidRequest, r.Resolution)
	}
	if r.MaxCloud < 0 || r.MaxCloud > 100 {
		return fmt.Errorf("%w: max_cloud must be within 0..100, got %d", ErrInvalidRequest, r.MaxCloud)
	}
	if r.CloudProbThreshold < 0 || r.CloudProbThreshold > 100 {
		return fmt.Errorf("%w: cloud_prob_threshold must be within 0..100, got %d", ErrInvalidRequest, r.CloudProbThreshold)
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must use YYYY-MM-DD", ErrInvalidRequest, s)
	}
	return t, nil
}

// Scaled maps a fraction in [0, 1] onto the [from, to] progress window.
func Scaled(from, to int, fraction float64) int {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	return from + int(float64(to-from)*fraction)
}
