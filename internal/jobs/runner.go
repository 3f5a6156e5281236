package jobs

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// Clipper masks a delivered raster to the AOI polygon. A returned error is
// reported as a warning on the completed job, never as a failure.
type Clipper interface {
	Clip(ctx context.Context, path string, aoi *geojson.Geometry) error
}

// Runner executes one background unit per submitted job. There is no
// concurrency ceiling and no cancellation: a unit runs until its adapter returns.
type Runner struct {
	store     *Store
	providers *provider.Registry
	clipper   Clipper
	outputDir string
	logger    *slog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// NewRunner creates a runner writing deliverables into outputDir.
func NewRunner(store *Store, providers *provider.Registry, outputDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		providers: providers,
		outputDir: outputDir,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClipper sets the clipper run on every successful deliverable.
func (r *Runner) WithClipper(c Clipper) *Runner {
	r.clipper = c
	return r
}

// Submit validates req, checks that its provider is authenticated, creates the job
// record and starts its unit. It returns the pending record. Validation and auth
// failures are returned directly and create no record.
func (r *Runner) Submit(ctx context.Context, req provider.Request) (Record, error) {
	adapter, ok := r.providers.Get(req.Provider)
	if !ok {
		return Record{}, fmt.Errorf("%w: %q", ErrUnknownProvider, req.Provider)
	}

	req = req.WithDefaults()
	if err := req.Validate(); err != nil {
		return Record{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	req.AOI = cloneGeometry(req.AOI)

	if !adapter.Authenticated(ctx) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotAuthenticated, req.Provider)
	}

	rec := r.store.Create(req.Provider)
	name := OutputName(req.Provider, r.now(), rec.ID)

	r.logger.InfoContext(ctx, "job submitted",
		slog.String("job_id", rec.ID),
		slog.String("provider", req.Provider),
		slog.String("output_file", name),
	)

	r.wg.Add(1)
	go r.run(rec.ID, adapter, req, name)

	return rec, nil
}

// Wait blocks until every started unit has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) run(id string, adapter provider.Adapter, req provider.Request, name string) {
	defer r.wg.Done()

	logger := r.logger.With(slog.String("job_id", id), slog.String("provider", req.Provider))
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("job panicked", slog.Any("panic", rec))
			r.store.Update(id, Failed(fmt.Sprintf("error: internal failure: %v", rec)))
		}
	}()

	ctx := context.Background()
	path := filepath.Join(r.outputDir, name)

	r.store.Update(id, Started("starting"))

	progress := func(pct int, message string) {
		logger.Debug("job progress", slog.Int("progress", pct), slog.String("message", message))
		r.store.Update(id, Progressed(pct, message))
	}

	if err := adapter.Process(ctx, req, path, progress); err != nil {
		logger.Error("job failed", slog.String("error", err.Error()), slog.Duration("elapsed", time.Since(start)))
		r.store.Update(id, Failed("error: "+err.Error()))
		return
	}

	message := "done"
	if r.clipper != nil {
		progress(96, "clipping to AOI polygon")
		if err := r.clipper.Clip(ctx, path, req.AOI); err != nil {
			logger.Warn("clip skipped", slog.String("error", err.Error()))
			message = fmt.Sprintf("done (warning: clip skipped: %v)", err)
		}
	}

	r.store.Update(id, Completed(name, message))
	logger.Info("job completed", slog.String("output_file", name), slog.Duration("elapsed", time.Since(start)))
}

func cloneGeometry(g *geojson.Geometry) *geojson.Geometry {
	if g == nil {
		return nil
	}
	return &geojson.Geometry{Type: g.Type, Coordinates: bytes.Clone(g.Coordinates)}
}
