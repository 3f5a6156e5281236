// Package server provides a public API for embedding the satellite compositor.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/sat-compositor/internal/aoi"
	"github.com/robert-malhotra/sat-compositor/internal/api"
	"github.com/robert-malhotra/sat-compositor/internal/config"
	"github.com/robert-malhotra/sat-compositor/internal/jobs"
	"github.com/robert-malhotra/sat-compositor/internal/poll"
	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/internal/provider/copernicus"
	"github.com/robert-malhotra/sat-compositor/internal/provider/gee"
	"github.com/robert-malhotra/sat-compositor/internal/provider/planetary"
	"github.com/robert-malhotra/sat-compositor/internal/raster"
	"github.com/robert-malhotra/sat-compositor/internal/raster/gdal"
)

// Options configures an embedded compositor. Zero values take the service defaults.
type Options struct {
	// OutputDir receives the delivered GeoTIFFs.
	// Default: "./outputs"
	OutputDir string

	// UploadDir holds AOI uploads while they are decoded.
	// Default: "./uploads"
	UploadDir string

	// GEEProject is the Cloud project used for Earth Engine.
	// Default: the project of the application default credentials
	GEEProject string

	// CopernicusRefreshToken, when set, authenticates Copernicus at Start.
	CopernicusRefreshToken string

	// CopernicusUsername and CopernicusPassword, when set, authenticate
	// Copernicus with a password grant at Start.
	CopernicusUsername string
	CopernicusPassword string

	// Logger is the slog logger to use.
	// Default: slog.Default()
	Logger *slog.Logger
}

// Server is a compositor that can be embedded in another application.
type Server struct {
	cfg     *config.Config
	router  chi.Router
	store   *jobs.Store
	runner  *jobs.Runner
	cdse    *copernicus.Auth
	session *gee.Session
	logger  *slog.Logger
}

// New creates a compositor from opts on top of the default configuration.
func New(opts Options) (*Server, error) {
	cfg, err := config.Defaults()
	if err != nil {
		return nil, err
	}
	if opts.OutputDir != "" {
		cfg.Storage.OutputDir = opts.OutputDir
	}
	if opts.UploadDir != "" {
		cfg.Storage.UploadDir = opts.UploadDir
	}
	cfg.GEE.Project = opts.GEEProject
	cfg.Copernicus.RefreshToken = opts.CopernicusRefreshToken
	cfg.Copernicus.Username = opts.CopernicusUsername
	cfg.Copernicus.Password = opts.CopernicusPassword

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	return NewFromConfig(cfg, opts.Logger)
}

// NewFromConfig creates a compositor from a loaded configuration.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Storage.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	codec := gdal.NewCodec()
	projector := raster.Chain{raster.Mercator{}, gdal.NewProjector()}

	// Copernicus openEO
	cdse := copernicus.NewAuth(copernicus.AuthConfig{
		ClientID:      cfg.Copernicus.ClientID,
		TokenURL:      cfg.Copernicus.TokenURL,
		DeviceAuthURL: cfg.Copernicus.DeviceAuthURL,
	}, logger)
	openeo := copernicus.NewClient(cfg.Copernicus.BaseURL, cfg.Copernicus.Provider, cdse.Token, cfg.Copernicus.Timeout).
		WithLogger(logger)
	poller := poll.New(copernicus.StatusProgress(poll.Config{
		Timeout:              cfg.Poll.Timeout,
		Interval:             cfg.Poll.Interval,
		MaxConsecutiveErrors: cfg.Poll.MaxConsecutiveErrors,
		ErrorBackoffStep:     cfg.Poll.ErrorBackoffStep,
		MaxBackoff:           cfg.Poll.MaxBackoff,
	}), logger)
	submit := poll.Retry{Attempts: cfg.Poll.SubmitAttempts, Step: cfg.Poll.RetryStep}
	download := poll.Retry{Attempts: cfg.Poll.DownloadAttempts, Step: cfg.Poll.RetryStep}

	// Earth Engine
	session := gee.NewSession(nil, logger)
	ee := gee.NewClient(cfg.GEE.BaseURL, session, cfg.GEE.Timeout, cfg.GEE.DownloadTimeout).WithLogger(logger)

	// Planetary Computer
	stacClient := planetary.NewClient(cfg.Planetary.STACURL, cfg.Planetary.Timeout).WithLogger(logger)
	signer := planetary.NewSigner(cfg.Planetary.SASURL, cfg.Planetary.Timeout).WithLogger(logger)

	registry := provider.NewRegistry(
		gee.NewSentinelAdapter(ee, session, logger),
		gee.NewLandsatAdapter(ee, session, logger),
		copernicus.NewAdapter(openeo, cdse, poller, submit, download, logger),
		planetary.NewAdapter(stacClient, signer, gdal.NewWarper(), projector, codec, planetary.Options{
			Collection:  cfg.Planetary.Collection,
			MaxItems:    cfg.Planetary.MaxItems,
			Concurrency: cfg.Planetary.Concurrency,
		}, logger),
	)

	store := jobs.NewStore(logger)
	runner := jobs.NewRunner(store, registry, cfg.Storage.OutputDir, logger).
		WithClipper(raster.NewClipper(codec, projector, logger))

	handlers := api.NewHandlers(api.Deps{
		Store:      store,
		Runner:     runner,
		Providers:  registry,
		Uploads:    aoi.NewDecoder(cfg.Storage.UploadDir, cfg.Storage.MaxUploadBytes, logger),
		OutputDir:  cfg.Storage.OutputDir,
		GEE:        session,
		Copernicus: cdse,
	}, logger)

	logger.Info("providers registered", slog.Any("providers", registry.Tags()))

	return &Server{
		cfg:     cfg,
		router:  api.NewRouter(handlers, logger),
		store:   store,
		runner:  runner,
		cdse:    cdse,
		session: session,
		logger:  logger,
	}, nil
}

// Start runs the startup authentications: configured Copernicus credentials and
// Earth Engine application default credentials. Failures are logged; the
// providers stay unauthenticated until the matching /api/auth call succeeds.
func (s *Server) Start(ctx context.Context) {
	switch cc := s.cfg.Copernicus; {
	case cc.RefreshToken != "":
		if err := s.cdse.UseRefreshToken(ctx, cc.RefreshToken); err != nil {
			s.logger.WarnContext(ctx, "Copernicus refresh token rejected", slog.String("error", err.Error()))
		}
	case cc.Username != "":
		if err := s.cdse.UsePassword(ctx, cc.Username, cc.Password); err != nil {
			s.logger.WarnContext(ctx, "Copernicus password grant failed", slog.String("error", err.Error()))
		}
	}

	if err := s.session.Initialize(ctx, s.cfg.GEE.Project); err != nil {
		s.logger.InfoContext(ctx, "Earth Engine not initialized at startup", slog.String("error", err.Error()))
	}
}

// Router returns the chi.Router for mounting in another application.
func (s *Server) Router() chi.Router {
	return s.router
}

// Store returns the job store.
func (s *Server) Store() *jobs.Store {
	return s.store
}

// Runner returns the job runner.
func (s *Server) Runner() *jobs.Runner {
	return s.runner
}

// Drain waits for running jobs until ctx is done. Jobs are never canceled;
// it reports how many were still active when it gave up.
func (s *Server) Drain(ctx context.Context) int {
	done := make(chan struct{})
	go func() {
		s.runner.Wait()
		close(done)
	}()

	select {
	case <-done:
		return 0
	case <-ctx.Done():
		active := 0
		for _, rec := range s.store.List() {
			if !rec.Status.Terminal() {
				active++
			}
		}
		s.logger.Warn("jobs still running at shutdown", slog.Int("active", active))
		return active
	}
}
