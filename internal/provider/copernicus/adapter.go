package copernicus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/planetlabs/go-stac"

	"github.com/robert-malhotra/sat-compositor/internal/poll"
	"github.com/robert-malhotra/sat-compositor/internal/provider"
)

// JobTitle names the batch jobs created by the adapter.
const JobTitle = "sat-compositor Sentinel-2 median"

// Job status labels.
const (
	StatusCreated  = "created"
	StatusQueued   = "queued"
	StatusRunning  = "running"
	StatusFinished = "finished"
	StatusFailed   = "error"
	StatusCanceled = "canceled"
)

// StatusProgress sets the progress reported for each job status on cfg.
func StatusProgress(cfg poll.Config) poll.Config {
	cfg.Progress = map[string]int{
		StatusCreated:  60,
		StatusQueued:   65,
		StatusRunning:  75,
		StatusFinished: 90,
	}
	cfg.DefaultProgress = 70
	cfg.DegradedProgress = 70
	return cfg
}

// Adapter submits the composite as an openEO batch job and waits for it.
type Adapter struct {
	client   *Client
	auth     *Auth
	poller   *poll.Poller
	submit   poll.Retry
	download poll.Retry
	logger   *slog.Logger
}

// NewAdapter creates the copernicus adapter. submit governs job creation and
// start, download governs fetching the result.
func NewAdapter(client *Client, auth *Auth, poller *poll.Poller, submit, download poll.Retry, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("provider", provider.Copernicus))
	submit.Logger, download.Logger = logger, logger
	return &Adapter{
		client:   client,
		auth:     auth,
		poller:   poller,
		submit:   submit,
		download: download,
		logger:   logger,
	}
}

// Name returns the provider tag.
func (a *Adapter) Name() string {
	return provider.Copernicus
}

// Authenticated probes the API with the current token, forcing one refresh
// before giving up. Credentials that cannot be refreshed are dropped.
func (a *Adapter) Authenticated(ctx context.Context) bool {
	if !a.auth.HasToken() {
		return false
	}
	err := a.client.Me(ctx)
	if err == nil {
		return true
	}
	a.logger.WarnContext(ctx, "Copernicus token check failed, refreshing", slog.String("error", err.Error()))

	if err := a.auth.Refresh(ctx); err != nil {
		a.logger.ErrorContext(ctx, "Copernicus token refresh failed", slog.String("error", err.Error()))
		a.auth.Forget()
		return false
	}
	if err := a.client.Me(ctx); err != nil {
		a.logger.ErrorContext(ctx, "Copernicus token still rejected", slog.String("error", err.Error()))
		a.auth.Forget()
		return false
	}
	a.logger.InfoContext(ctx, "Copernicus token refreshed")
	return true
}

// Process runs the median graph as a batch job and downloads its GeoTIFF.
func (a *Adapter) Process(ctx context.Context, req provider.Request, outputPath string, progress provider.ProgressFunc) error {
	bbox, err := req.AOI.BBox()
	if err != nil {
		return err
	}

	progress(10, "loading Sentinel-2 L2A collection")
	graph := MedianGraph(bbox, req)
	progress(25, "applying SCL cloud mask")
	progress(40, "computing temporal median")
	progress(50, "preparing GeoTIFF export")

	progress(55, "creating batch job")
	var id string
	create := a.submit
	create.OnRetry = func(attempt, attempts int, _ error) {
		progress(55, fmt.Sprintf("job creation failed, retrying (%d/%d)", attempt, attempts))
	}
	err = create.Do(ctx, "create openEO job", func(ctx context.Context) error {
		var err error
		id, err = a.client.CreateJob(ctx, JobTitle, graph)
		return classify(err)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", provider.ErrSubmission, err)
	}

	logger := a.logger.With(slog.String("openeo_job", id))
	logger.InfoContext(ctx, "batch job created")

	progress(58, "starting batch job")
	start := a.submit
	start.OnRetry = func(attempt, attempts int, _ error) {
		progress(58, fmt.Sprintf("job start failed, retrying (%d/%d)", attempt, attempts))
	}
	err = start.Do(ctx, "start openEO job", func(ctx context.Context) error {
		return classify(a.client.StartJob(ctx, id))
	})
	if err != nil {
		return fmt.Errorf("%w: %w", provider.ErrSubmission, err)
	}

	progress(60, "waiting for Copernicus processing")
	_, err = a.poller.Wait(ctx, poll.Operation{
		Name: "openEO job " + id,
		Query: func(ctx context.Context) (poll.Status, error) {
			label, err := a.client.JobStatus(ctx, id)
			if err != nil {
				return poll.Status{}, classify(err)
			}
			return poll.Status{Label: label, Outcome: outcome(label)}, nil
		},
		Logs: func(ctx context.Context) ([]string, error) {
			return a.client.ErrorLogs(ctx, id)
		},
		Report: poll.ReportFunc(progress),
	})
	if err != nil {
		if errors.Is(err, poll.ErrRemoteCanceled) {
			return fmt.Errorf("%w: %w", provider.ErrRemoteCanceled, err)
		}
		return fmt.Errorf("%w: %w", provider.ErrRemoteJob, err)
	}

	progress(90, "downloading result")
	fetch := a.download
	fetch.OnRetry = func(attempt, attempts int, _ error) {
		progress(92, fmt.Sprintf("download failed, retrying (%d/%d)", attempt, attempts))
	}
	err = fetch.Do(ctx, "download openEO result", func(ctx context.Context) error {
		return classify(a.fetchResult(ctx, id, outputPath))
	})
	if err != nil {
		return fmt.Errorf("%w: %w", provider.ErrDownload, err)
	}

	logger.InfoContext(ctx, "batch job result downloaded", slog.String("output", outputPath))
	return nil
}

func (a *Adapter) fetchResult(ctx context.Context, id, outputPath string) error {
	assets, err := a.client.Results(ctx, id)
	if err != nil {
		return err
	}
	asset := pickGeoTIFF(assets)
	if asset == nil {
		return poll.Permanent(fmt.Errorf("openEO job %s has no GeoTIFF asset", id))
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".*.part")
	if err != nil {
		return poll.Permanent(fmt.Errorf("failed to create download file: %w", err))
	}
	defer os.Remove(tmp.Name())

	_, err = a.client.Download(ctx, asset.Href, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), outputPath)
}

// pickGeoTIFF returns the first asset typed or named as a GeoTIFF, in key order.
func pickGeoTIFF(assets map[string]*stac.Asset) *stac.Asset {
	keys := make([]string, 0, len(assets))
	for k := range assets {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, k := range keys {
		asset := assets[k]
		if asset == nil || asset.Href == "" {
			continue
		}
		if strings.Contains(asset.Type, "tiff") || strings.HasSuffix(strings.ToLower(k), ".tif") {
			return asset
		}
	}
	return nil
}

func outcome(label string) poll.Outcome {
	switch label {
	case StatusFinished:
		return poll.Succeeded
	case StatusFailed:
		return poll.Failed
	case StatusCanceled:
		return poll.Canceled
	default:
		return poll.Running
	}
}

// classify marks client errors as permanent. Server errors, timeouts and
// transport failures stay retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return poll.Permanent(err)
	}
	if errors.Is(err, ErrNoToken) {
		return poll.Permanent(err)
	}
	return err
}
