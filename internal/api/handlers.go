package api

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/robert-malhotra/sat-compositor/internal/aoi"
	"github.com/robert-malhotra/sat-compositor/internal/jobs"
	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/internal/provider/copernicus"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// maxJSONBody bounds JSON request bodies.
const maxJSONBody = 10 << 20

// GEEAuth initializes Earth Engine credentials for a Cloud project.
type GEEAuth interface {
	Initialize(ctx context.Context, project string) error
	Project() string
}

// CopernicusAuth drives the CDSE device login.
type CopernicusAuth interface {
	StartDeviceLogin(ctx context.Context) (copernicus.DeviceLogin, error)
	Login() copernicus.DeviceLogin
}

// Deps are the collaborators of the HTTP handlers. GEE and Copernicus may be nil
// when those providers are not configured.
type Deps struct {
	Store      *jobs.Store
	Runner     *jobs.Runner
	Providers  *provider.Registry
	Uploads    *aoi.Decoder
	OutputDir  string
	GEE        GEEAuth
	Copernicus CopernicusAuth
}

// Handlers contains all HTTP handlers of the compositor API.
type Handlers struct {
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(deps Deps, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{deps: deps, logger: logger, now: time.Now}
}

// Health returns the service status.
// GET /api/health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": h.now().Format(time.RFC3339),
	})
}

// AuthStatus is the authentication state of every provider family.
type AuthStatus struct {
	GEE               bool                    `json:"gee"`
	Copernicus        bool                    `json:"copernicus"`
	Planetary         bool                    `json:"planetary"`
	GEEMessage        string                  `json:"gee_message"`
	CopernicusMessage string                  `json:"copernicus_message"`
	PlanetaryMessage  string                  `json:"planetary_message"`
	GEEProject        string                  `json:"gee_project,omitempty"`
	CopernicusLogin   *copernicus.DeviceLogin `json:"copernicus_login,omitempty"`
}

// AuthStatus probes each provider's credentials.
// GET /api/auth/status
func (h *Handlers) AuthStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := AuthStatus{
		GEE:        h.authenticated(ctx, provider.GEESentinel),
		Copernicus: h.authenticated(ctx, provider.Copernicus),
		Planetary:  h.authenticated(ctx, provider.Planetary),
	}

	status.GEEMessage = authMessage(status.GEE)
	status.CopernicusMessage = authMessage(status.Copernicus)
	status.PlanetaryMessage = "public access, no authentication required"

	if h.deps.GEE != nil {
		status.GEEProject = h.deps.GEE.Project()
	}
	if h.deps.Copernicus != nil && !status.Copernicus {
		login := h.deps.Copernicus.Login()
		if login.Phase == copernicus.PhaseDeviceCode {
			status.CopernicusLogin = &login
		}
	}

	WriteJSON(w, http.StatusOK, status)
}

func (h *Handlers) authenticated(ctx context.Context, tag string) bool {
	adapter, ok := h.deps.Providers.Get(tag)
	return ok && adapter.Authenticated(ctx)
}

func authMessage(ok bool) string {
	if ok {
		return "authenticated"
	}
	return "not authenticated"
}

type geeAuthRequest struct {
	ProjectID string `json:"project_id"`
}

// AuthGEE initializes Earth Engine credentials for the given project.
// POST /api/auth/gee
func (h *Handlers) AuthGEE(w http.ResponseWriter, r *http.Request) {
	if h.deps.GEE == nil {
		WriteNotFound(w, "Earth Engine is not configured")
		return
	}

	var body geeAuthRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil && !errors.Is(err, io.EOF) {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	ctx := r.Context()
	if err := h.deps.GEE.Initialize(ctx, strings.TrimSpace(body.ProjectID)); err != nil {
		h.logger.WarnContext(ctx, "Earth Engine initialization failed", slog.String("error", err.Error()))
		WriteUnauthorized(w, err.Error())
		return
	}
	if !h.authenticated(ctx, provider.GEESentinel) {
		WriteUnauthorized(w, "Earth Engine rejected the credentials")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"message": "Earth Engine initialized for project " + h.deps.GEE.Project(),
	})
}

type copernicusAuthResponse struct {
	Status string `json:"status"`
	copernicus.DeviceLogin
}

// AuthCopernicus starts the CDSE device login. While the user has not yet
// confirmed, it answers 202 with the verification link and user code; clients
// poll /api/auth/status for completion.
// POST /api/auth/copernicus
func (h *Handlers) AuthCopernicus(w http.ResponseWriter, r *http.Request) {
	if h.deps.Copernicus == nil {
		WriteNotFound(w, "Copernicus is not configured")
		return
	}

	login, err := h.deps.Copernicus.StartDeviceLogin(r.Context())
	if err != nil {
		WriteUnauthorized(w, err.Error())
		return
	}

	switch login.Phase {
	case copernicus.PhaseComplete:
		WriteJSON(w, http.StatusOK, copernicusAuthResponse{Status: "ok", DeviceLogin: login})
	case copernicus.PhaseDeviceCode:
		WriteJSON(w, http.StatusAccepted, copernicusAuthResponse{Status: "pending", DeviceLogin: login})
	default:
		WriteUnauthorized(w, login.Message)
	}
}

type bboxRequest struct {
	West  *float64 `json:"west"`
	South *float64 `json:"south"`
	East  *float64 `json:"east"`
	North *float64 `json:"north"`
}

type aoiResponse struct {
	GeoJSON *geojson.Geometry `json:"geojson"`
}

// AOIFromBBox converts a bounding box into a polygon.
// POST /api/aoi/bbox
func (h *Handlers) AOIFromBBox(w http.ResponseWriter, r *http.Request) {
	var req bboxRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.West == nil || req.South == nil || req.East == nil || req.North == nil {
		WriteBadRequest(w, "west, south, east and north are required")
		return
	}

	g, err := geojson.NewPolygonFromBBox(geojson.BBox{
		West:  *req.West,
		South: *req.South,
		East:  *req.East,
		North: *req.North,
	})
	if err != nil {
		WriteErrorFor(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, aoiResponse{GeoJSON: g})
}

// AOIFromGeoJSON normalizes posted GeoJSON to a single Polygon or MultiPolygon.
// POST /api/aoi/geojson
func (h *Handlers) AOIFromGeoJSON(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err != nil {
		WriteBadRequest(w, "failed to read request body: "+err.Error())
		return
	}

	g, err := geojson.Normalize(data)
	if err != nil {
		WriteErrorFor(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, aoiResponse{GeoJSON: g})
}

// AOIFromUpload decodes a multipart "file" upload: a zipped shapefile or a GeoJSON file.
// POST /api/aoi/upload
func (h *Handlers) AOIFromUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		WriteBadRequest(w, "expected a multipart/form-data upload: "+err.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			WriteBadRequest(w, `missing "file" form field`)
			return
		}
		if err != nil {
			WriteBadRequest(w, "failed to read upload: "+err.Error())
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		filename := part.FileName()
		if filename == "" {
			filename = "upload"
		}
		g, err := h.deps.Uploads.Decode(r.Context(), filename, part)
		part.Close()
		if err != nil {
			h.logger.WarnContext(r.Context(), "AOI upload rejected",
				slog.String("filename", filename),
				slog.String("error", err.Error()),
			)
			status, code := StatusFor(err)
			if status == http.StatusInternalServerError {
				status, code = http.StatusBadRequest, ErrCodeBadRequest
			}
			WriteError(w, status, code, "failed to process file: "+err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, aoiResponse{GeoJSON: g})
		return
	}
}

type processRequest struct {
	Provider           string          `json:"provider"`
	AOI                json.RawMessage `json:"aoi_geojson"`
	StartDate          string          `json:"start_date"`
	EndDate            string          `json:"end_date"`
	Bands              []string        `json:"bands"`
	Resolution         int             `json:"resolution"`
	MaxCloud           *int            `json:"max_cloud"`
	CloudProbThreshold *int            `json:"cloud_prob_threshold"`
}

func (p processRequest) toRequest() (provider.Request, error) {
	if len(p.AOI) == 0 {
		return provider.Request{}, fmt.Errorf("%w: aoi_geojson is required", provider.ErrInvalidRequest)
	}
	g, err := geojson.Normalize(p.AOI)
	if err != nil {
		return provider.Request{}, fmt.Errorf("%w: aoi_geojson: %w", provider.ErrInvalidRequest, err)
	}
	start, err := provider.ParseDate(p.StartDate)
	if err != nil {
		return provider.Request{}, err
	}
	end, err := provider.ParseDate(p.EndDate)
	if err != nil {
		return provider.Request{}, err
	}

	req := provider.Request{
		Provider:           p.Provider,
		AOI:                g,
		StartDate:          start,
		EndDate:            end,
		Bands:              p.Bands,
		Resolution:         p.Resolution,
		MaxCloud:           provider.DefaultMaxCloud,
		CloudProbThreshold: provider.DefaultCloudProbThreshold,
	}
	if p.MaxCloud != nil {
		req.MaxCloud = *p.MaxCloud
	}
	if p.CloudProbThreshold != nil {
		req.CloudProbThreshold = *p.CloudProbThreshold
	}
	return req, nil
}

// Process validates a composite request and starts it as a background job.
// POST /api/process
func (h *Handlers) Process(w http.ResponseWriter, r *http.Request) {
	var body processRequest
	if err := decodeJSON(w, r, &body); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}

	req, err := body.toRequest()
	if err != nil {
		WriteErrorFor(w, r, h.logger, err)
		return
	}

	rec, err := h.deps.Runner.Submit(r.Context(), req)
	if err != nil {
		WriteErrorFor(w, r, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// Jobs lists every job, newest first.
// GET /api/jobs
func (h *Handlers) Jobs(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, h.deps.Store.List())
}

// Job returns a single job.
// GET /api/jobs/{jobId}
func (h *Handlers) Job(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.deps.Store.Get(chi.URLParam(r, "jobId"))
	if !ok {
		WriteNotFound(w, "job not found")
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

// Download serves a delivered GeoTIFF.
// GET /api/download/{filename}
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "filename"))
	if err != nil || !safeFilename(name) {
		WriteBadRequest(w, "invalid file name")
		return
	}

	f, err := os.Open(filepath.Join(h.deps.OutputDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			WriteNotFound(w, "file not found")
			return
		}
		WriteErrorFor(w, r, h.logger, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		WriteNotFound(w, "file not found")
		return
	}

	w.Header().Set("Content-Type", "image/tiff")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// safeFilename accepts a bare file name that cannot leave the output directory.
func safeFilename(name string) bool {
	return name != "" &&
		name != "." &&
		name != ".." &&
		!strings.ContainsAny(name, `/\`) &&
		filepath.Base(name) == name
}

// OutputFile describes a downloadable deliverable.
type OutputFile struct {
	Filename string  `json:"filename"`
	SizeMB   float64 `json:"size_mb"`
	Created  string  `json:"created"`
}

// Outputs lists the GeoTIFFs in the output directory, newest first.
// GET /api/outputs
func (h *Handlers) Outputs(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.deps.OutputDir)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		WriteErrorFor(w, r, h.logger, fmt.Errorf("failed to list outputs: %w", err))
		return
	}

	type entry struct {
		file    OutputFile
		modTime time.Time
	}
	var found []entry
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.Type().IsRegular() || (ext != ".tif" && ext != ".tiff") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, entry{
			file: OutputFile{
				Filename: e.Name(),
				SizeMB:   math.Round(float64(info.Size())/(1<<20)*100) / 100,
				Created:  info.ModTime().Format(time.RFC3339),
			},
			modTime: info.ModTime(),
		})
	}

	slices.SortFunc(found, func(a, b entry) int {
		if c := b.modTime.Compare(a.modTime); c != 0 {
			return c
		}
		return cmp.Compare(b.file.Filename, a.file.Filename)
	})

	files := make([]OutputFile, 0, len(found))
	for _, e := range found {
		files = append(files, e.file)
	}
	WriteJSON(w, http.StatusOK, files)
}

// decodeJSON decodes a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("empty request body: %w", err)
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
