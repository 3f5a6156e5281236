package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates and configures the HTTP router with all routes and middleware.
func NewRouter(h *Handlers, logger *slog.Logger) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestIDResponse)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(logger))
	r.Use(Recovery(logger))
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(ContentTypeJSON)

	// The front end is served from another origin.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Content-Length"},
		ExposedHeaders:   []string{"Content-Disposition", RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/auth", func(r chi.Router) {
			r.Get("/status", h.AuthStatus)
			r.Post("/gee", h.AuthGEE)
			r.Post("/copernicus", h.AuthCopernicus)
		})

		r.Route("/aoi", func(r chi.Router) {
			r.Post("/bbox", h.AOIFromBBox)
			r.Post("/geojson", h.AOIFromGeoJSON)
			r.Post("/upload", h.AOIFromUpload)
		})

		r.Post("/process", h.Process)
		r.Get("/jobs", h.Jobs)
		r.Get("/jobs/{jobId}", h.Job)

		r.Get("/download/{filename}", h.Download)
		r.Get("/outputs", h.Outputs)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteNotFound(w, "endpoint not found")
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
	})

	return r
}
