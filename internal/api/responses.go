// Package api provides HTTP handlers and routing for the satellite compositor service.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/robert-malhotra/sat-compositor/internal/aoi"
	"github.com/robert-malhotra/sat-compositor/internal/jobs"
	"github.com/robert-malhotra/sat-compositor/internal/provider"
	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

// ErrorBody is the JSON body of every error response.
type ErrorBody struct {
	Code        string `json:"code"`
	Description string `json:"description"`
	RequestID   string `json:"request_id,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest       = "BadRequest"
	ErrCodeUnauthorized     = "Unauthorized"
	ErrCodeNotFound         = "NotFound"
	ErrCodeTooLarge         = "RequestEntityTooLarge"
	ErrCodeMethodNotAllowed = "MethodNotAllowed"
	ErrCodeServerError      = "ServerError"
	ErrCodeUpstreamError    = "UpstreamServiceError"
)

// WriteJSON writes a JSON response with the given status code and value.
func WriteJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response",
			slog.String("error", err.Error()),
		)
		return err
	}

	return nil
}

// WriteError writes an error response.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeErrorBody(w, status, ErrorBody{Code: code, Description: message})
}

func writeErrorBody(w http.ResponseWriter, status int, body ErrorBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode error response",
			slog.String("error", err.Error()),
		)
	}
}

// WriteBadRequest writes a 400 Bad Request error response.
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// WriteUnauthorized writes a 401 Unauthorized error response.
func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// WriteNotFound writes a 404 Not Found error response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// WriteInternalError writes a 500 Internal Server Error response.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, ErrCodeServerError, message)
}

// WriteInternalErrorWithRequestID writes a 500 response carrying the request id.
func WriteInternalErrorWithRequestID(w http.ResponseWriter, message, requestID string) {
	writeErrorBody(w, http.StatusInternalServerError, ErrorBody{
		Code:        ErrCodeServerError,
		Description: message,
		RequestID:   requestID,
	})
}

// WriteUpstreamError writes a 502 Bad Gateway error for provider failures.
func WriteUpstreamError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, ErrCodeUpstreamError, message)
}

// StatusFor maps an error kind to its HTTP status and error code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrValidation),
		errors.Is(err, provider.ErrInvalidRequest),
		errors.Is(err, geojson.ErrInvalidGeometry),
		errors.Is(err, geojson.ErrUnsupportedType),
		errors.Is(err, aoi.ErrUnsupportedFormat),
		errors.Is(err, aoi.ErrNoPolygon):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, aoi.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, ErrCodeTooLarge
	case errors.Is(err, provider.ErrNotAuthenticated):
		return http.StatusUnauthorized, ErrCodeUnauthorized
	case errors.Is(err, provider.ErrProvider):
		return http.StatusBadGateway, ErrCodeUpstreamError
	default:
		return http.StatusInternalServerError, ErrCodeServerError
	}
}

// WriteErrorFor writes the response for err using StatusFor. Internal errors
// are logged and their details withheld from the client.
func WriteErrorFor(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := StatusFor(err)
	if status == http.StatusInternalServerError {
		reqID := GetRequestID(r.Context())
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("request_id", reqID),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		WriteInternalErrorWithRequestID(w, "internal server error", reqID)
		return
	}
	WriteError(w, status, code, err.Error())
}
