package provider

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned when request parameters are malformed.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotAuthenticated is returned when a backend has no valid credential.
	ErrNotAuthenticated = errors.New("provider not authenticated")

	// ErrProvider is the parent of every failure raised while a backend builds a composite.
	ErrProvider = errors.New("provider error")
)

// Provider failure kinds. Each wraps ErrProvider.
var (
	ErrSubmission     = fmt.Errorf("%w: remote submission failed", ErrProvider)
	ErrExportTooLarge = fmt.Errorf("%w: export too large", ErrProvider)
	ErrNoScenes       = fmt.Errorf("%w: no scenes found", ErrProvider)
	ErrRemoteJob      = fmt.Errorf("%w: remote job failed", ErrProvider)
	ErrRemoteCanceled = fmt.Errorf("%w: remote job canceled", ErrProvider)
	ErrDownload       = fmt.Errorf("%w: result download failed", ErrProvider)
)
