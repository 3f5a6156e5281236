package jobs

import (
	"errors"
	"fmt"

	"github.com/robert-malhotra/sat-compositor/internal/provider"
)

var (
	// ErrValidation is returned by Submit for malformed requests. No job is created.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownProvider is returned by Submit when no adapter is registered for the tag.
	ErrUnknownProvider = fmt.Errorf("%w: unknown provider", ErrValidation)

	// ErrNotAuthenticated is returned by Submit when the selected provider has no valid credential.
	ErrNotAuthenticated = provider.ErrNotAuthenticated
)
