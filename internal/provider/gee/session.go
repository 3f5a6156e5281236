package gee

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// OAuth scopes requested for Earth Engine.
const (
	EarthEngineScope   = "https://www.googleapis.com/auth/earthengine"
	CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"
)

// ErrNoProject is returned when neither the caller nor the credentials name a Cloud project.
var ErrNoProject = errors.New("no Google Cloud project configured for Earth Engine")

// CredentialsFinder locates Google credentials. google.FindDefaultCredentials
// satisfies it.
type CredentialsFinder func(ctx context.Context, scopes ...string) (*google.Credentials, error)

// Session holds the authenticated HTTP client and project shared by the Earth Engine adapters.
type Session struct {
	find   CredentialsFinder
	logger *slog.Logger

	mu      sync.RWMutex
	project string
	client  *http.Client
}

// NewSession creates an uninitialized session. A nil finder uses application default credentials.
func NewSession(find CredentialsFinder, logger *slog.Logger) *Session {
	if find == nil {
		find = google.FindDefaultCredentials
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{find: find, logger: logger}
}

// Initialize loads credentials for project. An empty project falls back to the
// previously used project, then to the project of the credentials. Token refreshes
// outlive ctx's cancellation.
func (s *Session) Initialize(ctx context.Context, project string) error {
	ctx = context.WithoutCancel(ctx)
	creds, err := s.find(ctx, EarthEngineScope, CloudPlatformScope)
	if err != nil {
		return fmt.Errorf("failed to find Google credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if project == "" {
		project = s.project
	}
	if project == "" {
		project = creds.ProjectID
	}
	if project == "" {
		return ErrNoProject
	}

	s.project = project
	s.client = oauth2.NewClient(ctx, oauth2.ReuseTokenSource(nil, creds.TokenSource))

	s.logger.InfoContext(ctx, "Earth Engine session initialized", slog.String("project", project))
	return nil
}

// Initialized reports whether credentials have been loaded.
func (s *Session) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

// Project returns the Cloud project requests are billed to.
func (s *Session) Project() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.project
}

// Reset drops the credentials. The project is kept for the next Initialize.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.client = nil
}

func (s *Session) httpClient() (*http.Client, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, "", errors.New("Earth Engine session is not initialized")
	}
	return s.client, s.project, nil
}
