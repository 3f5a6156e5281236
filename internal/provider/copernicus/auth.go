package copernicus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoToken is returned when no OIDC token has been obtained yet.
var ErrNoToken = errors.New("no Copernicus token; start the device login first")

// Phase is the state of the device login.
type Phase string

const (
	PhaseComplete   Phase = "complete"
	PhaseDeviceCode Phase = "device_code"
	PhaseError      Phase = "error"
)

// DeviceLogin describes the device login as shown to the user.
type DeviceLogin struct {
	Phase                   Phase     `json:"phase"`
	Message                 string    `json:"message"`
	VerificationURI         string    `json:"verification_uri,omitempty"`
	VerificationURIComplete string    `json:"verification_uri_complete,omitempty"`
	UserCode                string    `json:"user_code,omitempty"`
	ExpiresAt               time.Time `json:"expires_at,omitzero"`
}

// AuthConfig locates the CDSE identity endpoints.
type AuthConfig struct {
	ClientID      string
	TokenURL      string
	DeviceAuthURL string
}

// Auth holds the OIDC credentials used for the openEO API. Tokens are refreshed
// transparently once obtained through a device login, a refresh token or a password grant.
type Auth struct {
	cfg    *oauth2.Config
	logger *slog.Logger

	mu      sync.Mutex
	source  oauth2.TokenSource
	pending *DeviceLogin
	lastErr error
}

// NewAuth creates an Auth without credentials.
func NewAuth(cfg AuthConfig, logger *slog.Logger) *Auth {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auth{
		cfg: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				TokenURL:      cfg.TokenURL,
				DeviceAuthURL: cfg.DeviceAuthURL,
				AuthStyle:     oauth2.AuthStyleInParams,
			},
			Scopes: []string{"openid"},
		},
		logger: logger,
	}
}

// Token returns a valid access token, refreshing it when expired.
func (a *Auth) Token(ctx context.Context) (string, error) {
	a.mu.Lock()
	source := a.source
	a.mu.Unlock()

	if source == nil {
		return "", ErrNoToken
	}
	tok, err := source.Token()
	if err != nil {
		return "", fmt.Errorf("failed to refresh Copernicus token: %w", err)
	}
	return tok.AccessToken, nil
}

// HasToken reports whether credentials have been obtained.
func (a *Auth) HasToken() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.source != nil
}

// Forget drops the credentials.
func (a *Auth) Forget() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.source = nil
}

// Refresh forces a refresh-token grant, for tokens the API rejects before they expire.
func (a *Auth) Refresh(ctx context.Context) error {
	a.mu.Lock()
	source := a.source
	a.mu.Unlock()
	if source == nil {
		return ErrNoToken
	}

	current, err := source.Token()
	if err != nil {
		return err
	}
	if current.RefreshToken == "" {
		return errors.New("Copernicus token has no refresh token")
	}
	return a.UseRefreshToken(ctx, current.RefreshToken)
}

// UseRefreshToken exchanges refreshToken for an access token and keeps the result.
func (a *Auth) UseRefreshToken(ctx context.Context, refreshToken string) error {
	ctx = context.WithoutCancel(ctx)
	source := a.cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		return fmt.Errorf("Copernicus refresh token grant failed: %w", err)
	}
	a.store(ctx, tok)
	a.logger.InfoContext(ctx, "Copernicus authenticated with refresh token")
	return nil
}

// UsePassword runs the resource owner password grant.
func (a *Auth) UsePassword(ctx context.Context, username, password string) error {
	ctx = context.WithoutCancel(ctx)
	tok, err := a.cfg.PasswordCredentialsToken(ctx, username, password)
	if err != nil {
		return fmt.Errorf("Copernicus password grant failed: %w", err)
	}
	a.store(ctx, tok)
	a.logger.InfoContext(ctx, "Copernicus authenticated with password grant", slog.String("username", username))
	return nil
}

func (a *Auth) store(ctx context.Context, tok *oauth2.Token) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.source = oauth2.ReuseTokenSource(tok, a.cfg.TokenSource(ctx, tok))
	a.pending = nil
	a.lastErr = nil
}

// StartDeviceLogin begins a device authorization and completes it in the
// background. While a login is pending, repeated calls return the same code.
func (a *Auth) StartDeviceLogin(ctx context.Context) (DeviceLogin, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.source != nil {
		return DeviceLogin{Phase: PhaseComplete, Message: "Copernicus already authenticated"}, nil
	}
	if a.pending != nil && time.Now().Before(a.pending.ExpiresAt) {
		return *a.pending, nil
	}

	verifier := oauth2.GenerateVerifier()
	resp, err := a.cfg.DeviceAuth(ctx, oauth2.S256ChallengeOption(verifier))
	if err != nil {
		a.lastErr = err
		return DeviceLogin{Phase: PhaseError, Message: err.Error()}, fmt.Errorf("Copernicus device authorization failed: %w", err)
	}

	login := &DeviceLogin{
		Phase:                   PhaseDeviceCode,
		Message:                 "open the link and authorize access; waiting for confirmation",
		VerificationURI:         resp.VerificationURI,
		VerificationURIComplete: resp.VerificationURIComplete,
		UserCode:                resp.UserCode,
		ExpiresAt:               resp.Expiry,
	}
	a.pending = login
	a.lastErr = nil

	a.logger.InfoContext(ctx, "Copernicus device login started",
		slog.String("verification_uri", resp.VerificationURI),
		slog.String("user_code", resp.UserCode),
	)

	go a.awaitDevice(resp, verifier)
	return *login, nil
}

func (a *Auth) awaitDevice(resp *oauth2.DeviceAuthResponse, verifier string) {
	ctx := context.Background()
	if !resp.Expiry.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, resp.Expiry)
		defer cancel()
	}

	tok, err := a.cfg.DeviceAccessToken(ctx, resp, oauth2.VerifierOption(verifier))
	if err != nil {
		a.logger.Error("Copernicus device login failed", slog.String("error", err.Error()))
		a.mu.Lock()
		a.pending = nil
		a.lastErr = err
		a.mu.Unlock()
		return
	}

	a.store(context.Background(), tok)
	a.logger.Info("Copernicus authenticated with device login")
}

// Login returns the state of the device login.
func (a *Auth) Login() DeviceLogin {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case a.source != nil:
		return DeviceLogin{Phase: PhaseComplete, Message: "Copernicus authenticated"}
	case a.pending != nil:
		return *a.pending
	case a.lastErr != nil:
		return DeviceLogin{Phase: PhaseError, Message: a.lastErr.Error()}
	default:
		return DeviceLogin{Phase: PhaseError, Message: "Copernicus login not started"}
	}
}
