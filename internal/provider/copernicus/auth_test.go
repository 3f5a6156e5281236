package copernicus

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robert-malhotra/sat-compositor/internal/poll"
)

// fakeIdentity is a minimal OIDC token and device authorization endpoint.
type fakeIdentity struct {
	mu          sync.Mutex
	grants      []string
	devicePolls int
	pendingFor  int
	server      *httptest.Server
}

func newFakeIdentity(t *testing.T) *fakeIdentity {
	f := &fakeIdentity{pendingFor: 1}
	mux := http.NewServeMux()

	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code_challenge") == "" {
			t.Error("Expected a PKCE challenge on device authorization")
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"device_code":      "dev-1",
			"user_code":        "ABCD-EFGH",
			"verification_uri": "https://identity.test/device",
			"expires_in":       60,
			"interval":         1,
		})
	})

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		grant := r.Form.Get("grant_type")

		f.mu.Lock()
		f.grants = append(f.grants, grant)
		pending := false
		if grant == "urn:ietf:params:oauth:grant-type:device_code" {
			f.devicePolls++
			pending = f.devicePolls <= f.pendingFor
		}
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case pending:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
		case grant == "password" && r.Form.Get("password") != "secret":
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		case grant == "refresh_token" && r.Form.Get("refresh_token") == "revoked":
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-" + grant,
				"token_type":    "Bearer",
				"expires_in":    300,
				"refresh_token": "refresh-1",
			})
		}
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIdentity) auth() *Auth {
	return NewAuth(AuthConfig{
		ClientID:      "cdse-public",
		TokenURL:      f.server.URL + "/token",
		DeviceAuthURL: f.server.URL + "/device",
	}, discard())
}

func TestAuth_NoToken(t *testing.T) {
	auth := newFakeIdentity(t).auth()

	if auth.HasToken() {
		t.Error("Expected no token initially")
	}
	if _, err := auth.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken, got %v", err)
	}
	if got := auth.Login().Phase; got != PhaseError {
		t.Errorf("Expected phase error before any login, got %s", got)
	}
}

func TestAuth_PasswordGrant(t *testing.T) {
	auth := newFakeIdentity(t).auth()

	if err := auth.UsePassword(context.Background(), "user", "wrong"); err == nil {
		t.Fatal("Expected error for a bad password")
	}
	if auth.HasToken() {
		t.Error("Expected no token after a failed grant")
	}

	if err := auth.UsePassword(context.Background(), "user", "secret"); err != nil {
		t.Fatalf("UsePassword failed: %v", err)
	}
	tok, err := auth.Token(context.Background())
	if err != nil || tok != "access-password" {
		t.Errorf("Expected access-password, got %q (%v)", tok, err)
	}
}

func TestAuth_RefreshToken(t *testing.T) {
	auth := newFakeIdentity(t).auth()

	if err := auth.UseRefreshToken(context.Background(), "revoked"); err == nil {
		t.Error("Expected error for a revoked refresh token")
	}
	if err := auth.UseRefreshToken(context.Background(), "refresh-0"); err != nil {
		t.Fatalf("UseRefreshToken failed: %v", err)
	}
	if tok, _ := auth.Token(context.Background()); tok != "access-refresh_token" {
		t.Errorf("Expected access-refresh_token, got %q", tok)
	}

	if err := auth.Refresh(context.Background()); err != nil {
		t.Errorf("Refresh failed: %v", err)
	}
	auth.Forget()
	if err := auth.Refresh(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Expected ErrNoToken after Forget, got %v", err)
	}
}

func TestAuth_DeviceLogin(t *testing.T) {
	identity := newFakeIdentity(t)
	auth := identity.auth()

	login, err := auth.StartDeviceLogin(context.Background())
	if err != nil {
		t.Fatalf("StartDeviceLogin failed: %v", err)
	}
	if login.Phase != PhaseDeviceCode || login.UserCode != "ABCD-EFGH" || login.VerificationURI != "https://identity.test/device" {
		t.Errorf("Expected device code phase with user code, got %+v", login)
	}

	// A second start while pending returns the same code.
	again, _ := auth.StartDeviceLogin(context.Background())
	if again.UserCode != login.UserCode {
		t.Errorf("Expected the pending login again, got %+v", again)
	}

	deadline := time.Now().Add(10 * time.Second)
	for !auth.HasToken() {
		if time.Now().After(deadline) {
			t.Fatal("Device login did not complete")
		}
		time.Sleep(50 * time.Millisecond)
	}

	if got := auth.Login().Phase; got != PhaseComplete {
		t.Errorf("Expected phase complete, got %s", got)
	}
	tok, _ := auth.Token(context.Background())
	if tok != "access-urn:ietf:params:oauth:grant-type:device_code" {
		t.Errorf("Expected device grant token, got %q", tok)
	}

	done, _ := auth.StartDeviceLogin(context.Background())
	if done.Phase != PhaseComplete {
		t.Errorf("Expected complete once authenticated, got %s", done.Phase)
	}
}

func TestAdapter_AuthenticatedWithToken(t *testing.T) {
	identity := newFakeIdentity(t)
	auth := identity.auth()
	if err := auth.UsePassword(context.Background(), "user", "secret"); err != nil {
		t.Fatal(err)
	}

	var meStatus atomic.Int32
	meStatus.Store(http.StatusOK)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(int(meStatus.Load()))
	}))
	defer api.Close()

	client := NewClient(api.URL, "", auth.Token, 5*time.Second).WithLogger(discard())
	adapter := NewAdapter(client, auth, nil, poll.Retry{Attempts: 1}, poll.Retry{Attempts: 1}, discard())

	if !adapter.Authenticated(context.Background()) {
		t.Error("Expected authenticated with an accepted token")
	}

	meStatus.Store(http.StatusUnauthorized)
	if adapter.Authenticated(context.Background()) {
		t.Error("Expected unauthenticated when /me keeps rejecting the token")
	}
	if auth.HasToken() {
		t.Error("Expected credentials dropped")
	}
}
