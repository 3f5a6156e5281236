package planetary

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// DefaultSASURL is the Planetary Computer SAS token API root.
const DefaultSASURL = "https://planetarycomputer.microsoft.com/api/sas/v1"

// expiryMargin is subtracted from a token's expiry when deciding to reuse it.
const expiryMargin = 5 * time.Minute

type sasToken struct {
	Token  string    `json:"token"`
	Expiry time.Time `json:"msft:expiry"`
}

// Signer appends collection SAS tokens to asset hrefs. Tokens are cached per
// collection until shortly before they expire.
type Signer struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	tokens map[string]sasToken
}

// NewSigner creates a signer using the SAS API at baseURL.
func NewSigner(baseURL string, timeout time.Duration) *Signer {
	if baseURL == "" {
		baseURL = DefaultSASURL
	}
	return &Signer{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
		now:        time.Now,
		tokens:     make(map[string]sasToken),
	}
}

// WithLogger sets a custom logger for the signer.
func (s *Signer) WithLogger(logger *slog.Logger) *Signer {
	s.logger = logger
	return s
}

// Sign returns href with the SAS token of collection appended to its query.
func (s *Signer) Sign(ctx context.Context, collection, href string) (string, error) {
	tok, err := s.token(ctx, collection)
	if err != nil {
		return "", err
	}
	if strings.Contains(href, "?") {
		return href + "&" + tok, nil
	}
	return href + "?" + tok, nil
}

func (s *Signer) token(ctx context.Context, collection string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tokens[collection]; ok && s.now().Add(expiryMargin).Before(t.Expiry) {
		return t.Token, nil
	}

	t, err := s.fetch(ctx, collection)
	if err != nil {
		return "", err
	}
	s.tokens[collection] = t

	s.logger.DebugContext(ctx, "SAS token refreshed",
		slog.String("collection", collection),
		slog.Time("expiry", t.Expiry),
	)
	return t.Token, nil
}

func (s *Signer) fetch(ctx context.Context, collection string) (sasToken, error) {
	reqURL := s.baseURL + "/token/" + url.PathEscape(collection)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return sasToken{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sasToken{}, fmt.Errorf("SAS token request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return sasToken{}, fmt.Errorf("SAS API returned status %d: %s", resp.StatusCode, string(body))
	}

	var t sasToken
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return sasToken{}, fmt.Errorf("failed to decode SAS token: %w", err)
	}
	if t.Token == "" {
		return sasToken{}, fmt.Errorf("SAS API returned an empty token for %s", collection)
	}
	return t, nil
}
