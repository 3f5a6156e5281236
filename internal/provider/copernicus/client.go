// Package copernicus builds Sentinel-2 L2A median composites as openEO batch jobs
// on the Copernicus Data Space Ecosystem.
package copernicus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/planetlabs/go-stac"
)

const (
	// DefaultBaseURL is the CDSE openEO API root.
	DefaultBaseURL = "https://openeo.dataspace.copernicus.eu/openeo/1.2"

	// DefaultOIDCProvider is the openEO identifier of the CDSE identity provider.
	DefaultOIDCProvider = "CDSE"

	// IdentifierHeader carries the id of a created job.
	IdentifierHeader = "OpenEO-Identifier"
)

// TokenFunc returns the current OIDC access token.
type TokenFunc func(ctx context.Context) (string, error)

// StatusError is an unexpected HTTP status from the openEO API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openEO returned status %d: %s", e.Code, e.Body)
}

// Temporary reports whether retrying the call may succeed.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests
}

// Client handles communication with an openEO backend.
type Client struct {
	baseURL      string
	oidcProvider string
	token        TokenFunc
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a new openEO client authenticating with token.
func NewClient(baseURL, oidcProvider string, token TokenFunc, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if oidcProvider == "" {
		oidcProvider = DefaultOIDCProvider
	}

	return &Client{
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		oidcProvider: oidcProvider,
		token:        token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger: slog.Default(),
	}
}

// WithLogger sets a custom logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// Me checks that the token is accepted.
func (c *Client) Me(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/me", nil, http.StatusOK, nil)
}

// CreateJob creates a batch job computing graph and returns its id.
func (c *Client) CreateJob(ctx context.Context, title string, graph ProcessGraph) (string, error) {
	body := map[string]any{
		"title":   title,
		"process": Process{ProcessGraph: graph},
	}

	var id string
	err := c.do(ctx, http.MethodPost, "/jobs", body, http.StatusCreated, func(resp *http.Response) error {
		id = resp.Header.Get(IdentifierHeader)
		if id == "" {
			if loc := resp.Header.Get("Location"); loc != "" {
				id = path.Base(loc)
			}
		}
		if id == "" {
			return fmt.Errorf("openEO job created without an identifier")
		}
		return nil
	})
	return id, err
}

// StartJob queues a created job.
func (c *Client) StartJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/results", nil, http.StatusAccepted, nil)
}

// JobStatus returns the status label of a job: created, queued, running,
// finished, error or canceled.
func (c *Client) JobStatus(ctx context.Context, id string) (string, error) {
	var job struct {
		Status string `json:"status"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, http.StatusOK, decodeInto(&job))
	if err != nil {
		return "", err
	}
	if job.Status == "" {
		return "", fmt.Errorf("openEO job %s has no status", id)
	}
	return job.Status, nil
}

// ErrorLogs returns the messages of the job's error-level log entries, oldest first.
func (c *Client) ErrorLogs(ctx context.Context, id string) ([]string, error) {
	var logs struct {
		Logs []struct {
			Level   string `json:"level"`
			Message string `json:"message"`
		} `json:"logs"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/logs?level=error", nil, http.StatusOK, decodeInto(&logs))
	if err != nil {
		return nil, err
	}

	var messages []string
	for _, entry := range logs.Logs {
		if strings.EqualFold(entry.Level, "error") && entry.Message != "" {
			messages = append(messages, entry.Message)
		}
	}
	return messages, nil
}

// Results returns the assets of a finished job.
func (c *Client) Results(ctx context.Context, id string) (map[string]*stac.Asset, error) {
	var results struct {
		Assets map[string]*stac.Asset `json:"assets"`
	}
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id)+"/results", nil, http.StatusOK, decodeInto(&results))
	if err != nil {
		return nil, err
	}
	return results.Assets, nil
}

// Download streams the asset at href into w. The token is only sent to result
// paths under the API's /jobs endpoint; signed asset URLs go out bare.
func (c *Client) Download(ctx context.Context, href string, w io.Writer) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, href, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if c.isResultPath(href) {
		if err := c.authorize(ctx, req); err != nil {
			return 0, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return 0, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("failed to read result: %w", err)
	}
	return n, nil
}

// isResultPath reports whether href is a /jobs/{id}/results/... path on the API host.
func (c *Client) isResultPath(href string) bool {
	rest, ok := strings.CutPrefix(href, c.baseURL+"/jobs/")
	if !ok {
		return false
	}
	_, after, ok := strings.Cut(rest, "/")
	return ok && (after == "results" || strings.HasPrefix(after, "results/"))
}

func (c *Client) authorize(ctx context.Context, req *http.Request) error {
	token, err := c.token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer oidc/"+c.oidcProvider+"/"+token)
	return nil
}

func decodeInto(v any) func(*http.Response) error {
	return func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("failed to decode openEO response: %w", err)
		}
		return nil
	}
}

// do sends an authorized request and hands the response to handle when its status is want.
func (c *Client) do(ctx context.Context, method, endpoint string, body any, want int, handle func(*http.Response) error) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if err := c.authorize(ctx, req); err != nil {
		return err
	}

	c.logger.DebugContext(ctx, "openEO request",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("openEO request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	if handle == nil {
		return nil
	}
	return handle(resp)
}
