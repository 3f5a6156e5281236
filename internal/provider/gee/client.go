// Package gee builds Sentinel-2 and Landsat 8/9 median composites on Google Earth
// Engine through its REST API and downloads them as GeoTIFF.
package gee

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the Earth Engine REST API root.
const DefaultBaseURL = "https://earthengine.googleapis.com/v1"

// ErrRequestTooLarge is returned when Earth Engine refuses a pixel request for its size.
var ErrRequestTooLarge = errors.New("pixel request too large")

// Client talks to the Earth Engine REST API with the credentials of a Session.
type Client struct {
	baseURL         string
	session         *Session
	timeout         time.Duration
	downloadTimeout time.Duration
	logger          *slog.Logger
}

// NewClient creates a new Earth Engine client.
func NewClient(baseURL string, session *Session, timeout, downloadTimeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:         strings.TrimSuffix(baseURL, "/"),
		session:         session,
		timeout:         timeout,
		downloadTimeout: downloadTimeout,
		logger:          slog.Default(),
	}
}

// WithLogger sets a custom logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// PixelGrid places the computed pixels.
type PixelGrid struct {
	Dimensions      Dimensions      `json:"dimensions"`
	AffineTransform AffineTransform `json:"affineTransform"`
	CRSCode         string          `json:"crsCode"`
}

// Dimensions is a pixel size.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// AffineTransform maps pixel to CRS coordinates.
type AffineTransform struct {
	ScaleX     float64 `json:"scaleX"`
	ShearX     float64 `json:"shearX"`
	TranslateX float64 `json:"translateX"`
	ShearY     float64 `json:"shearY"`
	ScaleY     float64 `json:"scaleY"`
	TranslateY float64 `json:"translateY"`
}

// PixelsRequest is the body of image:computePixels.
type PixelsRequest struct {
	Expression Expression `json:"expression"`
	FileFormat string     `json:"fileFormat"`
	BandIDs    []string   `json:"bandIds,omitempty"`
	Grid       PixelGrid  `json:"grid"`
}

// Ping evaluates a constant to check that the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	expr := NewGraph().Expression(Const(1))
	resp, err := c.post(ctx, "value:compute", map[string]any{"expression": expr})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(io.Discard, resp.Body)
	return err
}

// ComputePixels evaluates req and streams the encoded image into w. progress, if
// not nil, receives the bytes written so far and the announced total, or -1 when
// the server does not announce a length.
func (c *Client) ComputePixels(ctx context.Context, req PixelsRequest, w io.Writer, progress func(written, total int64)) error {
	ctx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	resp, err := c.post(ctx, "image:computePixels", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write pixels: %w", err)
			}
			written += int64(n)
			if progress != nil {
				progress(written, total)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read pixels: %w", rerr)
		}
	}

	c.logger.DebugContext(ctx, "pixels downloaded", slog.Int64("bytes", written))
	return nil
}

// post sends body to the project-scoped method and returns the 200 response.
func (c *Client) post(ctx context.Context, method string, body any) (*http.Response, error) {
	httpClient, project, err := c.session.httpClient()
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/projects/%s/%s", c.baseURL, project, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Content-Type", "application/json")

	c.logger.DebugContext(ctx, "Earth Engine request", slog.String("url", reqURL))

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("Earth Engine request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("Earth Engine returned status %d: %s", resp.StatusCode, apiMessage(respBody))
		if resp.StatusCode == http.StatusBadRequest && tooLarge(respBody) {
			return nil, fmt.Errorf("%w: %w", ErrRequestTooLarge, err)
		}
		return nil, err
	}
	return resp, nil
}

// apiMessage extracts error.message from a Google API error body.
func apiMessage(body []byte) string {
	var e struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error.Message != "" {
		return e.Error.Message
	}
	return string(body)
}

func tooLarge(body []byte) bool {
	msg := strings.ToLower(apiMessage(body))
	return strings.Contains(msg, "must be less than or equal to") || strings.Contains(msg, "too large")
}
