// Package planetary builds Landsat 8/9 median composites from the Microsoft
// Planetary Computer STAC catalog.
package planetary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/planetlabs/go-ogc/filter"
	"github.com/planetlabs/go-stac"

	"github.com/robert-malhotra/sat-compositor/pkg/geojson"
)

const (
	// DefaultSTACURL is the Planetary Computer STAC API root.
	DefaultSTACURL = "https://planetarycomputer.microsoft.com/api/stac/v1"

	// DefaultCollection holds Landsat Collection 2 Level-2 scenes.
	DefaultCollection = "landsat-c2-l2"

	// pageSize is the limit sent with each search page.
	pageSize = 100
)

// Platforms searched for scenes.
var Platforms = []string{"landsat-8", "landsat-9"}

// Client searches the Planetary Computer STAC API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new STAC search client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultSTACURL
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
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

// SearchParams selects scenes.
type SearchParams struct {
	Collection string
	BBox       geojson.BBox
	Start      time.Time
	End        time.Time
	MaxCloud   int
	// MaxItems caps the number of items returned across pages.
	MaxItems int
}

// searchBody is the POST /search request body.
type searchBody struct {
	Collections []string       `json:"collections"`
	BBox        []float64      `json:"bbox"`
	Datetime    string         `json:"datetime"`
	FilterLang  string         `json:"filter-lang"`
	Filter      *filter.Filter `json:"filter"`
	Limit       int            `json:"limit"`
}

// searchPage is one page of a search response. Links are decoded locally because
// the next link of a POST search carries its own method and body.
type searchPage struct {
	Features []*stac.Item `json:"features"`
	Links    []searchLink `json:"links"`
}

type searchLink struct {
	Rel    string          `json:"rel"`
	Href   string          `json:"href"`
	Method string          `json:"method,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Merge  bool            `json:"merge,omitempty"`
}

// Search returns the items matching params, following next links until MaxItems
// items have been collected or the catalog has no more pages.
func (c *Client) Search(ctx context.Context, params SearchParams) ([]*stac.Item, error) {
	body := newSearchBody(params)
	encoded, err := encodeJSON(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search: %w", err)
	}

	method, href := http.MethodPost, c.baseURL+"/search"
	var items []*stac.Item

	for {
		page, err := c.fetchPage(ctx, method, href, encoded)
		if err != nil {
			return nil, err
		}
		items = append(items, page.Features...)

		if params.MaxItems > 0 && len(items) >= params.MaxItems {
			items = items[:params.MaxItems]
			break
		}

		next := page.next()
		if next == nil || len(page.Features) == 0 {
			break
		}

		method = http.MethodGet
		if next.Method != "" {
			method = strings.ToUpper(next.Method)
		}
		href = next.Href
		if method == http.MethodPost && len(next.Body) > 0 {
			encoded, err = nextBody(encoded, next)
			if err != nil {
				return nil, err
			}
		}
	}

	c.logger.DebugContext(ctx, "STAC search complete",
		slog.String("collection", body.Collections[0]),
		slog.Int("items", len(items)),
	)

	return items, nil
}

func (c *Client) fetchPage(ctx context.Context, method, href string, body []byte) (*searchPage, error) {
	var reader io.Reader
	if method == http.MethodPost {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, href, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	// Set headers
	req.Header.Set("Accept", "application/geo+json")
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.DebugContext(ctx, "STAC search request",
		slog.String("method", method),
		slog.String("url", href),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("STAC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("STAC search returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var page searchPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode STAC response: %w", err)
	}
	return &page, nil
}

func (p *searchPage) next() *searchLink {
	for i := range p.Links {
		if p.Links[i].Rel == "next" {
			return &p.Links[i]
		}
	}
	return nil
}

// nextBody returns the body of the next page request: the link body, merged over
// the previous body when the link asks for it.
func nextBody(prev []byte, link *searchLink) ([]byte, error) {
	if !link.Merge {
		return link.Body, nil
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(prev, &merged); err != nil {
		return nil, fmt.Errorf("failed to merge next link body: %w", err)
	}
	var overrides map[string]json.RawMessage
	if err := json.Unmarshal(link.Body, &overrides); err != nil {
		return nil, fmt.Errorf("failed to merge next link body: %w", err)
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return encodeJSON(merged)
}

// encodeJSON marshals v without HTML escaping so CQL2 operators such as "<"
// go out as written.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func newSearchBody(params SearchParams) searchBody {
	collection := params.Collection
	if collection == "" {
		collection = DefaultCollection
	}

	limit := pageSize
	if params.MaxItems > 0 && params.MaxItems < limit {
		limit = params.MaxItems
	}

	return searchBody{
		Collections: []string{collection},
		BBox:        []float64{params.BBox.West, params.BBox.South, params.BBox.East, params.BBox.North},
		Datetime:    params.Start.Format("2006-01-02") + "/" + params.End.Format("2006-01-02"),
		FilterLang:  "cql2-json",
		Filter:      sceneFilter(params.MaxCloud),
		Limit:       limit,
	}
}

// sceneFilter selects Landsat 8/9 scenes under the cloud cover limit:
// platform in Platforms and eo:cloud_cover < maxCloud.
func sceneFilter(maxCloud int) *filter.Filter {
	platforms := make(filter.ScalarList, len(Platforms))
	for i, p := range Platforms {
		platforms[i] = &filter.String{Value: p}
	}

	return &filter.Filter{
		Expression: &filter.And{
			Args: []filter.BooleanExpression{
				&filter.In{
					Item: &filter.Property{Name: "platform"},
					List: platforms,
				},
				&filter.Comparison{
					Name:  filter.LessThan,
					Left:  &filter.Property{Name: "eo:cloud_cover"},
					Right: &filter.Number{Value: float64(maxCloud)},
				},
			},
		},
	}
}
