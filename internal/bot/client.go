package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	truffle "github.com/trufflehq/truffle"
)

// SearchRequest is the body for POST /experts/search.
type SearchRequest struct {
	Skills            []string `json:"skills"`
	Limit             int      `json:"limit"`
	MinConfidence     float64  `json:"min_confidence"`
	IncludeConfidence bool     `json:"include_confidence"`
}

// ExpertHit is one ranked expert in a search response.
type ExpertHit struct {
	UserID          string   `json:"user_id"`
	UserName        string   `json:"user_name"`
	DisplayName     string   `json:"display_name"`
	Skills          []string `json:"skills"`
	ConfidenceScore float64  `json:"confidence_score"`
	EvidenceCount   int      `json:"evidence_count"`
	TotalMessages   int      `json:"total_messages"`
}

type SearchResponse struct {
	Results          []ExpertHit `json:"results"`
	TotalFound       int         `json:"total_found"`
	ProcessingTimeMs float64     `json:"processing_time_ms"`
	SearchStrategy   string      `json:"search_strategy"`
}

// SkillInfo is one taxonomy entry from GET /skills.
type SkillInfo struct {
	Key         string   `json:"key"`
	Name        string   `json:"name"`
	Domain      string   `json:"domain"`
	Aliases     []string `json:"aliases"`
	ExpertCount int      `json:"expert_count"`
}

type SkillsResponse struct {
	Skills     []SkillInfo `json:"skills"`
	TotalCount int         `json:"total_count"`
	Domains    []string    `json:"domains"`
}

// Client talks to the Expert API over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientHTTP overrides the underlying HTTP client.
func WithClientHTTP(httpc *http.Client) ClientOption {
	return func(c *Client) { c.httpc = httpc }
}

// NewClient creates an Expert API client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchExperts runs a ranked expert search for the given skills.
func (c *Client) SearchExperts(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	var out SearchResponse
	if err := c.post(ctx, "/experts/search", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSkills fetches the full taxonomy.
func (c *Client) ListSkills(ctx context.Context) (*SkillsResponse, error) {
	var out SkillsResponse
	if err := c.get(ctx, "/skills", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the API's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	return c.get(ctx, "/health", &out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("bot: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("bot: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("bot: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("bot: expert api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &truffle.ErrHTTP{
			Status:     resp.StatusCode,
			Body:       readBody(resp),
			RetryAfter: truffle.ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bot: decode response: %w", err)
	}
	return nil
}

func readBody(resp *http.Response) string {
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return buf.String()
}
