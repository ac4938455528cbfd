// Package sam is a client for the SAM.gov opportunities v2 search API.
package sam

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/resilience"
)

// Default base URL for the opportunities v2 search API.
const defaultBaseURL = "https://api.sam.gov/opportunities/v2/search"

// SAM.gov date parameters use US-style dates.
const dateFormat = "01/02/2006"

// Client defines the SAM.gov operations used by the pipeline.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	Description(ctx context.Context, descURL string) (string, error)
}

// SearchRequest selects a page of opportunities in a posted-date window.
type SearchRequest struct {
	PostedFrom time.Time
	PostedTo   time.Time
	Keyword    string
	NAICSCode  string
	Limit      int
	Offset     int
}

// Notice is one opportunity record as SAM.gov returns it.
type Notice struct {
	NoticeID           string `json:"noticeId"`
	Title              string `json:"title"`
	FullParentPathName string `json:"fullParentPathName"`
	PostedDate         string `json:"postedDate"`
	Type               string `json:"type"`
	NAICSCode          string `json:"naicsCode"`
	ClassificationCode string `json:"classificationCode"`
	ResponseDeadLine   string `json:"responseDeadLine"`
	// Description is a URL to the notice description resource, not the
	// text itself.
	Description string `json:"description"`
	UILink      string `json:"uiLink"`
}

// SearchResponse is the paged search result.
type SearchResponse struct {
	TotalRecords int      `json:"totalRecords"`
	Limit        int      `json:"limit"`
	Offset       int      `json:"offset"`
	Notices      []Notice `json:"opportunitiesData"`
}

// descriptionResponse is the body of a notice description resource.
type descriptionResponse struct {
	Description string `json:"description"`
}

// APIError is returned when SAM.gov responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("sam: HTTP %d: %s", e.StatusCode, e.Body)
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) {
		c.baseURL = u
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new SAM.gov client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	q := url.Values{}
	q.Set("api_key", c.apiKey)
	q.Set("postedFrom", req.PostedFrom.Format(dateFormat))
	q.Set("postedTo", req.PostedTo.Format(dateFormat))
	if req.Keyword != "" {
		q.Set("title", req.Keyword)
	}
	if req.NAICSCode != "" {
		q.Set("ncode", req.NAICSCode)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 1000
	}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(req.Offset))

	var resp SearchResponse
	if err := c.get(ctx, c.baseURL+"?"+q.Encode(), &resp); err != nil {
		return nil, eris.Wrap(err, "sam: search")
	}
	return &resp, nil
}

func (c *httpClient) Description(ctx context.Context, descURL string) (string, error) {
	// Description URLs come back without the API key.
	u := descURL
	if !strings.Contains(u, "api_key=") {
		sep := "?"
		if strings.Contains(u, "?") {
			sep = "&"
		}
		u += sep + "api_key=" + url.QueryEscape(c.apiKey)
	}

	var resp descriptionResponse
	if err := c.get(ctx, u, &resp); err != nil {
		return "", eris.Wrap(err, "sam: get description")
	}
	return resp.Description, nil
}

func (c *httpClient) get(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrap(err, "create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return eris.Wrap(err, "read response")
	}

	if remaining := resp.Header.Get("X-RateLimit-Remaining"); remaining != "" {
		if n, err := strconv.Atoi(remaining); err == nil && n < 10 {
			zap.L().Warn("sam rate limit nearly exhausted", zap.Int("remaining", n))
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return resilience.NewTransientError(apiErr, resp.StatusCode)
		}
		return apiErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return eris.Wrap(err, "decode response")
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
