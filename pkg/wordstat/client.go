// Package wordstat provides a client for the keyword-statistics API.
package wordstat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.wordstat.yandex.net/v1"

// Client queries monthly search volumes.
type Client interface {
	// TopRequests returns the volume of phrase and of the most frequent
	// queries containing it.
	TopRequests(ctx context.Context, req TopRequestsRequest) (*TopRequestsResponse, error)
	// UserInfo returns the account's quota state.
	UserInfo(ctx context.Context) (*UserInfo, error)
}

// TopRequestsRequest scopes a volume query. Empty Regions means all regions.
type TopRequestsRequest struct {
	Phrase  string   `json:"phrase"`
	Regions []int64  `json:"regions,omitempty"`
	Devices []string `json:"devices,omitempty"`
}

// TopRequest is one query and its monthly count.
type TopRequest struct {
	Phrase string `json:"phrase"`
	Count  int64  `json:"count"`
}

// TopRequestsResponse is the result of a TopRequests call.
type TopRequestsResponse struct {
	RequestPhrase string       `json:"requestPhrase"`
	TotalCount    int64        `json:"totalCount"`
	TopRequests   []TopRequest `json:"topRequests"`
}

// UserInfo describes the quotas of the calling account.
type UserInfo struct {
	Login               string `json:"login"`
	LimitPerSecond      int    `json:"limitPerSecond"`
	DailyLimit          int    `json:"dailyLimit"`
	DailyLimitRemaining int    `json:"dailyLimitRemaining"`
}

// APIError is a non-200 response.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("wordstat: unexpected status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("wordstat: unexpected status %d", e.StatusCode)
}

// Unauthorized reports whether the token was rejected.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Throttled reports whether the per-second or daily quota was exceeded.
func (e *APIError) Throttled() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// Temporary reports whether the service itself failed.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit sets the requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), max(int(rps), 1))
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

// NewClient creates a keyword-statistics client for one account token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: defaultBaseURL,
		limiter: rate.NewLimiter(10, 10),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) TopRequests(ctx context.Context, req TopRequestsRequest) (*TopRequestsResponse, error) {
	var out TopRequestsResponse
	if err := c.post(ctx, "/topRequests", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *httpClient) UserInfo(ctx context.Context) (*UserInfo, error) {
	var out struct {
		UserInfo UserInfo `json:"userInfo"`
	}
	if err := c.post(ctx, "/userInfo", struct{}{}, &out); err != nil {
		return nil, err
	}
	return &out.UserInfo, nil
}

func (c *httpClient) post(ctx context.Context, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "wordstat: rate limiter")
	}

	body, err := json.Marshal(in)
	if err != nil {
		return eris.Wrap(err, "wordstat: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "wordstat: create request")
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "wordstat: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "wordstat: read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var eb struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &eb) == nil {
			apiErr.Message = eb.Error
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrap(err, "wordstat: unmarshal response")
	}
	return nil
}
