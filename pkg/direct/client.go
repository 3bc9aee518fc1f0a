// Package direct provides a client for the ads platform's JSON API (v5):
// campaigns, ad groups, ads and ad-group and ad performance reports.
package direct

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.direct.yandex.com/json/v5"

// maxIDsPerCall is the SelectionCriteria limit for campaign ids on
// adgroups.get and ads.get.
const maxIDsPerCall = 10

// Client reads campaign structure from the ads platform.
type Client interface {
	// Campaigns returns the campaigns with the given ids. Unknown ids are
	// silently absent from the result.
	Campaigns(ctx context.Context, ids []int64) ([]Campaign, error)
	// AdGroups returns every ad group of the given campaigns.
	AdGroups(ctx context.Context, campaignIDs []int64) ([]AdGroup, error)
	// Ads returns every ad of the given campaigns.
	Ads(ctx context.Context, campaignIDs []int64) ([]Ad, error)
	// GroupStats returns delivery figures per ad group over the date range.
	GroupStats(ctx context.Context, campaignIDs []int64, from, to time.Time) (map[int64]Stats, error)
	// AdStats returns delivery figures per ad over the date range.
	AdStats(ctx context.Context, campaignIDs []int64, from, to time.Time) (map[int64]Stats, error)
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

// WithClientLogin makes agency-account requests on behalf of a client.
func WithClientLogin(login string) Option {
	return func(c *httpClient) {
		c.clientLogin = login
	}
}

// WithLanguage sets the Accept-Language of error messages.
func WithLanguage(lang string) Option {
	return func(c *httpClient) {
		c.language = lang
	}
}

// WithLimiter shares a rate limiter between clients of different accounts.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *httpClient) {
		c.limiter = l
	}
}

// WithRateLimit sets a private requests-per-second limit.
func WithRateLimit(rps float64) Option {
	return func(c *httpClient) {
		burst := max(int(rps), 1)
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMaxReportPolls bounds how often an offline report is re-requested.
func WithMaxReportPolls(n int) Option {
	return func(c *httpClient) {
		c.maxReportPolls = n
	}
}

type httpClient struct {
	token          string
	clientLogin    string
	language       string
	baseURL        string
	http           *http.Client
	limiter        *rate.Limiter
	maxReportPolls int
}

// NewClient creates an ads platform client authenticated with an OAuth token.
func NewClient(token string, opts ...Option) Client {
	c := &httpClient{
		token:          token,
		language:       "ru",
		baseURL:        defaultBaseURL,
		limiter:        rate.NewLimiter(5, 5),
		maxReportPolls: 10,
		http: &http.Client{
			Timeout: 60 * time.Second,
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

type envelope struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type errorBody struct {
	Error *struct {
		RequestID   string `json:"request_id"`
		ErrorCode   int    `json:"error_code"`
		ErrorString string `json:"error_string"`
		ErrorDetail string `json:"error_detail"`
	} `json:"error"`
}

// page is the pagination block of a get request.
type page struct {
	Limit  int   `json:"Limit"`
	Offset int64 `json:"Offset"`
}

const pageLimit = 10000

// call posts one JSON-RPC style request to service and decodes result.
func (c *httpClient) call(ctx context.Context, service string, params any, result any) error {
	body, err := json.Marshal(envelope{Method: "get", Params: params})
	if err != nil {
		return eris.Wrapf(err, "direct: marshal %s request", service)
	}

	resp, respBody, err := c.post(ctx, "/"+service, body, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp, respBody)
	}
	if apiErr := envelopeError(resp, respBody); apiErr != nil {
		return apiErr
	}

	var out struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return eris.Wrapf(err, "direct: unmarshal %s response", service)
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return eris.Wrapf(err, "direct: unmarshal %s result", service)
	}
	return nil
}

func (c *httpClient) post(ctx context.Context, path string, body []byte, extra http.Header) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, eris.Wrap(err, "direct: rate limiter")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, eris.Wrap(err, "direct: create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept-Language", c.language)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	if c.clientLogin != "" {
		req.Header.Set("Client-Login", c.clientLogin)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, eris.Wrap(err, "direct: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, eris.Wrap(err, "direct: read response")
	}
	return resp, respBody, nil
}

// apiError builds an APIError from a non-200 response.
func apiError(resp *http.Response, body []byte) *APIError {
	e := &APIError{
		HTTPStatus: resp.StatusCode,
		RequestID:  resp.Header.Get("RequestId"),
		RetryAfter: retryAfter(resp.Header),
	}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != nil {
		e.Code = eb.Error.ErrorCode
		e.Message = eb.Error.ErrorString
		e.Detail = eb.Error.ErrorDetail
		if e.RequestID == "" {
			e.RequestID = eb.Error.RequestID
		}
	}
	return e
}

// envelopeError extracts an error envelope from a 200 response. The
// platform reports most failures this way.
func envelopeError(resp *http.Response, body []byte) *APIError {
	var eb errorBody
	if json.Unmarshal(body, &eb) != nil || eb.Error == nil {
		return nil
	}
	return &APIError{
		HTTPStatus: resp.StatusCode,
		Code:       eb.Error.ErrorCode,
		Message:    eb.Error.ErrorString,
		Detail:     eb.Error.ErrorDetail,
		RequestID:  eb.Error.RequestID,
		RetryAfter: retryAfter(resp.Header),
	}
}

// retryAfter reads Retry-After, falling back to the reports service's
// retryIn header. Both are in seconds.
func retryAfter(h http.Header) time.Duration {
	for _, name := range []string{"Retry-After", "retryIn"} {
		if v := h.Get(name); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
				return time.Duration(secs) * time.Second
			}
		}
	}
	return 0
}

func chunk(ids []int64, size int) [][]int64 {
	var out [][]int64
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
