// Package screenshot provides a client for a headless-browser capture
// service that renders a page and returns it as an image.
package screenshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client captures page screenshots.
type Client interface {
	Capture(ctx context.Context, req CaptureRequest) ([]byte, error)
}

// CaptureRequest describes one page to capture.
type CaptureRequest struct {
	URL      string `json:"url"`
	Width    int    `json:"width,omitempty"`
	Height   int    `json:"height,omitempty"`
	FullPage bool   `json:"fullPage,omitempty"`
	// WaitMs delays the capture after the load event.
	WaitMs int `json:"waitMs,omitempty"`
}

// StatusError is a non-200 response from the capture service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("screenshot: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the capture may succeed on retry.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// Option configures the client.
type Option func(*httpClient)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithViewport sets the default viewport for requests that leave it unset.
func WithViewport(width, height int) Option {
	return func(c *httpClient) {
		c.width, c.height = width, height
	}
}

type httpClient struct {
	baseURL string
	http    *http.Client
	width   int
	height  int
}

// NewClient creates a capture client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		width:   1280,
		height:  800,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) Capture(ctx context.Context, req CaptureRequest) ([]byte, error) {
	if req.URL == "" {
		return nil, eris.New("screenshot: url is required")
	}
	if req.Width == 0 {
		req.Width = c.width
	}
	if req.Height == 0 {
		req.Height = c.height
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "screenshot: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/screenshot", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "screenshot: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "image/png")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "screenshot: capture %s", req.URL)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "screenshot: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 200)}
	}
	if len(data) == 0 {
		return nil, eris.Errorf("screenshot: empty image for %s", req.URL)
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
