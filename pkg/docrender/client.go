// Package docrender provides a client for a document-rendering service that
// fills a named template with JSON data and returns the finished file.
package docrender

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

// Client renders documents.
type Client interface {
	Render(ctx context.Context, req RenderRequest) ([]byte, error)
}

// RenderRequest names a template and the data to fill it with.
type RenderRequest struct {
	Template string `json:"template"`
	// Format is the output extension, e.g. "docx" or "pptx".
	Format string `json:"format,omitempty"`
	Data   any    `json:"data"`
}

// StatusError is a non-200 response from the rendering service.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("docrender: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the render may succeed on retry.
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

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a rendering client for the service at baseURL.
func NewClient(baseURL string, opts ...Option) Client {
	c := &httpClient{
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 120 * time.Second,
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

func (c *httpClient) Render(ctx context.Context, req RenderRequest) ([]byte, error) {
	if req.Template == "" {
		return nil, eris.New("docrender: template is required")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "docrender: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "docrender: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrapf(err, "docrender: render %s", req.Template)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "docrender: read response")
	}
	if resp.StatusCode != http.StatusOK {
		if len(data) > 200 {
			data = data[:200]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if len(data) == 0 {
		return nil, eris.Errorf("docrender: empty document for %s", req.Template)
	}
	return data, nil
}
