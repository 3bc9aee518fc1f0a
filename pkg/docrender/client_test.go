package docrender

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantErr  string
		wantTemp bool
	}{
		{name: "success", status: http.StatusOK, body: "PK\x03\x04docx"},
		{name: "unknown_template", status: http.StatusNotFound, body: "no such template", wantErr: "unexpected status 404: no such template"},
		{name: "overloaded", status: http.StatusBadGateway, body: "upstream", wantErr: "unexpected status 502", wantTemp: true},
		{name: "empty", status: http.StatusOK, wantErr: "empty document"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/render", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				var req struct {
					Template string         `json:"template"`
					Format   string         `json:"format"`
					Data     map[string]any `json:"data"`
				}
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "act_v2", req.Template)
				assert.Equal(t, "docx", req.Format)
				assert.Equal(t, "42/A", req.Data["number"])

				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			doc, err := NewClient(srv.URL).Render(context.Background(), RenderRequest{
				Template: "act_v2",
				Format:   "docx",
				Data:     map[string]any{"number": "42/A"},
			})
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var se *StatusError
				if errors.As(err, &se) {
					assert.Equal(t, tt.wantTemp, se.Temporary())
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.body, string(doc))
		})
	}
}

func TestRenderRequiresTemplate(t *testing.T) {
	_, err := NewClient("http://127.0.0.1:0").Render(context.Background(), RenderRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template is required")
}

func TestRenderContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("doc"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewClient(srv.URL).Render(ctx, RenderRequest{Template: "x"})
	assert.ErrorIs(t, err, context.Canceled)
}
