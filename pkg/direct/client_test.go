package direct

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string `json:"method"`
	Params struct {
		SelectionCriteria struct {
			Ids         []int64
			CampaignIds []int64
		}
		FieldNames       []string
		TextAdFieldNames []string
		Page             *page
	} `json:"params"`
}

func TestCampaigns(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		header     map[string]string
		body       string
		wantErr    string
		wantCode   int
		wantAuth   bool
		wantThrot  bool
		wantTemp   bool
		wantRetry  time.Duration
		wantResult int
	}{
		{
			name:       "success",
			status:     http.StatusOK,
			body:       `{"result":{"Campaigns":[{"Id":101,"Name":"Весна","State":"ON","Status":"ACCEPTED"}]}}`,
			wantResult: 1,
		},
		{
			name:     "error_envelope_auth",
			status:   http.StatusOK,
			body:     `{"error":{"request_id":"r1","error_code":53,"error_string":"Authorization error","error_detail":"token expired"}}`,
			wantErr:  "api error 53",
			wantCode: CodeAuthFailed,
			wantAuth: true,
		},
		{
			name:      "error_envelope_units",
			status:    http.StatusOK,
			body:      `{"error":{"request_id":"r2","error_code":152,"error_string":"Not enough units","error_detail":""}}`,
			wantErr:   "api error 152",
			wantCode:  CodeNotEnoughUnits,
			wantThrot: true,
		},
		{
			name:      "too_many_requests",
			status:    http.StatusTooManyRequests,
			header:    map[string]string{"Retry-After": "7"},
			body:      ``,
			wantErr:   "unexpected status 429",
			wantThrot: true,
			wantRetry: 7 * time.Second,
		},
		{
			name:     "unauthorized",
			status:   http.StatusUnauthorized,
			body:     ``,
			wantErr:  "unexpected status 401",
			wantAuth: true,
		},
		{
			name:     "server_error",
			status:   http.StatusBadGateway,
			body:     `<html>bad gateway</html>`,
			wantErr:  "unexpected status 502",
			wantTemp: true,
		},
		{
			name:    "malformed_response",
			status:  http.StatusOK,
			body:    `{invalid json`,
			wantErr: "unmarshal campaigns response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "/campaigns", r.URL.Path)
				assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
				assert.Equal(t, "ru", r.Header.Get("Accept-Language"))

				var req recordedRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "get", req.Method)
				assert.Equal(t, []int64{101}, req.Params.SelectionCriteria.Ids)

				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("test-token", WithBaseURL(srv.URL))
			got, err := client.Campaigns(context.Background(), []int64{101})

			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				var apiErr *APIError
				if tt.wantCode != 0 || tt.wantAuth || tt.wantThrot || tt.wantTemp {
					require.True(t, errors.As(err, &apiErr))
					assert.Equal(t, tt.wantCode, apiErr.Code)
					assert.Equal(t, tt.wantAuth, apiErr.Unauthorized())
					assert.Equal(t, tt.wantThrot, apiErr.Throttled())
					assert.Equal(t, tt.wantTemp, apiErr.Temporary())
					assert.Equal(t, tt.wantRetry, apiErr.RetryAfter)
				}
				return
			}

			require.NoError(t, err)
			require.Len(t, got, tt.wantResult)
			assert.Equal(t, int64(101), got[0].ID)
			assert.Equal(t, "Весна", got[0].Name)
			assert.Equal(t, "ON", got[0].State)
		})
	}
}

func TestClientLoginHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "client-login", r.Header.Get("Client-Login"))
		_, _ = w.Write([]byte(`{"result":{"Campaigns":[]}}`))
	}))
	defer srv.Close()

	client := NewClient("t", WithBaseURL(srv.URL), WithClientLogin("client-login"))
	got, err := client.Campaigns(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAdGroupsPagination(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/adgroups", r.URL.Path)
		var req recordedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.NotNil(t, req.Params.Page)
		assert.Equal(t, []int64{101}, req.Params.SelectionCriteria.CampaignIds)

		switch calls.Add(1) {
		case 1:
			assert.Equal(t, int64(0), req.Params.Page.Offset)
			_, _ = w.Write([]byte(`{"result":{"AdGroups":[{"Id":1,"Name":"a","CampaignId":101,"Status":"ACCEPTED","Type":"TEXT_AD_GROUP"}],"LimitedBy":1}}`))
		default:
			assert.Equal(t, int64(1), req.Params.Page.Offset)
			_, _ = w.Write([]byte(`{"result":{"AdGroups":[{"Id":2,"Name":"b","CampaignId":101,"Status":"ACCEPTED","Type":"TEXT_AD_GROUP"}]}}`))
		}
	}))
	defer srv.Close()

	client := NewClient("t", WithBaseURL(srv.URL))
	groups, err := client.AdGroups(context.Background(), []int64{101})
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, int64(1), groups[0].ID)
	assert.Equal(t, int64(2), groups[1].ID)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAdsBatchesCampaignIDs(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req recordedRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.LessOrEqual(t, len(req.Params.SelectionCriteria.CampaignIds), maxIDsPerCall)
		assert.Equal(t, textAdFields, req.Params.TextAdFieldNames)
		calls.Add(1)
		_, _ = w.Write([]byte(`{"result":{"Ads":[{"Id":9,"AdGroupId":1,"CampaignId":101,"Type":"TEXT_AD","State":"ON","Status":"ACCEPTED","TextAd":{"Title":"t","Href":"https://example.com"}}]}}`))
	}))
	defer srv.Close()

	ids := make([]int64, 25)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	client := NewClient("t", WithBaseURL(srv.URL), WithRateLimit(100))
	ads, err := client.Ads(context.Background(), ids)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, ads, 3)
	require.NotNil(t, ads[0].TextAd)
	assert.Equal(t, "https://example.com", ads[0].TextAd.Href)
}

func TestCampaignsContextCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewClient("t", WithBaseURL(srv.URL))
	_, err := client.Campaigns(ctx, []int64{1})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChunk(t *testing.T) {
	assert.Nil(t, chunk(nil, 3))
	assert.Equal(t, [][]int64{{1, 2, 3}, {4}}, chunk([]int64{1, 2, 3, 4}, 3))
	assert.Equal(t, [][]int64{{1, 2}}, chunk([]int64{1, 2}, 3))
}
