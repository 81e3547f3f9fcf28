package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/sitekb/internal/api"
	"github.com/raphaelgruber/sitekb/internal/models"
)

func TestNew_Endpoint(t *testing.T) {
	t.Setenv("SITEKB_SERVER_URL", "")
	t.Setenv("SITEKB_CLIENT_TIMEOUT", "5s")

	c := New("http://kb.internal:9000/")
	assert.Equal(t, "http://kb.internal:9000", c.endpoint)
	assert.Equal(t, "5s", c.httpClient.Timeout.String())

	assert.Equal(t, "http://localhost:8484", New("").endpoint)

	t.Setenv("SITEKB_SERVER_URL", "http://from-env:1")
	assert.Equal(t, "http://from-env:1", New("").endpoint)
}

func TestAPIError_Is(t *testing.T) {
	tests := []struct {
		status int
		target error
		want   bool
	}{
		{http.StatusNotFound, models.ErrNotFound, true},
		{http.StatusBadRequest, models.ErrInvalidInput, true},
		{http.StatusConflict, models.ErrNotFound, false},
		{http.StatusInternalServerError, models.ErrInvalidInput, false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("get status: %w", &APIError{StatusCode: tt.status, Message: "x"})
		assert.Equal(t, tt.want, errors.Is(err, tt.target), "status %d", tt.status)
	}
}

func TestClient_ErrorResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		switch r.URL.Path {
		case "/v1/tenants/acme/collections/site/index":
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "collection has an active job", JobID: "job-1"})
		default:
			http.Error(w, "upstream down", http.StatusBadGateway)
		}
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL)
	ctx := context.Background()

	_, err := c.StartIndexing(ctx, "acme", "site", api.IndexRequest{Domain: "acme.example"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "job-1", apiErr.JobID)
	assert.Contains(t, apiErr.Error(), "active job job-1")

	_, err = c.GetJob(ctx, "nope")
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream down", apiErr.Message)
}
