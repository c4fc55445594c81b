package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *HTTPClient {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(&config.ProvisioningConfig{
		BaseURL: srv.URL + "/",
		APIKey:  "secret-key",
		Timeout: 2 * time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestHTTPClient_Success(t *testing.T) {
	var got Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/organizations", r.URL.Path)
		assert.Equal(t, "msg-01", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "Bearer secret-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"org-1","code":"ACME","name":"Acme"}`))
	})

	org, err := c.ProvisionOrganization(context.Background(), Request{
		Name: "Acme", Email: "owner@acme.test", OwnerUserID: "u1",
	}, "msg-01")
	require.NoError(t, err)
	assert.Equal(t, Organization{ID: "org-1", Code: "ACME", Name: "Acme"}, org)
	assert.Equal(t, "owner@acme.test", got.Email)
	assert.Equal(t, "u1", got.OwnerUserID)
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{name: "unauthorized is soft", status: http.StatusUnauthorized, want: ErrTransient},
		{name: "forbidden is soft", status: http.StatusForbidden, want: ErrTransient},
		{name: "not found is soft", status: http.StatusNotFound, want: ErrTransient},
		{name: "too many requests", status: http.StatusTooManyRequests, want: ErrTransient},
		{name: "server error", status: http.StatusBadGateway, want: ErrTransient},
		{name: "bad request", status: http.StatusBadRequest, body: "name required", want: ErrPermanent},
		{name: "conflict", status: http.StatusConflict, want: ErrPermanent},
		{name: "unprocessable", status: http.StatusUnprocessableEntity, want: ErrPermanent},
		{name: "success without id", status: http.StatusOK, body: `{"name":"x"}`, want: ErrTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := c.ProvisionOrganization(context.Background(), Request{Name: "x"}, "k")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			if tt.body != "" && tt.status >= 400 {
				assert.Contains(t, err.Error(), tt.body)
			}
		})
	}
}

func TestHTTPClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(&config.ProvisioningConfig{BaseURL: url}, zap.NewNop())
	require.NoError(t, err)

	_, err = c.ProvisionOrganization(context.Background(), Request{Name: "x"}, "k")
	assert.ErrorIs(t, err, ErrTransient)
}

func TestNewHTTPClient_RequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(&config.ProvisioningConfig{}, zap.NewNop())
	assert.Error(t, err)
}

func TestFake_Idempotent(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	first, err := f.ProvisionOrganization(ctx, Request{Name: "Acme"}, "msg-1")
	require.NoError(t, err)
	second, err := f.ProvisionOrganization(ctx, Request{Name: "Acme"}, "msg-1")
	require.NoError(t, err)
	other, err := f.ProvisionOrganization(ctx, Request{Name: "Acme"}, "msg-2")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotEqual(t, first.ID, other.ID)
	assert.Equal(t, 3, f.Calls())
	assert.Equal(t, 2, f.Organizations())
}

func TestFake_FailOnce(t *testing.T) {
	f := NewFake()
	f.Fail = errors.New("boom")

	_, err := f.ProvisionOrganization(context.Background(), Request{Name: "Acme"}, "k")
	assert.EqualError(t, err, "boom")

	_, err = f.ProvisionOrganization(context.Background(), Request{Name: "Acme"}, "k")
	assert.NoError(t, err)
}
