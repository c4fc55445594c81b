package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

var (
	// ErrTransient failures are retried with backoff.
	ErrTransient = errors.New("provisioning temporarily failed")
	// ErrPermanent failures will not succeed on retry.
	ErrPermanent = errors.New("provisioning permanently failed")
)

const (
	defaultTimeout  = 15 * time.Second
	maxErrorBodyLen = 512
)

type Request struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Phone       string `json:"phone,omitempty"`
	OwnerUserID string `json:"owner_user_id"`
}

type Organization struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Client creates organizations in the external tenancy service. Calls with
// the same idempotency key must yield the same organization.
type Client interface {
	ProvisionOrganization(ctx context.Context, req Request, idempotencyKey string) (Organization, error)
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	log     *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg *config.ProvisioningConfig, log *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("provisioning.base_url must be set")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: timeout},
		log:     log.With(zap.String("component", "provisioning")),
	}, nil
}

func (c *HTTPClient) ProvisionOrganization(ctx context.Context, req Request, idempotencyKey string) (Organization, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Organization{}, fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/organizations", bytes.NewReader(body))
	if err != nil {
		return Organization{}, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Organization{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var org Organization
		if err := json.NewDecoder(resp.Body).Decode(&org); err != nil {
			return Organization{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
		}
		if org.ID == "" {
			return Organization{}, fmt.Errorf("%w: response without organization id", ErrTransient)
		}
		c.log.Info("organization provisioned",
			zap.String("organization_id", org.ID),
			zap.String("idempotency_key", idempotencyKey))
		return org, nil
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	err = fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	if isTransientStatus(resp.StatusCode) {
		return Organization{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return Organization{}, fmt.Errorf("%w: %v", ErrPermanent, err)
}

// isTransientStatus treats auth and not-found responses as soft failures:
// they usually mean a misconfigured or redeploying upstream.
func isTransientStatus(code int) bool {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return true
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return true
	case code >= 500:
		return true
	}
	return false
}
