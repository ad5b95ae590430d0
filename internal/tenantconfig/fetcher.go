package tenantconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gabztoo/Perpetuo/internal/domain"
	"github.com/goccy/go-json"
)

// Fetcher loads a tenant's routing policy from the management service.
type Fetcher interface {
	Fetch(ctx context.Context, tenantID string) (*domain.TenantPolicy, error)
}

var ErrPolicyNotFound = errors.New("tenant policy not found")

// HTTPFetcher calls GET {baseURL}/internal/config/{tenantID} with the
// internal bearer token.
type HTTPFetcher struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPFetcher(baseURL, token string, client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, tenantID string) (*domain.TenantPolicy, error) {
	endpoint := f.baseURL + "/internal/config/" + url.PathEscape(tenantID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build config request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch tenant config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrPolicyNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("fetch tenant config: status=%d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var policy domain.TenantPolicy
	if err := json.NewDecoder(resp.Body).Decode(&policy); err != nil {
		return nil, fmt.Errorf("decode tenant config: %w", err)
	}
	if policy.TenantID == "" {
		policy.TenantID = tenantID
	}
	return &policy, nil
}

// Ping reports whether the management service answers at all. Any status
// below 500 counts as reachable.
func (f *HTTPFetcher) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.token)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping management service: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 512))

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ping management service: status=%d", resp.StatusCode)
	}
	return nil
}
