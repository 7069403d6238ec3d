package deeplink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/campaign-tracker/internal/pkg/httpretry"
)

// StaticResolver maps ad-group ids to links from configuration.
type StaticResolver map[int64]string

// Resolve looks the ad group up in the map.
func (s StaticResolver) Resolve(_ context.Context, adGroupID int64) (string, error) {
	url, ok := s[adGroupID]
	if !ok || url == "" {
		return "", ErrNoDeepLink
	}
	return url, nil
}

// HTTPResolver asks a link-mapping service: GET {baseURL}/deeplinks/{id}.
type HTTPResolver struct {
	baseURL    string
	httpClient httpretry.HTTPDoer
}

// NewHTTPResolver creates a resolver with retries on transient failures.
func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpretry.NewRetryClient(&http.Client{Timeout: timeout}, 3),
	}
}

// SetHTTPClient sets a custom HTTP client (useful for testing)
func (r *HTTPResolver) SetHTTPClient(client httpretry.HTTPDoer) {
	r.httpClient = client
}

type deepLinkResponse struct {
	AdGroupID int64  `json:"ad_group_id"`
	DeepLink  string `json:"deep_link"`
}

// Resolve fetches the link for adGroupID. A 404 maps to ErrNoDeepLink.
func (r *HTTPResolver) Resolve(ctx context.Context, adGroupID int64) (string, error) {
	reqURL := r.baseURL + "/deeplinks/" + strconv.FormatInt(adGroupID, 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return "", ErrNoDeepLink
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var out deepLinkResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if out.DeepLink == "" {
		return "", ErrNoDeepLink
	}
	return out.DeepLink, nil
}
