package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultIPAPIURL    = "http://ip-api.com/json/"
	defaultHTTPTimeout = 10 * time.Second
)

// IPAPIResolver queries the ip-api.com JSON endpoint.
type IPAPIResolver struct {
	baseURL    string
	httpClient *http.Client
}

// NewIPAPIResolver allows overriding base URL and HTTP client (used for tests).
func NewIPAPIResolver(baseURL string, httpClient *http.Client) *IPAPIResolver {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultIPAPIURL
	}
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &IPAPIResolver{baseURL: baseURL, httpClient: httpClient}
}

type ipAPIResponse struct {
	Status      string `json:"status"`
	Message     string `json:"message"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
	City        string `json:"city"`
}

func (r *IPAPIResolver) Resolve(ctx context.Context, ip string) (Location, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+url.PathEscape(ip), nil)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Location{}, fmt.Errorf("%w: %v", ErrLookupFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Location{}, fmt.Errorf("%w: ip-api returned status %d", ErrLookupFailed, resp.StatusCode)
	}

	var payload ipAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Location{}, fmt.Errorf("%w: decode response: %v", ErrLookupFailed, err)
	}
	if payload.Status != "success" {
		return Location{}, fmt.Errorf("%w: ip-api status %q: %s", ErrLookupFailed, payload.Status, payload.Message)
	}

	return locationFrom(payload.CountryCode, payload.Country, payload.City)
}
