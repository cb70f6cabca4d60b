// Package otx is the upstream threat intelligence adapter. It speaks the
// AlienVault OTX DirectConnect v1 API: one GET per indicator section,
// authenticated with the X-OTX-API-KEY header.
package otx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/poyrazK/intelsync/internal/infrastructure/metrics"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://otx.alienvault.com/api/v1"
	DefaultTimeout = 15 * time.Second

	apiKeyHeader = "X-OTX-API-KEY"
	maxBodyBytes = 8 << 20
)

// Client implements ports.ThreatIntelAPI. It holds no credential; every call
// carries the secret leased from the pool.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// indicatorKind is the path segment OTX uses for an indicator type.
func indicatorKind(t domain.IndicatorType) (string, bool) {
	switch t {
	case domain.TypeIPv4:
		return "IPv4", true
	case domain.TypeIPv6:
		return "IPv6", true
	case domain.TypeDomain:
		return "domain", true
	case domain.TypeHostname:
		return "hostname", true
	case domain.TypeURL:
		return "url", true
	case domain.TypeMD5, domain.TypeSHA1, domain.TypeSHA256:
		return "file", true
	case domain.TypeCVE:
		return "cve", true
	case domain.TypeEmail:
		return "", false
	default:
		return "", false
	}
}

// FetchSection fetches and decodes one section. Errors wrap domain.ErrNotFound,
// domain.ErrRateLimited, domain.ErrTransient or domain.ErrUpstreamData.
func (c *Client) FetchSection(ctx context.Context, secret string, typ domain.IndicatorType, value string, section domain.Section) (*domain.SectionData, error) {
	kind, ok := indicatorKind(typ)
	if !ok {
		return nil, fmt.Errorf("%w: type %s has no upstream endpoint", domain.ErrNotFound, typ)
	}
	path := fmt.Sprintf("/indicators/%s/%s/%s", kind, url.PathEscape(value), section)

	start := time.Now()
	body, status, err := c.get(ctx, secret, path)
	metrics.UpstreamDuration.WithLabelValues(string(section)).Observe(time.Since(start).Seconds())
	metrics.UpstreamRequests.WithLabelValues(string(section), statusLabel(status, err)).Inc()
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, classifyStatus(status, path)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: %s returned invalid JSON", domain.ErrUpstreamData, path)
	}
	return decodeSection(section, gjson.ParseBytes(body))
}

// WhoAmI is the quota-free health probe.
func (c *Client) WhoAmI(ctx context.Context, secret string) error {
	body, status, err := c.get(ctx, secret, "/users/me")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return classifyStatus(status, "/users/me")
	}
	if !gjson.GetBytes(body, "username").Exists() {
		return fmt.Errorf("%w: /users/me returned no username", domain.ErrUpstreamData)
	}
	return nil
}

func (c *Client) get(ctx context.Context, secret, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(apiKeyHeader, secret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", domain.ErrTransient, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read %s: %v", domain.ErrTransient, path, err)
	}
	return body, resp.StatusCode, nil
}

func classifyStatus(status int, path string) error {
	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, path)
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, path)
	case status >= 500:
		return fmt.Errorf("%w: %s returned %d", domain.ErrTransient, path, status)
	default:
		return fmt.Errorf("%w: %s returned %d", domain.ErrUpstreamData, path, status)
	}
}

func statusLabel(status int, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return "timeout"
		}
		return "error"
	}
	return fmt.Sprintf("%d", status)
}
