// Package misp is the downstream export adapter for a MISP style
// event/attribute API.
package misp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/poyrazK/intelsync/internal/core/domain"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	DefaultTimeout = 30 * time.Second

	referenceCategory = "External analysis"
)

// Client implements ports.ExportAPI.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Configured reports whether a downstream endpoint was set.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.apiKey != ""
}

// CreateEvent posts one event with its attributes and tags and returns the
// durable event identifier (uuid, or numeric id when no uuid is returned).
func (c *Client) CreateEvent(ctx context.Context, event domain.ExportEvent) (string, error) {
	if !c.Configured() {
		return "", fmt.Errorf("export endpoint not configured")
	}
	body, err := encodeEvent(event)
	if err != nil {
		return "", fmt.Errorf("encode event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/events/add", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: create event: %v", domain.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", domain.ErrTransient, err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("%w: create event", domain.ErrRateLimited)
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%w: create event returned %d", domain.ErrTransient, resp.StatusCode)
	case resp.StatusCode >= 300:
		msg := gjson.GetBytes(respBody, "message").String()
		return "", fmt.Errorf("create event rejected with %d: %s", resp.StatusCode, msg)
	}

	id := gjson.GetBytes(respBody, "Event.uuid").String()
	if id == "" {
		id = gjson.GetBytes(respBody, "Event.id").String()
	}
	if id == "" {
		return "", fmt.Errorf("%w: response carries no event id", domain.ErrUpstreamData)
	}
	return id, nil
}

func encodeEvent(event domain.ExportEvent) ([]byte, error) {
	body := []byte(`{"Event":{}}`)
	fields := []struct {
		path  string
		value any
	}{
		{"Event.info", event.Info},
		{"Event.threat_level_id", fmt.Sprint(event.ThreatLevelID)},
		{"Event.analysis", fmt.Sprint(event.Analysis)},
		{"Event.distribution", fmt.Sprint(event.Distribution)},
		{"Event.Attribute", []any{}},
		{"Event.Tag", []any{}},
	}
	var err error
	for _, f := range fields {
		if body, err = sjson.SetBytes(body, f.path, f.value); err != nil {
			return nil, err
		}
	}

	for _, a := range event.Attributes {
		attr := map[string]any{
			"type":     a.Type,
			"category": a.Category,
			"value":    a.Value,
			"comment":  a.Comment,
			"to_ids":   a.ToIDS,
		}
		if body, err = sjson.SetBytes(body, "Event.Attribute.-1", attr); err != nil {
			return nil, err
		}
	}
	for _, ref := range event.References {
		attr := map[string]any{
			"type":     "text",
			"category": referenceCategory,
			"value":    ref,
			"to_ids":   false,
		}
		if body, err = sjson.SetBytes(body, "Event.Attribute.-1", attr); err != nil {
			return nil, err
		}
	}
	for _, tag := range event.Tags {
		if body, err = sjson.SetBytes(body, "Event.Tag.-1", map[string]string{"name": tag}); err != nil {
			return nil, err
		}
	}
	return body, nil
}
