package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIError is a non-successful admin API response.
type APIError struct {
	StatusCode int
	Message    string
}

func (m *APIError) Error() string {
	return fmt.Sprintf("%d %s: %s", m.StatusCode, http.StatusText(m.StatusCode), m.Message)
}

// IsNotFound reports whether the device was unknown.
func (m *APIError) IsNotFound() bool {
	return m.StatusCode == http.StatusNotFound
}

// Client is the admin API client.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client of the admin API listening on the endpoint,
// e.g. "127.0.0.1:8181" or "http://controller:8181".
func NewClient(endpoint string, timeout time.Duration) *Client {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}

	return &Client{
		baseURL: strings.TrimSuffix(endpoint, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// InsertRoute installs an IPv6 route on the device.
func (m *Client) InsertRoute(ctx context.Context, dev string, req RouteRequest) error {
	return m.do(ctx, http.MethodPost, devicePath(dev, "routes"), req, nil)
}

// InsertUAPolicy installs an adjacency SID policy on the device.
func (m *Client) InsertUAPolicy(ctx context.Context, dev string, req UARequest) error {
	return m.do(ctx, http.MethodPost, devicePath(dev, "ua"), req, nil)
}

// InsertTransitEncap installs a transit encapsulation policy on the device.
func (m *Client) InsertTransitEncap(ctx context.Context, dev string, req EncapRequest) error {
	return m.do(ctx, http.MethodPost, devicePath(dev, "encap"), req, nil)
}

// ClearTransitEncap removes all transit encapsulation policies from the
// device, returning the number of removed entries.
func (m *Client) ClearTransitEncap(ctx context.Context, dev string) (int, error) {
	resp := ClearResponse{}
	if err := m.do(ctx, http.MethodDelete, devicePath(dev, "encap"), nil, &resp); err != nil {
		return 0, err
	}
	return resp.Removed, nil
}

// Entries returns the installed entries of the device.
func (m *Client) Entries(ctx context.Context, dev string) ([]Entry, error) {
	entries := []Entry{}
	if err := m.do(ctx, http.MethodGet, devicePath(dev, "entries"), nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Health returns the health status of the controller.
func (m *Client) Health(ctx context.Context) (*Health, error) {
	health := &Health{}
	if err := m.do(ctx, http.MethodGet, "/healthz", nil, health); err != nil {
		return nil, err
	}
	return health, nil
}

// LogLevel returns the current minimum logging level.
func (m *Client) LogLevel(ctx context.Context) (string, error) {
	resp := LogLevel{}
	if err := m.do(ctx, http.MethodGet, logLevelPath, nil, &resp); err != nil {
		return "", err
	}
	return resp.Level, nil
}

// SetLogLevel updates the minimum logging level.
func (m *Client) SetLogLevel(ctx context.Context, level string) error {
	return m.do(ctx, http.MethodPut, logLevelPath, LogLevel{Level: level}, nil)
}

const logLevelPath = "/api/v1/logging/level"

func devicePath(dev string, resource string) string {
	return fmt.Sprintf("/api/v1/devices/%s/%s", url.PathEscape(dev), resource)
}

func (m *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		failure := errorResponse{}
		if err := json.NewDecoder(resp.Body).Decode(&failure); err != nil || failure.Error == "" {
			failure.Error = resp.Status
		}
		return &APIError{StatusCode: resp.StatusCode, Message: failure.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
