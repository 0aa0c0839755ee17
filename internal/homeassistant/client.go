// Package homeassistant is the slice of the Home Assistant API haletta
// needs: REST calls to speak on media players and fire the follow-up
// event, and a WebSocket subscription to watch those players' state.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/haletta/internal/httpkit"
)

// Client is a Home Assistant REST API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a REST client. Dial failures are retried a few
// times; Home Assistant on a LAN host can briefly refuse connections
// while restarting.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithTracing("homeassistant"),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}
}

// BaseURL returns the configured Home Assistant URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Token returns the long-lived access token, shared with the WebSocket
// client.
func (c *Client) Token() string { return c.token }

// State is an entity state.
type State struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Config is the part of /api/config haletta reports.
type Config struct {
	LocationName string `json:"location_name"`
	TimeZone     string `json:"time_zone"`
	Version      string `json:"version"`
	Language     string `json:"language"`
}

// APIError is a non-200 response from Home Assistant.
type APIError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("home assistant %s: status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	var status struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/", nil, &status); err != nil {
		return err
	}
	if status.Message != "API running." {
		return fmt.Errorf("unexpected API status: %s", status.Message)
	}
	return nil
}

// GetConfig retrieves the instance configuration.
func (c *Client) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := c.do(ctx, http.MethodGet, "/api/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// GetState retrieves a single entity state.
func (c *Client) GetState(ctx context.Context, entityID string) (*State, error) {
	var st State
	if err := c.do(ctx, http.MethodGet, "/api/states/"+url.PathEscape(entityID), nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// CallService calls domain.service with data.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any) error {
	path := "/api/services/" + url.PathEscape(domain) + "/" + url.PathEscape(service)
	return c.do(ctx, http.MethodPost, path, data, nil)
}

// FireEvent fires eventType on the Home Assistant event bus. A nil data
// sends an empty object.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) error {
	if data == nil {
		data = map[string]any{}
	}
	return c.do(ctx, http.MethodPost, "/api/events/"+url.PathEscape(eventType), data, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Path: path, StatusCode: resp.StatusCode, Body: httpkit.ReadErrorBody(resp.Body, 512)}
	}
	if result == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
