package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/haletta/internal/httpkit"
)

// OpenWebUIConfig configures an [OpenWebUI] client.
type OpenWebUIConfig struct {
	Name       string
	BaseURL    string
	Model      string
	APIKey     string // optional
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// OpenWebUI is a non-streaming client for OpenWebUI's OpenAI-style
// chat completions endpoint.
type OpenWebUI struct {
	cfg    OpenWebUIConfig
	logger *slog.Logger
}

// NewOpenWebUI creates an OpenWebUI client.
func NewOpenWebUI(cfg OpenWebUIConfig) *OpenWebUI {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient()
	}
	if cfg.Name == "" {
		cfg.Name = "openwebui"
	}
	return &OpenWebUI{cfg: cfg, logger: cfg.Logger}
}

type completionRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// URL returns the completions endpoint.
func (c *OpenWebUI) URL() string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + "/api/v1/chat/completions"
}

// Query sends the prompt and returns choices[0].message.content.
func (c *OpenWebUI) Query(ctx context.Context, req Request) (string, error) {
	payload, err := json.Marshal(completionRequest{
		Model:     c.cfg.Model,
		Messages:  userMessages(req.Prompt),
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return "", &CommunicationError{Backend: c.cfg.Name, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL(), bytes.NewReader(payload))
	if err != nil {
		return "", &CommunicationError{Backend: c.cfg.Name, Err: fmt.Errorf("build request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return "", &CommunicationError{Backend: c.cfg.Name, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &BackendError{
			Backend:    c.cfg.Name,
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 512),
		}
	}

	var cr completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", &CommunicationError{Backend: c.cfg.Name, Err: fmt.Errorf("decode response: %w", err)}
	}
	if len(cr.Choices) == 0 {
		return "", &CommunicationError{Backend: c.cfg.Name, Err: errors.New("response has no choices")}
	}

	text := cr.Choices[0].Message.Content
	c.logger.Debug("response received", "model", c.cfg.Model, "length", len(text))
	return text, nil
}
