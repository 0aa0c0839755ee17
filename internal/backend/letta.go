package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nugget/haletta/internal/httpkit"
)

// LettaConfig configures a [Letta] client.
type LettaConfig struct {
	// Name identifies the agent in errors and logs.
	Name           string
	BaseURL        string
	AgentID        string
	APIKey         string
	Password       string
	PasswordHeader string
	// Stream selects the server-sent-event endpoint.
	Stream     bool
	Precedence []Field
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Letta is a client for a single Letta agent's messages endpoint.
type Letta struct {
	cfg         LettaConfig
	accumulator *Accumulator
	logger      *slog.Logger
}

// NewLetta creates a Letta client.
func NewLetta(cfg LettaConfig) *Letta {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpkit.NewClient()
	}
	if cfg.Name == "" {
		cfg.Name = "letta"
	}
	return &Letta{
		cfg:         cfg,
		accumulator: NewAccumulator(cfg.Precedence, cfg.Logger),
		logger:      cfg.Logger,
	}
}

type lettaRequest struct {
	Messages     []chatMessage `json:"messages"`
	StreamSteps  bool          `json:"stream_steps,omitempty"`
	StreamTokens bool          `json:"stream_tokens,omitempty"`
}

type lettaResponse struct {
	Messages []struct {
		Content json.RawMessage `json:"content"`
	} `json:"messages"`
}

// URL returns the endpoint this client posts to.
func (c *Letta) URL() string {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/agents/" + c.cfg.AgentID + "/messages"
	if c.cfg.Stream {
		u += "/stream"
	}
	return u
}

// Query sends the prompt and returns the agent's reply.
func (c *Letta) Query(ctx context.Context, req Request) (string, error) {
	body := lettaRequest{Messages: userMessages(req.Prompt)}
	if c.cfg.Stream {
		body.StreamSteps = true
		body.StreamTokens = true
	}
	payload, err := json.Marshal(body)
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
	if c.cfg.Password != "" && c.cfg.PasswordHeader != "" {
		httpReq.Header.Set(c.cfg.PasswordHeader, c.cfg.Password)
	}
	if c.cfg.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	c.logger.Debug("sending prompt", "url", c.URL(), "stream", c.cfg.Stream, "prompt_len", len(req.Prompt))

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

	var text string
	if c.cfg.Stream {
		text, err = c.accumulator.Accumulate(ctx, resp.Body)
	} else {
		text, err = decodeLettaMessages(resp)
	}
	if err != nil {
		return "", &CommunicationError{Backend: c.cfg.Name, Err: err}
	}

	c.logger.Debug("response received", "length", len(text))
	return text, nil
}

func decodeLettaMessages(resp *http.Response) (string, error) {
	var lr lettaResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	var sb strings.Builder
	for _, m := range lr.Messages {
		sb.WriteString(rawText(m.Content))
	}
	return sb.String(), nil
}
