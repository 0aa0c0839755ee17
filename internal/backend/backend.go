// Package backend talks to the conversational services haletta fronts:
// Letta agents (streaming and non-streaming) and OpenWebUI. Every client
// reduces a prompt to a single response string and reports failures as
// either a [BackendError] or a [CommunicationError].
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/haletta/internal/config"
	"github.com/nugget/haletta/internal/httpkit"
)

// Request is one outgoing prompt.
type Request struct {
	Prompt string
	// MaxTokens is forwarded to backends that accept it. Zero omits it.
	MaxTokens int
}

// Client sends a prompt and returns the full text response.
type Client interface {
	Query(ctx context.Context, req Request) (string, error)
}

// BackendError is a non-success HTTP status from the remote API.
type BackendError struct {
	Backend    string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s API error: status %d", e.Backend, e.StatusCode)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	return msg
}

// CommunicationError is any failure other than a bad status: connection
// refused, timeout, an undecodable response.
type CommunicationError struct {
	Backend string
	Err     error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("error communicating with %s: %v", e.Backend, e.Err)
}

func (e *CommunicationError) Unwrap() error { return e.Err }

// chatMessage is the message shape shared by Letta and OpenWebUI.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func userMessages(prompt string) []chatMessage {
	return []chatMessage{{Role: "user", Content: prompt}}
}

// New builds the client for one configured agent.
func New(cfg config.AgentConfig, logger *slog.Logger) (Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", cfg.Name)
	timeout := time.Duration(cfg.TimeoutSec) * time.Second

	switch cfg.Kind {
	case config.KindLettaStream, config.KindLetta:
		precedence, err := ParsePrecedence(cfg.Precedence)
		if err != nil {
			return nil, err
		}
		opts := []httpkit.ClientOption{
			httpkit.WithTracing("letta"),
			httpkit.WithLogger(logger),
		}
		if cfg.Streaming() {
			// The stream stays open for the whole reply; only the wait
			// for headers is bounded.
			opts = append(opts, httpkit.WithTimeout(0), httpkit.WithResponseHeaderTimeout(timeout))
		} else {
			opts = append(opts, httpkit.WithTimeout(timeout))
		}
		return NewLetta(LettaConfig{
			Name:           cfg.Name,
			BaseURL:        cfg.URL,
			AgentID:        cfg.AgentID,
			APIKey:         cfg.APIKey,
			Password:       cfg.Password,
			PasswordHeader: cfg.PasswordHeader,
			Stream:         cfg.Streaming(),
			Precedence:     precedence,
			HTTPClient:     httpkit.NewClient(opts...),
			Logger:         logger,
		}), nil

	case config.KindOpenWebUI:
		return NewOpenWebUI(OpenWebUIConfig{
			Name:    cfg.Name,
			BaseURL: cfg.URL,
			Model:   cfg.Model,
			APIKey:  cfg.APIKey,
			HTTPClient: httpkit.NewClient(
				httpkit.WithTimeout(timeout),
				httpkit.WithTracing("openwebui"),
			),
			Logger: logger,
		}), nil
	}

	return nil, fmt.Errorf("agent %s: unsupported kind %q", cfg.Name, cfg.Kind)
}
