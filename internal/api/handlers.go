package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nugget/haletta/internal/backend"
	"github.com/nugget/haletta/internal/integration"
	"github.com/nugget/haletta/internal/turn"
)

// Response types reported to the conversation agent.
const (
	ResponseActionDone = "action_done"
	ResponseError      = "error"
)

// QueryRequest is the body of the query service.
type QueryRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// QueryResponse carries the backend's reply. Every agent kind answers
// under the same key.
type QueryResponse struct {
	Response string `json:"response"`
}

// ConversationRequest is one utterance from the conversation agent.
type ConversationRequest struct {
	Text           string `json:"text"`
	Source         string `json:"source,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Language       string `json:"language,omitempty"`
}

// ConversationResponse is the agent's answer.
type ConversationResponse struct {
	Speech         string `json:"speech"`
	ConversationID string `json:"conversation_id"`
	ResponseType   string `json:"response_type"`
	FollowUp       bool   `json:"followup"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	StatusCode int    `json:"status_code,omitempty"`
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]ErrorBody{
		"error": {Message: message, Type: errType},
	}, s.logger)
}

// backendErrorResponse maps a failed backend call onto a status and
// error body.
func (s *Server) backendErrorResponse(w http.ResponseWriter, err error) {
	var (
		be *backend.BackendError
		ce *backend.CommunicationError
	)
	switch {
	case errors.As(err, &be):
		writeJSON(w, http.StatusBadGateway, map[string]ErrorBody{
			"error": {Message: err.Error(), Type: "backend_error", StatusCode: be.StatusCode},
		}, s.logger)
	case errors.As(err, &ce):
		s.errorResponse(w, http.StatusBadGateway, "communication_error", err.Error())
	case errors.Is(err, integration.ErrClosed):
		s.errorResponse(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.errorResponse(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// lookup resolves the {agent} path parameter, writing a 404 when the
// agent is unknown.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*integration.Integration, bool) {
	name := chi.URLParam(r, "agent")
	i, ok := s.registry.Get(name)
	if !ok {
		s.errorResponse(w, http.StatusNotFound, "not_found", "unknown agent: "+name)
	}
	return i, ok
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	reply, err := agent.Query(r.Context(), req.Prompt, req.MaxTokens)
	if err != nil {
		s.logger.Warn("query failed", "agent", agent.Name(), "error", err)
		s.backendErrorResponse(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QueryResponse{Response: reply}, s.logger)
}

func (s *Server) handleConversationInfo(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":                agent.Name(),
		"supported_languages": agent.SupportedLanguages(),
	}, s.logger)
}

// apology is spoken when the backend cannot answer a conversation turn.
func apology(agent string) string {
	return "Sorry, something went wrong talking to " + agent + "."
}

func (s *Server) handleConversationProcess(w http.ResponseWriter, r *http.Request) {
	agent, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req ConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.errorResponse(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	res, err := agent.Process(r.Context(), turn.Input{
		Text:           req.Text,
		Source:         req.Source,
		ConversationID: req.ConversationID,
		Language:       req.Language,
	})
	if err != nil {
		// The conversation agent always answers; the failure becomes
		// speech.
		s.logger.Warn("conversation turn failed", "agent", agent.Name(), "error", err)
		writeJSON(w, http.StatusOK, ConversationResponse{
			Speech:         apology(agent.Name()),
			ConversationID: req.ConversationID,
			ResponseType:   ResponseError,
		}, s.logger)
		return
	}

	writeJSON(w, http.StatusOK, ConversationResponse{
		Speech:         res.Speech,
		ConversationID: res.ConversationID,
		ResponseType:   ResponseActionDone,
		FollowUp:       res.FollowUp,
	}, s.logger)
}
