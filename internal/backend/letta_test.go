package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nugget/haletta/internal/config"
)

type capturedRequest struct {
	Method  string
	Path    string
	Headers http.Header
	Body    map[string]any
}

func lettaServer(t *testing.T, status int, body string, got *capturedRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.Method = r.Method
		got.Path = r.URL.Path
		got.Headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got.Body)
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLetta_Stream(t *testing.T) {
	var got capturedRequest
	stream := "data: {\"message_type\":\"reasoning_message\",\"reasoning\":\"hmm\"}\n\n" +
		"data: {\"message_type\":\"assistant_message\",\"content\":\"It is \"}\n\n" +
		"data: {\"message_type\":\"assistant_message\",\"content\":\"sunny\"}\n\n" +
		"data: [DONE]\n\n"
	srv := lettaServer(t, http.StatusOK, stream, &got)

	c := NewLetta(LettaConfig{
		BaseURL:        srv.URL + "/",
		AgentID:        "agent-123",
		APIKey:         "secret-key",
		Password:       "pw",
		PasswordHeader: "X-BARE-PASSWORD",
		Stream:         true,
	})
	text, err := c.Query(context.Background(), Request{Prompt: "weather?"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if text != "hmmIt is sunny" {
		t.Errorf("text = %q, want %q", text, "hmmIt is sunny")
	}

	if got.Method != http.MethodPost || got.Path != "/v1/agents/agent-123/messages/stream" {
		t.Errorf("request = %s %s", got.Method, got.Path)
	}
	for header, want := range map[string]string{
		"Authorization":   "Bearer secret-key",
		"X-Bare-Password": "pw",
		"Content-Type":    "application/json",
		"Accept":          "text/event-stream",
	} {
		if v := got.Headers.Get(header); v != want {
			t.Errorf("%s = %q, want %q", header, v, want)
		}
	}
	if got.Body["stream_steps"] != true || got.Body["stream_tokens"] != true {
		t.Errorf("stream flags missing from body: %v", got.Body)
	}
	msgs, _ := got.Body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("messages = %v", got.Body["messages"])
	}
	m := msgs[0].(map[string]any)
	if m["role"] != "user" || m["content"] != "weather?" {
		t.Errorf("message = %v", m)
	}
}

func TestLetta_NonStreaming(t *testing.T) {
	var got capturedRequest
	srv := lettaServer(t, http.StatusOK,
		`{"messages":[{"message_type":"reasoning_message"},{"content":"Turn "},{"content":"left"}]}`, &got)

	c := NewLetta(LettaConfig{BaseURL: srv.URL, AgentID: "a1"})
	text, err := c.Query(context.Background(), Request{Prompt: "directions"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if text != "Turn left" {
		t.Errorf("text = %q, want %q", text, "Turn left")
	}
	if got.Path != "/v1/agents/a1/messages" {
		t.Errorf("path = %q", got.Path)
	}
	if _, ok := got.Body["stream_steps"]; ok {
		t.Error("non-streaming body carries stream_steps")
	}
	if got.Headers.Get("Accept") == "text/event-stream" {
		t.Error("non-streaming request asked for an event stream")
	}
	if got.Headers.Get("Authorization") != "" {
		t.Error("Authorization sent without an API key")
	}
}

func TestLetta_BackendError(t *testing.T) {
	var got capturedRequest
	srv := lettaServer(t, http.StatusInternalServerError, "agent exploded", &got)

	c := NewLetta(LettaConfig{Name: "house", BaseURL: srv.URL, AgentID: "a1", Stream: true})
	_, err := c.Query(context.Background(), Request{Prompt: "hi"})

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	if be.StatusCode != http.StatusInternalServerError || be.Backend != "house" || be.Body != "agent exploded" {
		t.Errorf("BackendError = %+v", be)
	}
}

func TestLetta_CommunicationError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewLetta(LettaConfig{BaseURL: url, AgentID: "a1"})
	_, err := c.Query(context.Background(), Request{Prompt: "hi"})

	var ce *CommunicationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CommunicationError", err)
	}
	if errors.Unwrap(err) == nil {
		t.Error("CommunicationError does not wrap its cause")
	}
}

func TestLetta_UndecodableResponse(t *testing.T) {
	var got capturedRequest
	srv := lettaServer(t, http.StatusOK, "<html>", &got)

	_, err := NewLetta(LettaConfig{BaseURL: srv.URL, AgentID: "a1"}).Query(context.Background(), Request{Prompt: "hi"})
	var ce *CommunicationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CommunicationError", err)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AgentConfig
		wantURL string
		wantErr bool
	}{
		{
			name:    "letta stream",
			cfg:     config.AgentConfig{Name: "a", Kind: config.KindLettaStream, URL: "http://letta:8283", AgentID: "x"},
			wantURL: "http://letta:8283/v1/agents/x/messages/stream",
		},
		{
			name:    "letta",
			cfg:     config.AgentConfig{Name: "a", Kind: config.KindLetta, URL: "http://letta:8283", AgentID: "x"},
			wantURL: "http://letta:8283/v1/agents/x/messages",
		},
		{
			name:    "openwebui",
			cfg:     config.AgentConfig{Name: "a", Kind: config.KindOpenWebUI, URL: "http://owui", Model: "llama3"},
			wantURL: "http://owui/api/v1/chat/completions",
		},
		{
			name:    "bad precedence",
			cfg:     config.AgentConfig{Name: "a", Kind: config.KindLetta, Precedence: []string{"tool_call"}},
			wantErr: true,
		},
		{
			name:    "unknown kind",
			cfg:     config.AgentConfig{Name: "a", Kind: "ollama"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(tt.cfg, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			u, ok := c.(interface{ URL() string })
			if !ok {
				t.Fatalf("%T has no URL method", c)
			}
			if u.URL() != tt.wantURL {
				t.Errorf("URL = %q, want %q", u.URL(), tt.wantURL)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	be := &BackendError{Backend: "letta", StatusCode: 503, Body: " busy \n"}
	if got := be.Error(); got != "letta API error: status 503: busy" {
		t.Errorf("BackendError.Error() = %q", got)
	}
	ce := &CommunicationError{Backend: "letta", Err: context.DeadlineExceeded}
	if !errors.Is(ce, context.DeadlineExceeded) {
		t.Error("CommunicationError does not unwrap to its cause")
	}
}
