package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nugget/haletta/internal/backend"
	"github.com/nugget/haletta/internal/config"
	"github.com/nugget/haletta/internal/connwatch"
	"github.com/nugget/haletta/internal/integration"
	"github.com/nugget/haletta/internal/turn"
)

type fakeBackend struct {
	reply string
	err   error
}

func (f *fakeBackend) Query(_ context.Context, _ backend.Request) (string, error) {
	return f.reply, f.err
}

type fakeHealth struct {
	ready bool
}

func (f fakeHealth) Status() map[string]connwatch.ServiceStatus {
	return map[string]connwatch.ServiceStatus{
		"homeassistant": {Name: "homeassistant", Ready: f.ready},
	}
}

func (f fakeHealth) Ready() bool { return f.ready }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, fb *fakeBackend, health HealthReporter) *httptest.Server {
	t.Helper()
	reg := integration.NewRegistry()
	i, err := integration.Setup(context.Background(), config.AgentConfig{
		Name:      "letta",
		Kind:      config.KindLettaStream,
		URL:       "http://letta.test",
		AgentID:   "agent-1",
		Languages: []string{"en"},
	}, integration.Deps{Client: fb, Markers: turn.DefaultMarkers(), Logger: discard()})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(i); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(NewServer("", 0, reg, health, discard()).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestQuery(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{reply: "[followup:true] raw"}, nil)

	resp, out := post(t, srv.URL+"/api/services/letta/query", `{"prompt":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["response"] != "[followup:true] raw" {
		t.Errorf("response = %v", out["response"])
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
}

func TestQuery_BadRequests(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{reply: "x"}, nil)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing prompt", "/api/services/letta/query", `{}`, http.StatusBadRequest},
		{"blank prompt", "/api/services/letta/query", `{"prompt":"  "}`, http.StatusBadRequest},
		{"invalid json", "/api/services/letta/query", `{`, http.StatusBadRequest},
		{"unknown agent", "/api/services/nobody/query", `{"prompt":"hi"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, out := post(t, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if _, ok := out["error"]; !ok {
				t.Errorf("no error body: %v", out)
			}
		})
	}
}

func TestQuery_BackendErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType string
		wantCode float64
	}{
		{
			name:     "backend error",
			err:      &backend.BackendError{Backend: "letta", StatusCode: 500, Body: "boom"},
			wantType: "backend_error",
			wantCode: 500,
		},
		{
			name:     "communication error",
			err:      &backend.CommunicationError{Backend: "letta", Err: io.ErrUnexpectedEOF},
			wantType: "communication_error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeBackend{err: tt.err}, nil)
			resp, out := post(t, srv.URL+"/api/services/letta/query", `{"prompt":"hi"}`)
			if resp.StatusCode != http.StatusBadGateway {
				t.Fatalf("status = %d, want 502", resp.StatusCode)
			}
			body := out["error"].(map[string]any)
			if body["type"] != tt.wantType {
				t.Errorf("type = %v, want %s", body["type"], tt.wantType)
			}
			if code, _ := body["status_code"].(float64); code != tt.wantCode {
				t.Errorf("status_code = %v, want %v", body["status_code"], tt.wantCode)
			}
		})
	}
}

func TestConversationProcess(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{reply: "[followup:true] Turn left [fromvoice:true]"}, nil)

	resp, out := post(t, srv.URL+"/api/conversation/letta/process",
		`{"text":"directions","source":"voice","conversation_id":"c-1","language":"en"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["speech"] != "Turn left" {
		t.Errorf("speech = %v", out["speech"])
	}
	if out["conversation_id"] != "c-1" || out["response_type"] != ResponseActionDone {
		t.Errorf("response = %v", out)
	}
	// No speakers are configured, so nothing is armed.
	if out["followup"] != false {
		t.Errorf("followup = %v", out["followup"])
	}
}

func TestConversationProcess_Apology(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{err: &backend.BackendError{Backend: "letta", StatusCode: 503}}, nil)

	resp, out := post(t, srv.URL+"/api/conversation/letta/process", `{"text":"hi","conversation_id":"c-2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if out["response_type"] != ResponseError {
		t.Errorf("response_type = %v", out["response_type"])
	}
	if out["speech"] != apology("letta") || out["conversation_id"] != "c-2" {
		t.Errorf("response = %v", out)
	}
}

func TestConversationProcess_EmptyText(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{reply: "x"}, nil)
	resp, _ := post(t, srv.URL+"/api/conversation/letta/process", `{"text":""}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, out
}

func TestConversationInfo(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	resp, out := getJSON(t, srv.URL+"/api/conversation/letta")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	langs, _ := out["supported_languages"].([]any)
	if out["name"] != "letta" || len(langs) != 1 || langs[0] != "en" {
		t.Errorf("info = %v", out)
	}

	resp, _ = getJSON(t, srv.URL+"/api/conversation/nobody")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown agent status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		health HealthReporter
		want   string
	}{
		{"nothing watched", nil, "healthy"},
		{"ready", fakeHealth{ready: true}, "healthy"},
		{"down", fakeHealth{ready: false}, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeBackend{}, tt.health)
			_, out := getJSON(t, srv.URL+"/health")
			if out["status"] != tt.want {
				t.Errorf("status = %v, want %s", out["status"], tt.want)
			}
		})
	}
}

func TestRootAndAgents(t *testing.T) {
	srv := newTestServer(t, &fakeBackend{}, nil)

	_, out := getJSON(t, srv.URL+"/")
	if out["name"] != "haletta" || out["version"] == "" {
		t.Errorf("root = %v", out)
	}

	_, out = getJSON(t, srv.URL+"/api/agents")
	agents, _ := out["agents"].([]any)
	if len(agents) != 1 || agents[0] != "letta" {
		t.Errorf("agents = %v", out)
	}
}
