package backend

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"

	"gopkg.in/dnaeon/go-vcr.v2/cassette"
	"gopkg.in/dnaeon/go-vcr.v2/recorder"
)

// newRecorder replays testdata/fixtures/<name>.yaml. Requests match on
// method and URL only; bodies carry the prompt and vary per test.
func newRecorder(t *testing.T, name string) *http.Client {
	t.Helper()

	r, err := recorder.NewAsMode(filepath.Join("testdata", "fixtures", name), recorder.ModeReplaying, nil)
	if err != nil {
		t.Fatalf("load cassette %s: %v", name, err)
	}
	r.SetMatcher(func(r *http.Request, i cassette.Request) bool {
		return r.Method == i.Method && r.URL.String() == i.URL
	})
	t.Cleanup(func() {
		if err := r.Stop(); err != nil {
			t.Errorf("stop recorder: %v", err)
		}
	})
	return &http.Client{Transport: r}
}

func TestOpenWebUI_Complete(t *testing.T) {
	c := NewOpenWebUI(OpenWebUIConfig{
		BaseURL:    "http://openwebui.test",
		Model:      "llama3.1",
		HTTPClient: newRecorder(t, "openwebui_complete"),
	})

	text, err := c.Query(context.Background(), Request{Prompt: "Is the garage door closed?", MaxTokens: 64})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if want := "The garage door is closed."; text != want {
		t.Errorf("text = %q, want %q", text, want)
	}
}

func TestOpenWebUI_NoChoices(t *testing.T) {
	c := NewOpenWebUI(OpenWebUIConfig{
		BaseURL:    "http://openwebui.test",
		Model:      "llama3.1",
		HTTPClient: newRecorder(t, "openwebui_no_choices"),
	})

	_, err := c.Query(context.Background(), Request{Prompt: "hello"})
	var ce *CommunicationError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *CommunicationError", err)
	}
}

func TestOpenWebUI_BackendError(t *testing.T) {
	c := NewOpenWebUI(OpenWebUIConfig{
		Name:       "owui",
		BaseURL:    "http://openwebui.test",
		Model:      "missing-model",
		HTTPClient: newRecorder(t, "openwebui_error"),
	})

	_, err := c.Query(context.Background(), Request{Prompt: "hello"})
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("err = %v, want *BackendError", err)
	}
	if be.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", be.StatusCode)
	}
}
