package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClient_Timeouts(t *testing.T) {
	tests := []struct {
		name string
		opts []ClientOption
		want time.Duration
	}{
		{"default", nil, 30 * time.Second},
		{"custom", []ClientOption{WithTimeout(5 * time.Second)}, 5 * time.Second},
		{"streaming", []ClientOption{WithTimeout(0)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.opts...)
			if c.Timeout != tt.want {
				t.Errorf("Timeout = %v, want %v", c.Timeout, tt.want)
			}
		})
	}
}

func TestNewClient_ResponseHeaderTimeout(t *testing.T) {
	tr := NewTransport()
	NewClient(WithTransport(tr), WithResponseHeaderTimeout(7*time.Second))
	if tr.ResponseHeaderTimeout != 7*time.Second {
		t.Errorf("ResponseHeaderTimeout = %v, want 7s", tr.ResponseHeaderTimeout)
	}
}

func echoUserAgent(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, c *http.Client, req *http.Request) string {
	t.Helper()
	resp, err := c.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_UserAgent(t *testing.T) {
	srv := echoUserAgent(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(), req); !strings.HasPrefix(got, "haletta/") {
		t.Errorf("default User-Agent = %q, want haletta/ prefix", got)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(WithUserAgent("TestBot/1.0")), req); got != "TestBot/1.0" {
		t.Errorf("User-Agent = %q, want TestBot/1.0", got)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "Caller/2.0")
	if got := get(t, NewClient(), req); got != "Caller/2.0" {
		t.Errorf("existing User-Agent overwritten: %q", got)
	}
}

func TestNewClient_WithTracingStillServes(t *testing.T) {
	srv := echoUserAgent(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	if got := get(t, NewClient(WithTracing("test")), req); !strings.HasPrefix(got, "haletta/") {
		t.Errorf("User-Agent = %q through traced transport", got)
	}
}

func TestReadErrorBody(t *testing.T) {
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("bad gateway")), 512); got != "bad gateway" {
		t.Errorf("ReadErrorBody = %q", got)
	}
	if got := ReadErrorBody(io.NopCloser(strings.NewReader("abcdefgh")), 4); got != "abcd" {
		t.Errorf("ReadErrorBody truncated = %q, want abcd", got)
	}
	if got := ReadErrorBody(nil, 10); got != "" {
		t.Errorf("ReadErrorBody(nil) = %q", got)
	}
}

// failingRoundTripper returns connect errors for the first failures
// calls, then succeeds.
type failingRoundTripper struct {
	failures int
	calls    int
	err      error
}

func (f *failingRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return nil, f.err
		}
		return nil, &net.OpError{
			Op:  "dial",
			Net: "tcp",
			Err: &net.OpError{Op: "connect", Err: syscall.ECONNREFUSED},
		}
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}, nil
}

func TestRetryTransport(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"success first try", 0, nil, 1, false},
		{"recovers after refused", 1, nil, 2, false},
		{"exhausts retries", 10, nil, 3, true},
		{"reset is not retried", 10, syscall.ECONNRESET, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ft := &failingRoundTripper{failures: tt.failures, err: tt.err}
			rt := &retryTransport{base: ft, count: 2, delay: time.Millisecond}

			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			resp, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RoundTrip error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				resp.Body.Close()
			}
			if ft.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", ft.calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryTransport_RespectsContextCancellation(t *testing.T) {
	ft := &failingRoundTripper{failures: 10}
	rt := &retryTransport{base: ft, count: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://example.com", nil)

	start := time.Now()
	_, err := rt.RoundTrip(req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("retry did not stop on context cancellation")
	}
}

func TestIsConnectError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{syscall.EHOSTUNREACH, true},
		{&net.OpError{Op: "dial", Err: syscall.ENETUNREACH}, true},
		{syscall.ECONNRESET, false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsConnectError(tt.err); got != tt.want {
			t.Errorf("IsConnectError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
