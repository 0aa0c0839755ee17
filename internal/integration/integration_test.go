package integration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"

	"github.com/nugget/haletta/internal/backend"
	"github.com/nugget/haletta/internal/config"
	"github.com/nugget/haletta/internal/events"
	"github.com/nugget/haletta/internal/followup"
	"github.com/nugget/haletta/internal/turn"
)

type fakeBackend struct {
	mu    sync.Mutex
	reqs  []backend.Request
	reply string
	err   error
}

func (f *fakeBackend) Query(_ context.Context, req backend.Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	return f.reply, f.err
}

type fakeSpeaker struct {
	mu     sync.Mutex
	spoken []string
	waited int
}

func (f *fakeSpeaker) Speak(_ context.Context, text string, _ []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spoken = append(f.spoken, text)
}

func (f *fakeSpeaker) Wait() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waited++
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func agentConfig(name string) config.AgentConfig {
	return config.AgentConfig{
		Name:       name,
		Kind:       config.KindLettaStream,
		URL:        "http://letta.test:8283",
		AgentID:    "agent-1",
		TimeoutSec: 5,
		Languages:  []string{"en", "de"},
	}
}

func newManager() *followup.Manager {
	return followup.NewManager(followup.Config{}, nil, events.New(), discard())
}

func TestSetup_BuildsBackendFromConfig(t *testing.T) {
	i, err := Setup(context.Background(), agentConfig("letta"), Deps{Logger: discard()})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if i.Name() != "letta" || i.Kind() != config.KindLettaStream {
		t.Errorf("Name/Kind = %s/%s", i.Name(), i.Kind())
	}
	if _, ok := i.client.(*backend.Letta); !ok {
		t.Errorf("client = %T, want *backend.Letta", i.client)
	}
}

func TestSetup_UnsupportedKind(t *testing.T) {
	cfg := agentConfig("bad")
	cfg.Kind = "gopher"
	if _, err := Setup(context.Background(), cfg, Deps{Logger: discard()}); err == nil {
		t.Fatal("Setup succeeded for an unsupported kind")
	}
}

func TestIntegration_QueryKeepsMarkers(t *testing.T) {
	fb := &fakeBackend{reply: "[followup:true] Done [fromvoice:true]"}
	i, err := Setup(context.Background(), agentConfig("letta"), Deps{Client: fb, Markers: turn.DefaultMarkers(), Logger: discard()})
	if err != nil {
		t.Fatal(err)
	}

	got, err := i.Query(context.Background(), "close the garage", 64)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != fb.reply {
		t.Errorf("Query = %q, want raw reply %q", got, fb.reply)
	}
	if fb.reqs[0].Prompt != "close the garage" || fb.reqs[0].MaxTokens != 64 {
		t.Errorf("request = %+v", fb.reqs[0])
	}
}

func TestIntegration_Process(t *testing.T) {
	fb := &fakeBackend{reply: "[followup:true] Turn left [fromvoice:true]"}
	sp := &fakeSpeaker{}
	mgr := newManager()
	defer mgr.Close()

	i, err := Setup(context.Background(), agentConfig("letta"), Deps{
		Client:    fb,
		Markers:   turn.DefaultMarkers(),
		Speakers:  []string{"media_player.kitchen"},
		Speaker:   sp,
		FollowUps: mgr,
		Bus:       events.New(),
		Logger:    discard(),
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := i.Process(context.Background(), turn.Input{Text: "directions", Source: "voice"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Speech != "Turn left" || !res.FollowUp {
		t.Errorf("result = %+v", res)
	}
	if !mgr.Watching("media_player.kitchen") {
		t.Error("speaker not watched after follow-up turn")
	}
	if fb.reqs[0].Prompt != "[source:voice] directions" {
		t.Errorf("prompt = %q", fb.reqs[0].Prompt)
	}
}

func TestIntegration_ShutdownReleasesFollowUps(t *testing.T) {
	fb := &fakeBackend{reply: "[followup:true] Ok [fromvoice:true]"}
	sp := &fakeSpeaker{}
	mgr := newManager()
	defer mgr.Close()

	deps := Deps{
		Client:    fb,
		Markers:   turn.DefaultMarkers(),
		Speakers:  []string{"media_player.kitchen"},
		Speaker:   sp,
		FollowUps: mgr,
		Logger:    discard(),
	}
	i, err := Setup(context.Background(), agentConfig("letta"), deps)
	if err != nil {
		t.Fatal(err)
	}
	res, err := i.Process(context.Background(), turn.Input{Text: "hi", Source: "voice"})
	if err != nil {
		t.Fatal(err)
	}

	i.Shutdown()
	i.Shutdown()

	select {
	case <-res.Subscription.Done():
	default:
		t.Fatal("subscription still open after Shutdown")
	}
	if res.Subscription.Reason() != followup.ReasonOwner {
		t.Errorf("reason = %q", res.Subscription.Reason())
	}
	if sp.waited != 1 {
		t.Errorf("Wait called %d times, want 1", sp.waited)
	}
	if _, err := i.Process(context.Background(), turn.Input{Text: "again"}); !errors.Is(err, ErrClosed) {
		t.Errorf("Process after Shutdown = %v, want ErrClosed", err)
	}
	if _, err := i.Query(context.Background(), "again", 0); !errors.Is(err, ErrClosed) {
		t.Errorf("Query after Shutdown = %v, want ErrClosed", err)
	}
}

func TestIntegration_SupportedLanguagesIsACopy(t *testing.T) {
	i, err := Setup(context.Background(), agentConfig("letta"), Deps{Client: &fakeBackend{}, Logger: discard()})
	if err != nil {
		t.Fatal(err)
	}
	langs := i.SupportedLanguages()
	langs[0] = "xx"
	if got := i.SupportedLanguages(); !slices.Equal(got, []string{"en", "de"}) {
		t.Errorf("SupportedLanguages = %v", got)
	}
}

func TestRegistry(t *testing.T) {
	deps := Deps{Client: &fakeBackend{}, Logger: discard()}
	reg, err := SetupAll(context.Background(), []config.AgentConfig{agentConfig("zeta"), agentConfig("alpha")}, deps)
	if err != nil {
		t.Fatalf("SetupAll: %v", err)
	}

	if got := reg.Names(); !slices.Equal(got, []string{"alpha", "zeta"}) {
		t.Errorf("Names = %v", got)
	}
	alpha, ok := reg.Get("alpha")
	if !ok || alpha.Name() != "alpha" {
		t.Fatal("Get(alpha) failed")
	}
	if err := reg.Register(alpha); err == nil {
		t.Error("duplicate Register succeeded")
	}

	if !reg.Unregister("alpha") {
		t.Error("Unregister(alpha) = false")
	}
	if reg.Unregister("alpha") {
		t.Error("second Unregister(alpha) = true")
	}
	if _, ok := reg.Get("alpha"); ok {
		t.Error("alpha still registered")
	}
	if !alpha.isClosed() {
		t.Error("unregistered integration not shut down")
	}

	reg.Close()
	if len(reg.Names()) != 0 {
		t.Errorf("Names after Close = %v", reg.Names())
	}
}

func TestSetupAll_DuplicateNames(t *testing.T) {
	deps := Deps{Client: &fakeBackend{}, Logger: discard()}
	_, err := SetupAll(context.Background(), []config.AgentConfig{agentConfig("a"), agentConfig("a")}, deps)
	if err == nil {
		t.Fatal("SetupAll accepted duplicate agent names")
	}
}
