// Package integration owns the lifecycle of configured agents. Each
// agent gets a handle holding its backend client and turn coordinator;
// the handle is torn down as a unit so no follow-up it armed outlives it.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nugget/haletta/internal/backend"
	"github.com/nugget/haletta/internal/config"
	"github.com/nugget/haletta/internal/events"
	"github.com/nugget/haletta/internal/turn"
)

// Waiter drains background work on shutdown. Satisfied by
// *tts.Dispatcher.
type Waiter interface {
	Wait()
}

// OwnerReleaser drops every follow-up armed by an owner. Satisfied by
// *followup.Manager.
type OwnerReleaser interface {
	ReleaseOwner(owner string) int
}

// FollowUps arms and releases follow-up subscriptions.
type FollowUps interface {
	turn.Armer
	OwnerReleaser
}

// Deps are the daemon-wide collaborators shared by every agent.
type Deps struct {
	Markers  turn.Markers
	Speakers []string
	// Speaker and FollowUps are nil when Home Assistant is not
	// configured.
	Speaker   turn.Speaker
	FollowUps FollowUps
	Bus       *events.Bus
	Logger    *slog.Logger
	// Client replaces the backend built from the agent config. Tests use
	// it; SetupAll shares it across every agent.
	Client backend.Client
}

// Integration is one running agent.
type Integration struct {
	cfg       config.AgentConfig
	client    backend.Client
	coord     *turn.Coordinator
	followUps OwnerReleaser
	speaker   turn.Speaker
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// ErrClosed is returned by an integration after Shutdown.
var ErrClosed = errors.New("integration shut down")

var tracer = otel.Tracer("github.com/nugget/haletta/internal/integration")

// Setup builds the handle for one configured agent.
func Setup(ctx context.Context, cfg config.AgentConfig, deps Deps) (*Integration, error) {
	_, span := tracer.Start(ctx, "integration.setup")
	defer span.End()
	span.SetAttributes(
		attribute.String("haletta.agent", cfg.Name),
		attribute.String("haletta.kind", cfg.Kind),
	)

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("agent", cfg.Name)

	client := deps.Client
	if client == nil {
		var err error
		client, err = backend.New(cfg, logger)
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("set up agent %s: %w", cfg.Name, err)
		}
	}

	tc := turn.Config{
		Agent:    cfg.Name,
		Backend:  client,
		Markers:  deps.Markers,
		Speakers: deps.Speakers,
		Speaker:  deps.Speaker,
		Bus:      deps.Bus,
		Logger:   logger,
	}
	if deps.FollowUps != nil {
		tc.FollowUps = deps.FollowUps
	}

	logger.Info("agent ready", "kind", cfg.Kind, "url", cfg.URL, "languages", cfg.Languages)

	return &Integration{
		cfg:       cfg,
		client:    client,
		coord:     turn.NewCoordinator(tc),
		followUps: deps.FollowUps,
		speaker:   deps.Speaker,
		logger:    logger,
	}, nil
}

// Name returns the agent name.
func (i *Integration) Name() string { return i.cfg.Name }

// Kind returns the backend kind.
func (i *Integration) Kind() string { return i.cfg.Kind }

// SupportedLanguages lists the languages the agent accepts.
func (i *Integration) SupportedLanguages() []string {
	return slices.Clone(i.cfg.Languages)
}

func (i *Integration) isClosed() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closed
}

// Query is the service surface: the prompt goes to the backend as-is
// and the reply comes back untouched, markers included.
func (i *Integration) Query(ctx context.Context, prompt string, maxTokens int) (string, error) {
	if i.isClosed() {
		return "", ErrClosed
	}
	return i.client.Query(ctx, backend.Request{Prompt: prompt, MaxTokens: maxTokens})
}

// Process is the conversation-agent surface.
func (i *Integration) Process(ctx context.Context, in turn.Input) (*turn.Result, error) {
	if i.isClosed() {
		return nil, ErrClosed
	}
	return i.coord.Process(ctx, in)
}

// Shutdown releases the follow-ups this agent armed and waits for
// in-flight speech. It is safe to call more than once.
func (i *Integration) Shutdown() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	i.mu.Unlock()

	released := 0
	if i.followUps != nil {
		released = i.followUps.ReleaseOwner(i.cfg.Name)
	}
	if w, ok := i.speaker.(Waiter); ok {
		w.Wait()
	}
	i.logger.Info("agent shut down", "released_followups", released)
}

// Registry maps agent names to running integrations.
type Registry struct {
	mu    sync.RWMutex
	items map[string]*Integration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]*Integration)}
}

// Register adds an integration. Names must be unique.
func (r *Registry) Register(i *Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[i.Name()]; ok {
		return fmt.Errorf("agent %s already registered", i.Name())
	}
	r.items[i.Name()] = i
	return nil
}

// Get returns the named integration.
func (r *Registry) Get(name string) (*Integration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.items[name]
	return i, ok
}

// Names returns the registered agent names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.items))
	for n := range r.items {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Unregister removes the named integration and shuts it down. It
// reports whether the name was registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	i, ok := r.items[name]
	delete(r.items, name)
	r.mu.Unlock()
	if ok {
		i.Shutdown()
	}
	return ok
}

// Close unregisters every integration.
func (r *Registry) Close() {
	for _, n := range r.Names() {
		r.Unregister(n)
	}
}

// SetupAll builds and registers every configured agent.
func SetupAll(ctx context.Context, agents []config.AgentConfig, deps Deps) (*Registry, error) {
	reg := NewRegistry()
	for _, a := range agents {
		i, err := Setup(ctx, a, deps)
		if err != nil {
			reg.Close()
			return nil, err
		}
		if err := reg.Register(i); err != nil {
			reg.Close()
			return nil, err
		}
	}
	return reg, nil
}
