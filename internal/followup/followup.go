// Package followup raises the follow-up event once a spoken reply has
// finished playing, so Home Assistant can reopen the microphone.
//
// A turn that asks for a follow-up arms one [Subscription] covering every
// configured speaker. The subscription fires at most once: either when
// one of its speakers leaves the playing state (strategy "state") or
// after a delay estimated from the reply's length (strategy "delay").
// Firing, timing out and owner shutdown all release it through the same
// once-only path, which removes it from the speaker table before the
// event is sent.
package followup

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nugget/haletta/internal/config"
	"github.com/nugget/haletta/internal/events"
)

// Release reasons.
const (
	ReasonFired     = "fired"
	ReasonTimeout   = "timeout"
	ReasonOwner     = "owner_released"
	ReasonAbandoned = "abandoned"
	ReasonClosed    = "closed"
)

// fireTimeout bounds the POST of the follow-up event.
const fireTimeout = 10 * time.Second

// EventFirer posts an event to Home Assistant. Satisfied by
// *homeassistant.Client.
type EventFirer interface {
	FireEvent(ctx context.Context, eventType string, data map[string]any) error
}

// Config tunes a [Manager].
type Config struct {
	EventType string
	Strategy  string // config.StrategyState or config.StrategyDelay
	// WatchTimeout releases a state watch whose speakers never stop
	// playing, or never start.
	WatchTimeout   time.Duration
	WordsPerMinute int
	Padding        time.Duration
}

// FromConfig converts the YAML settings.
func FromConfig(c config.FollowUpConfig) Config {
	return Config{
		EventType:      c.EventType,
		Strategy:       c.Strategy,
		WatchTimeout:   time.Duration(c.WatchTimeoutSec) * time.Second,
		WordsPerMinute: c.WordsPerMinute,
		Padding:        time.Duration(c.PaddingSec) * time.Second,
	}
}

// EstimateDelay approximates how long text takes to speak.
func EstimateDelay(text string, wordsPerMinute int, padding time.Duration) time.Duration {
	if wordsPerMinute <= 0 {
		wordsPerMinute = 150
	}
	words := len(strings.Fields(text))
	return padding + time.Duration(words)*time.Minute/time.Duration(wordsPerMinute)
}

// IsPlaying reports whether a media_player state counts as playing.
func IsPlaying(state string) bool {
	switch state {
	case "playing", "on", "buffering":
		return true
	}
	return false
}

// Subscription is one armed follow-up.
type Subscription struct {
	Owner    string
	TurnID   string
	Speakers []string

	m      *Manager
	timer  *time.Timer
	once   sync.Once
	done   chan struct{}
	reason string
}

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Reason reports why the subscription was released. Valid after Done.
func (s *Subscription) Reason() string {
	<-s.done
	return s.reason
}

// Release abandons the subscription without firing. It is a no-op once
// the subscription is already released.
func (s *Subscription) Release() {
	s.release(ReasonAbandoned)
}

// release deregisters s exactly once and reports whether this call did
// it.
func (s *Subscription) release(reason string) bool {
	released := false
	s.once.Do(func() {
		released = true
		m := s.m

		m.mu.Lock()
		for _, sp := range s.Speakers {
			if m.watching[sp] == s {
				delete(m.watching, sp)
			}
		}
		delete(m.subs, s)
		timer := s.timer
		m.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		s.reason = reason
		close(s.done)
	})
	if released && reason != ReasonFired {
		s.m.logger.Debug("follow-up released", "turn_id", s.TurnID, "reason", reason)
		s.m.bus.Emit(events.SourceFollowUp, events.KindFollowUpReleased, map[string]any{
			"owner":   s.Owner,
			"turn_id": s.TurnID,
			"reason":  reason,
		})
	}
	return released
}

// Manager owns every armed subscription, indexed by speaker.
type Manager struct {
	cfg    Config
	ha     EventFirer
	bus    *events.Bus
	logger *slog.Logger

	mu       sync.Mutex
	watching map[string]*Subscription
	subs     map[*Subscription]struct{}
	closed   bool
}

// NewManager creates a manager. bus may be nil.
func NewManager(cfg Config, ha EventFirer, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.EventType == "" {
		cfg.EventType = "letta_followup_requested"
	}
	if cfg.Strategy == "" {
		cfg.Strategy = config.StrategyState
	}
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = 5 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		ha:       ha,
		bus:      bus,
		logger:   logger,
		watching: make(map[string]*Subscription),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Arm registers a follow-up for turnID on the speakers not already
// watched by another turn. text is the reply being spoken; the delay
// strategy sizes its timer from it. It returns false when there was
// nothing left to watch.
func (m *Manager) Arm(owner, turnID string, speakers []string, text string) (*Subscription, bool) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, false
	}

	var free []string
	for _, sp := range speakers {
		if _, busy := m.watching[sp]; busy || slices.Contains(free, sp) {
			m.logger.Debug("speaker already watched", "speaker", sp, "turn_id", turnID)
			continue
		}
		free = append(free, sp)
	}
	if len(free) == 0 {
		m.mu.Unlock()
		return nil, false
	}

	s := &Subscription{
		Owner:    owner,
		TurnID:   turnID,
		Speakers: free,
		m:        m,
		done:     make(chan struct{}),
	}
	for _, sp := range free {
		m.watching[sp] = s
	}
	m.subs[s] = struct{}{}

	var wait time.Duration
	if m.cfg.Strategy == config.StrategyDelay {
		wait = EstimateDelay(text, m.cfg.WordsPerMinute, m.cfg.Padding)
		s.timer = time.AfterFunc(wait, func() { m.fire(s, "") })
	} else {
		wait = m.cfg.WatchTimeout
		s.timer = time.AfterFunc(wait, func() { s.release(ReasonTimeout) })
	}
	m.mu.Unlock()

	m.logger.Info("follow-up armed",
		"turn_id", turnID,
		"speakers", free,
		"strategy", m.cfg.Strategy,
		"wait", wait,
	)
	m.bus.Emit(events.SourceFollowUp, events.KindFollowUpArmed, map[string]any{
		"owner":    owner,
		"turn_id":  turnID,
		"speakers": free,
		"strategy": m.cfg.Strategy,
	})
	return s, true
}

// HandleStateChange is a homeassistant.StateWatchHandler. A watched
// speaker moving out of the playing class fires its subscription.
func (m *Manager) HandleStateChange(entityID, oldState, newState string) {
	if m.cfg.Strategy != config.StrategyState {
		return
	}
	if !IsPlaying(oldState) || IsPlaying(newState) {
		return
	}

	m.mu.Lock()
	s := m.watching[entityID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	m.fire(s, entityID)
}

// fire releases s and, if this call won the release, sends the event.
func (m *Manager) fire(s *Subscription, entityID string) {
	if !s.release(ReasonFired) {
		return
	}

	m.logger.Info("follow-up fired",
		"turn_id", s.TurnID,
		"entity_id", entityID,
		"event_type", m.cfg.EventType,
	)

	if m.ha != nil {
		ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
		defer cancel()
		if err := m.ha.FireEvent(ctx, m.cfg.EventType, nil); err != nil {
			m.logger.Warn("follow-up event failed",
				"turn_id", s.TurnID,
				"event_type", m.cfg.EventType,
				"error", err,
			)
		}
	}

	m.bus.Emit(events.SourceFollowUp, events.KindFollowUpFired, map[string]any{
		"owner":      s.Owner,
		"turn_id":    s.TurnID,
		"entity_id":  entityID,
		"event_type": m.cfg.EventType,
	})
}

// Watching reports whether speaker has an armed subscription.
func (m *Manager) Watching(speaker string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watching[speaker]
	return ok
}

// Active returns the number of armed subscriptions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// ReleaseOwner releases every subscription armed by owner and returns
// how many there were.
func (m *Manager) ReleaseOwner(owner string) int {
	m.mu.Lock()
	var mine []*Subscription
	for s := range m.subs {
		if s.Owner == owner {
			mine = append(mine, s)
		}
	}
	m.mu.Unlock()

	for _, s := range mine {
		s.release(ReasonOwner)
	}
	return len(mine)
}

// Close releases everything and refuses further Arm calls.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*Subscription, 0, len(m.subs))
	for s := range m.subs {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.release(ReasonClosed)
	}
}
