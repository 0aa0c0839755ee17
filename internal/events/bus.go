// Package events is an in-process broadcast bus for what happens to a
// turn after it leaves the request path: the turn finishing, a follow-up
// being armed, fired or released. The MQTT publisher and the logs
// consume it. A nil *Bus accepts publishes and drops them.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceTurn identifies events from the turn coordinator.
	SourceTurn = "turn"
	// SourceFollowUp identifies events from the follow-up manager.
	SourceFollowUp = "followup"
)

// Kinds.
const (
	// KindTurnStart: agent, turn_id, conversation_id, origin.
	KindTurnStart = "turn_start"
	// KindTurnComplete: agent, turn_id, conversation_id, followup,
	// elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: agent, turn_id, error.
	KindTurnFailed = "turn_failed"

	// KindFollowUpArmed: owner, turn_id, speakers, strategy.
	KindFollowUpArmed = "followup_armed"
	// KindFollowUpFired: owner, turn_id, entity_id, event_type.
	KindFollowUpFired = "followup_fired"
	// KindFollowUpReleased: owner, turn_id, reason.
	KindFollowUpReleased = "followup_released"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Subscription is a receiver registered with [Bus.Subscribe].
type Subscription struct {
	// C delivers events. It is closed by Unsubscribe.
	C <-chan Event

	ch    chan Event
	kinds map[string]bool
}

func (s *Subscription) wants(kind string) bool {
	return len(s.kinds) == 0 || s.kinds[kind]
}

// Bus fans events out to subscribers without ever blocking the
// publisher; a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers e to every interested subscriber.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.wants(e.Kind) {
			continue
		}
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Emit publishes an event built from its parts, stamped now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe registers a receiver with a buffer of bufSize events. When
// kinds is non-empty only those kinds are delivered. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int, kinds ...string) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, ch: ch}
	if len(kinds) > 0 {
		s.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Repeated calls are
// no-ops.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; !ok {
		return
	}
	delete(b.subs, s)
	close(s.ch)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
