package homeassistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"path"
)

// EventStateChanged is the Home Assistant event type for entity state
// transitions.
const EventStateChanged = "state_changed"

// StateWatchHandler receives one state transition that passed the
// filter. oldState is empty when the entity had no prior state.
type StateWatchHandler func(entityID, oldState, newState string)

// EntityFilter selects entity IDs by [path.Match] glob. An empty filter
// matches everything.
type EntityFilter struct {
	patterns []string
	logger   *slog.Logger
}

// NewEntityFilter creates a filter from glob patterns such as
// "media_player.*" or "media_player.kitchen".
func NewEntityFilter(globs []string, logger *slog.Logger) *EntityFilter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntityFilter{patterns: globs, logger: logger}
}

// Match reports whether entityID matches at least one pattern.
func (f *EntityFilter) Match(entityID string) bool {
	if len(f.patterns) == 0 {
		return true
	}
	for _, pat := range f.patterns {
		ok, err := path.Match(pat, entityID)
		if err != nil {
			f.logger.Debug("bad entity glob", "pattern", pat, "error", err)
			continue
		}
		if ok {
			return true
		}
	}
	return false
}

// StateWatcher turns state_changed events into handler calls. Every
// transition of a matching entity is delivered; a speaker going idle
// must never be swallowed.
type StateWatcher struct {
	events  <-chan Event
	filter  *EntityFilter
	handler StateWatchHandler
	logger  *slog.Logger
}

// NewStateWatcher consumes events. A nil filter matches all entities.
func NewStateWatcher(events <-chan Event, filter *EntityFilter, handler StateWatchHandler, logger *slog.Logger) *StateWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if filter == nil {
		filter = NewEntityFilter(nil, logger)
	}
	return &StateWatcher{events: events, filter: filter, handler: handler, logger: logger}
}

// Run dispatches events until ctx is done or the channel closes.
func (w *StateWatcher) Run(ctx context.Context) {
	w.logger.Info("state watcher started")
	defer w.logger.Info("state watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		}
	}
}

func (w *StateWatcher) handleEvent(ev Event) {
	if ev.Type != EventStateChanged {
		return
	}

	var data StateChangedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		w.logger.Debug("undecodable state_changed event", "error", err)
		return
	}
	// Removed entity.
	if data.NewState == nil {
		return
	}
	if !w.filter.Match(data.EntityID) {
		return
	}

	var oldState string
	if data.OldState != nil {
		oldState = data.OldState.State
	}
	w.logger.Debug("state change", "entity_id", data.EntityID, "old", oldState, "new", data.NewState.State)
	w.handler(data.EntityID, oldState, data.NewState.State)
}
