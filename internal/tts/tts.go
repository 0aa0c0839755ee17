// Package tts speaks agent replies on Home Assistant media players.
package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/haletta/internal/speech"
)

// DefaultTimeout bounds a single tts.speak call.
const DefaultTimeout = 30 * time.Second

// ServiceCaller is the Home Assistant call used to speak. Satisfied by
// *homeassistant.Client.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, data map[string]any) error
}

// Dispatcher sends text to a TTS engine entity for playback on media
// players. Speaking never blocks or fails the caller.
type Dispatcher struct {
	ha      ServiceCaller
	engine  string
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given tts.* entity. A
// non-positive timeout uses [DefaultTimeout].
func NewDispatcher(ha ServiceCaller, engine string, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{ha: ha, engine: engine, timeout: timeout, logger: logger}
}

// Speak starts one tts.speak call per speaker and returns immediately.
// The calls outlive ctx's cancellation but keep its values.
func (d *Dispatcher) Speak(ctx context.Context, text string, speakers []string) {
	message := speech.PlainText(text)
	if message == "" || len(speakers) == 0 {
		return
	}
	detached := context.WithoutCancel(ctx)

	for _, speaker := range speakers {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.speak(detached, speaker, message)
		}()
	}
}

func (d *Dispatcher) speak(ctx context.Context, speaker, message string) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	err := d.ha.CallService(ctx, "tts", "speak", map[string]any{
		"entity_id":              d.engine,
		"media_player_entity_id": speaker,
		"message":                message,
	})
	if err != nil {
		d.logger.Warn("tts dispatch failed",
			"speaker", speaker,
			"engine", d.engine,
			"error", err,
		)
		return
	}
	d.logger.Debug("tts dispatched",
		"speaker", speaker,
		"engine", d.engine,
		"chars", len(message),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
}

// Wait blocks until every started call has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
