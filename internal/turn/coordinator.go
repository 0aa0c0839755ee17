// Package turn runs one conversation turn: tag the prompt with where it
// came from, ask the agent, strip the signaling markers out of the
// reply and, when the agent asks for it, speak the reply and arm a
// follow-up for when playback ends.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nugget/haletta/internal/backend"
	"github.com/nugget/haletta/internal/events"
	"github.com/nugget/haletta/internal/followup"
)

// Phase is a turn's position in its lifecycle.
type Phase string

// Phases, in order. Idle and FollowUpFired are terminal.
const (
	PhaseSent             Phase = "sent"
	PhaseAwaitingStream   Phase = "awaiting_stream"
	PhaseAccumulated      Phase = "accumulated"
	PhaseCleaned          Phase = "cleaned"
	PhaseIdle             Phase = "idle"
	PhaseAwaitingFollowUp Phase = "awaiting_followup"
	PhaseFollowUpFired    Phase = "followup_fired"
)

var phaseOrder = map[Phase]int{
	PhaseSent:             0,
	PhaseAwaitingStream:   1,
	PhaseAccumulated:      2,
	PhaseCleaned:          3,
	PhaseIdle:             4,
	PhaseAwaitingFollowUp: 4,
	PhaseFollowUpFired:    5,
}

// Input is one user utterance.
type Input struct {
	Text           string
	Source         string
	ConversationID string
	Language       string
}

// Result is what the turn produced.
type Result struct {
	TurnID         string
	Speech         string
	ConversationID string
	Origin         Origin
	FollowUp       bool
	Phase          Phase
	// Subscription is the armed follow-up, if any.
	Subscription *followup.Subscription
}

// Speaker dispatches speech without waiting for playback. Satisfied by
// *tts.Dispatcher.
type Speaker interface {
	Speak(ctx context.Context, text string, speakers []string)
}

// Armer arms follow-up subscriptions. Satisfied by *followup.Manager.
type Armer interface {
	Arm(owner, turnID string, speakers []string, text string) (*followup.Subscription, bool)
}

// Config wires a [Coordinator].
type Config struct {
	// Agent names the owner of armed subscriptions.
	Agent    string
	Backend  backend.Client
	Markers  Markers
	Speakers []string
	// Speaker and FollowUps may be nil when no speakers are configured.
	Speaker   Speaker
	FollowUps Armer
	Bus       *events.Bus
	Logger    *slog.Logger
}

// Coordinator processes turns for one agent.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{cfg: cfg, logger: cfg.Logger}
}

// ErrEmptyInput is returned for a turn with no text.
var ErrEmptyInput = errors.New("empty input")

var tracer = otel.Tracer("github.com/nugget/haletta/internal/turn")

// tracker walks a turn forward through its phases.
type tracker struct {
	phase  Phase
	logger *slog.Logger
}

func (t *tracker) advance(next Phase) {
	if phaseOrder[next] <= phaseOrder[t.phase] {
		panic(fmt.Sprintf("turn: phase %s cannot follow %s", next, t.phase))
	}
	t.logger.Debug("turn phase", "from", t.phase, "to", next)
	t.phase = next
}

// Process runs one turn. Backend failures are returned unchanged.
func (c *Coordinator) Process(ctx context.Context, in Input) (*Result, error) {
	if in.Text == "" {
		return nil, ErrEmptyInput
	}

	res := &Result{
		TurnID:         uuid.NewString(),
		ConversationID: in.ConversationID,
		Origin:         OriginOf(in.Source),
	}
	if res.ConversationID == "" {
		res.ConversationID = uuid.NewString()
	}

	ctx, span := tracer.Start(ctx, "turn.process", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()
	span.SetAttributes(
		attribute.String("haletta.agent", c.cfg.Agent),
		attribute.String("haletta.turn_id", res.TurnID),
		attribute.String("haletta.origin", string(res.Origin)),
	)

	log := c.logger.With("turn_id", res.TurnID, "conversation_id", res.ConversationID)
	start := time.Now()
	c.cfg.Bus.Emit(events.SourceTurn, events.KindTurnStart, map[string]any{
		"agent":           c.cfg.Agent,
		"turn_id":         res.TurnID,
		"conversation_id": res.ConversationID,
		"origin":          string(res.Origin),
	})

	t := &tracker{phase: PhaseSent, logger: log}
	prompt := c.cfg.Markers.Tag(in.Text, res.Origin)

	t.advance(PhaseAwaitingStream)
	raw, err := c.cfg.Backend.Query(ctx, backend.Request{Prompt: prompt})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "backend query failed")
		log.Warn("turn failed", "error", err)
		c.cfg.Bus.Emit(events.SourceTurn, events.KindTurnFailed, map[string]any{
			"agent":   c.cfg.Agent,
			"turn_id": res.TurnID,
			"error":   err.Error(),
		})
		return nil, err
	}
	t.advance(PhaseAccumulated)

	det := c.cfg.Markers.Scan(raw)
	res.Speech = det.Clean
	t.advance(PhaseCleaned)

	if det.WantsFollowUp() && len(c.cfg.Speakers) > 0 {
		// Arm before speaking so the watch is in place before playback
		// can start.
		if c.cfg.FollowUps != nil {
			if sub, ok := c.cfg.FollowUps.Arm(c.cfg.Agent, res.TurnID, c.cfg.Speakers, det.Clean); ok {
				res.Subscription = sub
				res.FollowUp = true
			}
		}
		if c.cfg.Speaker != nil {
			c.cfg.Speaker.Speak(ctx, det.Clean, c.cfg.Speakers)
		}
	} else if det.WantsFollowUp() {
		log.Debug("follow-up requested but no speakers configured")
	}

	if res.FollowUp {
		t.advance(PhaseAwaitingFollowUp)
	} else {
		t.advance(PhaseIdle)
	}
	res.Phase = t.phase

	span.SetAttributes(attribute.Bool("haletta.followup", res.FollowUp))
	elapsed := time.Since(start)
	log.Info("turn complete",
		"agent", c.cfg.Agent,
		"origin", res.Origin,
		"followup", res.FollowUp,
		"response_len", len(res.Speech),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	c.cfg.Bus.Emit(events.SourceTurn, events.KindTurnComplete, map[string]any{
		"agent":           c.cfg.Agent,
		"turn_id":         res.TurnID,
		"conversation_id": res.ConversationID,
		"followup":        res.FollowUp,
		"elapsed_ms":      elapsed.Milliseconds(),
	})
	return res, nil
}

// CurrentPhase reports the turn's phase now, which moves on to
// followup_fired once an armed follow-up has fired.
func (r *Result) CurrentPhase() Phase {
	if r.Subscription == nil {
		return r.Phase
	}
	select {
	case <-r.Subscription.Done():
		if r.Subscription.Reason() == followup.ReasonFired {
			return PhaseFollowUpFired
		}
	default:
	}
	return r.Phase
}
