package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/nugget/haletta/internal/config"
)

// Server-sent-event framing.
const (
	dataPrefix = "data: "
	doneMarker = "[DONE]"
)

// Field names a text field of a stream event.
type Field string

// Stream event fields that can contribute text.
const (
	FieldContent   Field = "content"
	FieldReasoning Field = "reasoning"
)

// DefaultPrecedence prefers the assistant's content over its reasoning.
var DefaultPrecedence = []Field{FieldContent, FieldReasoning}

// ParsePrecedence converts configured field names. An empty list yields
// [DefaultPrecedence].
func ParsePrecedence(names []string) ([]Field, error) {
	if len(names) == 0 {
		return DefaultPrecedence, nil
	}
	out := make([]Field, 0, len(names))
	for _, n := range names {
		switch f := Field(strings.ToLower(strings.TrimSpace(n))); f {
		case FieldContent, FieldReasoning:
			out = append(out, f)
		default:
			return nil, fmt.Errorf("unknown stream field %q", n)
		}
	}
	return out, nil
}

// StreamEvent is one decoded data payload. Either field may be a plain
// string or a list of parts carrying "text"; anything else is treated as
// absent.
type StreamEvent struct {
	Content   json.RawMessage `json:"content"`
	Reasoning json.RawMessage `json:"reasoning"`
}

// Text returns the text of the first non-empty field in precedence order.
func (e StreamEvent) Text(precedence []Field) string {
	for _, f := range precedence {
		var raw json.RawMessage
		switch f {
		case FieldContent:
			raw = e.Content
		case FieldReasoning:
			raw = e.Reasoning
		}
		if s := rawText(raw); s != "" {
			return s
		}
	}
	return ""
}

func rawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			sb.WriteString(p.Text)
		}
		return sb.String()
	}
	return ""
}

// Accumulator folds an event stream into a single string.
type Accumulator struct {
	precedence []Field
	logger     *slog.Logger
}

// NewAccumulator creates an accumulator. A nil precedence uses
// [DefaultPrecedence].
func NewAccumulator(precedence []Field, logger *slog.Logger) *Accumulator {
	if len(precedence) == 0 {
		precedence = DefaultPrecedence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Accumulator{precedence: precedence, logger: logger}
}

// Accumulate reads lines from r until the [DONE] sentinel or EOF and
// returns the concatenated text in arrival order. Lines without the
// "data: " prefix are ignored and malformed payloads are skipped. Read
// failures are returned as-is; callers wrap them.
func (a *Accumulator) Accumulate(ctx context.Context, r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		sb      strings.Builder
		events  int
		skipped int
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if data == doneMarker {
			break
		}
		a.logger.Log(ctx, config.LevelTrace, "stream event", "data", data)

		var ev StreamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			skipped++
			a.logger.Debug("skipping malformed stream event", "error", err)
			continue
		}
		events++
		sb.WriteString(ev.Text(a.precedence))
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read stream: %w", err)
	}

	a.logger.Debug("stream accumulated",
		"events", events,
		"skipped", skipped,
		"length", sb.Len(),
	)
	return sb.String(), nil
}
