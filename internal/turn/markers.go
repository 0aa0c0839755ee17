package turn

import (
	"strings"

	"github.com/nugget/haletta/internal/config"
)

// Origin says where a turn's input came from.
type Origin string

// Origins.
const (
	OriginVoice Origin = "voice"
	OriginText  Origin = "text"
)

// OriginOf maps a conversation source to an origin. Anything other than
// an empty source or "text" was spoken.
func OriginOf(source string) Origin {
	s := strings.TrimSpace(source)
	if s == "" || strings.EqualFold(s, string(OriginText)) {
		return OriginText
	}
	return OriginVoice
}

// Markers are the inline tokens exchanged with the agent.
type Markers struct {
	// VoiceTag is prepended to prompts that were spoken.
	VoiceTag string
	// FollowUp and FromVoice appear in replies that want the microphone
	// reopened after the reply is spoken.
	FollowUp  string
	FromVoice string
}

// DefaultMarkers returns the stock marker set.
func DefaultMarkers() Markers {
	return Markers{
		VoiceTag:  "[source:voice]",
		FollowUp:  "[followup:true]",
		FromVoice: "[fromvoice:true]",
	}
}

// MarkersFromConfig fills unset markers from [DefaultMarkers].
func MarkersFromConfig(c config.MarkersConfig) Markers {
	m := DefaultMarkers()
	if c.VoiceTag != "" {
		m.VoiceTag = c.VoiceTag
	}
	if c.FollowUp != "" {
		m.FollowUp = c.FollowUp
	}
	if c.FromVoice != "" {
		m.FromVoice = c.FromVoice
	}
	return m
}

// Tag prepends the voice tag to a voice prompt. Text prompts are
// returned unmodified.
func (m Markers) Tag(prompt string, origin Origin) string {
	if origin != OriginVoice || m.VoiceTag == "" {
		return prompt
	}
	return m.VoiceTag + " " + prompt
}

// Detection is the result of scanning a reply for markers.
type Detection struct {
	FollowUp  bool
	FromVoice bool
	// Clean is the reply with every marker removed.
	Clean string
}

// WantsFollowUp reports whether both markers were present.
func (d Detection) WantsFollowUp() bool {
	return d.FollowUp && d.FromVoice
}

// Scan detects markers by substring presence and strips them.
func (m Markers) Scan(raw string) Detection {
	d := Detection{
		FollowUp:  m.FollowUp != "" && strings.Contains(raw, m.FollowUp),
		FromVoice: m.FromVoice != "" && strings.Contains(raw, m.FromVoice),
	}

	clean := raw
	for _, marker := range []string{m.FollowUp, m.FromVoice} {
		if marker != "" {
			clean = stripMarker(clean, marker)
		}
	}
	d.Clean = strings.TrimSpace(clean)
	return d
}

// stripMarker removes every occurrence of marker together with the
// blanks around it. When the marker sat between two words on one line
// and had a blank on either side, a single space is left so the words
// stay apart. Whitespace elsewhere in s is untouched.
func stripMarker(s, marker string) string {
	for {
		i := strings.Index(s, marker)
		if i < 0 {
			return s
		}
		rest := s[i+len(marker):]
		left := strings.TrimRight(s[:i], " \t")
		right := strings.TrimLeft(rest, " \t")

		sep := ""
		padded := len(left) < i || len(right) < len(rest)
		if padded && left != "" && right != "" &&
			!strings.HasSuffix(left, "\n") && !strings.HasPrefix(right, "\n") {
			sep = " "
		}
		s = left + sep + right
	}
}
