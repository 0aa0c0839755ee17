// Package config handles haletta configuration loading.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/haletta/config.yaml, /etc/haletta/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "haletta", "config.yaml"))
	}

	paths = append(paths, "/etc/haletta/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Agent kinds.
const (
	KindLettaStream = "letta_stream"
	KindLetta       = "letta"
	KindOpenWebUI   = "openwebui"
)

// Follow-up strategies.
const (
	StrategyState = "state"
	StrategyDelay = "delay"
)

// Config holds all haletta configuration.
type Config struct {
	Listen        ListenConfig        `yaml:"listen"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Agents        []AgentConfig       `yaml:"agents"`
	Markers       MarkersConfig       `yaml:"markers"`
	FollowUp      FollowUpConfig      `yaml:"followup"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	Tracing       TracingConfig       `yaml:"tracing"`
	LogLevel      string              `yaml:"log_level"`
	LogFormat     string              `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// HomeAssistantConfig defines HA connection settings.
type HomeAssistantConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// Configured reports whether enough is set to talk to Home Assistant.
func (c HomeAssistantConfig) Configured() bool {
	return c.URL != "" && c.Token != ""
}

// AgentConfig describes one conversational backend exposed as a service
// and a conversation agent. Credentials come from the config file or the
// environment; nothing is compiled in.
type AgentConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"` // letta_stream, letta, openwebui
	URL     string `yaml:"url"`
	AgentID string `yaml:"agent_id"`
	APIKey  string `yaml:"api_key"`
	// Password is sent in PasswordHeader on Letta requests.
	Password       string `yaml:"password"`
	PasswordHeader string `yaml:"password_header"`
	Model          string `yaml:"model"` // OpenWebUI model name
	// Precedence is the order in which stream event fields are tried.
	// Default: content, reasoning.
	Precedence []string `yaml:"precedence"`
	TimeoutSec int      `yaml:"timeout_sec"`
	Languages  []string `yaml:"languages"`
}

// Streaming reports whether the agent consumes a server-sent-event stream.
func (a AgentConfig) Streaming() bool {
	return a.Kind == KindLettaStream
}

// MarkersConfig overrides the inline signaling markers.
type MarkersConfig struct {
	VoiceTag  string `yaml:"voice_tag"`
	FollowUp  string `yaml:"followup"`
	FromVoice string `yaml:"from_voice"`
}

// FollowUpConfig controls speaking responses and raising the follow-up
// event once playback completes.
type FollowUpConfig struct {
	// Speakers are media_player entities that receive TTS. Empty disables
	// TTS and follow-up scheduling entirely.
	Speakers []string `yaml:"speakers"`
	// TTSEntity is the tts.* entity used with the tts.speak service.
	TTSEntity     string `yaml:"tts_entity"`
	TTSTimeoutSec int    `yaml:"tts_timeout_sec"`
	EventType     string `yaml:"event_type"`
	Strategy      string `yaml:"strategy"` // state (default) or delay
	// WatchTimeoutSec releases an unfired state watch (default 300).
	WatchTimeoutSec int `yaml:"watch_timeout_sec"`
	// WordsPerMinute and PaddingSec drive the delay strategy estimate.
	WordsPerMinute int `yaml:"words_per_minute"`
	PaddingSec     int `yaml:"padding_sec"`
}

// MQTTConfig defines the optional MQTT publisher.
type MQTTConfig struct {
	Broker          string `yaml:"broker"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// TracingConfig toggles the stdout OpenTelemetry exporter.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ServiceName string `yaml:"service_name"`
}

// Load reads configuration from a YAML file. A .env file in the same
// directory, if present, is loaded into the environment first so that
// ${VAR} references can resolve secrets kept out of the YAML. Variables
// already set in the environment win over the .env file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", envPath, err)
		}
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no
// agents.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8089
	}
	if c.Markers.VoiceTag == "" {
		c.Markers.VoiceTag = "[source:voice]"
	}
	if c.Markers.FollowUp == "" {
		c.Markers.FollowUp = "[followup:true]"
	}
	if c.Markers.FromVoice == "" {
		c.Markers.FromVoice = "[fromvoice:true]"
	}

	f := &c.FollowUp
	if f.EventType == "" {
		f.EventType = "letta_followup_requested"
	}
	if f.Strategy == "" {
		f.Strategy = StrategyState
	}
	if f.TTSTimeoutSec == 0 {
		f.TTSTimeoutSec = 30
	}
	if f.WatchTimeoutSec == 0 {
		f.WatchTimeoutSec = 300
	}
	if f.WordsPerMinute == 0 {
		f.WordsPerMinute = 150
	}
	if f.PaddingSec == 0 {
		f.PaddingSec = 2
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "haletta"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "haletta"
	}

	for i := range c.Agents {
		a := &c.Agents[i]
		if a.Kind == "" {
			a.Kind = KindLettaStream
		}
		if a.PasswordHeader == "" {
			a.PasswordHeader = "X-BARE-PASSWORD"
		}
		if len(a.Precedence) == 0 {
			a.Precedence = []string{"content", "reasoning"}
		}
		for j, p := range a.Precedence {
			a.Precedence[j] = normalizeField(p)
		}
		if a.TimeoutSec == 0 {
			a.TimeoutSec = 120
		}
		if len(a.Languages) == 0 {
			a.Languages = []string{"en"}
		}
	}
}

var agentNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Validate reports every configuration problem it finds, joined into a
// single error.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q: expected text or json", c.LogFormat))
	}

	if len(c.Agents) == 0 {
		errs = append(errs, errors.New("agents: at least one agent is required"))
	}
	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if !agentNamePattern.MatchString(a.Name) {
			errs = append(errs, fmt.Errorf("%s.name %q: must match [a-z0-9_]+", prefix, a.Name))
		} else if seen[a.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q: duplicate agent name", prefix, a.Name))
		}
		seen[a.Name] = true

		switch a.Kind {
		case KindLettaStream, KindLetta:
			if a.AgentID == "" {
				errs = append(errs, fmt.Errorf("%s.agent_id: required for %s", prefix, a.Kind))
			}
		case KindOpenWebUI:
			if a.Model == "" {
				errs = append(errs, fmt.Errorf("%s.model: required for %s", prefix, a.Kind))
			}
		default:
			errs = append(errs, fmt.Errorf("%s.kind %q: expected letta_stream, letta or openwebui", prefix, a.Kind))
		}

		if err := validateHTTPURL(a.URL); err != nil {
			errs = append(errs, fmt.Errorf("%s.url: %w", prefix, err))
		}
		for _, p := range a.Precedence {
			if f := normalizeField(p); f != "content" && f != "reasoning" {
				errs = append(errs, fmt.Errorf("%s.precedence: unknown field %q", prefix, p))
			}
		}
	}

	switch c.FollowUp.Strategy {
	case StrategyState, StrategyDelay:
	default:
		errs = append(errs, fmt.Errorf("followup.strategy %q: expected state or delay", c.FollowUp.Strategy))
	}
	if len(c.FollowUp.Speakers) > 0 {
		if !c.HomeAssistant.Configured() {
			errs = append(errs, errors.New("followup.speakers: homeassistant url and token are required"))
		}
		if !strings.HasPrefix(c.FollowUp.TTSEntity, "tts.") {
			errs = append(errs, fmt.Errorf("followup.tts_entity %q: expected a tts.* entity", c.FollowUp.TTSEntity))
		}
	}
	if c.HomeAssistant.URL != "" {
		if err := validateHTTPURL(c.HomeAssistant.URL); err != nil {
			errs = append(errs, fmt.Errorf("homeassistant.url: %w", err))
		}
	}

	return errors.Join(errs...)
}

// normalizeField folds a stream field name the way the backend reads it.
func normalizeField(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: must start with http:// or https://", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

// Agent returns the named agent configuration.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.Name == name {
			return a, true
		}
	}
	return AgentConfig{}, false
}
