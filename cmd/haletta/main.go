// Haletta bridges Home Assistant's conversation and service surfaces to
// Letta and OpenWebUI agents.
//
// It forwards prompts to the configured backend, strips the inline
// signaling markers from the reply, speaks it on Home Assistant media
// players and raises a follow-up event once playback ends so the voice
// assistant can listen again.
//
// Usage:
//
//	haletta serve                 Start the API server
//	haletta init [dir]            Write an example config.yaml
//	haletta ask [flags] <prompt>  Run a single turn against an agent
//	haletta version               Print version and build information
//	haletta -o json version       Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/haletta/examples"
	"github.com/nugget/haletta/internal/api"
	"github.com/nugget/haletta/internal/buildinfo"
	"github.com/nugget/haletta/internal/config"
	"github.com/nugget/haletta/internal/connwatch"
	"github.com/nugget/haletta/internal/events"
	"github.com/nugget/haletta/internal/followup"
	"github.com/nugget/haletta/internal/homeassistant"
	"github.com/nugget/haletta/internal/integration"
	"github.com/nugget/haletta/internal/mqtt"
	"github.com/nugget/haletta/internal/tracing"
	"github.com/nugget/haletta/internal/tts"
	"github.com/nugget/haletta/internal/turn"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so that tests can call run concurrently without
// fighting over flag.CommandLine.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case command == "" && (args[i] == "-h" || args[i] == "-help" || args[i] == "--help"):
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "haletta - Home Assistant bridge for Letta and OpenWebUI agents")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: haletta [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve                          Start the API server")
	fmt.Fprintln(w, "  init [dir]                     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  ask [-agent n] [-source s] <prompt>  Run one turn and print the reply")
	fmt.Fprintln(w, "  version                        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/haletta/config.yaml, /etc/haletta/config.yaml")
	return nil
}

// runInit writes the example configuration into dir. An existing
// config.yaml is left alone.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	written, err := writeIfMissing(configPath, examples.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if written {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  - %s (exists, left unchanged)\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and put secrets in a .env file next to it.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

type askOptions struct {
	agent  string
	source string
	prompt string
}

func parseAskArgs(args []string) (askOptions, error) {
	opts := askOptions{source: "text"}
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-agent" && i+1 < len(args):
			opts.agent = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-agent="):
			opts.agent = strings.TrimPrefix(args[i], "-agent=")
		case args[i] == "-source" && i+1 < len(args):
			opts.source = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-source="):
			opts.source = strings.TrimPrefix(args[i], "-source=")
		default:
			words = append(words, args[i])
		}
	}
	opts.prompt = strings.TrimSpace(strings.Join(words, " "))
	if opts.prompt == "" {
		return opts, errors.New("usage: haletta ask [-agent name] [-source voice|text] <prompt>")
	}
	return opts, nil
}

// askResult is the JSON shape printed by ask -o json.
type askResult struct {
	Agent          string `json:"agent"`
	TurnID         string `json:"turn_id"`
	ConversationID string `json:"conversation_id"`
	Speech         string `json:"speech"`
}

// runAsk runs a single turn without Home Assistant: nothing is spoken
// and no follow-up is armed. Logs go to stderr so stdout carries only
// the reply.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	opts, err := parseAskArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger := config.NewLogger(stderr, level, cfg.LogFormat)

	agentCfg := cfg.Agents[0]
	if opts.agent != "" {
		var ok bool
		if agentCfg, ok = cfg.Agent(opts.agent); !ok {
			return fmt.Errorf("unknown agent: %s", opts.agent)
		}
	}

	agent, err := integration.Setup(ctx, agentCfg, integration.Deps{
		Markers: turn.MarkersFromConfig(cfg.Markers),
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer agent.Shutdown()

	res, err := agent.Process(ctx, turn.Input{Text: opts.prompt, Source: opts.source})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(askResult{
			Agent:          agent.Name(),
			TurnID:         res.TurnID,
			ConversationID: res.ConversationID,
			Speech:         res.Speech,
		})
	}
	fmt.Fprintln(stdout, res.Speech)
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then releases outstanding follow-ups, marks the MQTT device
// offline and drains the HTTP server.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting haletta", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = config.NewLogger(stdout, level, cfg.LogFormat)
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"agents", len(cfg.Agents),
		"speakers", len(cfg.FollowUp.Speakers),
		"followup_strategy", cfg.FollowUp.Strategy,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := tracing.Init(cfg.Tracing, stderr, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	bus := events.New()

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	deps := integration.Deps{
		Markers: turn.MarkersFromConfig(cfg.Markers),
		Bus:     bus,
		Logger:  logger,
	}

	if cfg.HomeAssistant.Configured() {
		ha := homeassistant.NewClient(cfg.HomeAssistant.URL, cfg.HomeAssistant.Token, logger)

		manager := followup.NewManager(followup.FromConfig(cfg.FollowUp), ha, bus, logger)
		defer manager.Close()
		deps.FollowUps = manager

		var ws *homeassistant.WSClient
		if len(cfg.FollowUp.Speakers) > 0 {
			deps.Speakers = cfg.FollowUp.Speakers
			deps.Speaker = tts.NewDispatcher(ha, cfg.FollowUp.TTSEntity,
				time.Duration(cfg.FollowUp.TTSTimeoutSec)*time.Second, logger)

			if cfg.FollowUp.Strategy == config.StrategyState {
				ws = homeassistant.NewWSClient(ha.BaseURL(), ha.Token(), logger)
				defer ws.Close()
				watcher := homeassistant.NewStateWatcher(ws.Events(),
					homeassistant.NewEntityFilter(cfg.FollowUp.Speakers, logger),
					manager.HandleStateChange, logger)
				go watcher.Run(ctx)
			}
		}

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   haHealthCheck(ha, ws),
			Backoff: connwatch.DefaultBackoffConfig(),
			OnReady: haReadyFunc(ha, ws, logger),
			Logger:  logger,
		})
	} else {
		logger.Info("home assistant not configured; speech and follow-ups disabled")
	}

	registry, err := integration.SetupAll(ctx, cfg.Agents, deps)
	if err != nil {
		return err
	}
	defer registry.Close()

	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		mqttPub = mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, registry, connMgr, logger)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if mqttPub != nil {
			if err := mqttPub.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error("server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("haletta stopped")
	return nil
}

// haHealthCheck pings the REST API and, when state events are in use,
// requires a live WebSocket, dialing a new one if the last has dropped.
// A dropped socket therefore fails the check until it is back, even
// while REST stays reachable.
func haHealthCheck(ha *homeassistant.Client, ws *homeassistant.WSClient) connwatch.ProbeFunc {
	return func(ctx context.Context) error {
		if err := ha.Ping(ctx); err != nil {
			return err
		}
		if ws == nil || ws.Connected() {
			return nil
		}
		if err := ws.Connect(ctx); err != nil {
			return fmt.Errorf("websocket: %w", err)
		}
		return nil
	}
}

// haReadyFunc runs each time Home Assistant becomes reachable. It logs
// the instance and makes sure state changes are subscribed. Subscribe
// is a no-op once the subscription is remembered, and the WebSocket
// replays it on every reconnect.
func haReadyFunc(ha *homeassistant.Client, ws *homeassistant.WSClient, logger *slog.Logger) func() {
	return func() {
		infoCtx, infoCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer infoCancel()
		if haCfg, err := ha.GetConfig(infoCtx); err == nil {
			logger.Info("connected to Home Assistant",
				"url", ha.BaseURL(),
				"version", haCfg.Version,
				"location", haCfg.LocationName,
			)
		}

		if ws == nil {
			return
		}
		wsCtx, wsCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer wsCancel()
		if err := ws.Subscribe(wsCtx, homeassistant.EventStateChanged); err != nil {
			logger.Warn("subscribe to state_changed failed, will retry on reconnect", "error", err)
			return
		}
		logger.Info("subscribed to state_changed events")
	}
}

// loadConfig locates and parses the YAML configuration file.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
