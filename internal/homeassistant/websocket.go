package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// requestTimeout bounds the wait for a result message.
const requestTimeout = 30 * time.Second

// ErrNotConnected is returned by requests made while no WebSocket
// connection is up.
var ErrNotConnected = errors.New("websocket not connected")

// WSClient is a Home Assistant WebSocket API connection that survives
// reconnects: event subscriptions made through it are replayed on every
// new connection.
type WSClient struct {
	baseURL string
	token   string
	logger  *slog.Logger

	mu      sync.Mutex // guards conn
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	pendingMu sync.Mutex
	pending   map[int64]chan wsMessage

	subsMu sync.Mutex
	subs   []string

	events chan Event
}

// Event is a Home Assistant event delivered over a subscription.
type Event struct {
	Type      string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
	Origin    string          `json:"origin"`
	TimeFired time.Time       `json:"time_fired"`
}

// StateChangedData is the payload of a state_changed event. Either state
// is nil when the entity was added or removed.
type StateChangedData struct {
	EntityID string `json:"entity_id"`
	OldState *State `json:"old_state"`
	NewState *State `json:"new_state"`
}

type wsMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Event   *Event          `json:"event,omitempty"`
	Error   *wsError        `json:"error,omitempty"`
}

type wsError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewWSClient creates an unconnected client.
func NewWSClient(baseURL, token string, logger *slog.Logger) *WSClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSClient{
		baseURL: baseURL,
		token:   token,
		logger:  logger,
		pending: make(map[int64]chan wsMessage),
		events:  make(chan Event, 100),
	}
}

// websocketURL maps http(s)://host/... to ws(s)://host/api/websocket.
func websocketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/api/websocket"
	return u.String(), nil
}

// Connect dials, authenticates and replays previous subscriptions. A
// connection that cannot restore every subscription is dropped, so a
// live connection always carries all of them.
func (c *WSClient) Connect(ctx context.Context) error {
	wsURL, err := websocketURL(c.baseURL)
	if err != nil {
		return err
	}

	c.logger.Info("connecting to Home Assistant WebSocket", "url", wsURL)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}
	conn.SetReadLimit(16 * 1024 * 1024)

	if err := authenticate(conn, c.token); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Info("WebSocket authenticated")
	go c.readLoop(conn)

	if err := c.restoreSubscriptions(ctx); err != nil {
		c.drop(conn)
		return err
	}
	return nil
}

func authenticate(conn *websocket.Conn, token string) error {
	var msg wsMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth_required: %w", err)
	}
	if msg.Type != "auth_required" {
		return fmt.Errorf("expected auth_required, got %s", msg.Type)
	}

	if err := conn.WriteJSON(map[string]string{"type": "auth", "access_token": token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	if err := conn.ReadJSON(&msg); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	switch msg.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return errors.New("authentication failed")
	default:
		return fmt.Errorf("unexpected auth response: %s", msg.Type)
	}
}

// Connected reports whether a connection is currently up.
func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Close drops the connection. Subscriptions are remembered for a later
// Connect.
func (c *WSClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// drop closes conn if it is still the current connection.
func (c *WSClient) drop(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()
	conn.Close()
}

// Events delivers events from every subscription. Events arriving while
// the channel is full are dropped.
func (c *WSClient) Events() <-chan Event {
	return c.events
}

// Subscribe subscribes to eventType on this and every later connection.
// The subscription is remembered before the request is sent: when it
// fails the current connection is dropped and the next Connect retries
// it. Subscribing to an event type already remembered is a no-op.
func (c *WSClient) Subscribe(ctx context.Context, eventType string) error {
	c.subsMu.Lock()
	if slices.Contains(c.subs, eventType) {
		c.subsMu.Unlock()
		return nil
	}
	c.subs = append(c.subs, eventType)
	c.subsMu.Unlock()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := c.subscribe(ctx, eventType); err != nil {
		c.drop(conn)
		return err
	}
	return nil
}

func (c *WSClient) subscribe(ctx context.Context, eventType string) error {
	_, err := c.request(ctx, map[string]any{
		"type":       "subscribe_events",
		"event_type": eventType,
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", eventType, err)
	}
	c.logger.Info("subscribed to events", "event_type", eventType)
	return nil
}

func (c *WSClient) restoreSubscriptions(ctx context.Context) error {
	c.subsMu.Lock()
	subs := slices.Clone(c.subs)
	c.subsMu.Unlock()

	for _, eventType := range subs {
		if err := c.subscribe(ctx, eventType); err != nil {
			c.logger.Error("failed to restore subscription", "event_type", eventType, "error", err)
			return fmt.Errorf("restore subscriptions: %w", err)
		}
	}
	return nil
}

// request stamps msg with a fresh id, sends it and waits for the
// matching result.
func (c *WSClient) request(ctx context.Context, msg map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, ErrNotConnected
	}

	id := c.nextID.Add(1)
	msg["id"] = id

	ch := make(chan wsMessage, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	c.writeMu.Lock()
	err := conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		if !resp.Success {
			if resp.Error != nil {
				return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return nil, errors.New("request failed")
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, errors.New("timeout waiting for response")
	}
}

// readLoop reads conn until it fails. Reconnection is driven from
// outside by the connwatch health check.
func (c *WSClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Info("WebSocket closed normally")
			} else {
				c.logger.Warn("WebSocket read failed, connection lost", "error", err)
			}
			return
		}

		switch msg.Type {
		case "result":
			c.pendingMu.Lock()
			if ch, ok := c.pending[msg.ID]; ok {
				ch <- msg
			}
			c.pendingMu.Unlock()
		case "event":
			if msg.Event == nil {
				continue
			}
			select {
			case c.events <- *msg.Event:
			default:
				c.logger.Warn("event channel full, dropping event", "event_type", msg.Event.Type)
			}
		case "pong":
		default:
			c.logger.Debug("unhandled WebSocket message type", "type", msg.Type)
		}
	}
}
