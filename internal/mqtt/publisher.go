package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/haletta/internal/config"
	"github.com/nugget/haletta/internal/events"
)

// FollowUpEventType is the event_type published on the follow-up event
// entity.
const FollowUpEventType = "followup_requested"

// pahoPublisher is the part of *autopaho.ConnectionManager the
// publisher writes through.
type pahoPublisher interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Publisher owns the broker connection and mirrors bus events to it.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	bus        *events.Bus
	logger     *slog.Logger

	mu sync.Mutex
	cm *autopaho.ConnectionManager
}

// New creates a Publisher without connecting.
func New(cfg config.MQTTConfig, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	id := InstanceID(cfg.DeviceName)
	return &Publisher{
		cfg:        cfg,
		instanceID: id,
		device:     NewDeviceInfo(id, cfg.DeviceName),
		bus:        bus,
		logger:     logger,
	}
}

// Start connects and forwards bus events until ctx is cancelled. Events
// published while the first connection is still coming up are buffered
// and sent once it is.
func (p *Publisher) Start(ctx context.Context) error {
	sub := p.bus.Subscribe(32, events.KindFollowUpFired, events.KindTurnComplete)
	defer p.bus.Unsubscribe(sub)

	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishDiscovery(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "haletta-" + p.cfg.DeviceName,
		},
	}
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.C:
			if !ok {
				return nil
			}
			p.forward(ctx, cm, e)
		}
	}
}

// Stop publishes "offline" and disconnects.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx ends.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) baseTopic() string {
	return "haletta/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

type entityDef struct {
	component string
	suffix    string
	config    EntityConfig
}

func (p *Publisher) entityDefinitions() []entityDef {
	avail := p.availabilityTopic()
	return []entityDef{
		{
			component: "event",
			suffix:    "followup",
			config: EntityConfig{
				Name:              "Follow-up",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_followup",
				StateTopic:        p.stateTopic("followup"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:microphone-message",
				EventTypes:        []string{FollowUpEventType},
			},
		},
		{
			component: "sensor",
			suffix:    "last_turn",
			config: EntityConfig{
				Name:              "Last Turn",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_last_turn",
				StateTopic:        p.stateTopic("last_turn"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:clock-check",
				DeviceClass:       "timestamp",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, pub pahoPublisher) {
	for _, d := range p.entityDefinitions() {
		topic := p.discoveryTopic(d.component, d.suffix)
		payload, err := json.Marshal(d.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload", "entity", d.suffix, "error", err)
			continue
		}
		if _, err := pub.Publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			p.logger.Warn("mqtt discovery publish failed", "entity", d.suffix, "topic", topic, "error", err)
			continue
		}
		p.logger.Debug("mqtt discovery published", "entity", d.suffix, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, pub pahoPublisher, status string) {
	if _, err := pub.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
		return
	}
	p.logger.Info("mqtt availability published", "status", status)
}

// message maps a bus event to the MQTT publish that mirrors it. ok is
// false for events that are not mirrored.
func (p *Publisher) message(e events.Event) (msg *paho.Publish, ok bool) {
	switch e.Kind {
	case events.KindFollowUpFired:
		payload, err := json.Marshal(map[string]any{
			"event_type": FollowUpEventType,
			"turn_id":    e.Data["turn_id"],
			"entity_id":  e.Data["entity_id"],
		})
		if err != nil {
			return nil, false
		}
		return &paho.Publish{Topic: p.stateTopic("followup"), Payload: payload, QoS: 1}, true

	case events.KindTurnComplete:
		return &paho.Publish{
			Topic:   p.stateTopic("last_turn"),
			Payload: []byte(e.Timestamp.UTC().Format(time.RFC3339)),
			QoS:     0,
			Retain:  true,
		}, true
	}
	return nil, false
}

func (p *Publisher) forward(ctx context.Context, pub pahoPublisher, e events.Event) {
	msg, ok := p.message(e)
	if !ok {
		return
	}
	if _, err := pub.Publish(ctx, msg); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", msg.Topic, "kind", e.Kind, "error", err)
		return
	}
	p.logger.Debug("mqtt event forwarded", "topic", msg.Topic, "kind", e.Kind)
}
