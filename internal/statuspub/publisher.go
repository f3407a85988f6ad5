// Package statuspub publishes host and tool-server status to an MQTT
// broker as retained messages, so dashboards and home automation can
// see which servers are up without talking to the daemon.
//
// Topics, under the configured prefix:
//
//	<prefix>/availability              "online" / "offline" (LWT)
//	<prefix>/host/state                host lifecycle state
//	<prefix>/host/info                 build info JSON
//	<prefix>/servers/<name>/status     per-server status JSON
package statuspub

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/mcphost/internal/buildinfo"
	"github.com/nugget/mcphost/internal/config"
	"github.com/nugget/mcphost/internal/events"
	"github.com/nugget/mcphost/internal/mcp"
)

// DefaultInterval is how often the full status set is republished.
const DefaultInterval = time.Minute

// Source provides the status snapshot. *mcp.Host satisfies it.
type Source interface {
	State() mcp.HostState
	Status() []mcp.ServerStatus
}

// publishFunc sends one message.
type publishFunc func(ctx context.Context, topic string, payload []byte, retain bool) error

// Publisher manages the MQTT connection and keeps the status topics
// current: everything on (re-)connect, one server whenever the event
// bus reports a state change, and everything again on a timer.
type Publisher struct {
	cfg      config.MQTTConfig
	source   Source
	bus      *events.Bus
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	cm      *autopaho.ConnectionManager
	publish publishFunc
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin. bus may be nil, in which case only the periodic publish
// runs.
func New(cfg config.MQTTConfig, source Source, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		source:   source,
		bus:      bus,
		logger:   logger.With("component", "statuspub"),
		interval: DefaultInterval,
	}
}

// ClientID returns the configured MQTT client ID, or a random
// "mcphost-" one.
func (p *Publisher) ClientID() string {
	if p.cfg.ClientID != "" {
		return p.cfg.ClientID
	}
	return "mcphost-" + uuid.NewString()[:8]
}

// Start connects to the broker and publishes until ctx is cancelled.
// A broker that is down at start is retried in the background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// Subscribe before connecting so no transition is missed.
	var sub *events.Subscription
	if p.bus != nil {
		sub = p.bus.Subscribe(64, events.KindServerState)
		defer sub.Close()
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
			p.publishAvailability(ctx, "online")
			p.publishAll(ctx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.ClientID(),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.publish = func(ctx context.Context, topic string, payload []byte, retain bool) error {
		_, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  retain,
		})
		return err
	}
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.run(ctx, sub)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. It serves as a connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.conn()
	if cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

func (p *Publisher) conn() *autopaho.ConnectionManager {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cm
}

func (p *Publisher) run(ctx context.Context, sub *events.Subscription) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var changes <-chan events.Event
	if sub != nil {
		changes = sub.C
	}

	// The connect callback can fire before publish is set.
	p.publishAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishAll(ctx)
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			name, _ := ev.Data["server"].(string)
			p.publishServer(ctx, name)
			p.publishHostState(ctx)
		}
	}
}

// --- Topics ---

func (p *Publisher) availabilityTopic() string {
	return p.cfg.TopicPrefix + "/availability"
}

func (p *Publisher) hostTopic(leaf string) string {
	return p.cfg.TopicPrefix + "/host/" + leaf
}

func (p *Publisher) serverTopic(name string) string {
	return p.cfg.TopicPrefix + "/servers/" + name + "/status"
}

// --- Publishing ---

func (p *Publisher) send(ctx context.Context, topic string, payload []byte) {
	p.mu.Lock()
	publish := p.publish
	p.mu.Unlock()
	if publish == nil {
		return
	}
	if err := publish(ctx, topic, payload, true); err != nil {
		p.logger.Debug("mqtt publish failed", "topic", topic, "error", err)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, status string) {
	p.send(ctx, p.availabilityTopic(), []byte(status))
}

func (p *Publisher) publishHostState(ctx context.Context) {
	p.send(ctx, p.hostTopic("state"), []byte(p.source.State().String()))
}

func (p *Publisher) publishServer(ctx context.Context, name string) {
	for _, st := range p.source.Status() {
		if st.Name != name {
			continue
		}
		payload, err := json.Marshal(st)
		if err != nil {
			p.logger.Error("mqtt marshal server status", "mcp_server", name, "error", err)
			return
		}
		p.send(ctx, p.serverTopic(name), payload)
		return
	}
}

func (p *Publisher) publishAll(ctx context.Context) {
	p.publishHostState(ctx)
	if info, err := json.Marshal(buildinfo.Info()); err == nil {
		p.send(ctx, p.hostTopic("info"), info)
	}

	statuses := p.source.Status()
	for _, st := range statuses {
		payload, err := json.Marshal(st)
		if err != nil {
			p.logger.Error("mqtt marshal server status", "mcp_server", st.Name, "error", err)
			continue
		}
		p.send(ctx, p.serverTopic(st.Name), payload)
	}
	p.logger.Debug("mqtt status published", "servers", len(statuses))
}
