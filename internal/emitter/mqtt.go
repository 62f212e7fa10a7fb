// Package emitter publishes periodic telemetry snapshots to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/telemetry"
)

var ErrNotConnected = errors.New("mqtt not connected")

type Config struct {
	Broker   string // host:port or a full URL
	ClientID string
	Topic    string
	QoS      byte
	Interval time.Duration
}

// MQTTEmitter publishes the session snapshot every Interval.
type MQTTEmitter struct {
	cfg     Config
	session *telemetry.Session
	client  mqtt.Client

	mu        sync.RWMutex
	published uint64
	errors    uint64
	connected bool
	lastError string
}

// New creates an emitter. Nothing is sent until Run.
func New(cfg Config, session *telemetry.Session) *MQTTEmitter {
	e := newEmitter(cfg, session)
	e.client = mqtt.NewClient(e.clientOptions())
	return e
}

func newEmitter(cfg Config, session *telemetry.Session) *MQTTEmitter {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Topic == "" {
		cfg.Topic = "detection/telemetry"
	}
	cfg.Topic = strings.TrimRight(cfg.Topic, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "detection-server-" + session.ID()[:8]
	}
	return &MQTTEmitter{cfg: cfg, session: session}
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

func (e *MQTTEmitter) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		logger.Info("MQTT", "Connected to %s as %s", e.cfg.Broker, e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		logger.Warn("MQTT", "Connection lost, will auto-reconnect: %v", err)
	}
	return opts
}

func (e *MQTTEmitter) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

// Topic is where snapshots are published.
func (e *MQTTEmitter) Topic() string {
	return fmt.Sprintf("%s/%s/snapshot", e.cfg.Topic, e.session.ID())
}

// Connect waits up to 5s for the first connection. With connect retry on,
// a timeout is not fatal: the client keeps trying in the background.
func (e *MQTTEmitter) Connect(ctx context.Context) error {
	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		logger.Warn("MQTT", "Broker %s not reachable yet, retrying in background", e.cfg.Broker)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}
	e.setConnected(true)
	return nil
}

// Run connects, publishes a snapshot every interval, and disconnects when
// ctx is done. Publish failures are counted, not returned.
func (e *MQTTEmitter) Run(ctx context.Context) error {
	if err := e.Connect(ctx); err != nil {
		return err
	}
	defer e.Disconnect()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := e.PublishSnapshot(); err != nil {
			logger.Debug("MQTT", "Snapshot publish failed: %v", err)
		}
	}
}

// PublishSnapshot sends the current snapshot once.
func (e *MQTTEmitter) PublishSnapshot() error {
	if !e.isConnected() {
		return e.fail(ErrNotConnected)
	}

	payload, err := json.Marshal(e.session.Snapshot())
	if err != nil {
		return e.fail(fmt.Errorf("marshal snapshot: %w", err))
	}

	token := e.client.Publish(e.Topic(), e.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return e.fail(errors.New("publish timeout"))
	}
	if err := token.Error(); err != nil {
		return e.fail(fmt.Errorf("publish failed: %w", err))
	}

	e.mu.Lock()
	e.published++
	first := e.published == 1
	e.mu.Unlock()

	e.session.RecordNetwork(int64(len(payload)), 0)
	if first {
		// Only the first publish counts as a privacy event.
		e.session.RecordPrivacyEvent(telemetry.PrivacyDataTransmitted,
			fmt.Sprintf("telemetry snapshots to %s on %s", e.cfg.Broker, e.Topic()))
	}
	return nil
}

func (e *MQTTEmitter) fail(err error) error {
	e.mu.Lock()
	e.errors++
	e.lastError = err.Error()
	e.mu.Unlock()
	return err
}

// Disconnect closes the MQTT connection
func (e *MQTTEmitter) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		logger.Info("MQTT", "Disconnected")
	}
	e.setConnected(false)
}

func (e *MQTTEmitter) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

// Stats contains emitter statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Errors    uint64 `json:"errors"`
	LastError string `json:"last_error,omitempty"`
}

func (e *MQTTEmitter) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		Connected: e.connected,
		Published: e.published,
		Errors:    e.errors,
		LastError: e.lastError,
	}
}
