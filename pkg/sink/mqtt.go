package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/itohio/goemon/pkg/command"
	"github.com/itohio/goemon/pkg/config"
	"github.com/itohio/goemon/pkg/meter"
)

const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

const (
	mqttConnectTimeout = 5 * time.Second
	mqttPublishTimeout = 2 * time.Second
)

// MQTT publishes reports to a broker and optionally accepts control
// messages on a separate topic.
type MQTT struct {
	cfg            config.MQTTConfig
	clientID       string
	client         mqtt.Client
	connectTimeout time.Duration

	mu        sync.RWMutex
	submit    func(command.Command) error
	published uint64
	errors    uint64
	commands  uint64
	connected bool
}

// MQTTStats contains publisher statistics.
type MQTTStats struct {
	Connected bool
	Published uint64
	Errors    uint64
	Commands  uint64
}

// NewMQTT creates an MQTT sink. The client id defaults to the meter id.
func NewMQTT(cfg config.MQTTConfig, meterID string) *MQTT {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "emon-" + meterID
	}
	return &MQTT{
		cfg:            cfg,
		clientID:       clientID,
		connectTimeout: mqttConnectTimeout,
	}
}

// Connect starts the broker connection. An unreachable broker is not an
// error: the client keeps retrying in the background and Write fails until
// it connects. The control topic is subscribed on every (re)connect.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", m.cfg.Broker))
	opts.SetClientID(m.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.setConnected(true)
		slog.Info("mqtt connection established", "broker", m.cfg.Broker, "client_id", m.clientID)

		m.mu.RLock()
		submit := m.submit
		m.mu.RUnlock()
		if submit != nil {
			go func() {
				if err := m.subscribe(c, submit); err != nil {
					slog.Warn("mqtt control subscription failed", "error", err)
				}
			}()
		}
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		m.setConnected(false)
		slog.Warn("mqtt connection lost, will auto-reconnect", "broker", m.cfg.Broker, "error", err)
	}

	m.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", m.cfg.Broker)

	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.connectTimeout):
		slog.Warn("mqtt broker unreachable, retrying in background", "broker", m.cfg.Broker)
		return nil
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	m.setConnected(true)
	return nil
}

// Subscribe routes control messages from the control topic to submit. When
// the broker is not reachable yet the subscription is made on connect.
func (m *MQTT) Subscribe(submit func(command.Command) error) error {
	if m.cfg.ControlTopic == "" {
		return nil
	}
	if m.client == nil {
		return fmt.Errorf("mqtt not connected")
	}

	m.mu.Lock()
	m.submit = submit
	m.mu.Unlock()

	if !m.isConnected() {
		slog.Info("mqtt control topic deferred until connected", "topic", m.cfg.ControlTopic)
		return nil
	}
	return m.subscribe(m.client, submit)
}

func (m *MQTT) subscribe(c mqtt.Client, submit func(command.Command) error) error {
	token := c.Subscribe(m.cfg.ControlTopic, m.cfg.QoS, m.controlHandler(submit))
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("subscribe timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe %s: %w", m.cfg.ControlTopic, err)
	}

	slog.Info("mqtt control topic subscribed", "topic", m.cfg.ControlTopic)
	return nil
}

func (m *MQTT) controlHandler(submit func(command.Command) error) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		cmd, err := command.Decode(msg.Payload())
		if err != nil {
			slog.Warn("invalid control message", "topic", msg.Topic(), "error", err)
			return
		}
		if err := submit(cmd); err != nil {
			slog.Warn("control command rejected", "command", cmd.Kind, "error", err)
			return
		}

		m.mu.Lock()
		m.commands++
		m.mu.Unlock()
		slog.Debug("control command accepted", "command", cmd.Kind, "channel", cmd.Channel)
	}
}

// Name returns the sink name.
func (m *MQTT) Name() string {
	return "mqtt"
}

// Write publishes r to <topic>/<meter id>.
func (m *MQTT) Write(ctx context.Context, r *meter.Report) error {
	if !m.isConnected() {
		m.countError()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := Encode(r, m.cfg.Encoding)
	if err != nil {
		m.countError()
		return err
	}

	topic := fmt.Sprintf("%s/%s", m.cfg.Topic, r.MeterID)
	token := m.client.Publish(topic, m.cfg.QoS, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		m.countError()
		return ctx.Err()
	case <-time.After(mqttPublishTimeout):
		m.countError()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		m.countError()
		return fmt.Errorf("publish failed: %w", err)
	}

	m.mu.Lock()
	m.published++
	m.mu.Unlock()

	slog.Debug("report published", "topic", topic, "seq", r.Seq, "size", len(payload))
	return nil
}

// Disconnect closes the broker connection and stops pending retries.
func (m *MQTT) Disconnect() {
	if m.client != nil {
		m.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}
	m.setConnected(false)
}

// Stats returns publisher statistics.
func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MQTTStats{
		Connected: m.connected,
		Published: m.published,
		Errors:    m.errors,
		Commands:  m.commands,
	}
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) isConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}

// Encode serializes a report as JSON or msgpack.
func Encode(r *meter.Report, encoding string) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch encoding {
	case EncodingJSON, "":
		b, err = json.Marshal(r)
	case EncodingMsgpack:
		b, err = msgpack.Marshal(r)
	default:
		return nil, fmt.Errorf("unknown encoding %q", encoding)
	}
	if err != nil {
		return nil, fmt.Errorf("encode report %d: %w", r.Seq, err)
	}
	return b, nil
}
