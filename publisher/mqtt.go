// Package publisher delivers availability snapshots to the host: an MQTT
// broker, the process log, or several sinks at once.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
	"github.com/srg/bar228/poller"
	"github.com/srg/bar228/protocol"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"

	connectTimeout  = 10 * time.Second
	disconnectQuiet = 250 // ms
)

// MQTTConfig configures the broker connection and topic layout.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix" default:"bar228"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	QoS         byte   `yaml:"qos" default:"1"`
	Retain      bool   `yaml:"retain" default:"true"`
}

// Validate checks the settings needed to connect.
func (c MQTTConfig) Validate() error {
	if strings.TrimSpace(c.Broker) == "" {
		return errors.New("mqtt broker is empty")
	}
	if c.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2, got %d", c.QoS)
	}
	if strings.ContainsAny(c.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt topic prefix %q must not contain wildcards", c.TopicPrefix)
	}
	return nil
}

// publishClient is the subset of MQTT.Client the sink needs.
type publishClient interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
}

// MQTTSink publishes retained JSON state and online/offline availability
// per device address.
type MQTTSink struct {
	client publishClient
	close  func()
	cfg    MQTTConfig
	fields protocol.FieldsOptions
	logger *logrus.Logger
}

// StatePayload is the JSON document published on the state topic.
type StatePayload struct {
	Address   string                                       `json:"address"`
	Name      string                                       `json:"name,omitempty"`
	Variant   string                                       `json:"variant"`
	Timestamp time.Time                                    `json:"timestamp"`
	Readings  *orderedmap.OrderedMap[string, protocol.Value] `json:"readings"`
	Info      *protocol.DeviceInfo                         `json:"device_info,omitempty"`
}

// NewMQTT connects to the broker and returns a sink.
func NewMQTT(cfg MQTTConfig, fields protocol.FieldsOptions, logger *logrus.Logger) (*MQTTSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ClientID == "" {
		hostname, _ := os.Hostname()
		cfg.ClientID = fmt.Sprintf("bar228/%s-%d", hostname, os.Getpid())
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(connectTimeout)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectionLostHandler(func(_ MQTT.Client, err error) {
		logger.WithFields(logrus.Fields{
			"broker": cfg.Broker,
			"error":  err,
		}).Warn("MQTT connection lost")
	})
	opts.SetOnConnectHandler(func(MQTT.Client) {
		logger.WithField("broker", cfg.Broker).Info("MQTT connected")
	})

	client := MQTT.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	sink := newMQTTSink(client, cfg, fields, logger)
	sink.close = func() { client.Disconnect(disconnectQuiet) }
	return sink, nil
}

func newMQTTSink(client publishClient, cfg MQTTConfig, fields protocol.FieldsOptions, logger *logrus.Logger) *MQTTSink {
	if logger == nil {
		logger = logrus.New()
	}
	cfg.TopicPrefix = strings.Trim(cfg.TopicPrefix, "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "bar228"
	}
	return &MQTTSink{client: client, cfg: cfg, fields: fields, logger: logger}
}

// StateTopic returns the retained state topic for address.
func (m *MQTTSink) StateTopic(address string) string {
	return m.topic(address, "state")
}

// AvailabilityTopic returns the availability topic for address.
func (m *MQTTSink) AvailabilityTopic(address string) string {
	return m.topic(address, "availability")
}

func (m *MQTTSink) topic(address, leaf string) string {
	addr := strings.ToLower(strings.ReplaceAll(address, ":", ""))
	return m.cfg.TopicPrefix + "/" + addr + "/" + leaf
}

// Publish implements poller.Sink. Availability is always published; state
// is skipped for duplicate readings and before the first reading.
func (m *MQTTSink) Publish(ctx context.Context, snap poller.AvailabilitySnapshot) error {
	address := snap.Identity.Address
	availability := PayloadOffline
	if snap.Available {
		availability = PayloadOnline
	}
	if err := m.send(ctx, m.AvailabilityTopic(address), availability); err != nil {
		return err
	}

	if snap.LastReading == nil || snap.Duplicate {
		m.logger.WithFields(logrus.Fields{
			"address":   address,
			"duplicate": snap.Duplicate,
		}).Debug("State publish skipped")
		return nil
	}

	payload, err := json.Marshal(m.State(snap))
	if err != nil {
		return fmt.Errorf("encode state for %s: %w", address, err)
	}
	return m.send(ctx, m.StateTopic(address), payload)
}

// State builds the state document for snap.
func (m *MQTTSink) State(snap poller.AvailabilitySnapshot) StatePayload {
	return NewStatePayload(snap.Identity, snap.LastReading, snap.Info, m.fields)
}

// NewStatePayload builds a state document. reading may be nil.
func NewStatePayload(id protocol.DeviceIdentity, reading *protocol.Reading, info protocol.DeviceInfo, fields protocol.FieldsOptions) StatePayload {
	p := StatePayload{
		Address: id.Address,
		Name:    id.Name,
		Variant: id.Variant.String(),
	}
	if reading != nil {
		p.Timestamp = reading.Timestamp
		p.Readings = reading.Fields(fields)
	}
	if !info.Empty() {
		p.Info = &info
	}
	return p
}

func (m *MQTTSink) send(ctx context.Context, topic string, payload interface{}) error {
	token := m.client.Publish(topic, m.cfg.QoS, m.cfg.Retain, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	m.logger.WithField("topic", topic).Debug("Published")
	return nil
}

// Close disconnects from the broker.
func (m *MQTTSink) Close() {
	if m.close != nil {
		m.close()
	}
}
