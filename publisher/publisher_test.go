package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/srg/bar228/internal/testutils"
	"github.com/srg/bar228/poller"
	"github.com/srg/bar228/protocol"
	"github.com/srg/bar228/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  interface{}
}

type fakeClient struct {
	mu    sync.Mutex
	msgs  []published
	err   error
	block bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, qos, retained, payload})
	if c.block {
		return &fakeToken{done: make(chan struct{})}
	}
	return completedToken(c.err)
}

func (c *fakeClient) Messages() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.msgs...)
}

func f64(v float64) *float64 { return &v }

func snapshot() poller.AvailabilitySnapshot {
	return poller.AvailabilitySnapshot{
		Identity: protocol.DeviceIdentity{
			Address: testutils.TestAddress,
			Name:    testutils.TestName,
			Variant: protocol.VariantGATT,
		},
		Available: true,
		LastReading: &protocol.Reading{
			Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Layout:      "gatt-frame",
			Temperature: f64(21.5),
			Humidity:    f64(48),
			Pressure:    f64(101320),
		},
		Info: protocol.DeviceInfo{HardwareRevision: "1.2", FirmwareRevision: "3.4.5"},
	}
}

func newTestSink(client *fakeClient) *MQTTSink {
	cfg := MQTTConfig{TopicPrefix: "/home/bar228/", QoS: 1, Retain: true}
	return newMQTTSink(client, cfg, protocol.FieldsOptions{Units: protocol.DefaultUnitPreference()}, nil)
}

func TestMQTTSink_Topics(t *testing.T) {
	sink := newTestSink(&fakeClient{})
	assert.Equal(t, "home/bar228/c47c8d6a1234/state", sink.StateTopic(testutils.TestAddress))
	assert.Equal(t, "home/bar228/c47c8d6a1234/availability", sink.AvailabilityTopic(testutils.TestAddress))

	sink = newMQTTSink(&fakeClient{}, MQTTConfig{}, protocol.FieldsOptions{}, nil)
	assert.Equal(t, "bar228/c47c8d6a1234/state", sink.StateTopic(testutils.TestAddress), "empty prefix MUST fall back to bar228")
}

func TestMQTTSink_PublishState(t *testing.T) {
	// GOAL: A fresh reading publishes availability and a retained JSON state document
	//
	// TEST SCENARIO: snapshot with reading → online on availability → ordered JSON on state

	client := &fakeClient{}
	sink := newTestSink(client)

	require.NoError(t, sink.Publish(context.Background(), snapshot()))

	msgs := client.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "home/bar228/c47c8d6a1234/availability", msgs[0].topic)
	assert.Equal(t, PayloadOnline, msgs[0].payload)
	assert.True(t, msgs[0].retained)
	assert.Equal(t, byte(1), msgs[0].qos)

	assert.Equal(t, "home/bar228/c47c8d6a1234/state", msgs[1].topic)
	body, ok := msgs[1].payload.([]byte)
	require.True(t, ok, "state payload MUST be JSON bytes")

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, testutils.TestAddress, doc["address"])
	assert.Equal(t, "gatt", doc["variant"])
	assert.Equal(t, "2026-03-01T12:00:00Z", doc["timestamp"])
	readings := doc["readings"].(map[string]interface{})
	assert.Equal(t, 21.5, readings["temperature"].(map[string]interface{})["value"])
	assert.Equal(t, "hPa", readings["pressure"].(map[string]interface{})["unit"])
	assert.Equal(t, "1.2", doc["device_info"].(map[string]interface{})["hw_version"])

	s := string(body)
	assert.Less(t, strings.Index(s, `"temperature"`), strings.Index(s, `"humidity"`), "readings MUST keep field order")
	assert.Less(t, strings.Index(s, `"humidity"`), strings.Index(s, `"pressure"`))
}

func TestMQTTSink_SuppressesDuplicates(t *testing.T) {
	client := &fakeClient{}
	sink := newTestSink(client)

	snap := snapshot()
	snap.Duplicate = true
	require.NoError(t, sink.Publish(context.Background(), snap))

	msgs := client.Messages()
	require.Len(t, msgs, 1, "duplicate readings MUST NOT republish state")
	assert.Equal(t, PayloadOnline, msgs[0].payload)
}

func TestMQTTSink_Unavailable(t *testing.T) {
	client := &fakeClient{}
	sink := newTestSink(client)

	snap := snapshot()
	snap.Available = false
	snap.LastError = session.KindConnectTimeout
	snap.LastReading = nil
	require.NoError(t, sink.Publish(context.Background(), snap))

	msgs := client.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, PayloadOffline, msgs[0].payload)
}

func TestMQTTSink_Errors(t *testing.T) {
	client := &fakeClient{err: errors.New("not connected")}
	err := newTestSink(client).Publish(context.Background(), snapshot())
	assert.ErrorContains(t, err, "availability")
	assert.ErrorContains(t, err, "not connected")

	client = &fakeClient{block: true}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = newTestSink(client).Publish(ctx, snapshot())
	assert.ErrorIs(t, err, context.DeadlineExceeded, "MUST honour the publish deadline")
}

func TestMQTTConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MQTTConfig
		wantErr string
	}{
		{"valid", MQTTConfig{Broker: "tcp://localhost:1883", TopicPrefix: "bar228", QoS: 1}, ""},
		{"missing broker", MQTTConfig{}, "broker is empty"},
		{"bad qos", MQTTConfig{Broker: "tcp://b:1883", QoS: 3}, "qos"},
		{"wildcard prefix", MQTTConfig{Broker: "tcp://b:1883", TopicPrefix: "home/#"}, "wildcards"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestLogSink(t *testing.T) {
	logger, buf := testutils.NewCapturingLogger()
	sink := NewLog(protocol.FieldsOptions{Units: protocol.DefaultUnitPreference()}, logger)

	require.NoError(t, sink.Publish(context.Background(), snapshot()))
	out := buf.String()
	assert.Contains(t, out, `msg=Reading`)
	assert.Contains(t, out, `temperature="21.5 °C"`)
	assert.Contains(t, out, `pressure="1013.2 hPa"`)

	buf.Reset()
	snap := snapshot()
	snap.LastError = session.KindStaleConnection
	require.NoError(t, sink.Publish(context.Background(), snap))
	assert.Contains(t, buf.String(), "kind=stale_connection")
	assert.Contains(t, buf.String(), "level=warning")
}

func TestMulti(t *testing.T) {
	var calls []string
	ok := poller.SinkFunc(func(context.Context, poller.AvailabilitySnapshot) error {
		calls = append(calls, "ok")
		return nil
	})
	failing := poller.SinkFunc(func(context.Context, poller.AvailabilitySnapshot) error {
		calls = append(calls, "fail")
		return errors.New("sink down")
	})

	err := Multi{failing, ok}.Publish(context.Background(), snapshot())
	assert.ErrorContains(t, err, "sink down")
	assert.Equal(t, []string{"fail", "ok"}, calls, "MUST deliver to every sink even after an error")
	assert.NoError(t, Multi{}.Publish(context.Background(), snapshot()))
}
