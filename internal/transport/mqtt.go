package transport

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/markus-barta/wipboard/internal/protocol"
)

const (
	mqttPrefix = "wipboard"
	mqttQoS    = 1
)

// MQTTTransport carries events over an MQTT broker on topics
// wipboard/{project}/{plugin}/{type}/{key}.
type MQTTTransport struct {
	client mqtt.Client
	log    zerolog.Logger
}

// NewMQTTTransport connects to broker (e.g. tcp://localhost:1883).
func NewMQTTTransport(broker string, log zerolog.Logger) (*MQTTTransport, error) {
	t := &MQTTTransport{log: log.With().Str("component", "mqtt").Logger()}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID("wipboard-" + uuid.NewString())
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetOrderMatters(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.log.Warn().Err(err).Msg("connection lost")
	})

	t.client = mqtt.NewClient(opts)
	token := t.client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, errors.Wrapf(token.Error(), "connect to %s", broker)
	}
	t.log.Info().Str("broker", broker).Msg("connected")
	return t, nil
}

// MQTTTopic returns the topic an event is published on.
func MQTTTopic(e protocol.Event) string {
	return strings.Join([]string{mqttPrefix, e.Project, e.Plugin, e.Type, e.Key}, "/")
}

// MQTTFilter returns the subscription filter for a topic, with "+" for
// empty fields.
func MQTTFilter(t protocol.Topic) string {
	return strings.Join([]string{mqttPrefix, orWildcard(t.Project, "+"), orWildcard(t.Plugin, "+"),
		orWildcard(t.Type, "+"), orWildcard(t.Key, "+")}, "/")
}

// Publish sends e to the broker.
func (t *MQTTTransport) Publish(ctx context.Context, e protocol.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	token := t.client.Publish(MQTTTopic(e), mqttQoS, false, data)
	return waitToken(ctx, token)
}

// Subscribe listens for events under topic until ctx is cancelled.
func (t *MQTTTransport) Subscribe(ctx context.Context, topic protocol.Topic, handler func(protocol.Event)) error {
	filter := MQTTFilter(topic)
	token := t.client.Subscribe(filter, mqttQoS, func(_ mqtt.Client, m mqtt.Message) {
		var e protocol.Event
		if err := json.Unmarshal(m.Payload(), &e); err != nil {
			t.log.Warn().Err(err).Str("topic", m.Topic()).Msg("dropping malformed event")
			return
		}
		if topic.Matches(e) {
			handler(e)
		}
	})
	if err := waitToken(ctx, token); err != nil {
		return errors.Wrapf(err, "subscribe %s", filter)
	}

	go func() {
		<-ctx.Done()
		t.client.Unsubscribe(filter).WaitTimeout(writeWait)
	}()
	t.log.Debug().Str("filter", filter).Msg("subscribed")
	return nil
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() error {
	t.client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
