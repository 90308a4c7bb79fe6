// Package uplink delivers buffered device messages upstream.
package uplink

import (
	"context"
	"fmt"
	"time"

	"github.com/ANIKETSHETTY47/edge-fleet-coordination/internal/domain"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// MQTT publishes buffered messages to a broker.
type MQTT struct {
	client mqtt.Client
}

func NewMQTT(client mqtt.Client) *MQTT {
	return &MQTT{client: client}
}

// Dial connects to broker and keeps retrying in the background until it
// succeeds and after a lost connection. The returned MQTT is usable even when
// the first attempt fails; Connected reports false until the broker answers.
func Dial(broker, clientID string) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warn().Err(err).Str("client_id", clientID).Msg("mqtt connection lost")
		})
	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return NewMQTT(client), fmt.Errorf("mqtt connect %s: %w", broker, token.Error())
	}
	return NewMQTT(client), nil
}

func (m *MQTT) Deliver(ctx context.Context, msg domain.BufferedMessage) error {
	token := m.client.Publish(msg.Topic, msg.QoS, false, []byte(msg.Payload))
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", msg.Topic, ctx.Err())
	}
}

func (m *MQTT) Connected() bool {
	return m.client.IsConnectionOpen()
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
