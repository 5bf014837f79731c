package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"anpr-parking/internal/config"
)

// MQTTClient is a durable channel over an MQTT broker. Messages travel at the
// configured QoS (1 by default) on a persistent session with manual
// acknowledgement, so anything not acked survives a consumer restart.
type MQTTClient struct {
	cfg    config.MQTTConfig
	log    zerolog.Logger
	client mqtt.Client

	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
}

func NewMQTTClient(cfg config.MQTTConfig, log zerolog.Logger) *MQTTClient {
	c := &MQTTClient{
		cfg:      cfg,
		log:      log,
		handlers: make(map[string]mqtt.MessageHandler),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(false)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetOrderMatters(true)
	opts.SetAutoAckDisabled(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	if cfg.StoreDir != "" {
		opts.SetStore(mqtt.NewFileStore(cfg.StoreDir))
	}
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = mqtt.NewClient(opts)
	return c
}

func (c *MQTTClient) Connect(ctx context.Context) error {
	token := c.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.ConnectTimeout):
		return fmt.Errorf("connection to %s timed out", c.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.cfg.Broker, err)
	}
	return nil
}

func (c *MQTTClient) Disconnect() {
	if c.client.IsConnectionOpen() {
		c.client.Disconnect(250)
	}
}

// Publish blocks until the broker acknowledges the message.
func (c *MQTTClient) Publish(ctx context.Context, topic string, body []byte) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, body)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.cfg.PublishTimeout):
		return fmt.Errorf("publish to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// Consume runs h inside the client's ordered message callback. Paho does not
// read the next message for the subscription until the callback returns,
// which gives one message in flight at a time.
func (c *MQTTClient) Consume(ctx context.Context, topic string, h Handler) error {
	var inflight sync.Mutex
	callback := func(_ mqtt.Client, msg mqtt.Message) {
		inflight.Lock()
		defer inflight.Unlock()

		if ctx.Err() != nil {
			// Left unacked, the broker redelivers it to the next session.
			return
		}
		h(NewDelivery(msg.Topic(), msg.Payload(), msg.Ack))
	}

	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.cfg.QoS, callback)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("subscribe to %s timed out", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	c.log.Info().Str("topic", topic).Uint8("qos", c.cfg.QoS).Msg("consuming entry messages")

	<-ctx.Done()

	c.mu.Lock()
	delete(c.handlers, topic)
	c.mu.Unlock()

	// Unsubscribing would discard the persistent subscription, so only wait
	// for the callback in flight.
	inflight.Lock()
	inflight.Unlock() //nolint:staticcheck // barrier
	return nil
}

func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.log.Info().Str("broker", c.cfg.Broker).Msg("connected to MQTT broker")

	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, handler := range c.handlers {
		client.Subscribe(topic, c.cfg.QoS, handler)
	}
}

func (c *MQTTClient) onConnectionLost(_ mqtt.Client, err error) {
	c.log.Warn().Err(err).Str("broker", c.cfg.Broker).Msg("connection to MQTT broker lost")
}
