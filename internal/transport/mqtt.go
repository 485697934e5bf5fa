// Package transport wraps the MQTT client used for both ingestion and
// publishing. Reconnects are handled by the underlying client; registered
// subscriptions are replayed on every reconnect.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// brokerURI normalizes a configured broker address to a dialable URI.
// A bare host:port gets the tcp scheme; values that already carry a
// scheme (tcp://, ssl://, ws://) pass through unchanged.
func brokerURI(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// MessageHandler receives one inbound message.
type MessageHandler func(topic string, payload []byte)

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// Client maintains one persistent MQTT connection.
type Client struct {
	broker   string
	clientID string
	client   mqtt.Client

	mu            sync.RWMutex
	connected     bool
	subscriptions []subscription
	published     map[string]uint64
	errors        uint64
}

// NewClient creates an MQTT client for the given broker address.
func NewClient(broker, clientID string) *Client {
	return &Client{
		broker:    broker,
		clientID:  clientID,
		published: make(map[string]uint64),
	}
}

// Connect establishes the connection to the broker and blocks until the
// first connect succeeds or times out.
func (c *Client) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURI(c.broker))
	opts.SetClientID(c.clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)

	opts.OnConnect = func(client mqtt.Client) {
		c.mu.Lock()
		c.connected = true
		subs := make([]subscription, len(c.subscriptions))
		copy(subs, c.subscriptions)
		c.mu.Unlock()

		slog.Info("mqtt connection established",
			"broker", c.broker,
			"client_id", c.clientID,
		)

		// Replay subscriptions after a reconnect.
		for _, sub := range subs {
			c.subscribe(client, sub)
		}
	}

	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		slog.Warn("mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", c.broker,
		)
	}

	c.client = mqtt.NewClient(opts)

	slog.Info("connecting to mqtt broker", "broker", c.broker)

	token := c.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	return nil
}

// Subscribe registers a handler for a topic. The subscription survives
// reconnects.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	sub := subscription{topic: topic, qos: qos, handler: handler}

	c.mu.Lock()
	c.subscriptions = append(c.subscriptions, sub)
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout for %s", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("subscribe failed for %s: %w", topic, err)
	}

	slog.Info("subscribed", "topic", topic, "qos", qos)
	return nil
}

func (c *Client) subscribe(client mqtt.Client, sub subscription) {
	token := client.Subscribe(sub.topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
		sub.handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		slog.Error("resubscribe timeout", "topic", sub.topic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("resubscribe failed", "topic", sub.topic, "error", err)
	}
}

// Publish publishes a payload to a topic, waiting bounded time for the
// transport to accept it.
func (c *Client) Publish(topic string, qos byte, payload []byte) error {
	if !c.IsConnected() {
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
		return fmt.Errorf("mqtt not connected")
	}

	token := c.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		c.mu.Lock()
		c.errors++
		c.mu.Unlock()
		return fmt.Errorf("publish failed: %w", err)
	}

	c.mu.Lock()
	c.published[topic]++
	c.mu.Unlock()

	slog.Debug("message published", "topic", topic, "qos", qos, "size", len(payload))
	return nil
}

// Disconnect closes the MQTT connection.
func (c *Client) Disconnect() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
		slog.Info("mqtt disconnected")
	}

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	return nil
}

// IsConnected returns the current connection status.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Stats contains transport statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// Stats returns a snapshot of transport statistics.
func (c *Client) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	published := make(map[string]uint64, len(c.published))
	for k, v := range c.published {
		published[k] = v
	}

	return Stats{
		Connected: c.connected,
		Published: published,
		Errors:    c.errors,
	}
}
