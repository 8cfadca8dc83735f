// Package mqtt wraps a paho connection shared by telemetry and remote control.
package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Config holds broker connection settings
type Config struct {
	// Broker is a URL such as tcp://localhost:1883 or ssl://host:8883
	Broker         string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Client is a reconnecting MQTT connection. Subscriptions are restored after
// every reconnect.
type Client struct {
	cfg    Config
	logger *zap.SugaredLogger
	client paho.Client

	mu        sync.RWMutex
	connected bool
	handlers  map[string]paho.MessageHandler
	published uint64
	errors    uint64

	// newClient is swapped in tests
	newClient func(*paho.ClientOptions) paho.Client
}

// New creates a client; call Connect before use
func New(cfg Config, logger *zap.SugaredLogger) *Client {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	return &Client{
		cfg:       cfg,
		logger:    logger,
		handlers:  make(map[string]paho.MessageHandler),
		newClient: paho.NewClient,
	}
}

// Connect establishes the broker connection
func (c *Client) Connect(ctx context.Context) error {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)

	c.client = c.newClient(opts)
	c.logger.Infow("Connecting to MQTT broker", "broker", c.cfg.Broker, "client_id", c.cfg.ClientID)

	token := c.client.Connect()
	if err := c.wait(ctx, token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) onConnect(client paho.Client) {
	c.mu.Lock()
	c.connected = true
	handlers := make(map[string]paho.MessageHandler, len(c.handlers))
	for topic, h := range c.handlers {
		handlers[topic] = h
	}
	c.mu.Unlock()

	c.logger.Infow("MQTT connection established", "broker", c.cfg.Broker)

	for topic, h := range handlers {
		token := client.Subscribe(topic, c.cfg.QoS, h)
		if !token.WaitTimeout(c.cfg.ConnectTimeout) || token.Error() != nil {
			c.logger.Warnw("Failed to restore subscription", "topic", topic, "error", token.Error())
		}
	}
}

func (c *Client) onConnectionLost(_ paho.Client, err error) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Warnw("MQTT connection lost, will auto-reconnect", "broker", c.cfg.Broker, "error", err)
}

// IsConnected reports the last known connection state
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Publish sends payload to topic and waits for the broker acknowledgement
func (c *Client) Publish(topic string, payload []byte) error {
	if c.client == nil || !c.IsConnected() {
		c.countError()
		return fmt.Errorf("mqtt not connected")
	}

	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	if err := c.wait(context.Background(), token, c.cfg.PublishTimeout); err != nil {
		c.countError()
		return fmt.Errorf("publish to %s failed: %w", topic, err)
	}

	c.mu.Lock()
	c.published++
	c.mu.Unlock()
	c.logger.Debugw("Message published", "topic", topic, "size", len(payload))
	return nil
}

// Subscribe registers handler for topic
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	if c.client == nil {
		return fmt.Errorf("mqtt not connected")
	}
	h := func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	}

	c.mu.Lock()
	c.handlers[topic] = h
	c.mu.Unlock()

	token := c.client.Subscribe(topic, c.cfg.QoS, h)
	if err := c.wait(context.Background(), token, c.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("subscribe to %s failed: %w", topic, err)
	}
	c.logger.Infow("Subscribed", "topic", topic)
	return nil
}

// Unsubscribe drops topics
func (c *Client) Unsubscribe(topics ...string) error {
	if c.client == nil || len(topics) == 0 {
		return nil
	}

	c.mu.Lock()
	for _, t := range topics {
		delete(c.handlers, t)
	}
	c.mu.Unlock()

	token := c.client.Unsubscribe(topics...)
	return c.wait(context.Background(), token, c.cfg.ConnectTimeout)
}

// Stats returns published and failed message counts
func (c *Client) Stats() (published, errors uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.published, c.errors
}

// Close disconnects, allowing in-flight work 250ms to finish
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	c.client.Disconnect(250)
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

func (c *Client) wait(ctx context.Context, token paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
