// Package mqttbus wraps the paho MQTT client with the small surface the
// analyzer needs: connect from settings, subscribe with a byte-slice handler,
// and publish safely from concurrent goroutines. Subscriptions are replayed
// after an automatic reconnect.
package mqttbus

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout = 10 * time.Second
	opTimeout      = 5 * time.Second
)

// Handler receives one delivered message. It must not block: the paho
// delivery loop runs handlers inline, so anything slow belongs in a
// goroutine spawned by the handler.
type Handler func(topic string, payload []byte)

// Config carries the broker settings for one connection.
type Config struct {
	Broker   string
	Port     int
	Username string
	Password string
	ClientID string
}

// Client is a connected MQTT client. Publish may be called concurrently.
type Client struct {
	client mqtt.Client

	mu   sync.Mutex
	subs map[string]Handler

	onConnectionChange func(connected bool)
}

// Connect dials the broker and returns a connected client. onConnectionChange
// (optional) is invoked on connect and on connection loss, for dashboard
// status updates.
func Connect(cfg Config, onConnectionChange func(connected bool)) (*Client, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "frigate-ai-analyzer-" + uuid.NewString()[:8]
	}

	c := &Client{
		subs:               make(map[string]Handler),
		onConnectionChange: onConnectionChange,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.Broker, cfg.Port))
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Int("port", cfg.Port).Msg("Connected to MQTT broker")
		c.resubscribe()
		if c.onConnectionChange != nil {
			c.onConnectionChange(true)
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("MQTT connection lost")
		if c.onConnectionChange != nil {
			c.onConnectionChange(false)
		}
	})

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(connectTimeout); !ok {
		return nil, fmt.Errorf("mqtt connect timeout after %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	c.client = cli
	return c, nil
}

// Subscribe registers handler for topic (wildcards allowed) and records the
// subscription so it survives reconnects.
func (c *Client) Subscribe(topic string, handler Handler) error {
	c.mu.Lock()
	c.subs[topic] = handler
	c.mu.Unlock()

	return c.subscribe(topic, handler)
}

func (c *Client) subscribe(topic string, handler Handler) error {
	token := c.client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if ok := token.WaitTimeout(opTimeout); !ok {
		return fmt.Errorf("mqtt subscribe %q timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %q: %w", topic, err)
	}
	log.Info().Str("topic", topic).Msg("Subscribed to MQTT topic")
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for t, h := range c.subs {
		subs[t] = h
	}
	c.mu.Unlock()

	for topic, handler := range subs {
		if err := c.subscribe(topic, handler); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Resubscribe failed")
		}
	}
}

// Publish sends payload to topic at QoS 0. Safe for concurrent use.
func (c *Client) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, 0, false, payload)
	if ok := token.WaitTimeout(opTimeout); !ok {
		return fmt.Errorf("mqtt publish to %q timeout", topic)
	}
	return token.Error()
}

// Connected reports whether the underlying client currently has a broker
// connection.
func (c *Client) Connected() bool {
	return c != nil && c.client != nil && c.client.IsConnected()
}

// Close disconnects from the broker.
func (c *Client) Close() {
	if c != nil && c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}
