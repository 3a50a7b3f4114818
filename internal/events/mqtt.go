package events

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	connectTimeout    = 10 * time.Second
	subscribeTimeout  = 5 * time.Second
	disconnectQuiesce = 1000 // milliseconds
	keepAlive         = 60 * time.Second
	maxQoS            = 2
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("mqtt connection failed")
	// ErrSubscribeFailed is returned when a subscription is refused.
	ErrSubscribeFailed = errors.New("mqtt subscribe failed")
)

// MessageHandler is called for every message on a subscribed topic.
type MessageHandler func(topic string, payload []byte) error

// MQTTConfig holds broker settings.
type MQTTConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
	// TLS is used for ssl:// and tls:// brokers. Nil means TLS 1.2 with the
	// system roots.
	TLS *tls.Config
}

type subscription struct {
	qos     byte
	handler MessageHandler
}

// MQTTClient wraps paho and restores subscriptions after reconnecting.
type MQTTClient struct {
	client pahomqtt.Client
	logger zerolog.Logger

	mu   sync.RWMutex
	subs map[string]subscription
}

// ConnectMQTT connects to the broker. The client reconnects on its own after
// the initial connection succeeds.
func ConnectMQTT(cfg MQTTConfig, logger zerolog.Logger) (*MQTTClient, error) {
	c := &MQTTClient{
		logger: logger.With().Str("component", "mqtt").Logger(),
		subs:   make(map[string]subscription),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(time.Minute)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetKeepAlive(keepAlive)
	// Handlers may block on webhook delivery, so run them concurrently.
	opts.SetOrderMatters(false)
	tlsConfig := cfg.TLS
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	opts.SetTLSConfig(tlsConfig)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		c.logger.Info().Str("broker", cfg.BrokerURL).Msg("mqtt connected")
		c.restore()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		c.logger.Warn().Err(err).Msg("mqtt connection lost")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	return c, nil
}

// Subscribe registers handler for topic, which may contain wildcards.
func (c *MQTTClient) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if topic == "" || handler == nil {
		return fmt.Errorf("%w: topic and handler are required", ErrSubscribeFailed)
	}
	if qos > maxQoS {
		return fmt.Errorf("%w: qos %d", ErrSubscribeFailed, qos)
	}

	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.client.Subscribe(topic, qos, c.wrap(handler))
	if !token.WaitTimeout(subscribeTimeout) {
		c.forget(topic)
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, subscribeTimeout)
	}
	if err := token.Error(); err != nil {
		c.forget(topic)
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Connected reports whether the broker connection is up.
func (c *MQTTClient) Connected() bool {
	return c.client.IsConnectionOpen()
}

// Close disconnects after letting in-flight work settle.
func (c *MQTTClient) Close() {
	c.client.Disconnect(disconnectQuiesce)
}

func (c *MQTTClient) forget(topic string) {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()
}

func (c *MQTTClient) restore() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for topic, sub := range c.subs {
		c.client.Subscribe(topic, sub.qos, c.wrap(sub.handler))
	}
}

func (c *MQTTClient) wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error().Interface("panic", r).Str("topic", msg.Topic()).Msg("mqtt handler panic recovered")
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("mqtt handler returned error")
		}
	}
}
