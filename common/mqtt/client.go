package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"
)

var (
	// ErrConnectTimeout no CONNACK arrived within Options.ConnectTimeout.
	ErrConnectTimeout = errors.New("mqtt: connect timed out")
	// ErrNotAuthorized the broker refused the credentials.
	ErrNotAuthorized = errors.New("mqtt: not authorized")
	// ErrOperationTimeout a subscribe/publish/unsubscribe was not acknowledged in time.
	ErrOperationTimeout = errors.New("mqtt: operation timed out")
)

const defaultOperationTimeout = 10 * time.Second

// MessageHandler is called for every message on a subscribed topic.
// It runs on the paho network goroutine and must not block.
type MessageHandler func(topic string, payload []byte) error

// Options per-connection settings. One Client is one broker session.
type Options struct {
	Broker         string
	ClientID       string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	TLSConfig      *tls.Config

	// OnConnectionLost fires once when an established connection drops.
	// Auto reconnect is always off.
	OnConnectionLost func(err error)
}

// Client wraps a paho client.
type Client struct {
	client mqtt.Client
	opts   Options
	logger *zap.Logger
}

// NewClient connects to the broker and blocks until CONNACK, refusal or timeout.
func NewClient(opts Options, logger *zap.Logger) (*Client, error) {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	po := mqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		po.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		po.SetKeepAlive(opts.KeepAlive)
	}

	tlsCfg := opts.TLSConfig
	if tlsCfg == nil {
		tlsCfg = defaultTLSConfig(opts.Broker)
	}
	if tlsCfg != nil {
		po.SetTLSConfig(tlsCfg)
	}

	// Credentials are short-lived; a blind reconnect would replay a stale token.
	po.SetAutoReconnect(false)
	po.SetConnectRetry(false)
	po.SetCleanSession(true)
	po.SetConnectTimeout(opts.ConnectTimeout)
	po.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("MQTT connection lost",
			zap.String("client_id", opts.ClientID),
			zap.Error(err),
		)
		if opts.OnConnectionLost != nil {
			opts.OnConnectionLost(err)
		}
	})

	client := mqtt.NewClient(po)

	token := client.Connect()
	if !token.WaitTimeout(opts.ConnectTimeout) {
		client.Disconnect(0)
		return nil, ErrConnectTimeout
	}
	if err := token.Error(); err != nil {
		if IsAuthError(err) {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
		}
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}

	return &Client{
		client: client,
		opts:   opts,
		logger: logger,
	}, nil
}

// Subscribe subscribes topic; handler errors are logged and do not stop delivery.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Warn("Error handling MQTT message",
				zap.String("topic", msg.Topic()),
				zap.Error(err),
			)
		}
	})
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, ErrOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

// Publish publishes payload and waits for the broker acknowledgement (QoS > 0).
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, ErrOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe drops the given subscriptions.
func (c *Client) Unsubscribe(topics ...string) error {
	token := c.client.Unsubscribe(topics...)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("failed to unsubscribe: %w", ErrOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Disconnect closes the session, waiting up to 250ms for in-flight work.
func (c *Client) Disconnect() {
	c.client.Disconnect(250)
}

// IsConnected reports whether the network connection is currently open.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// IsAuthError reports whether err looks like a broker-side authorization refusal.
// Over websockets the refusal surfaces as an HTTP 401/403 on the upgrade.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
		errors.Is(err, packets.ErrorRefusedNotAuthorised) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"not authori", "unauthori", "forbidden", "bad user name or password", "401", "403"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// defaultTLSConfig returns the TLS settings for secure broker URLs.
// tls:// on port 443 needs the "mqtt" ALPN protocol to share the port with HTTPS.
func defaultTLSConfig(broker string) *tls.Config {
	u, err := url.Parse(broker)
	if err != nil {
		return nil
	}
	switch u.Scheme {
	case "wss":
		return &tls.Config{MinVersion: tls.VersionTLS12}
	case "ssl", "tls", "mqtts", "tcps":
		cfg := &tls.Config{MinVersion: tls.VersionTLS12}
		if u.Port() == "443" {
			cfg.NextProtos = []string{"mqtt"}
		}
		return cfg
	}
	return nil
}
