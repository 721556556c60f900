package connection

import (
	"context"
	"fmt"

	"yoto-remote/common/config"
	mqttcommon "yoto-remote/common/mqtt"

	"go.uber.org/zap"
)

// Transport an open broker session. *mqttcommon.Client satisfies it.
type Transport interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Unsubscribe(topics ...string) error
	Disconnect()
	IsConnected() bool
}

// DialOptions identity and callbacks for one device session.
type DialOptions struct {
	DeviceID         string
	ClientID         string
	Username         string
	Password         string
	OnConnectionLost func(err error)
}

// Dialer opens a Transport. It must return mqttcommon.ErrConnectTimeout (or a ctx
// deadline error) on timeout and an error satisfying mqttcommon.IsAuthError on refusal.
type Dialer func(ctx context.Context, opts DialOptions) (Transport, error)

// NewMQTTDialer dials the configured broker with paho.
func NewMQTTDialer(cfg *config.MQTTConfig, logger *zap.Logger) Dialer {
	return func(ctx context.Context, opts DialOptions) (Transport, error) {
		type result struct {
			client *mqttcommon.Client
			err    error
		}
		done := make(chan result, 1)

		go func() {
			client, err := mqttcommon.NewClient(mqttcommon.Options{
				Broker:           cfg.Broker,
				ClientID:         opts.ClientID,
				Username:         opts.Username,
				Password:         opts.Password,
				ConnectTimeout:   cfg.ConnectTimeout,
				KeepAlive:        cfg.KeepAlive,
				OnConnectionLost: opts.OnConnectionLost,
			}, logger.With(zap.String("device_id", opts.DeviceID)))
			done <- result{client: client, err: err}
		}()

		select {
		case res := <-done:
			if res.err != nil {
				return nil, res.err
			}
			return res.client, nil
		case <-ctx.Done():
			// A late success must not leak a live session.
			go func() {
				if res := <-done; res.client != nil {
					res.client.Disconnect()
				}
			}()
			return nil, fmt.Errorf("dial %s: %w", opts.DeviceID, ctx.Err())
		}
	}
}
