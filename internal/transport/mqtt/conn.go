package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	logx "cbalert/pkg/logx"
)

// Conn is the broker connection the bridge needs.
type Conn interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	Close()
}

type pahoConn struct {
	c   paho.Client
	log logx.Logger
}

// Dial connects to the configured broker with auto-reconnect enabled.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (Conn, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker is required")
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Warn("mqtt connection lost", logx.Err(err))
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		log.Info("mqtt connected", logx.String("broker", cfg.Broker))
	})

	c := paho.NewClient(opts)
	if err := wait(ctx, c.Connect(), cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", err)
	}
	return &pahoConn{c: c, log: log}, nil
}

func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return errors.New("mqtt: operation timed out")
	}
}

func (p *pahoConn) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := wait(ctx, p.c.Publish(topic, qos, retained, payload), 0); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, err)
	}
	return nil
}

func (p *pahoConn) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	tok := p.c.Subscribe(topic, qos, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(context.Background(), tok, 0); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	return nil
}

func (p *pahoConn) Close() {
	p.c.Disconnect(250)
}
