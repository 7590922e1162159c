package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTConfig configures the MQTT transport. Bus channels are used as topic names.
type MQTTConfig struct {
	Broker           string
	ClientID         string
	QoS              byte
	OperationTimeout time.Duration
}

// MQTTTransport subscribes to channel topics on an MQTT broker. Reconnects
// are left to the caller, so paho's auto-reconnect is disabled.
type MQTTTransport struct {
	cfg MQTTConfig
	now func() time.Time
}

func NewMQTTTransport(cfg MQTTConfig) (*MQTTTransport, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.QoS > 2 {
		return nil, fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "tickstream-" + uuid.NewString()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &MQTTTransport{cfg: cfg, now: time.Now}, nil
}

func (t *MQTTTransport) Name() string { return "mqtt" }

func (t *MQTTTransport) connect(ctx context.Context, onLost func(error)) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.Broker)
	opts.SetClientID(t.cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectTimeout(t.cfg.OperationTimeout)
	if onLost != nil {
		opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) { onLost(err) })
	}

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect(), t.cfg.OperationTimeout); err != nil {
		return nil, fmt.Errorf("connect mqtt broker: %w", err)
	}
	return client, nil
}

func (t *MQTTTransport) Open(ctx context.Context, channels []string) (Stream, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to subscribe")
	}
	s := &mqttStream{
		msgs: make(chan Message, 256),
		done: make(chan struct{}),
	}
	client, err := t.connect(ctx, func(err error) {
		if err == nil {
			err = errors.New("connection lost")
		}
		s.fail(fmt.Errorf("mqtt connection lost: %w", err))
	})
	if err != nil {
		return nil, err
	}
	s.client = client

	filters := make(map[string]byte, len(channels))
	for _, c := range channels {
		filters[c] = t.cfg.QoS
	}
	token := client.SubscribeMultiple(filters, func(_ mqtt.Client, m mqtt.Message) {
		msg := Message{Channel: m.Topic(), Payload: append([]byte(nil), m.Payload()...), ReceivedAt: t.now()}
		select {
		case s.msgs <- msg:
		case <-s.done:
		}
	})
	if err := wait(ctx, token, t.cfg.OperationTimeout); err != nil {
		client.Disconnect(250)
		return nil, fmt.Errorf("mqtt subscribe: %w", err)
	}
	return s, nil
}

func (t *MQTTTransport) Ping(ctx context.Context) error {
	client, err := t.connect(ctx, nil)
	if err != nil {
		return err
	}
	client.Disconnect(250)
	return nil
}

func (t *MQTTTransport) Close() error { return nil }

func wait(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("operation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

type mqttStream struct {
	client mqtt.Client
	msgs   chan Message
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *mqttStream) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-s.msgs:
		return msg, nil
	case <-s.done:
		return Message{}, s.err
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (s *mqttStream) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *mqttStream) Close() error {
	s.fail(ErrStreamClosed)
	if s.client != nil {
		s.client.Disconnect(250)
	}
	return nil
}

// MQTTPublisher publishes payloads to channel topics.
type MQTTPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

func NewMQTTPublisher(ctx context.Context, cfg MQTTConfig) (*MQTTPublisher, error) {
	t, err := NewMQTTTransport(cfg)
	if err != nil {
		return nil, err
	}
	client, err := t.connect(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &MQTTPublisher{client: client, qos: t.cfg.QoS, timeout: t.cfg.OperationTimeout}, nil
}

func (p *MQTTPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return wait(ctx, p.client.Publish(channel, p.qos, false, payload), p.timeout)
}

func (p *MQTTPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
