package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQConfig configures the RabbitMQ transport. Channels are routing
// keys on a topic exchange.
type RabbitMQConfig struct {
	URL      string
	Exchange string
	// QueueName is optional; an empty name gets a server-named exclusive queue.
	QueueName        string
	OperationTimeout time.Duration
}

// RabbitMQTransport binds one exclusive queue to every channel routing key.
type RabbitMQTransport struct {
	cfg RabbitMQConfig
	now func() time.Time
}

func NewRabbitMQTransport(cfg RabbitMQConfig) (*RabbitMQTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq URL is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "tickstock"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &RabbitMQTransport{cfg: cfg, now: time.Now}, nil
}

func (t *RabbitMQTransport) Name() string { return "rabbitmq" }

func (t *RabbitMQTransport) dial() (*amqp.Connection, error) {
	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{
		Dial: amqp.DefaultDial(t.cfg.OperationTimeout),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	return conn, nil
}

func (t *RabbitMQTransport) Open(_ context.Context, channels []string) (Stream, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to subscribe")
	}
	conn, err := t.dial()
	if err != nil {
		return nil, err
	}
	fail := func(err error) (Stream, error) {
		_ = conn.Close()
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return fail(fmt.Errorf("failed to create consumer channel: %w", err))
	}
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail(fmt.Errorf("failed to declare exchange: %w", err))
	}
	q, err := ch.QueueDeclare(t.cfg.QueueName, false, true, true, false, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to declare queue: %w", err))
	}
	for _, c := range channels {
		if err := ch.QueueBind(q.Name, c, t.cfg.Exchange, false, nil); err != nil {
			return fail(fmt.Errorf("failed to bind queue to %s: %w", c, err))
		}
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to start consumer: %w", err))
	}

	return &rabbitStream{
		conn:       conn,
		ch:         ch,
		deliveries: deliveries,
		closed:     conn.NotifyClose(make(chan *amqp.Error, 1)),
		now:        t.now,
	}, nil
}

func (t *RabbitMQTransport) Ping(context.Context) error {
	conn, err := t.dial()
	if err != nil {
		return err
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq health check failed: %w", err)
	}
	return ch.Close()
}

func (t *RabbitMQTransport) Close() error { return nil }

type rabbitStream struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	closed     chan *amqp.Error
	now        func() time.Time
	once       sync.Once
}

func (s *rabbitStream) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case d, ok := <-s.deliveries:
		if !ok {
			return Message{}, s.closeReason()
		}
		return Message{Channel: d.RoutingKey, Payload: d.Body, ReceivedAt: s.now()}, nil
	case err, ok := <-s.closed:
		if ok && err != nil {
			return Message{}, fmt.Errorf("rabbitmq connection closed: %w", err)
		}
		return Message{}, ErrStreamClosed
	}
}

func (s *rabbitStream) closeReason() error {
	select {
	case err, ok := <-s.closed:
		if ok && err != nil {
			return fmt.Errorf("rabbitmq connection closed: %w", err)
		}
	default:
	}
	return ErrStreamClosed
}

func (s *rabbitStream) Close() error {
	var err error
	s.once.Do(func() {
		_ = s.ch.Close()
		err = s.conn.Close()
	})
	return err
}

// RabbitMQPublisher publishes to the topic exchange with the channel as routing key.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	timeout  time.Duration
}

func NewRabbitMQPublisher(cfg RabbitMQConfig) (*RabbitMQPublisher, error) {
	t, err := NewRabbitMQTransport(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := t.dial()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(t.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &RabbitMQPublisher{conn: conn, ch: ch, exchange: t.cfg.Exchange, timeout: t.cfg.OperationTimeout}, nil
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.ch.PublishWithContext(ctx, p.exchange, channel, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
		Timestamp:   time.Now(),
	})
}

func (p *RabbitMQPublisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}
