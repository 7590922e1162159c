package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
}

// RedisTransport subscribes to Redis pub/sub channels.
type RedisTransport struct {
	client    *redis.Client
	opTimeout time.Duration
	now       func() time.Time
}

// NewRedisTransport creates the transport. No connection is made until Open or Ping.
func NewRedisTransport(cfg RedisConfig) (*RedisTransport, error) {
	client, opTimeout, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisTransport{client: client, opTimeout: opTimeout, now: time.Now}, nil
}

func newRedisClient(cfg RedisConfig) (*redis.Client, time.Duration, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, 0, fmt.Errorf("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, 0, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 3 * time.Second
	}
	return redis.NewClient(opts), cfg.OperationTimeout, nil
}

func (t *RedisTransport) Name() string { return "redis" }

// Open subscribes to every channel and waits for the subscription confirmation.
func (t *RedisTransport) Open(ctx context.Context, channels []string) (Stream, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to subscribe")
	}
	openCtx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()

	pubsub := t.client.Subscribe(openCtx, channels...)
	if _, err := pubsub.Receive(openCtx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}
	return &redisStream{pubsub: pubsub, now: t.now}, nil
}

func (t *RedisTransport) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.opTimeout)
	defer cancel()
	return t.client.Ping(ctx).Err()
}

func (t *RedisTransport) Close() error {
	return t.client.Close()
}

type redisStream struct {
	pubsub *redis.PubSub
	now    func() time.Time
}

// Receive returns the next channel message. Subscription confirmations and
// pongs are skipped by ReceiveMessage; network errors end the stream.
func (s *redisStream) Receive(ctx context.Context) (Message, error) {
	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		if err == redis.ErrClosed {
			return Message{}, ErrStreamClosed
		}
		return Message{}, fmt.Errorf("redis receive: %w", err)
	}
	return Message{Channel: msg.Channel, Payload: []byte(msg.Payload), ReceivedAt: s.now()}, nil
}

func (s *redisStream) Close() error {
	return s.pubsub.Close()
}

// RedisPublisher publishes payloads with PUBLISH.
type RedisPublisher struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedisPublisher creates a publisher for the given Redis.
func NewRedisPublisher(cfg RedisConfig) (*RedisPublisher, error) {
	client, opTimeout, err := newRedisClient(cfg)
	if err != nil {
		return nil, err
	}
	return &RedisPublisher{client: client, opTimeout: opTimeout}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()
	return p.client.Publish(ctx, channel, payload).Err()
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
