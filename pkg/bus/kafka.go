package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka transport. Each bus channel maps to one
// topic with ':' replaced by '.', since ':' is not a legal topic character.
type KafkaConfig struct {
	Brokers []string
	// GroupID defaults to a per-process id so every instance sees every event.
	GroupID          string
	OperationTimeout time.Duration
}

// ErrBrokerUnreachable ends a Kafka stream whose broker stopped answering.
// The group reader retries internally and would otherwise block forever.
var ErrBrokerUnreachable = errors.New("kafka broker unreachable")

// TopicFor maps a bus channel to a Kafka topic name.
func TopicFor(channel string) string {
	return strings.ReplaceAll(channel, ":", ".")
}

// KafkaTransport consumes channel topics with one group reader.
type KafkaTransport struct {
	cfg KafkaConfig
	now func() time.Time
}

// NewKafkaTransport validates the configuration.
func NewKafkaTransport(cfg KafkaConfig) (*KafkaTransport, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "tickstream-" + uuid.NewString()
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &KafkaTransport{cfg: cfg, now: time.Now}, nil
}

func (t *KafkaTransport) Name() string { return "kafka" }

func (t *KafkaTransport) Open(ctx context.Context, channels []string) (Stream, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channels to subscribe")
	}
	if err := t.Ping(ctx); err != nil {
		return nil, err
	}

	topics := make([]string, 0, len(channels))
	byTopic := make(map[string]string, len(channels))
	for _, c := range channels {
		topic := TopicFor(c)
		if _, dup := byTopic[topic]; dup {
			continue
		}
		byTopic[topic] = c
		topics = append(topics, topic)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        t.cfg.Brokers,
		GroupID:        t.cfg.GroupID,
		GroupTopics:    topics,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		StartOffset:    kafka.LastOffset,
		MaxWait:        250 * time.Millisecond,
	})
	return newKafkaStream(reader, byTopic, t.Ping, t.cfg.OperationTimeout, t.now), nil
}

// Ping dials the first broker and fetches metadata.
func (t *KafkaTransport) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.OperationTimeout)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", t.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.Brokers(); err != nil {
		return fmt.Errorf("failed to fetch broker metadata: %w", err)
	}
	return nil
}

func (t *KafkaTransport) Close() error { return nil }

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type kafkaStream struct {
	reader  messageReader
	byTopic map[string]string
	now     func() time.Time

	// alive is cancelled with ErrBrokerUnreachable or ErrStreamClosed.
	alive     context.Context
	cancel    context.CancelCauseFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newKafkaStream(reader messageReader, byTopic map[string]string, ping func(context.Context) error, interval time.Duration, now func() time.Time) *kafkaStream {
	alive, cancel := context.WithCancelCause(context.Background())
	s := &kafkaStream{reader: reader, byTopic: byTopic, now: now, alive: alive, cancel: cancel}
	s.wg.Add(1)
	go s.watchBroker(ping, interval)
	return s
}

// watchBroker pings the broker every interval and ends the stream on the
// first failure.
func (s *kafkaStream) watchBroker(ping func(context.Context) error, interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.alive.Done():
			return
		case <-ticker.C:
		}
		if err := ping(s.alive); err != nil {
			if s.alive.Err() == nil {
				s.cancel(fmt.Errorf("%w: %w", ErrBrokerUnreachable, err))
			}
			return
		}
	}
}

func (s *kafkaStream) Receive(ctx context.Context) (Message, error) {
	if s.alive.Err() != nil {
		return Message{}, context.Cause(s.alive)
	}
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.alive, cancel)
	defer stop()

	msg, err := s.reader.ReadMessage(readCtx)
	if err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		if s.alive.Err() != nil {
			return Message{}, context.Cause(s.alive)
		}
		if errors.Is(err, context.Canceled) {
			return Message{}, ErrStreamClosed
		}
		return Message{}, fmt.Errorf("kafka read: %w", err)
	}
	channel, ok := s.byTopic[msg.Topic]
	if !ok {
		channel = msg.Topic
	}
	return Message{Channel: channel, Payload: msg.Value, ReceivedAt: s.now()}, nil
}

func (s *kafkaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel(ErrStreamClosed)
		s.wg.Wait()
		err = s.reader.Close()
	})
	return err
}

// KafkaPublisher writes payloads to channel topics.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker address is required")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Second
	}
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		WriteTimeout:           cfg.OperationTimeout,
		AllowAutoTopicCreation: true,
	}}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.writer.WriteMessages(ctx, kafka.Message{Topic: TopicFor(channel), Value: payload})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
