// Package factory builds bus transports and publishers from configuration.
package factory

import (
	"context"
	"fmt"
	"strings"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/bus"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/config"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/logger"
)

// NewTransport selects the subscriber transport named by cfg.Type.
func NewTransport(cfg config.BusConfig, log logger.Logger) (bus.Transport, error) {
	if log == nil {
		log = logger.NewNop()
	}
	var (
		t   bus.Transport
		err error
	)
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.BusTypeRedis:
		t, err = bus.NewRedisTransport(redisConfig(cfg))
	case config.BusTypeKafka:
		t, err = bus.NewKafkaTransport(kafkaConfig(cfg))
	case config.BusTypeRabbitMQ:
		t, err = bus.NewRabbitMQTransport(rabbitConfig(cfg))
	case config.BusTypeMQTT:
		t, err = bus.NewMQTTTransport(mqttConfig(cfg))
	case config.BusTypeMemory:
		t = bus.NewMemoryTransport(cfg.InboundBuffer)
	default:
		return nil, fmt.Errorf("%w: %q", bus.ErrUnsupportedTransport, cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", cfg.Type, err)
	}
	log.Info("bus transport selected", "type", t.Name())
	return t, nil
}

// NewPublisher builds a publisher for the same bus. The memory bus only
// exists inside one process, so it has no standalone publisher.
func NewPublisher(ctx context.Context, cfg config.BusConfig) (bus.Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case config.BusTypeRedis:
		return bus.NewRedisPublisher(redisConfig(cfg))
	case config.BusTypeKafka:
		return bus.NewKafkaPublisher(kafkaConfig(cfg))
	case config.BusTypeRabbitMQ:
		return bus.NewRabbitMQPublisher(rabbitConfig(cfg))
	case config.BusTypeMQTT:
		mc := mqttConfig(cfg)
		if mc.ClientID != "" {
			mc.ClientID += "-publisher"
		}
		return bus.NewMQTTPublisher(ctx, mc)
	default:
		return nil, fmt.Errorf("%w: no publisher for %q", bus.ErrUnsupportedTransport, cfg.Type)
	}
}

func redisConfig(cfg config.BusConfig) bus.RedisConfig {
	return bus.RedisConfig{
		URL:              cfg.Redis.URL,
		MaxConns:         cfg.Redis.MaxConns,
		OperationTimeout: cfg.OperationTimeout,
	}
}

func kafkaConfig(cfg config.BusConfig) bus.KafkaConfig {
	return bus.KafkaConfig{
		Brokers:          cfg.Kafka.Brokers,
		GroupID:          cfg.Kafka.GroupID,
		OperationTimeout: cfg.OperationTimeout,
	}
}

func rabbitConfig(cfg config.BusConfig) bus.RabbitMQConfig {
	return bus.RabbitMQConfig{
		URL:              cfg.RabbitMQ.URL,
		Exchange:         cfg.RabbitMQ.Exchange,
		QueueName:        cfg.RabbitMQ.QueueName,
		OperationTimeout: cfg.OperationTimeout,
	}
}

func mqttConfig(cfg config.BusConfig) bus.MQTTConfig {
	return bus.MQTTConfig{
		Broker:           cfg.MQTT.Broker,
		ClientID:         cfg.MQTT.ClientID,
		QoS:              byte(cfg.MQTT.QoS),
		OperationTimeout: cfg.OperationTimeout,
	}
}
