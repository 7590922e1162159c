package config

import (
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
)

// Bus type constants
const (
	BusTypeRedis    = "redis"
	BusTypeKafka    = "kafka"
	BusTypeRabbitMQ = "rabbitmq"
	BusTypeMQTT     = "mqtt"
	BusTypeMemory   = "memory"
)

// Config is the root configuration of the tickstream service.
type Config struct {
	Service       ServiceConfig       `mapstructure:"service" yaml:"service"`
	HTTP          HTTPConfig          `mapstructure:"http" yaml:"http"`
	Management    ManagementConfig    `mapstructure:"management" yaml:"management"`
	Bus           BusConfig           `mapstructure:"bus" yaml:"bus"`
	Pipeline      PipelineConfig      `mapstructure:"pipeline" yaml:"pipeline"`
	Dispatch      DispatchConfig      `mapstructure:"dispatch" yaml:"dispatch"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name" yaml:"name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// HTTPConfig configures the public server. A zero WriteTimeout is the
// default since sessions are long-lived streams.
type HTTPConfig struct {
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
}

// ManagementConfig configures the management server
type ManagementConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Port         int           `mapstructure:"port" yaml:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
}

// BusConfig selects and configures the upstream pub/sub transport.
type BusConfig struct {
	Type     string         `mapstructure:"type" yaml:"type"`
	Redis    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka" yaml:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq" yaml:"rabbitmq"`
	MQTT     MQTTConfig     `mapstructure:"mqtt" yaml:"mqtt"`

	// Channels are "channel=kind" entries merged over the default channel set.
	Channels []string `mapstructure:"channels" yaml:"channels"`
	// OperationTimeout bounds connect, subscribe and publish calls.
	OperationTimeout time.Duration `mapstructure:"operation_timeout" yaml:"operation_timeout"`

	ReconnectBackoffInitialMS int `mapstructure:"reconnect_backoff_initial_ms" yaml:"reconnect_backoff_initial_ms"`
	ReconnectBackoffMaxMS     int `mapstructure:"reconnect_backoff_max_ms" yaml:"reconnect_backoff_max_ms"`
	ReconnectMaxAttempts      int `mapstructure:"reconnect_max_attempts" yaml:"reconnect_max_attempts"`
	ReconnectMinDwellMS       int `mapstructure:"reconnect_min_dwell_ms" yaml:"reconnect_min_dwell_ms"`
	ImmediateRetries          int `mapstructure:"immediate_retries" yaml:"immediate_retries"`
	InboundBuffer             int `mapstructure:"inbound_buffer" yaml:"inbound_buffer"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url" yaml:"url"`
	MaxConns int    `mapstructure:"max_conns" yaml:"max_conns"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	// GroupID defaults to a per-process id so every instance sees every event.
	GroupID string `mapstructure:"group_id" yaml:"group_id"`
}

type RabbitMQConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Exchange  string `mapstructure:"exchange" yaml:"exchange"`
	QueueName string `mapstructure:"queue_name" yaml:"queue_name"`
}

type MQTTConfig struct {
	Broker   string `mapstructure:"broker" yaml:"broker"`
	ClientID string `mapstructure:"client_id" yaml:"client_id"`
	QoS      int    `mapstructure:"qos" yaml:"qos"`
}

// PipelineConfig holds buffering, deduplication and classification settings.
type PipelineConfig struct {
	FlushIntervalMS             int      `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms"`
	MaxBatchSize                int      `mapstructure:"max_batch_size" yaml:"max_batch_size"`
	DedupWindowMS               int      `mapstructure:"dedup_window_ms" yaml:"dedup_window_ms"`
	FingerprintBucketMS         int      `mapstructure:"fingerprint_bucket_ms" yaml:"fingerprint_bucket_ms"`
	CriticalChannelList         []string `mapstructure:"critical_channel_list" yaml:"critical_channel_list"`
	CriticalSeverity            string   `mapstructure:"critical_severity" yaml:"critical_severity"`
	DrainTimeoutMS              int      `mapstructure:"drain_timeout_ms" yaml:"drain_timeout_ms"`
	DisconnectGraceMS           int      `mapstructure:"disconnect_grace_ms" yaml:"disconnect_grace_ms"`
	DecodeFailureAlertThreshold int      `mapstructure:"decode_failure_alert_threshold" yaml:"decode_failure_alert_threshold"`
	DecodeFailureLogIntervalMS  int      `mapstructure:"decode_failure_log_interval_ms" yaml:"decode_failure_log_interval_ms"`
}

// DispatchConfig configures client sessions.
type DispatchConfig struct {
	SessionQueueCapacity int           `mapstructure:"session_queue_capacity" yaml:"session_queue_capacity"`
	MaxSendFailures      int           `mapstructure:"max_send_failures" yaml:"max_send_failures"`
	MaxSessions          int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	KeepaliveInterval    time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
	AllowedOrigins       []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// ObservabilityConfig configures logging and tracing
type ObservabilityConfig struct {
	LogLevel          string  `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string  `mapstructure:"log_format" yaml:"log_format"`
	TracingEnabled    bool    `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint   string  `mapstructure:"tracing_endpoint" yaml:"tracing_endpoint"`
	TracingSampleRate float64 `mapstructure:"tracing_sample_rate" yaml:"tracing_sample_rate"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "tickstream",
			Environment: "development",
		},
		HTTP: HTTPConfig{
			Port:        8080,
			ReadTimeout: 30 * time.Second,
			IdleTimeout: 120 * time.Second,
		},
		Management: ManagementConfig{
			Enabled:      true,
			Port:         9090,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Bus: BusConfig{
			Type: BusTypeRedis,
			Redis: RedisConfig{
				URL:      "redis://localhost:6379/0",
				MaxConns: 10,
			},
			Kafka: KafkaConfig{
				Brokers: []string{},
			},
			RabbitMQ: RabbitMQConfig{
				Exchange: "tickstock",
			},
			MQTT: MQTTConfig{
				QoS: 1,
			},
			Channels:                  []string{},
			OperationTimeout:          5 * time.Second,
			ReconnectBackoffInitialMS: 1000,
			ReconnectBackoffMaxMS:     30000,
			ReconnectMaxAttempts:      10,
			ReconnectMinDwellMS:       10000,
			ImmediateRetries:          3,
			InboundBuffer:             1024,
		},
		Pipeline: PipelineConfig{
			FlushIntervalMS:             250,
			MaxBatchSize:                100,
			DedupWindowMS:               100,
			FingerprintBucketMS:         1000,
			CriticalChannelList:         []string{"tickstock:alerts:critical_patterns"},
			CriticalSeverity:            event.SeverityHigh.String(),
			DrainTimeoutMS:              5000,
			DisconnectGraceMS:           3000,
			DecodeFailureAlertThreshold: 5,
			DecodeFailureLogIntervalMS:  10000,
		},
		Dispatch: DispatchConfig{
			SessionQueueCapacity: 256,
			MaxSendFailures:      3,
			MaxSessions:          10000,
			WriteTimeout:         5 * time.Second,
			KeepaliveInterval:    25 * time.Second,
			AllowedOrigins:       []string{},
		},
		Observability: ObservabilityConfig{
			LogLevel:          "info",
			LogFormat:         "json",
			TracingEnabled:    false,
			TracingEndpoint:   "localhost:4317",
			TracingSampleRate: 0.1,
		},
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c PipelineConfig) FlushInterval() time.Duration      { return ms(c.FlushIntervalMS) }
func (c PipelineConfig) DedupWindow() time.Duration        { return ms(c.DedupWindowMS) }
func (c PipelineConfig) FingerprintBucket() time.Duration  { return ms(c.FingerprintBucketMS) }
func (c PipelineConfig) DrainTimeout() time.Duration       { return ms(c.DrainTimeoutMS) }
func (c PipelineConfig) DisconnectGrace() time.Duration    { return ms(c.DisconnectGraceMS) }
func (c PipelineConfig) DecodeLogInterval() time.Duration  { return ms(c.DecodeFailureLogIntervalMS) }
func (c BusConfig) ReconnectBackoffInitial() time.Duration { return ms(c.ReconnectBackoffInitialMS) }
func (c BusConfig) ReconnectBackoffMax() time.Duration     { return ms(c.ReconnectBackoffMaxMS) }
func (c BusConfig) ReconnectMinDwell() time.Duration       { return ms(c.ReconnectMinDwellMS) }
