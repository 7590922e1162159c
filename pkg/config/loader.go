package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// flagKeys maps command-line flags onto config keys. Flags only override
// when set explicitly.
var flagKeys = map[string]string{
	"http-port":       "http.port",
	"management-port": "management.port",
	"bus-type":        "bus.type",
	"redis-url":       "bus.redis.url",
	"log-level":       "observability.log_level",
	"log-format":      "observability.log_format",
}

// legacyEnv lists unprefixed variables honoured for compatibility with
// existing TickStock deployments.
var legacyEnv = map[string][]string{
	"bus.redis.url":   {"REDIS_URL"},
	"management.port": {"MGMT_PORT"},
}

// ViperLoader implements Loader using Viper for configuration management
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
	v          *viper.Viper
}

// NewViperLoader creates a new ViperLoader
// configFile: path to configuration file (optional, can be empty)
// envPrefix: prefix for environment variables (e.g., "TICKSTREAM")
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{
		configFile: configFile,
		envPrefix:  envPrefix,
	}
}

// WithFlags lets explicitly set flags from fs override every other source.
func (l *ViperLoader) WithFlags(fs *pflag.FlagSet) *ViperLoader {
	l.flags = fs
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	l.setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	l.bindEnvVars(v)
	if err := l.bindFlags(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	l.v = v

	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate delegates to Config.Validate.
func (l *ViperLoader) Validate(cfg *Config) error {
	return cfg.Validate()
}

// Keys lists every known config key, sorted. Only valid after Load.
func (l *ViperLoader) Keys() []string {
	if l.v == nil {
		return nil
	}
	keys := l.v.AllKeys()
	sort.Strings(keys)
	return keys
}

// bindEnvVars binds every defaulted key to PREFIX_SECTION_KEY.
func (l *ViperLoader) bindEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		names := []string{l.prefixedEnv(strings.ToUpper(strings.ReplaceAll(key, ".", "_")))}
		names = append(names, legacyEnv[key]...)
		_ = v.BindEnv(append([]string{key}, names...)...)
	}
}

func (l *ViperLoader) bindFlags(v *viper.Viper) error {
	if l.flags == nil {
		return nil
	}
	for name, key := range flagKeys {
		flag := l.flags.Lookup(name)
		if flag == nil || !flag.Changed {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

func (l *ViperLoader) prefixedEnv(suffix string) string {
	if l.envPrefix == "" {
		return suffix
	}
	return l.envPrefix + "_" + suffix
}

// RegisterFlags adds the override flags to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	defaults := DefaultConfig()
	fs.Int("http-port", defaults.HTTP.Port, "public HTTP port")
	fs.Int("management-port", defaults.Management.Port, "management HTTP port")
	fs.String("bus-type", defaults.Bus.Type, "bus transport (redis, kafka, rabbitmq, mqtt, memory)")
	fs.String("redis-url", defaults.Bus.Redis.URL, "redis connection URL")
	fs.String("log-level", defaults.Observability.LogLevel, "log level (debug, info, warn, error)")
	fs.String("log-format", defaults.Observability.LogFormat, "log format (json, text)")
}

// setDefaults sets default values in Viper from the default config
func (l *ViperLoader) setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)
	v.SetDefault("management.read_timeout", cfg.Management.ReadTimeout)
	v.SetDefault("management.write_timeout", cfg.Management.WriteTimeout)

	v.SetDefault("bus.type", cfg.Bus.Type)
	v.SetDefault("bus.redis.url", cfg.Bus.Redis.URL)
	v.SetDefault("bus.redis.max_conns", cfg.Bus.Redis.MaxConns)
	v.SetDefault("bus.kafka.brokers", cfg.Bus.Kafka.Brokers)
	v.SetDefault("bus.kafka.group_id", cfg.Bus.Kafka.GroupID)
	v.SetDefault("bus.rabbitmq.url", cfg.Bus.RabbitMQ.URL)
	v.SetDefault("bus.rabbitmq.exchange", cfg.Bus.RabbitMQ.Exchange)
	v.SetDefault("bus.rabbitmq.queue_name", cfg.Bus.RabbitMQ.QueueName)
	v.SetDefault("bus.mqtt.broker", cfg.Bus.MQTT.Broker)
	v.SetDefault("bus.mqtt.client_id", cfg.Bus.MQTT.ClientID)
	v.SetDefault("bus.mqtt.qos", cfg.Bus.MQTT.QoS)
	v.SetDefault("bus.channels", cfg.Bus.Channels)
	v.SetDefault("bus.operation_timeout", cfg.Bus.OperationTimeout)
	v.SetDefault("bus.reconnect_backoff_initial_ms", cfg.Bus.ReconnectBackoffInitialMS)
	v.SetDefault("bus.reconnect_backoff_max_ms", cfg.Bus.ReconnectBackoffMaxMS)
	v.SetDefault("bus.reconnect_max_attempts", cfg.Bus.ReconnectMaxAttempts)
	v.SetDefault("bus.reconnect_min_dwell_ms", cfg.Bus.ReconnectMinDwellMS)
	v.SetDefault("bus.immediate_retries", cfg.Bus.ImmediateRetries)
	v.SetDefault("bus.inbound_buffer", cfg.Bus.InboundBuffer)

	v.SetDefault("pipeline.flush_interval_ms", cfg.Pipeline.FlushIntervalMS)
	v.SetDefault("pipeline.max_batch_size", cfg.Pipeline.MaxBatchSize)
	v.SetDefault("pipeline.dedup_window_ms", cfg.Pipeline.DedupWindowMS)
	v.SetDefault("pipeline.fingerprint_bucket_ms", cfg.Pipeline.FingerprintBucketMS)
	v.SetDefault("pipeline.critical_channel_list", cfg.Pipeline.CriticalChannelList)
	v.SetDefault("pipeline.critical_severity", cfg.Pipeline.CriticalSeverity)
	v.SetDefault("pipeline.drain_timeout_ms", cfg.Pipeline.DrainTimeoutMS)
	v.SetDefault("pipeline.disconnect_grace_ms", cfg.Pipeline.DisconnectGraceMS)
	v.SetDefault("pipeline.decode_failure_alert_threshold", cfg.Pipeline.DecodeFailureAlertThreshold)
	v.SetDefault("pipeline.decode_failure_log_interval_ms", cfg.Pipeline.DecodeFailureLogIntervalMS)

	v.SetDefault("dispatch.session_queue_capacity", cfg.Dispatch.SessionQueueCapacity)
	v.SetDefault("dispatch.max_send_failures", cfg.Dispatch.MaxSendFailures)
	v.SetDefault("dispatch.max_sessions", cfg.Dispatch.MaxSessions)
	v.SetDefault("dispatch.write_timeout", cfg.Dispatch.WriteTimeout)
	v.SetDefault("dispatch.keepalive_interval", cfg.Dispatch.KeepaliveInterval)
	v.SetDefault("dispatch.allowed_origins", cfg.Dispatch.AllowedOrigins)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.tracing_enabled", cfg.Observability.TracingEnabled)
	v.SetDefault("observability.tracing_endpoint", cfg.Observability.TracingEndpoint)
	v.SetDefault("observability.tracing_sample_rate", cfg.Observability.TracingSampleRate)
}
