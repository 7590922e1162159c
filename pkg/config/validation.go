package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
)

var (
	validBusTypes   = []string{BusTypeRedis, BusTypeKafka, BusTypeRabbitMQ, BusTypeMQTT, BusTypeMemory}
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"json", "text"}
)

// removeKind in a channel entry drops that channel from the default set.
const removeKind = "-"

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}

	if strings.TrimSpace(c.Service.Name) == "" {
		errs = append(errs, errors.New("service.name is required"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port out of range: %d", c.HTTP.Port))
	}
	if c.Management.Enabled {
		if c.Management.Port <= 0 || c.Management.Port > 65535 {
			errs = append(errs, fmt.Errorf("management.port out of range: %d", c.Management.Port))
		}
		if c.Management.Port == c.HTTP.Port {
			errs = append(errs, errors.New("management.port must differ from http.port"))
		}
	}

	errs = append(errs, c.Bus.validate()...)

	positive("bus.reconnect_backoff_initial_ms", c.Bus.ReconnectBackoffInitialMS)
	positive("bus.reconnect_backoff_max_ms", c.Bus.ReconnectBackoffMaxMS)
	positive("bus.reconnect_max_attempts", c.Bus.ReconnectMaxAttempts)
	positive("bus.inbound_buffer", c.Bus.InboundBuffer)
	if c.Bus.ReconnectBackoffMaxMS < c.Bus.ReconnectBackoffInitialMS {
		errs = append(errs, errors.New("bus.reconnect_backoff_max_ms must be >= bus.reconnect_backoff_initial_ms"))
	}
	if c.Bus.ReconnectMinDwellMS < 0 || c.Bus.ImmediateRetries < 0 {
		errs = append(errs, errors.New("bus.reconnect_min_dwell_ms and bus.immediate_retries must not be negative"))
	}

	positive("pipeline.flush_interval_ms", c.Pipeline.FlushIntervalMS)
	positive("pipeline.max_batch_size", c.Pipeline.MaxBatchSize)
	positive("pipeline.drain_timeout_ms", c.Pipeline.DrainTimeoutMS)
	positive("pipeline.decode_failure_alert_threshold", c.Pipeline.DecodeFailureAlertThreshold)
	positive("pipeline.decode_failure_log_interval_ms", c.Pipeline.DecodeFailureLogIntervalMS)
	if c.Pipeline.DedupWindowMS < 0 || c.Pipeline.FingerprintBucketMS < 0 || c.Pipeline.DisconnectGraceMS < 0 {
		errs = append(errs, errors.New("pipeline.dedup_window_ms, fingerprint_bucket_ms and disconnect_grace_ms must not be negative"))
	}
	if _, ok := event.ParseSeverity(c.Pipeline.CriticalSeverity); !ok && !strings.EqualFold(c.Pipeline.CriticalSeverity, "none") {
		errs = append(errs, fmt.Errorf("pipeline.critical_severity: unknown severity %q", c.Pipeline.CriticalSeverity))
	}

	registry, err := c.Registry()
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, ch := range normalizeStringSlice(c.Pipeline.CriticalChannelList) {
			kind, ok := registry.Lookup(ch)
			switch {
			case !ok:
				errs = append(errs, fmt.Errorf("pipeline.critical_channel_list: unknown channel %q", ch))
			case !kind.CanBeCritical():
				errs = append(errs, fmt.Errorf("pipeline.critical_channel_list: channel %q has kind %s, must be alert or health", ch, kind))
			}
		}
	}

	positive("dispatch.session_queue_capacity", c.Dispatch.SessionQueueCapacity)
	positive("dispatch.max_send_failures", c.Dispatch.MaxSendFailures)
	positive("dispatch.max_sessions", c.Dispatch.MaxSessions)
	if c.Dispatch.WriteTimeout <= 0 {
		errs = append(errs, errors.New("dispatch.write_timeout must be positive"))
	}
	if c.Dispatch.KeepaliveInterval < 0 {
		errs = append(errs, errors.New("dispatch.keepalive_interval must not be negative"))
	}

	if !contains(validLogLevels, strings.ToLower(c.Observability.LogLevel)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_level: %s (must be one of: %v)", c.Observability.LogLevel, validLogLevels))
	}
	if !contains(validLogFormats, strings.ToLower(c.Observability.LogFormat)) {
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %s (must be one of: %v)", c.Observability.LogFormat, validLogFormats))
	}
	if c.Observability.TracingEnabled {
		if strings.TrimSpace(c.Observability.TracingEndpoint) == "" {
			errs = append(errs, errors.New("observability.tracing_endpoint is required when tracing is enabled"))
		}
		if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
			errs = append(errs, errors.New("observability.tracing_sample_rate must be between 0 and 1"))
		}
	}

	return errors.Join(errs...)
}

func (b BusConfig) validate() []error {
	var errs []error
	switch strings.ToLower(b.Type) {
	case BusTypeRedis:
		if _, err := url.Parse(b.Redis.URL); err != nil || strings.TrimSpace(b.Redis.URL) == "" {
			errs = append(errs, fmt.Errorf("bus.redis.url is invalid: %q", b.Redis.URL))
		}
	case BusTypeKafka:
		if len(normalizeStringSlice(b.Kafka.Brokers)) == 0 {
			errs = append(errs, errors.New("bus.kafka.brokers is required for kafka"))
		}
	case BusTypeRabbitMQ:
		if strings.TrimSpace(b.RabbitMQ.URL) == "" {
			errs = append(errs, errors.New("bus.rabbitmq.url is required for rabbitmq"))
		}
	case BusTypeMQTT:
		if strings.TrimSpace(b.MQTT.Broker) == "" {
			errs = append(errs, errors.New("bus.mqtt.broker is required for mqtt"))
		}
		if b.MQTT.QoS < 0 || b.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("bus.mqtt.qos must be 0, 1 or 2, got %d", b.MQTT.QoS))
		}
	case BusTypeMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid bus.type: %s (must be one of: %v)", b.Type, validBusTypes))
	}
	return errs
}

// ChannelOverrides parses bus.channels. An entry "channel=-" removes a
// default channel.
func (b BusConfig) ChannelOverrides() (map[string]event.Kind, error) {
	overrides := make(map[string]event.Kind, len(b.Channels))
	var errs []error
	for _, entry := range normalizeStringSlice(b.Channels) {
		channel, kindName, ok := strings.Cut(entry, "=")
		channel = strings.TrimSpace(channel)
		if !ok || channel == "" {
			errs = append(errs, fmt.Errorf("bus.channels: entry %q must be channel=kind", entry))
			continue
		}
		if strings.TrimSpace(kindName) == removeKind {
			overrides[channel] = event.KindUnknown
			continue
		}
		kind, err := event.ParseKind(kindName)
		if err != nil {
			errs = append(errs, fmt.Errorf("bus.channels: %s: %w", channel, err))
			continue
		}
		overrides[channel] = kind
	}
	return overrides, errors.Join(errs...)
}

// Registry builds the channel registry: defaults plus bus.channels.
func (c *Config) Registry() (*event.Registry, error) {
	overrides, err := c.Bus.ChannelOverrides()
	if err != nil {
		return nil, err
	}
	registry := event.DefaultRegistry().WithOverrides(overrides)
	if registry.Len() == 0 {
		return nil, errors.New("bus.channels: no channels left to subscribe to")
	}
	return registry, nil
}

// CriticalSeverityLevel parses pipeline.critical_severity; "none" disables it.
func (c PipelineConfig) CriticalSeverityLevel() event.Severity {
	s, _ := event.ParseSeverity(c.CriticalSeverity)
	return s
}

// Redacted returns a copy with credentials in connection URLs masked.
func (c *Config) Redacted() *Config {
	out := *c
	out.Bus.Redis.URL = redactURL(c.Bus.Redis.URL)
	out.Bus.RabbitMQ.URL = redactURL(c.Bus.RabbitMQ.URL)
	out.Bus.MQTT.Broker = redactURL(c.Bus.MQTT.Broker)
	return &out
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	if _, hasPassword := u.User.Password(); hasPassword {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
