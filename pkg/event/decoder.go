package event

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var (
	// ErrMalformedPayload indicates the payload is not a JSON object.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrMissingField indicates a field the pipeline needs is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidTimestamp indicates a timestamp that cannot be parsed or is negative.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

var (
	symbolPaths    = []string{"symbol", "data.symbol", "detection.symbol", "indicator.symbol", "pattern.symbol", "ticker"}
	timestampPaths = []string{"timestamp", "data.timestamp", "detection.timestamp", "detected_at", "time", "data.time"}
	severityPaths  = []string{"severity", "data.severity", "level", "status", "priority"}
	statusPaths    = []string{"status", "data.status", "health", "state"}
)

var discriminatorPaths = []string{
	"pattern", "pattern_type", "pattern_name",
	"indicator", "indicator_type", "indicator_name",
	"alert_type", "event_type",
	"data.pattern", "data.pattern_type", "data.pattern_name",
	"data.indicator", "data.indicator_type", "data.indicator_name",
	"detection.pattern", "detection.pattern_type",
	"type",
}

// unix values above this are taken as milliseconds
const millisThreshold = 1e12

var criticalHealthStatuses = map[string]struct{}{
	"critical": {},
	"down":     {},
	"error":    {},
	"failed":   {},
	"failure":  {},
}

// DecoderConfig controls classification of decoded events.
type DecoderConfig struct {
	// CriticalChannels are alert or health channels whose events are always critical.
	CriticalChannels []string
	// CriticalSeverity is the lowest severity treated as critical. SeverityNone disables the check.
	CriticalSeverity Severity
	// FingerprintBucket truncates timestamps before hashing. Zero keeps full precision.
	FingerprintBucket time.Duration
}

// Decoder turns raw bus payloads into events.
type Decoder struct {
	registry  *Registry
	critical  map[string]struct{}
	threshold Severity
	bucket    time.Duration
}

// NewDecoder creates a decoder over registry.
func NewDecoder(registry *Registry, cfg DecoderConfig) *Decoder {
	critical := make(map[string]struct{}, len(cfg.CriticalChannels))
	for _, ch := range cfg.CriticalChannels {
		if ch = strings.TrimSpace(ch); ch != "" {
			critical[ch] = struct{}{}
		}
	}
	return &Decoder{
		registry:  registry,
		critical:  critical,
		threshold: cfg.CriticalSeverity,
		bucket:    cfg.FingerprintBucket,
	}
}

// Registry returns the channel registry the decoder classifies against.
func (d *Decoder) Registry() *Registry {
	return d.registry
}

// Decode parses payload received on channel. Channels missing from the
// registry decode to a KindUnknown event without error; callers drop those.
func (d *Decoder) Decode(channel string, payload []byte, receivedAt time.Time) (Event, error) {
	kind, ok := d.registry.Lookup(channel)
	if !ok {
		return Event{Kind: KindUnknown, Channel: channel, ReceivedAt: receivedAt}, nil
	}

	if !gjson.ValidBytes(payload) {
		return Event{}, fmt.Errorf("%w: invalid json on %s", ErrMalformedPayload, channel)
	}
	root := gjson.ParseBytes(payload)
	if !root.IsObject() {
		return Event{}, fmt.Errorf("%w: expected object on %s", ErrMalformedPayload, channel)
	}

	symbol := strings.TrimSpace(firstString(root, symbolPaths))
	if symbol == "" && kind.RequiresSymbol() {
		return Event{}, fmt.Errorf("%w: symbol", ErrMissingField)
	}

	tsValue, found := first(root, timestampPaths)
	if !found {
		return Event{}, fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	ts, err := parseTimestamp(tsValue)
	if err != nil {
		return Event{}, err
	}

	discriminator := firstString(root, discriminatorPaths)
	severity := firstSeverity(root, severityPaths)

	ev := Event{
		Kind:          kind,
		Channel:       channel,
		Symbol:        symbol,
		Discriminator: discriminator,
		Severity:      severity,
		Timestamp:     ts,
		ReceivedAt:    receivedAt,
		Body:          append([]byte(nil), payload...),
	}
	if d.isCritical(ev, root) {
		ev.Priority = PriorityCritical
	}

	fpDiscriminator := discriminator
	if fpDiscriminator == "" {
		fpDiscriminator = channel
	}
	ev.Fingerprint = Fingerprint(kind, symbol, fpDiscriminator, ts, d.bucket)
	return ev, nil
}

func (d *Decoder) isCritical(ev Event, root gjson.Result) bool {
	if !ev.Kind.CanBeCritical() {
		return false
	}
	if _, ok := d.critical[ev.Channel]; ok {
		return true
	}
	if d.threshold > SeverityNone && ev.Severity >= d.threshold {
		return true
	}
	if ev.Kind == KindHealth {
		status := strings.ToLower(strings.TrimSpace(firstString(root, statusPaths)))
		if _, ok := criticalHealthStatuses[status]; ok {
			return true
		}
	}
	return false
}

func first(root gjson.Result, paths []string) (gjson.Result, bool) {
	for _, path := range paths {
		if v := root.Get(path); v.Exists() && v.Type != gjson.Null {
			return v, true
		}
	}
	return gjson.Result{}, false
}

// firstSeverity returns the first value that parses as a severity, so a
// non-severity status such as "active" does not hide a later level.
func firstSeverity(root gjson.Result, paths []string) Severity {
	for _, path := range paths {
		v := root.Get(path)
		if v.Type != gjson.String && v.Type != gjson.Number {
			continue
		}
		if sev, ok := ParseSeverity(v.String()); ok {
			return sev
		}
	}
	return SeverityNone
}

func firstString(root gjson.Result, paths []string) string {
	for _, path := range paths {
		v := root.Get(path)
		switch v.Type {
		case gjson.String, gjson.Number:
			if s := strings.TrimSpace(v.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

// timestampLayouts are tried in order; a missing zone means UTC.
var timestampLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"}

// parseTimestamp accepts RFC3339 strings and unix seconds or milliseconds
// given as numbers or numeric strings.
func parseTimestamp(v gjson.Result) (time.Time, error) {
	switch v.Type {
	case gjson.Number:
		return fromUnix(v.Float())
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if s == "" {
			return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidTimestamp)
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				if ts.Before(time.Unix(0, 0)) {
					return time.Time{}, fmt.Errorf("%w: before epoch", ErrInvalidTimestamp)
				}
				return ts.UTC(), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(f)
		}
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimestamp, s)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %s", ErrInvalidTimestamp, v.Type)
	}
}

func fromUnix(f float64) (time.Time, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 {
		return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidTimestamp, f)
	}
	if f > millisThreshold {
		ms := int64(f)
		return time.UnixMilli(ms).UTC(), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
