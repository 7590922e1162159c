// Package event defines the typed market-data event decoded from bus payloads,
// the channel registry that classifies bus channels, and the decoder itself.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an event by the channel it arrived on.
type Kind int

const (
	KindUnknown Kind = iota
	KindPattern
	KindIndicator
	KindAlert
	KindHealth
	KindSessionLifecycle
)

var kindNames = map[Kind]string{
	KindUnknown:          "unknown",
	KindPattern:          "pattern",
	KindIndicator:        "indicator",
	KindAlert:            "alert",
	KindHealth:           "health",
	KindSessionLifecycle: "lifecycle",
}

// Kinds lists every routable kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindPattern, KindIndicator, KindAlert, KindHealth, KindSessionLifecycle}
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ParseKind accepts the canonical names plus a few producer aliases.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pattern", "patterns":
		return KindPattern, nil
	case "indicator", "indicators":
		return KindIndicator, nil
	case "alert", "alerts":
		return KindAlert, nil
	case "health", "monitoring":
		return KindHealth, nil
	case "lifecycle", "session_lifecycle", "session":
		return KindSessionLifecycle, nil
	default:
		return KindUnknown, fmt.Errorf("unknown event kind %q", s)
	}
}

// RequiresSymbol reports whether events of this kind must name an instrument.
func (k Kind) RequiresSymbol() bool {
	switch k {
	case KindPattern, KindIndicator, KindAlert:
		return true
	default:
		return false
	}
}

// CanBeCritical reports whether the kind may take the immediate path.
func (k Kind) CanBeCritical() bool {
	return k == KindAlert || k == KindHealth
}

// Priority selects between the buffered and the immediate path.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityCritical
)

func (p Priority) String() string {
	if p == PriorityCritical {
		return "critical"
	}
	return "normal"
}

// MarshalText encodes the priority by name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Severity is the producer-reported importance of an alert or health event.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "none"
	}
}

// ParseSeverity maps names and the numeric ladder 1..4 onto Severity.
func ParseSeverity(s string) (Severity, bool) {
	v := strings.ToLower(strings.TrimSpace(s))
	switch v {
	case "low", "info", "minor":
		return SeverityLow, true
	case "medium", "moderate", "warning", "warn":
		return SeverityMedium, true
	case "high", "major", "severe":
		return SeverityHigh, true
	case "critical", "urgent", "emergency":
		return SeverityCritical, true
	}
	if n, err := strconv.Atoi(v); err == nil {
		switch {
		case n <= 0:
			return SeverityNone, false
		case n >= int(SeverityCritical):
			return SeverityCritical, true
		default:
			return Severity(n), true
		}
	}
	return SeverityNone, false
}

// Event is one decoded bus message. It is immutable once decoded.
type Event struct {
	Kind          Kind
	Channel       string
	Symbol        string
	Discriminator string
	Severity      Severity
	Priority      Priority
	// Timestamp is the producer's timestamp, not the receipt time.
	Timestamp   time.Time
	ReceivedAt  time.Time
	Fingerprint uint64
	// Body is the original payload, forwarded to clients untouched.
	Body json.RawMessage
}

// IsCritical reports whether the event bypasses buffering.
func (e Event) IsCritical() bool {
	return e.Priority == PriorityCritical
}
