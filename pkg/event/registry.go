package event

import (
	"sort"
	"strings"
)

// Registry maps bus channel names to event kinds. It is immutable after
// construction and safe for concurrent readers.
type Registry struct {
	kinds    map[string]Kind
	channels []string
}

// DefaultChannels returns the TickStock producer channel set.
func DefaultChannels() map[string]Kind {
	return map[string]Kind{
		"tickstock:streaming:session_started": KindSessionLifecycle,
		"tickstock:streaming:session_stopped": KindSessionLifecycle,
		"tickstock:processing:status":         KindSessionLifecycle,

		"tickstock.events.patterns":    KindPattern,
		"tickstock:patterns:streaming": KindPattern,
		"tickstock:patterns:detected":  KindPattern,

		"tickstock.events.indicators":     KindIndicator,
		"tickstock:indicators:streaming":  KindIndicator,
		"tickstock:indicators:calculated": KindIndicator,

		"tickstock:alerts:critical_patterns": KindAlert,
		"tickstock:alerts:indicators":        KindAlert,
		"tickstock:alerts:price":             KindAlert,
		"tickstock.events.alerts":            KindAlert,

		"tickstock:streaming:health": KindHealth,
		"tickstock.health.status":    KindHealth,
		"tickstock:monitoring":       KindHealth,
		"tickstock:errors":           KindHealth,
	}
}

// DefaultRegistry returns a registry over DefaultChannels.
func DefaultRegistry() *Registry {
	return NewRegistry(DefaultChannels())
}

// NewRegistry builds a registry. Blank names and KindUnknown entries are skipped.
func NewRegistry(channels map[string]Kind) *Registry {
	r := &Registry{kinds: make(map[string]Kind, len(channels))}
	for name, kind := range channels {
		name = strings.TrimSpace(name)
		if name == "" || kind == KindUnknown {
			continue
		}
		r.kinds[name] = kind
	}
	r.channels = make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		r.channels = append(r.channels, name)
	}
	sort.Strings(r.channels)
	return r
}

// Lookup returns the kind registered for channel.
func (r *Registry) Lookup(channel string) (Kind, bool) {
	kind, ok := r.kinds[channel]
	return kind, ok
}

// Channels returns the sorted channel names. The slice is a copy.
func (r *Registry) Channels() []string {
	out := make([]string, len(r.channels))
	copy(out, r.channels)
	return out
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	return len(r.kinds)
}

// WithOverrides returns a new registry with overrides merged over r.
// Mapping a channel to KindUnknown removes it.
func (r *Registry) WithOverrides(overrides map[string]Kind) *Registry {
	merged := make(map[string]Kind, len(r.kinds)+len(overrides))
	for name, kind := range r.kinds {
		merged[name] = kind
	}
	for name, kind := range overrides {
		name = strings.TrimSpace(name)
		if kind == KindUnknown {
			delete(merged, name)
			continue
		}
		merged[name] = kind
	}
	return NewRegistry(merged)
}
