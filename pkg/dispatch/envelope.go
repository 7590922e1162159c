package dispatch

import (
	"encoding/json"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/buffer"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
)

// Envelope types written to clients.
const (
	TypeBatch     = "batch"
	TypeImmediate = "immediate"
	TypeStatus    = "status"
	TypeKeepalive = "keepalive"
)

// Message is one serialized envelope queued for a session.
type Message struct {
	Type string
	Data []byte
}

// EventView is the client-facing form of an event.
type EventView struct {
	Kind      event.Kind      `json:"kind"`
	Channel   string          `json:"channel"`
	Symbol    string          `json:"symbol,omitempty"`
	Priority  event.Priority  `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
	Body      json.RawMessage `json:"body"`
}

// ViewOf converts a decoded event for delivery.
func ViewOf(ev event.Event) EventView {
	body := ev.Body
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	return EventView{
		Kind:      ev.Kind,
		Channel:   ev.Channel,
		Symbol:    ev.Symbol,
		Priority:  ev.Priority,
		Timestamp: ev.Timestamp.UTC(),
		Body:      body,
	}
}

type BatchEnvelope struct {
	Type   string             `json:"type"`
	Kind   event.Kind         `json:"kind"`
	Reason buffer.FlushReason `json:"reason"`
	Count  int                `json:"count"`
	Events []EventView        `json:"events"`
}

type ImmediateEnvelope struct {
	Type  string     `json:"type"`
	Kind  event.Kind `json:"kind"`
	Event EventView  `json:"event"`
}

// FeedState is what clients are told about the upstream feed.
type FeedState string

const (
	FeedConnected    FeedState = "connected"
	FeedReconnecting FeedState = "reconnecting"
	FeedDisconnected FeedState = "disconnected"
)

// FeedStatus describes the upstream feed for a status envelope.
type FeedStatus struct {
	Feed     FeedState
	State    string
	Since    time.Time
	Attempts int
}

type StatusEnvelope struct {
	Type     string    `json:"type"`
	Feed     FeedState `json:"feed"`
	State    string    `json:"state"`
	Since    time.Time `json:"since"`
	Attempts int       `json:"attempts"`
}

type KeepaliveEnvelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

func encodeBatch(b buffer.Batch) (Message, error) {
	views := make([]EventView, len(b.Events))
	for i, ev := range b.Events {
		views[i] = ViewOf(ev)
	}
	return encode(TypeBatch, BatchEnvelope{
		Type:   TypeBatch,
		Kind:   b.Kind,
		Reason: b.Reason,
		Count:  len(views),
		Events: views,
	})
}

func encodeImmediate(ev event.Event) (Message, error) {
	return encode(TypeImmediate, ImmediateEnvelope{
		Type:  TypeImmediate,
		Kind:  ev.Kind,
		Event: ViewOf(ev),
	})
}

func encodeStatus(s FeedStatus) (Message, error) {
	return encode(TypeStatus, StatusEnvelope{
		Type:     TypeStatus,
		Feed:     s.Feed,
		State:    s.State,
		Since:    s.Since.UTC(),
		Attempts: s.Attempts,
	})
}

func encodeKeepalive(at time.Time) (Message, error) {
	return encode(TypeKeepalive, KeepaliveEnvelope{Type: TypeKeepalive, Timestamp: at.UTC()})
}

func encode(typ string, v any) (Message, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Data: data}, nil
}
