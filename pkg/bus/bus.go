// Package bus abstracts the publish/subscribe transport the producer writes
// to. A Transport opens one Stream over the whole channel set; the stream
// reports an error once the underlying connection is gone and the caller is
// expected to open a new one.
package bus

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStreamClosed is returned by Receive after Close.
	ErrStreamClosed = errors.New("bus stream closed")
	// ErrUnsupportedTransport indicates an unknown bus type.
	ErrUnsupportedTransport = errors.New("unsupported bus transport")
)

// Message is one raw payload received on a channel.
type Message struct {
	Channel    string
	Payload    []byte
	ReceivedAt time.Time
}

// Stream delivers messages for an open subscription.
type Stream interface {
	// Receive blocks until a message arrives, ctx ends, or the connection fails.
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Transport connects to a bus.
type Transport interface {
	Name() string
	// Open connects and subscribes to every channel.
	Open(ctx context.Context, channels []string) (Stream, error)
	Ping(ctx context.Context) error
	Close() error
}

// Publisher writes payloads to a channel. Used by the publish command and tests.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Close() error
}
