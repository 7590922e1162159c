// Package logger defines the structured logging contract used by every
// pipeline component and its zap-backed implementation.
package logger

import (
	"context"
)

// Logger is the structured logger passed into components.
// All log methods accept a message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the given key-value pairs to all entries.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the session id stored in ctx, if any.
	WithContext(ctx context.Context) Logger
}

type contextKey struct{}

var sessionIDKey = contextKey{}

// ContextWithSessionID stores a client session id for later log correlation.
func ContextWithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext returns the session id stored by ContextWithSessionID.
func SessionIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(sessionIDKey).(string); ok {
		return id
	}
	return ""
}
