package health

import (
	"context"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
)

// Pinger is anything with a liveness probe, such as a bus transport.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports unhealthy when Ping fails.
type PingChecker struct {
	name   string
	target Pinger
}

func NewPingChecker(name string, target Pinger) *PingChecker {
	return &PingChecker{name: name, target: target}
}

func (c *PingChecker) Name() string { return c.name }

func (c *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := c.target.Ping(ctx)
	result := CheckResult{
		Name:      c.name,
		Status:    StatusHealthy,
		Message:   "OK",
		Timestamp: time.Now(),
		Duration:  time.Since(start),
	}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = ""
		result.Error = err.Error()
	}
	return result
}

// FeedSource exposes the client-visible feed status.
type FeedSource interface {
	Status() dispatch.FeedStatus
}

// FeedChecker is degraded while the upstream feed is not connected. The
// service keeps serving sessions in that state, so it never reports unhealthy.
type FeedChecker struct {
	source FeedSource
}

func NewFeedChecker(source FeedSource) *FeedChecker {
	return &FeedChecker{source: source}
}

func (c *FeedChecker) Name() string { return "feed" }

func (c *FeedChecker) Check(context.Context) CheckResult {
	status := c.source.Status()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   string(status.Feed),
		Timestamp: time.Now(),
		Metadata: map[string]any{
			"subscriber_state":   status.State,
			"reconnect_attempts": status.Attempts,
		},
	}
	if !status.Since.IsZero() {
		result.Metadata["since"] = status.Since
	}
	if status.Feed != dispatch.FeedConnected {
		result.Status = StatusDegraded
	}
	return result
}
