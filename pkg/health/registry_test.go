package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/dispatch"
)

type staticChecker struct {
	name   string
	status Status
}

func (c staticChecker) Name() string { return c.name }

func (c staticChecker) Check(context.Context) CheckResult {
	return CheckResult{Name: c.name, Status: c.status}
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type feedFunc func() dispatch.FeedStatus

func (f feedFunc) Status() dispatch.FeedStatus { return f() }

func TestRegistry_Aggregation(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{name: "empty", want: StatusHealthy},
		{name: "all healthy", statuses: []Status{StatusHealthy, StatusHealthy}, want: StatusHealthy},
		{name: "one degraded", statuses: []Status{StatusHealthy, StatusDegraded}, want: StatusDegraded},
		{name: "unhealthy wins", statuses: []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, want: StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			for i, s := range tt.statuses {
				r.Register(staticChecker{name: string(rune('a' + i)), status: s})
			}
			got := r.Check(context.Background())
			if got.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got.Status)
			}
			if len(got.Checks) != len(tt.statuses) {
				t.Fatalf("expected %d results, got %d", len(tt.statuses), len(got.Checks))
			}
		})
	}
}

func TestRegistry_ResultsSortedByName(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker{name: "feed", status: StatusHealthy})
	r.Register(staticChecker{name: "bus", status: StatusHealthy})
	got := r.Check(context.Background())
	if got.Checks[0].Name != "bus" || got.Checks[1].Name != "feed" {
		t.Fatalf("unexpected order: %+v", got.Checks)
	}
}

func TestRegistry_TimeoutApplied(t *testing.T) {
	r := NewRegistry()
	r.SetTimeout(20 * time.Millisecond)
	r.Register(NewPingChecker("bus", pingFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	got := r.Check(context.Background())
	if got.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy after timeout, got %s", got.Status)
	}
}

func TestRegistry_CheckOne(t *testing.T) {
	r := NewRegistry()
	r.Register(staticChecker{name: "bus", status: StatusDegraded})
	res, err := r.CheckOne(context.Background(), "bus")
	if err != nil || res.Status != StatusDegraded {
		t.Fatalf("unexpected result %+v %v", res, err)
	}
	if _, err := r.CheckOne(context.Background(), "missing"); err == nil {
		t.Fatal("expected error for unknown check")
	}
}

func TestPingChecker(t *testing.T) {
	ok := NewPingChecker("bus", pingFunc(func(context.Context) error { return nil }))
	if res := ok.Check(context.Background()); res.Status != StatusHealthy {
		t.Fatalf("expected healthy, got %+v", res)
	}
	bad := NewPingChecker("bus", pingFunc(func(context.Context) error { return errors.New("connection refused") }))
	res := bad.Check(context.Background())
	if res.Status != StatusUnhealthy || res.Error != "connection refused" {
		t.Fatalf("expected unhealthy with error, got %+v", res)
	}
}

func TestFeedChecker(t *testing.T) {
	tests := []struct {
		feed dispatch.FeedState
		want Status
	}{
		{feed: dispatch.FeedConnected, want: StatusHealthy},
		{feed: dispatch.FeedReconnecting, want: StatusDegraded},
		{feed: dispatch.FeedDisconnected, want: StatusDegraded},
	}
	for _, tt := range tests {
		t.Run(string(tt.feed), func(t *testing.T) {
			c := NewFeedChecker(feedFunc(func() dispatch.FeedStatus {
				return dispatch.FeedStatus{Feed: tt.feed, State: "connected", Attempts: 2}
			}))
			res := c.Check(context.Background())
			if res.Status != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, res.Status)
			}
			if res.Metadata["reconnect_attempts"] != 2 {
				t.Fatalf("missing attempts metadata: %+v", res.Metadata)
			}
		})
	}
}
