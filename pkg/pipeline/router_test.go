package pipeline

import (
	"context"
	"testing"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/buffer"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
)

type fakeOfferer struct {
	offered []event.Event
	result  buffer.OfferResult
}

func (f *fakeOfferer) Offer(_ context.Context, ev event.Event) buffer.OfferResult {
	f.offered = append(f.offered, ev)
	return f.result
}

type fakeImmediate struct {
	sent []event.Event
}

func (f *fakeImmediate) BroadcastImmediate(_ context.Context, ev event.Event) {
	f.sent = append(f.sent, ev)
}

func TestRouter_Route(t *testing.T) {
	tests := []struct {
		name          string
		ev            event.Event
		offerResult   buffer.OfferResult
		want          Route
		wantOffered   int
		wantImmediate int
	}{
		{
			name:          "critical alert bypasses buffer",
			ev:            event.Event{Kind: event.KindAlert, Priority: event.PriorityCritical},
			want:          RouteImmediate,
			wantImmediate: 1,
		},
		{
			name:        "normal pattern is buffered",
			ev:          event.Event{Kind: event.KindPattern},
			want:        RouteBuffered,
			wantOffered: 1,
		},
		{
			name:        "duplicate is reported as suppressed",
			ev:          event.Event{Kind: event.KindIndicator},
			offerResult: buffer.Suppressed,
			want:        RouteSuppressed,
			wantOffered: 1,
		},
		{
			name: "unknown kind is dropped",
			ev:   event.Event{Kind: event.KindUnknown, Priority: event.PriorityCritical},
			want: RouteDropped,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &fakeOfferer{result: tt.offerResult}
			imm := &fakeImmediate{}
			r := NewRouter(buf, imm, nil)

			if got := r.Route(context.Background(), tt.ev); got != tt.want {
				t.Fatalf("expected route %s, got %s", tt.want, got)
			}
			if len(buf.offered) != tt.wantOffered || len(imm.sent) != tt.wantImmediate {
				t.Fatalf("offered %d immediate %d", len(buf.offered), len(imm.sent))
			}
		})
	}
}
