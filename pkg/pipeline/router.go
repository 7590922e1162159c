package pipeline

import (
	"context"

	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/buffer"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/event"
	"github.com/mcfalli/TickSTockAppV2-sub007/pkg/observability/metrics"
)

// Route is where the router sent an event.
type Route int

const (
	RouteDropped Route = iota
	RouteImmediate
	RouteBuffered
	RouteSuppressed
)

func (r Route) String() string {
	switch r {
	case RouteImmediate:
		return "immediate"
	case RouteBuffered:
		return "buffered"
	case RouteSuppressed:
		return "suppressed"
	default:
		return "dropped"
	}
}

// ImmediateSink receives critical events without batching.
type ImmediateSink interface {
	BroadcastImmediate(ctx context.Context, ev event.Event)
}

// Offerer admits events into the buffer.
type Offerer interface {
	Offer(ctx context.Context, ev event.Event) buffer.OfferResult
}

// Router sends critical events straight to the dispatcher and everything
// else through buffer admission. Unknown kinds are dropped.
type Router struct {
	buffer    Offerer
	immediate ImmediateSink
	metrics   *metrics.Pipeline
}

func NewRouter(buf Offerer, immediate ImmediateSink, m *metrics.Pipeline) *Router {
	return &Router{buffer: buf, immediate: immediate, metrics: m}
}

func (r *Router) Route(ctx context.Context, ev event.Event) Route {
	route := r.route(ctx, ev)
	r.metrics.EventRouted(ev.Kind.String(), route.String())
	return route
}

func (r *Router) route(ctx context.Context, ev event.Event) Route {
	if ev.Kind == event.KindUnknown {
		return RouteDropped
	}
	if ev.IsCritical() {
		r.immediate.BroadcastImmediate(ctx, ev)
		return RouteImmediate
	}
	if r.buffer.Offer(ctx, ev) == buffer.Suppressed {
		return RouteSuppressed
	}
	return RouteBuffered
}
