// ============================================================================
// mpdcore Event Dispatcher - delivers change masks to registered handlers
// ============================================================================
//
// Package: internal/event
// File: dispatcher.go
//
// Responsibilities:
//   1. keep the handler registry (register / unregister from any goroutine)
//   2. coalesce a batch of raw masks into one notification
//   3. invoke handlers in registration order, on the dispatch goroutine only
//   4. guard against re-entrant dispatch: a handler that triggers another
//      dispatch has it queued and delivered after the current round
//
// Threading:
//   Dispatch and DispatchBatch must be called from the loop goroutine.
//   Handlers run synchronously there and must not block indefinitely.
//
// ============================================================================

package event

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ChuLiYu/mpdcore/pkg/types"
)

// HandlerFunc receives events. ctx carries the dispatch marker, so a
// handler that calls back into the connector is recognized as nested.
type HandlerFunc func(ctx context.Context, ev types.Event)

// Recorder receives dispatch metrics. metrics.Collector implements it.
type Recorder interface {
	RecordEventDispatched(mask types.Mask)
	RecordEventsCoalesced(n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordEventDispatched(types.Mask) {}
func (nopRecorder) RecordEventsCoalesced(int)        {}

type handler struct {
	id     int
	filter types.Mask
	fn     HandlerFunc
}

// Dispatcher fans events out to handlers.
type Dispatcher struct {
	mu       sync.Mutex
	handlers []handler
	nextID   int

	// owned by the dispatch goroutine
	dispatching bool
	deferred    []types.Event

	metrics Recorder
	log     *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) {
		if r != nil {
			d.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.log = l
		}
	}
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		nextID:  1,
		metrics: nopRecorder{},
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Register adds fn for events sharing at least one bit with filter and
// returns an id for Unregister. A zero filter matches every event.
func (d *Dispatcher) Register(filter types.Mask, fn HandlerFunc) int {
	if fn == nil {
		d.log.Debug("ignoring nil event handler")
		return 0
	}
	if filter == types.None {
		filter = types.All
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	d.handlers = append(d.handlers, handler{id: id, filter: filter, fn: fn})
	return id
}

// Unregister removes a handler. Unknown ids are ignored.
func (d *Dispatcher) Unregister(id int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, h := range d.handlers {
		if h.id == id {
			d.handlers = append(d.handlers[:i:i], d.handlers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers)
}

// Dispatch delivers ev. Called from inside a handler, the event is queued
// and delivered once the current round completes.
func (d *Dispatcher) Dispatch(ctx context.Context, ev types.Event) {
	if ev.Mask == types.None {
		return
	}
	if d.dispatching {
		d.deferred = append(d.deferred, ev)
		return
	}

	d.dispatching = true
	defer func() { d.dispatching = false }()

	ctx = withDispatch(ctx)
	d.deliver(ctx, ev)
	for len(d.deferred) > 0 {
		next := d.deferred[0]
		d.deferred = d.deferred[1:]
		d.deliver(ctx, next)
	}
	d.deferred = nil
}

// DispatchBatch coalesces events received close together into one
// dispatch: identical back-to-back masks are dropped and the rest are
// unioned. The first error in the batch is kept.
func (d *Dispatcher) DispatchBatch(ctx context.Context, evs []types.Event) {
	merged, dropped := Coalesce(evs)
	if dropped > 0 {
		d.metrics.RecordEventsCoalesced(dropped)
	}
	d.Dispatch(ctx, merged)
}

// Coalesce merges evs and reports how many raw events were folded away.
func Coalesce(evs []types.Event) (types.Event, int) {
	var out types.Event
	var prev types.Mask
	kept := 0
	for i, ev := range evs {
		if ev.Mask == types.None {
			continue
		}
		if i > 0 && ev.Mask == prev && ev.Err == nil {
			continue
		}
		prev = ev.Mask
		kept++
		out.Mask |= ev.Mask
		if out.Err == nil {
			out.Err = ev.Err
		}
	}
	if kept == 0 {
		return out, 0
	}
	return out, len(evs) - 1
}

func (d *Dispatcher) deliver(ctx context.Context, ev types.Event) {
	d.mu.Lock()
	hs := append([]handler(nil), d.handlers...)
	d.mu.Unlock()

	d.metrics.RecordEventDispatched(ev.Mask)
	d.log.Debug("dispatching event", "mask", ev.Mask.String(), "handlers", len(hs))
	for _, h := range hs {
		if !h.filter.Has(ev.Mask) {
			continue
		}
		d.invoke(ctx, h, types.Event{Mask: ev.Mask & h.filter, Err: ev.Err})
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h handler, ev types.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event handler panicked", "handler", h.id, "mask", ev.Mask.String(), "panic", r)
		}
	}()
	h.fn(ctx, ev)
}
