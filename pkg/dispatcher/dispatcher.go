// Package dispatcher implements the asynchronous event bus that drives every
// state machine in the node. A single drain goroutine delivers events in
// global FIFO order, which subsumes the per-entity ordering the state
// machines rely on. Posting never blocks on handler work.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"

	"github.com/cloudfab/nodeagent/pkg/events"
	"github.com/cloudfab/nodeagent/pkg/observability"
)

// Handler consumes events of one kind. Handlers run on the dispatcher
// goroutine and must not block on I/O; slow work belongs on a worker pool
// that reports back with another event.
type Handler interface {
	Handle(ev events.Event)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev events.Event)

// Handle calls f(ev).
func (f HandlerFunc) Handle(ev events.Event) { f(ev) }

// Dispatcher routes events to the handler registered for their kind. The
// internal queue is unbounded so that handlers can post follow-up events
// without risking deadlock against their own delivery.
type Dispatcher struct {
	logger *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []events.Event
	handlers map[events.Kind]Handler
	started  bool
	stopping bool

	done chan struct{}
}

// New creates a dispatcher. Register handlers before Start.
func New(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		logger:   logger,
		handlers: make(map[events.Kind]Handler),
		done:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Register binds a handler to an event kind. The last registration for a
// kind wins. Register must not be called after Start.
func (d *Dispatcher) Register(kind events.Kind, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		panic(fmt.Sprintf("dispatcher: Register(%s) after Start", kind))
	}
	d.handlers[kind] = handler
}

// Dispatch enqueues an event for asynchronous delivery. It never blocks on
// handler work. Events posted after Stop are dropped with a log line.
func (d *Dispatcher) Dispatch(ev events.Event) {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		observability.EventsDroppedTotal.WithLabelValues("stopped").Inc()
		d.logger.Warn("Dropping event posted after stop",
			zap.String("kind", string(ev.Kind())),
			zap.String("entity", ev.EntityID()),
		)
		return
	}
	d.queue = append(d.queue, ev)
	observability.EventQueueDepth.Set(float64(len(d.queue)))
	d.cond.Signal()
	d.mu.Unlock()
}

// Start launches the drain goroutine.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	go d.drain()
}

// Stop drains the queued events and stops the dispatcher. The context bounds
// how long Stop waits for the drain to finish.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.stopping = true
	d.cond.Signal()
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop dispatcher: %w", ctx.Err())
	}
}

// Healthy reports whether the dispatcher is draining events. Used by the
// readiness probe.
func (d *Dispatcher) Healthy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.started {
		return fmt.Errorf("dispatcher not started")
	}
	if d.stopping {
		return fmt.Errorf("dispatcher stopping")
	}
	return nil
}

// QueueDepth returns the number of events awaiting delivery.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for {
		d.mu.Lock()
		for len(d.queue) == 0 && !d.stopping {
			d.cond.Wait()
		}
		if len(d.queue) == 0 && d.stopping {
			d.mu.Unlock()
			return
		}
		ev := d.queue[0]
		d.queue = d.queue[1:]
		observability.EventQueueDepth.Set(float64(len(d.queue)))
		handler := d.handlers[ev.Kind()]
		d.mu.Unlock()

		if handler == nil {
			observability.EventsDroppedTotal.WithLabelValues("no_handler").Inc()
			d.logger.Error("No handler registered for event kind",
				zap.String("kind", string(ev.Kind())),
				zap.String("entity", ev.EntityID()),
			)
			continue
		}
		d.deliver(handler, ev)
	}
}

// deliver runs one handler invocation, recovering panics so a faulty
// transition cannot take down the bus.
func (d *Dispatcher) deliver(handler Handler, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			observability.EventHandlerPanicsTotal.Inc()
			d.logger.Error("Event handler panicked",
				zap.String("kind", string(ev.Kind())),
				zap.String("entity", ev.EntityID()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	handler.Handle(ev)
	observability.EventsDispatchedTotal.WithLabelValues(string(ev.Kind())).Inc()
}
