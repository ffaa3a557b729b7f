package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/SrDicov/Discoat/errors"
)

// localBus is the in-process bus. Each event owns a serial dispatch loop so
// handlers observe payloads in emit order without Emit ever running handlers
// synchronously (no deep recursion when a handler emits again).
// The RWMutex discipline follows the closed-channel guard pattern: Emit holds
// the read lock across its channel send, Close takes the write lock before
// closing, so a send can never hit a closed channel.
type localBus struct {
	mu         sync.RWMutex
	events     map[string]*eventQueue
	maxHandler int
	logger     *slog.Logger
	closed     bool
	wg         sync.WaitGroup
}

type subscriber struct {
	id   int
	h    Handler
	once bool
}

type eventQueue struct {
	name string
	ch   chan dispatch
	subs []subscriber
	next int
	mu   sync.Mutex
}

type dispatch struct {
	ctx  context.Context
	data []byte
}

// localQueueDepth bounds in-flight payloads per event before Emit applies
// backpressure.
const localQueueDepth = 256

// Option configures a bus implementation.
type Option func(*options)

type options struct {
	maxHandlers int
	logger      *slog.Logger
}

// WithMaxHandlers overrides the per-event listener limit.
func WithMaxHandlers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxHandlers = n
		}
	}
}

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func applyOptions(opts []Option) options {
	o := options{maxHandlers: DefaultMaxHandlers, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewLocal creates the in-process bus.
func NewLocal(opts ...Option) Bus {
	o := applyOptions(opts)
	return &localBus{
		events:     make(map[string]*eventQueue),
		maxHandler: o.maxHandlers,
		logger:     o.logger.With("component", "bus"),
	}
}

// Connect is a no-op for the local bus.
func (b *localBus) Connect(context.Context) error { return nil }

func (b *localBus) queue(event string) *eventQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.events[event]
	if !ok {
		q = &eventQueue{name: event, ch: make(chan dispatch, localQueueDepth)}
		b.events[event] = q
		if !b.closed {
			b.wg.Add(1)
			go b.run(q)
		}
	}
	return q
}

// run is the per-event dispatch loop: one goroutine per event keeps per-event
// ordering while isolating events from one another.
func (b *localBus) run(q *eventQueue) {
	defer b.wg.Done()
	for d := range q.ch {
		for _, sub := range q.snapshot() {
			func() {
				defer func() {
					if r := recover(); r != nil {
						b.logger.Error("handler panic", "event", q.name, "panic", r)
					}
				}()
				sub.h(d.ctx, d.data)
			}()
			if sub.once {
				q.remove(sub.id)
			}
		}
	}
}

func (q *eventQueue) snapshot() []subscriber {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]subscriber, len(q.subs))
	copy(out, q.subs)
	return out
}

func (q *eventQueue) add(h Handler, once bool, limit int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.subs) >= limit {
		return 0, errors.WrapInvalid(errors.ErrTooManyHandlers, "bus", "On", q.name)
	}
	q.next++
	id := q.next
	q.subs = append(q.subs, subscriber{id: id, h: h, once: once})
	return id, nil
}

func (q *eventQueue) remove(id int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, s := range q.subs {
		if s.id == id {
			q.subs = append(q.subs[:i], q.subs[i+1:]...)
			return
		}
	}
}

// Emit enqueues data for asynchronous dispatch to the event's handlers.
func (b *localBus) Emit(ctx context.Context, event string, data []byte) error {
	q := b.queue(event)

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.WrapTransient(errors.ErrBusClosed, "bus", "Emit", event)
	}
	select {
	case q.ch <- dispatch{ctx: ctx, data: data}:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "bus", "Emit", event)
	}
}

// On registers a handler for event.
func (b *localBus) On(event string, h Handler) (func(), error) {
	q := b.queue(event)
	id, err := q.add(h, false, b.maxHandler)
	if err != nil {
		return nil, err
	}
	return func() { q.remove(id) }, nil
}

// Once registers a single-shot handler for event.
func (b *localBus) Once(event string, h Handler) error {
	q := b.queue(event)
	_, err := q.add(h, true, b.maxHandler)
	return err
}

// Close stops dispatch loops after draining queued payloads.
func (b *localBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, q := range b.events {
		close(q.ch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "bus", "Close", "drain")
	}
}
