package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/SrDicov/Discoat/errors"
)

// natsBus is the distributed bus. Events map to NATS subjects. Two physically
// separate connections are held: one publishes, one subscribes, so a slow
// consumer never stalls egress publishing.
//
// Incoming subjects are re-emitted onto an embedded local dispatcher, which
// keeps the per-event ordering and listener-limit semantics identical across
// both modes.
type natsBus struct {
	url    string
	name   string
	logger *slog.Logger

	inner *localBus

	mu      sync.Mutex
	pub     *nats.Conn
	sub     *nats.Conn
	subs    map[string]*nats.Subscription
	started bool
}

// natsOptions mirror the reconnect discipline used across the corpus: bounded
// reconnects with flat wait and connection callbacks for observability.
const (
	natsMaxReconnects = 60
	natsReconnectWait = 2 * time.Second
	natsConnectWait   = 5 * time.Second
)

// NewNATS creates the distributed bus against url. Connections are not
// established until Connect.
func NewNATS(url, nodeID string, opts ...Option) Bus {
	o := applyOptions(opts)
	return &natsBus{
		url:    url,
		name:   "discoat-" + nodeID,
		logger: o.logger.With("component", "bus", "mode", "nats"),
		inner: &localBus{
			events:     make(map[string]*eventQueue),
			maxHandler: o.maxHandlers,
			logger:     o.logger.With("component", "bus"),
		},
		subs: make(map[string]*nats.Subscription),
	}
}

func (b *natsBus) connectionOptions(role string) []nats.Option {
	return []nats.Option{
		nats.Name(b.name + "-" + role),
		nats.MaxReconnects(natsMaxReconnects),
		nats.ReconnectWait(natsReconnectWait),
		nats.Timeout(natsConnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("broker disconnected", "role", role, "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("broker reconnected", "role", role, "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			b.logger.Warn("broker connection closed", "role", role)
		}),
	}
}

// Connect dials the publisher and subscriber connections.
func (b *natsBus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return nil
	}

	pub, err := nats.Connect(b.url, b.connectionOptions("pub")...)
	if err != nil {
		return errors.WrapTransient(err, "bus", "Connect", "dial publisher")
	}
	sub, err := nats.Connect(b.url, b.connectionOptions("sub")...)
	if err != nil {
		pub.Close()
		return errors.WrapTransient(err, "bus", "Connect", "dial subscriber")
	}
	b.pub, b.sub = pub, sub
	b.started = true

	// Events subscribed before Connect get their broker subscriptions now.
	for event := range b.inner.events {
		if err := b.subscribeLocked(event); err != nil {
			b.logger.Error("late subscription failed", "event", event, "error", err)
		}
	}
	b.logger.Info("connected to broker", "url", b.url)
	return nil
}

// subscribeLocked registers the NATS subscription feeding the local
// dispatcher for one event. Caller holds b.mu.
func (b *natsBus) subscribeLocked(event string) error {
	if _, ok := b.subs[event]; ok || b.sub == nil {
		return nil
	}
	sub, err := b.sub.Subscribe(event, func(msg *nats.Msg) {
		if err := b.inner.Emit(context.Background(), event, msg.Data); err != nil {
			b.logger.Warn("dropping broker payload", "event", event, "error", err)
		}
	})
	if err != nil {
		return errors.WrapTransient(err, "bus", "subscribe", event)
	}
	b.subs[event] = sub
	return nil
}

// Emit publishes data to the broker; delivery back to local handlers happens
// through the subscriber connection like for any other node.
func (b *natsBus) Emit(_ context.Context, event string, data []byte) error {
	b.mu.Lock()
	pub := b.pub
	b.mu.Unlock()
	if pub == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "bus", "Emit", event)
	}
	if err := pub.Publish(event, data); err != nil {
		return errors.WrapTransient(err, "bus", "Emit", event)
	}
	return nil
}

// On registers a handler and ensures a broker subscription exists for event.
func (b *natsBus) On(event string, h Handler) (func(), error) {
	off, err := b.inner.On(event, h)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	err = b.subscribeLocked(event)
	b.mu.Unlock()
	if err != nil {
		off()
		return nil, err
	}
	return off, nil
}

// Once registers a single-shot handler.
func (b *natsBus) Once(event string, h Handler) error {
	if err := b.inner.Once(event, h); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subscribeLocked(event)
}

// Close drains subscriptions, closes both connections, then stops the local
// dispatcher.
func (b *natsBus) Close(ctx context.Context) error {
	b.mu.Lock()
	for event, sub := range b.subs {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Warn("unsubscribe failed", "event", event, "error", err)
		}
	}
	b.subs = make(map[string]*nats.Subscription)
	if b.sub != nil {
		b.sub.Close()
		b.sub = nil
	}
	if b.pub != nil {
		if err := b.pub.Drain(); err != nil {
			b.logger.Warn("publisher drain failed", "error", err)
		}
		b.pub = nil
	}
	b.started = false
	b.mu.Unlock()

	return b.inner.Close(ctx)
}
