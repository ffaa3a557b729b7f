// Package bus provides the pub/sub primitive connecting adapters to the
// routing core. Two implementations share one contract: an in-process
// dispatcher for single-node deployments and a NATS-backed bus for
// multi-node ones.
//
// Ordering guarantee: per event, handlers observe payloads in the order Emit
// was called within a single process. There is no cross-process ordering.
package bus

import (
	"context"
	"encoding/json"

	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/tracectx"
)

// Well-known event names.
const (
	EventMessageIngress = "message.ingress"
	EventSystemReady    = "system.ready"
	EventSystemShutdown = "system.shutdown"

	// EventBridgeTransformPrefix + platform is emitted with each outbound
	// envelope just before egress to that platform. Listeners receive an
	// encoded copy; they cannot change what is delivered.
	EventBridgeTransformPrefix = "bridge.transform."
)

// DefaultMaxHandlers bounds the listener list per event. High enough to
// tolerate fan-in from many adapters, low enough to catch subscription leaks.
const DefaultMaxHandlers = 100

// Handler consumes one payload for an event. The context carries the
// originating correlation frame.
type Handler func(ctx context.Context, data []byte)

// Bus is the pub/sub contract shared by local and distributed modes.
type Bus interface {
	// Connect establishes broker connections. The local bus is a no-op.
	Connect(ctx context.Context) error

	// Emit publishes data under event. It never blocks on handler execution.
	Emit(ctx context.Context, event string, data []byte) error

	// On registers a handler and returns an unsubscribe func.
	On(event string, h Handler) (func(), error)

	// Once registers a handler that fires for a single payload.
	Once(event string, h Handler) error

	// Close tears the bus down. Pending local dispatches are drained.
	Close(ctx context.Context) error
}

// EmitEnvelope validates env, fills a missing correlation id from the context
// frame, and emits its JSON encoding under event.
func EmitEnvelope(ctx context.Context, b Bus, event string, env *envelope.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	if env.Head.CorrelationID == "" {
		env.Head.CorrelationID = tracectx.CorrelationID(ctx)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "bus", "EmitEnvelope", "encode envelope")
	}
	return b.Emit(ctx, event, data)
}

// OnEnvelope registers a handler receiving decoded envelopes. Payloads that
// fail to decode or validate are dropped; the bus never forwards unvalidated
// envelopes downstream.
func OnEnvelope(b Bus, event string, fn func(ctx context.Context, env *envelope.Envelope)) (func(), error) {
	return b.On(event, func(ctx context.Context, data []byte) {
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return
		}
		if err := env.Validate(); err != nil {
			return
		}
		ctx = tracectx.With(ctx, tracectx.Frame{
			CorrelationID: env.Head.CorrelationID,
			Source:        env.Head.Source.ID(),
		})
		fn(ctx, &env)
	})
}
