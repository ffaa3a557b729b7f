// Package adapter defines the contract between the routing core and the
// platform adapters, plus the static registry adapters register themselves
// into at init, keyed by platform name.
//
// An adapter owns everything protocol-specific: decoding native events into
// envelopes, and rendering envelopes back onto the native network with
// whatever masquerade mechanism the platform offers. The core hands each
// adapter an explicitly constructed dependency context and takes over egress
// wiring: queue consumer registration, envelope validation, correlation, and
// circuit breaking.
package adapter

import (
	"context"
	"log/slog"
	"time"

	"github.com/SrDicov/Discoat/breaker"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/health"
	"github.com/SrDicov/Discoat/queue"
	"github.com/SrDicov/Discoat/storage"
	"github.com/SrDicov/Discoat/topology"
)

// Context is the immutable dependency bag handed to an adapter at Init. It is
// constructed once by the kernel per adapter; adapters must not retain
// mutable references into the core beyond these.
type Context struct {
	Name     string            // platform name, lowercased
	Config   map[string]string // adapter-specific settings
	Bus      bus.Bus
	Repo     *topology.Repository
	Queue    *queue.Manager
	Breakers *breaker.Registry
	Storage  storage.Service
	Health   *health.Monitor
	Logger   *slog.Logger
}

// Adapter is the lifecycle and delivery contract each platform implements.
type Adapter interface {
	// Name returns the lowercased platform name ("discord", "telegram", ...).
	Name() string

	// Init receives the dependency context. No I/O.
	Init(deps *Context) error

	// Start connects to the platform and begins emitting ingress envelopes.
	Start(ctx context.Context) error

	// Stop disconnects within timeout.
	Stop(timeout time.Duration) error

	// Health reports the adapter's view of its connection.
	Health() health.Status

	// ProcessEgress delivers one envelope to the native network. The context
	// carries the correlation frame and the breaker's request deadline.
	ProcessEgress(ctx context.Context, env *envelope.Envelope) error
}

// EgressTuning lets an adapter shape its queue: rate limits and concurrency
// depend on each network's tolerance.
type EgressTuning interface {
	EgressOptions() queue.Options
}

// Attach wires an adapter's egress path: a single consumer on
// queue_<name>_out that validates, announces the envelope on the platform's
// bridge.transform topic, then calls ProcessEgress inside the adapter's
// circuit breaker. The queue itself establishes the correlation frame before
// invoking the processor. b may be nil in tests.
func Attach(q *queue.Manager, breakers *breaker.Registry, b bus.Bus, a Adapter) error {
	opts := queue.Options{}
	if tuned, ok := a.(EgressTuning); ok {
		opts = tuned.EgressOptions()
	}
	br := breakers.Get(a.Name() + "_api")
	transformEvent := bus.EventBridgeTransformPrefix + a.Name()

	return q.Process(queue.Name(a.Name()), func(ctx context.Context, env *envelope.Envelope) error {
		if err := env.Validate(); err != nil {
			return err
		}
		if b != nil {
			// Fire-and-forget: transform listeners observe outbound traffic
			// per platform; delivery does not wait on them.
			_ = bus.EmitEnvelope(ctx, b, transformEvent, env)
		}
		return br.Execute(ctx, func(callCtx context.Context) error {
			return a.ProcessEgress(callCtx, env)
		}, nil)
	}, opts)
}

// Factory builds an unstarted adapter.
type Factory func() Adapter

var factories = map[string]Factory{}

// Register adds a factory under its platform name. Called from adapter
// package init functions; later registrations win so tests can stub.
func Register(platform string, f Factory) {
	factories[platform] = f
}

// Lookup returns the factory for a platform.
func Lookup(platform string) (Factory, error) {
	f, ok := factories[platform]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "adapter", "Lookup", "no adapter for platform "+platform)
	}
	return f, nil
}

// Platforms lists every registered platform name.
func Platforms() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	return out
}
