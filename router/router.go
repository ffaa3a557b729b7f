// Package router is the heart of the bridge: it resolves which bridge a
// message's source channel belongs to and fans the message out to every other
// channel in that bridge.
//
// Loop safety rests on two guards applied per target:
//   - split horizon: never send back out the channel a message came in on
//   - trace path: never enqueue toward a channel the envelope has already
//     visited, which breaks cycles between overlapping bridges
//
// The router never crashes on bad topology: repository errors drop the
// envelope with a log line, and a target that fails to enqueue does not abort
// the fan-out for its peers.
package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/metric"
	"github.com/SrDicov/Discoat/queue"
	"github.com/SrDicov/Discoat/topology"
)

// Topology is the repository slice the router depends on.
type Topology interface {
	GetChannelLink(ctx context.Context, platform, nativeID string) (*topology.Link, error)
	GetBridgeTopology(ctx context.Context, bridgeID string) ([]topology.Channel, error)
}

// Enqueuer is the queue-manager slice the router depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName, jobID string, env *envelope.Envelope) error
}

// Duplicates flags envelopes already seen within the dedup window.
type Duplicates interface {
	Seen(env *envelope.Envelope) bool
}

// Router subscribes to message.ingress and performs the fan-out.
type Router struct {
	repo   Topology
	queues Enqueuer
	dedup  Duplicates
	logger *slog.Logger

	routed  prometheus.Counter
	dropped *prometheus.CounterVec

	unsubscribe func()
}

// New creates a router. metrics may be nil in tests.
func New(repo Topology, queues Enqueuer, dedup Duplicates, metrics *metric.Registry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		repo:   repo,
		queues: queues,
		dedup:  dedup,
		logger: logger.With("component", "router"),
	}
	if metrics != nil {
		r.routed = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_routed_total",
			Help: "Envelopes fanned out to at least one destination",
		})
		r.dropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_dropped_total",
			Help: "Envelopes dropped before fan-out, by reason",
		}, []string{"reason"})
		if err := metrics.Register("router", "routed_total", r.routed); err != nil {
			r.logger.Warn("metrics registration failed", "error", err)
			r.routed = nil
		}
		if err := metrics.Register("router", "dropped_total", r.dropped); err != nil {
			r.logger.Warn("metrics registration failed", "error", err)
			r.dropped = nil
		}
	}
	return r
}

// Start subscribes the router to message.ingress on b.
func (r *Router) Start(b bus.Bus) error {
	off, err := bus.OnEnvelope(b, bus.EventMessageIngress, r.HandleIngress)
	if err != nil {
		return err
	}
	r.unsubscribe = off
	return nil
}

// Stop detaches the router from the bus.
func (r *Router) Stop() {
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *Router) drop(reason string) {
	if r.dropped != nil {
		r.dropped.WithLabelValues(reason).Inc()
	}
}

// HandleIngress routes one envelope. Exported for direct use in tests and by
// the local delivery path.
func (r *Router) HandleIngress(ctx context.Context, env *envelope.Envelope) {
	if err := env.Validate(); err != nil {
		r.logger.WarnContext(ctx, "dropping invalid envelope", "error", err)
		r.drop("invalid")
		return
	}
	if r.dedup != nil && r.dedup.Seen(env) {
		r.logger.DebugContext(ctx, "dropping duplicate envelope", "envelope", env.Head.ID)
		r.drop("duplicate")
		return
	}

	src := env.Head.Source
	link, err := r.repo.GetChannelLink(ctx, src.Platform, src.ChannelID)
	if err != nil {
		r.logger.ErrorContext(ctx, "dropping envelope, link lookup failed", "error", err)
		r.drop("repository")
		return
	}
	if link == nil {
		// Channel not part of any bridge. Common and uninteresting.
		r.drop("unbridged")
		return
	}
	if link.Status != topology.StatusOn {
		r.logger.DebugContext(ctx, "dropping envelope, bridge not on",
			"bridge", link.BridgeID, "status", link.Status)
		r.drop("bridge_" + string(link.Status))
		return
	}

	targets, err := r.repo.GetBridgeTopology(ctx, link.BridgeID)
	if err != nil {
		r.logger.ErrorContext(ctx, "dropping envelope, topology lookup failed",
			"bridge", link.BridgeID, "error", err)
		r.drop("repository")
		return
	}

	sourceID := src.ID()
	if len(env.Head.TracePath) == 0 {
		env.Head.TracePath = []string{sourceID}
	} else if !env.Traced(sourceID) {
		env.Head.TracePath = append(env.Head.TracePath, sourceID)
	}

	enqueued := 0
	for _, t := range targets {
		dest := envelope.Dest{Platform: t.Platform, ChannelID: t.NativeID}
		targetID := dest.ID()
		if targetID == sourceID {
			continue // split horizon
		}
		if env.Traced(targetID) {
			r.logger.DebugContext(ctx, "skipping looped target", "target", targetID)
			continue
		}

		clone := env.CloneFor(dest)
		jobID := fmt.Sprintf("%s-%s-%s", env.Head.ID, t.Platform, t.NativeID)
		if err := r.queues.Enqueue(ctx, queue.Name(t.Platform), jobID, clone); err != nil {
			r.logger.ErrorContext(ctx, "enqueue failed", "target", targetID, "error", err)
			continue
		}
		enqueued++
	}

	if enqueued > 0 {
		if r.routed != nil {
			r.routed.Inc()
		}
		r.logger.DebugContext(ctx, "routed envelope",
			"envelope", env.Head.ID, "bridge", link.BridgeID, "destinations", enqueued)
	}
}
