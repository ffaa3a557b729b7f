package breaker

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SrDicov/Discoat/metric"
)

// Registry hands out one breaker per logical external service and exposes
// their counters to Prometheus.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	overrides map[string]Config
	defaults  Config
	logger    *slog.Logger

	calls *prometheus.CounterVec
	state *prometheus.GaugeVec
}

// NewRegistry creates a registry. metrics may be nil in tests.
func NewRegistry(defaults Config, metrics *metric.Registry, logger *slog.Logger) *Registry {
	defaults.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		breakers:  make(map[string]*Breaker),
		overrides: make(map[string]Config),
		defaults:  defaults,
		logger:    logger.With("component", "breaker"),
	}
	if metrics != nil {
		r.calls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_calls_total",
			Help: "Breaker-wrapped calls by service and outcome",
		}, []string{"service", "outcome"})
		r.state = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Breaker state per service (0 closed, 1 open, 2 half-open)",
		}, []string{"service"})
		if err := metrics.Register("breaker", "calls_total", r.calls); err != nil {
			r.logger.Warn("metrics registration failed", "error", err)
			r.calls = nil
		}
		if err := metrics.Register("breaker", "state", r.state); err != nil {
			r.logger.Warn("metrics registration failed", "error", err)
			r.state = nil
		}
	}
	return r
}

// Configure sets a per-service config override, applied on first Get.
func (r *Registry) Configure(service string, cfg Config) {
	cfg.normalize()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[service] = cfg
}

// Get returns the breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[service]; ok {
		return b
	}
	cfg := r.defaults
	if o, ok := r.overrides[service]; ok {
		cfg = o
	}
	b := New(service, cfg)
	if r.calls != nil {
		b.observe = func(outcome string, state State) {
			r.calls.WithLabelValues(service, outcome).Inc()
			r.state.WithLabelValues(service).Set(float64(state))
		}
	}
	r.breakers[service] = b
	return b
}

// Snapshot returns every breaker's metrics keyed by service name.
func (r *Registry) Snapshot() map[string]Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Metrics, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
