// Package metric manages Prometheus metrics for the bridge daemon and serves
// them next to the health endpoint.
package metric

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/SrDicov/Discoat/errors"
)

// Registry manages registration and lifecycle of subsystem metrics on a
// private Prometheus registry. Subsystems register under
// "<subsystem>.<metric>" keys so restarts of a subsystem can re-register
// cleanly.
type Registry struct {
	prom       *prometheus.Registry
	registered map[string]prometheus.Collector
	mu         sync.Mutex
}

// NewRegistry creates a registry preloaded with Go runtime and process
// collectors.
func NewRegistry() *Registry {
	prom := prometheus.NewRegistry()
	prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{
		prom:       prom,
		registered: make(map[string]prometheus.Collector),
	}
}

// Prometheus returns the underlying Prometheus registry for the HTTP handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Register adds a collector under subsystem/name. Re-registering the same key
// replaces the previous collector.
func (r *Registry) Register(subsystem, name string, c prometheus.Collector) error {
	key := fmt.Sprintf("%s.%s", subsystem, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.registered[key]; ok {
		r.prom.Unregister(prev)
	}
	if err := r.prom.Register(c); err != nil {
		return errors.WrapInvalid(err, "metric", "Register", key)
	}
	r.registered[key] = c
	return nil
}

// MustRegister is Register for boot-time metrics whose registration cannot
// reasonably fail twice.
func (r *Registry) MustRegister(subsystem, name string, c prometheus.Collector) {
	if err := r.Register(subsystem, name, c); err != nil {
		panic(err)
	}
}

// Unregister removes a collector. Returns false if it was never registered.
func (r *Registry) Unregister(subsystem, name string) bool {
	key := fmt.Sprintf("%s.%s", subsystem, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.registered[key]
	if !ok {
		return false
	}
	delete(r.registered, key)
	return r.prom.Unregister(c)
}
