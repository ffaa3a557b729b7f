package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/metric"
)

// Manager owns every egress queue. Queues come into being on first Enqueue or
// Process call and live until Stop.
type Manager struct {
	mu     sync.Mutex
	queues map[string]*workQueue
	logger *slog.Logger

	jobs *prometheus.CounterVec

	stopped bool
}

// NewManager creates an empty queue manager. metrics may be nil in tests.
func NewManager(metrics *metric.Registry, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		queues: make(map[string]*workQueue),
		logger: logger.With("component", "queue"),
	}
	if metrics != nil {
		m.jobs = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_jobs_total",
			Help: "Queue jobs by queue name and outcome",
		}, []string{"queue", "outcome"})
		if err := metrics.Register("queue", "jobs_total", m.jobs); err != nil {
			m.logger.Warn("metrics registration failed", "error", err)
			m.jobs = nil
		}
	}
	return m
}

func (m *Manager) queue(name string) *workQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = newWorkQueue(name, m.logger, m.jobs)
		m.queues[name] = q
	}
	return q
}

// Enqueue adds a job. A job id already known to the queue (pending, active,
// or in the finished-record window) makes the call a no-op.
func (m *Manager) Enqueue(ctx context.Context, queueName, jobID string, env *envelope.Envelope) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return errors.WrapTransient(errors.ErrBusClosed, "queue", "Enqueue", queueName)
	}
	m.mu.Unlock()
	return m.queue(queueName).enqueue(ctx, jobID, env)
}

// Process registers the single consumer for a queue and starts its worker
// pool. A second registration on the same queue warns and keeps the first.
func (m *Manager) Process(queueName string, fn Processor, opts Options) error {
	return m.queue(queueName).process(fn, opts)
}

// Stats returns a snapshot for one queue.
func (m *Manager) Stats(queueName string) Stats {
	return m.queue(queueName).stats()
}

// FailedRecords returns the dead-letter window for one queue, newest last.
func (m *Manager) FailedRecords(queueName string) []Record {
	return m.queue(queueName).failedRecords()
}

// CompletedRecords returns the completed-job window for one queue.
func (m *Manager) CompletedRecords(queueName string) []Record {
	return m.queue(queueName).completedRecords()
}

// Stop signals every worker to finish its current job and exit, then waits.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	m.stopped = true
	queues := make([]*workQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	for _, q := range queues {
		q.stop()
	}
	done := make(chan struct{})
	go func() {
		for _, q := range queues {
			q.wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "queue", "Stop", "drain workers")
	}
}
