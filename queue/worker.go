package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/tracectx"
)

// workQueue is one destination platform's FIFO queue and worker pool.
type workQueue struct {
	name   string
	logger *slog.Logger
	jobs   *prometheus.CounterVec

	pending chan *job

	mu        sync.Mutex
	known     map[string]struct{} // job ids pending, active, or recorded
	completed []Record
	failed    []Record
	processor Processor
	opts      Options
	limiter   *rate.Limiter
	started   bool
	stopping  bool

	enqueued int64
	done     int64
	dead     int64
	retried  int64

	stopCh chan struct{}
	wg     sync.WaitGroup
	timers sync.WaitGroup
}

func newWorkQueue(name string, logger *slog.Logger, jobs *prometheus.CounterVec) *workQueue {
	return &workQueue{
		name:    name,
		logger:  logger.With("queue", name),
		jobs:    jobs,
		pending: make(chan *job, pendingDepth),
		known:   make(map[string]struct{}),
		stopCh:  make(chan struct{}),
	}
}

func (q *workQueue) count(outcome string) {
	if q.jobs != nil {
		q.jobs.WithLabelValues(q.name, outcome).Inc()
	}
}

// enqueue adds a job unless its id is already known to the queue.
func (q *workQueue) enqueue(ctx context.Context, jobID string, env *envelope.Envelope) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return errors.WrapTransient(errors.ErrBusClosed, "queue", "enqueue", q.name)
	}
	if _, dup := q.known[jobID]; dup {
		q.mu.Unlock()
		q.count("deduplicated")
		return nil
	}
	q.known[jobID] = struct{}{}
	q.enqueued++
	q.mu.Unlock()

	j := &job{id: jobID, env: env}
	select {
	case q.pending <- j:
		q.count("enqueued")
		return nil
	case <-ctx.Done():
		q.forget(jobID)
		return errors.WrapTransient(ctx.Err(), "queue", "enqueue", q.name)
	}
}

func (q *workQueue) forget(jobID string) {
	q.mu.Lock()
	delete(q.known, jobID)
	q.mu.Unlock()
}

// process registers the consumer and starts workers. Registering twice keeps
// the first consumer and warns; adapters occasionally double-init on
// reconnect and that must not tear the queue down.
func (q *workQueue) process(fn Processor, opts Options) error {
	opts.normalize()

	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		q.logger.Warn("consumer already registered, keeping the first")
		return nil
	}
	q.processor = fn
	q.opts = opts
	if rl := opts.RateLimit; rl != nil && rl.Max > 0 && rl.Duration > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(float64(rl.Max)/rl.Duration.Seconds()), rl.Max)
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < opts.Concurrency; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.logger.Info("consumer registered",
		"concurrency", opts.Concurrency, "attempts", opts.Attempts)
	return nil
}

func (q *workQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case j := <-q.pending:
			q.run(j)
		}
	}
}

// run delivers one job: rate limit, correlation frame, processor, then the
// ack/retry/dead-letter decision.
func (q *workQueue) run(j *job) {
	ctx := context.Background()
	if q.limiter != nil {
		limitCtx, cancel := context.WithCancel(ctx)
		go func() {
			select {
			case <-q.stopCh:
				cancel()
			case <-limitCtx.Done():
			}
		}()
		err := q.limiter.Wait(limitCtx)
		cancel()
		if err != nil {
			// Shutdown while throttled: requeue nothing, drop with the id
			// forgotten so a restart can redeliver.
			q.forget(j.id)
			return
		}
	}

	corr := j.env.Head.CorrelationID
	if corr == "" {
		corr = j.id
	}
	ctx = tracectx.With(ctx, tracectx.Frame{
		CorrelationID: corr,
		Source:        j.env.Head.Source.ID(),
	})

	j.attempts++
	err := q.processor(ctx, j.env)
	switch {
	case err == nil:
		q.finish(j, nil)

	case errors.IsInvalid(err):
		// Schema failures never heal on retry.
		q.logger.WarnContext(ctx, "dead-lettering invalid job", "job", j.id, "error", err)
		q.finish(j, err)

	default:
		if after, limited := errors.RetryAfterHint(err); limited {
			// A throttle signal does not consume an attempt; honor the
			// recommended delay as a floor.
			j.attempts--
			delay := q.backoffFor(j.attempts + 1)
			if after > delay {
				delay = after
			}
			q.logger.DebugContext(ctx, "rate limited, rescheduling", "job", j.id, "delay", delay)
			q.requeueAfter(j, delay)
			return
		}
		if j.attempts >= q.opts.Attempts {
			q.logger.WarnContext(ctx, "dead-lettering job", "job", j.id, "attempts", j.attempts, "error", err)
			q.finish(j, err)
			return
		}
		delay := q.backoffFor(j.attempts)
		q.logger.DebugContext(ctx, "retrying job", "job", j.id, "attempt", j.attempts, "delay", delay)
		q.count("retried")
		q.mu.Lock()
		q.retried++
		q.mu.Unlock()
		q.requeueAfter(j, delay)
	}
}

// backoffFor returns the delay before attempt n+1: backoff doubled per retry.
func (q *workQueue) backoffFor(attempt int) time.Duration {
	delay := q.opts.Backoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

func (q *workQueue) requeueAfter(j *job, delay time.Duration) {
	q.timers.Add(1)
	go func() {
		defer q.timers.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
			select {
			case q.pending <- j:
			case <-q.stopCh:
				q.forget(j.id)
			}
		case <-q.stopCh:
			// Shutdown cancels waiting retries; the id is released so a
			// restart can redeliver.
			q.forget(j.id)
		}
	}()
}

// finish records a job outcome, trimming history windows.
func (q *workQueue) finish(j *job, err error) {
	rec := Record{ID: j.id, Attempts: j.attempts, FinishedAt: time.Now()}
	q.mu.Lock()
	if err == nil {
		q.done++
		q.completed = append(q.completed, rec)
		if overflow := len(q.completed) - keepCompleted; overflow > 0 {
			for _, old := range q.completed[:overflow] {
				delete(q.known, old.ID)
			}
			q.completed = q.completed[overflow:]
		}
	} else {
		rec.Error = err.Error()
		q.dead++
		q.failed = append(q.failed, rec)
		if overflow := len(q.failed) - keepFailed; overflow > 0 {
			for _, old := range q.failed[:overflow] {
				delete(q.known, old.ID)
			}
			q.failed = q.failed[overflow:]
		}
	}
	q.mu.Unlock()
	if err == nil {
		q.count("completed")
	} else {
		q.count("failed")
	}
}

func (q *workQueue) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:   len(q.pending),
		Enqueued:  q.enqueued,
		Completed: q.done,
		Failed:    q.dead,
		Retried:   q.retried,
	}
}

func (q *workQueue) failedRecords() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, len(q.failed))
	copy(out, q.failed)
	return out
}

func (q *workQueue) completedRecords() []Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Record, len(q.completed))
	copy(out, q.completed)
	return out
}

func (q *workQueue) stop() {
	q.mu.Lock()
	if !q.stopping {
		q.stopping = true
		close(q.stopCh)
	}
	q.mu.Unlock()
}

func (q *workQueue) wait() {
	q.wg.Wait()
	q.timers.Wait()
}
