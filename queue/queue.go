// Package queue implements the per-destination egress work queues: FIFO
// delivery with a bounded worker pool, token-bucket rate limiting, retries
// with exponential backoff, and dead-lettering of exhausted jobs.
//
// One queue exists per destination platform, named "queue_<platform>_out".
// Queues progress independently: a stalled platform never blocks another.
package queue

import (
	"context"
	"time"

	"github.com/SrDicov/Discoat/envelope"
)

// Name returns the canonical queue name for a destination platform.
func Name(platform string) string {
	return "queue_" + platform + "_out"
}

// Processor consumes one envelope from a queue. Returning nil acknowledges
// the job; a RateLimitError reschedules it; an invalid-classified error
// dead-letters it without retry; anything else retries with backoff.
type Processor func(ctx context.Context, env *envelope.Envelope) error

// RateLimit is the token bucket for one queue: at most Max jobs per Duration.
type RateLimit struct {
	Max      int
	Duration time.Duration
}

// Options parameterizes one queue's consumer.
type Options struct {
	Concurrency int           // worker pool size, default 5
	Attempts    int           // delivery attempts per job, default 3
	Backoff     time.Duration // initial retry delay, doubled per retry, default 1s
	RateLimit   *RateLimit    // optional token bucket
}

func (o *Options) normalize() {
	if o.Concurrency <= 0 {
		o.Concurrency = 5
	}
	if o.Attempts <= 0 {
		o.Attempts = 3
	}
	if o.Backoff <= 0 {
		o.Backoff = time.Second
	}
}

// Retention limits for finished-job records.
const (
	keepCompleted = 100
	keepFailed    = 500
)

// pendingDepth bounds buffered jobs per queue; when the buffer is full,
// Enqueue blocks until a slot frees or its context ends.
const pendingDepth = 1024

// Record is the trace kept for a finished job.
type Record struct {
	ID         string
	Attempts   int
	Error      string
	FinishedAt time.Time
}

type job struct {
	id       string
	env      *envelope.Envelope
	attempts int
}

// Stats is a point-in-time view of one queue.
type Stats struct {
	Pending   int
	Enqueued  int64
	Completed int64
	Failed    int64
	Retried   int64
}
