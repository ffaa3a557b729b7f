// Package dedup suppresses short-window duplicate envelopes before routing.
// Networks with flaky delivery (or users with itchy resend fingers) produce
// the same message twice within seconds; the filter fingerprints
// (text, user, channel) and remembers fingerprints for a bounded TTL.
//
// The TTL window is the only guarantee: nothing persists across restarts.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SrDicov/Discoat/envelope"
)

// DefaultTTL is the duplicate-suppression window.
const DefaultTTL = 300 * time.Second

// DefaultSweepInterval is how often the background sweep flushes expired
// fingerprints that were never touched again.
const DefaultSweepInterval = 60 * time.Second

// Stats reports filter effectiveness.
type Stats struct {
	Hits      int64 // envelopes flagged duplicate
	Misses    int64 // first sightings
	Evictions int64 // fingerprints expired
	Size      int   // live fingerprints
}

// Filter is the duplicate-suppression cache. Safe for concurrent use, though
// in practice the bus serializes ingress dispatch per event.
type Filter struct {
	mu    sync.Mutex
	seen  map[string]time.Time // fingerprint -> insert time
	ttl   time.Duration
	sweep time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	shutdown chan struct{}
	done     chan struct{}
}

// Option configures a Filter.
type Option func(*Filter)

// WithTTL overrides the suppression window.
func WithTTL(ttl time.Duration) Option {
	return func(f *Filter) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

// WithSweepInterval overrides the background flush cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(f *Filter) {
		if d > 0 {
			f.sweep = d
		}
	}
}

// NewFilter creates a filter and starts its sweep goroutine, which stops when
// ctx is cancelled or Close is called.
func NewFilter(ctx context.Context, opts ...Option) *Filter {
	f := &Filter{
		seen:     make(map[string]time.Time),
		ttl:      DefaultTTL,
		sweep:    DefaultSweepInterval,
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	go f.run(ctx)
	return f
}

// Fingerprint computes the duplicate key for an envelope.
func Fingerprint(env *envelope.Envelope) string {
	h := sha256.New()
	h.Write([]byte(env.Body.Text))
	h.Write([]byte(":"))
	h.Write([]byte(env.Head.Source.UserID))
	h.Write([]byte(":"))
	h.Write([]byte(env.Head.Source.ChannelID))
	return hex.EncodeToString(h.Sum(nil))
}

// Seen reports whether an equivalent envelope was observed within the TTL,
// recording this sighting either way. Expired entries are evicted lazily on
// access.
func (f *Filter) Seen(env *envelope.Envelope) bool {
	fp := Fingerprint(env)
	now := time.Now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if at, ok := f.seen[fp]; ok {
		if now.Sub(at) < f.ttl {
			f.hits.Add(1)
			return true
		}
		delete(f.seen, fp)
		f.evictions.Add(1)
	}
	f.seen[fp] = now
	f.misses.Add(1)
	return false
}

// Stats returns a point-in-time snapshot.
func (f *Filter) Stats() Stats {
	f.mu.Lock()
	size := len(f.seen)
	f.mu.Unlock()
	return Stats{
		Hits:      f.hits.Load(),
		Misses:    f.misses.Load(),
		Evictions: f.evictions.Load(),
		Size:      size,
	}
}

// Close stops the sweep goroutine.
func (f *Filter) Close() {
	select {
	case <-f.shutdown:
	default:
		close(f.shutdown)
	}
	<-f.done
}

func (f *Filter) run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(f.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.shutdown:
			return
		case <-ticker.C:
			f.flushExpired()
		}
	}
}

func (f *Filter) flushExpired() {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for fp, at := range f.seen {
		if now.Sub(at) >= f.ttl {
			delete(f.seen, fp)
			f.evictions.Add(1)
		}
	}
}
