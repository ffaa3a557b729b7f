package adapter

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SrDicov/Discoat/breaker"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/health"
	"github.com/SrDicov/Discoat/queue"
	"github.com/SrDicov/Discoat/tracectx"
)

// NewTestQueueManager builds a queue manager that stops with the test.
func NewTestQueueManager(t *testing.T) *queue.Manager {
	t.Helper()
	m := queue.NewManager(nil, nil)
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m
}

// fakeAdapter is a minimal adapter for wiring tests.
type fakeAdapter struct {
	name    string
	egress  func(ctx context.Context, env *envelope.Envelope) error
	started atomic.Bool
}

func (f *fakeAdapter) Name() string                { return f.name }
func (f *fakeAdapter) Init(*Context) error         { return nil }
func (f *fakeAdapter) Start(context.Context) error { f.started.Store(true); return nil }
func (f *fakeAdapter) Stop(time.Duration) error    { f.started.Store(false); return nil }
func (f *fakeAdapter) Health() health.Status       { return health.Healthy(f.name, "") }
func (f *fakeAdapter) ProcessEgress(ctx context.Context, env *envelope.Envelope) error {
	return f.egress(ctx, env)
}

func egressEnv(t *testing.T) *envelope.Envelope {
	t.Helper()
	env, err := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "discord", ChannelID: "c1", UserID: "u1"},
		Text:   "hi",
	})
	require.NoError(t, err)
	return env.CloneFor(envelope.Dest{Platform: "telegram", ChannelID: "t1"})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestAttach_DeliversThroughBreaker(t *testing.T) {
	q := NewTestQueueManager(t)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)

	var gotCorr atomic.Value
	a := &fakeAdapter{name: "telegram", egress: func(ctx context.Context, env *envelope.Envelope) error {
		f, _ := tracectx.From(ctx)
		gotCorr.Store(f.CorrelationID)
		return nil
	}}
	require.NoError(t, Attach(q, breakers, nil, a))

	env := egressEnv(t)
	require.NoError(t, q.Enqueue(context.Background(), queue.Name("telegram"), "j1", env))
	waitFor(t, func() bool { return gotCorr.Load() != nil })
	assert.Equal(t, env.Head.CorrelationID, gotCorr.Load())
	assert.Equal(t, int64(1), breakers.Get("telegram_api").Snapshot().Success)
}

func TestAttach_OpenBreakerRejectsWithoutCalling(t *testing.T) {
	q := NewTestQueueManager(t)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)
	breakers.Configure("stoat_api", breaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Hour,
		RequestTimeout:   time.Second,
	})

	var calls atomic.Int64
	a := &fakeAdapter{name: "stoat", egress: func(context.Context, *envelope.Envelope) error {
		calls.Add(1)
		return errors.New("api down")
	}}
	require.NoError(t, Attach(q, breakers, nil, a))

	require.NoError(t, q.Enqueue(context.Background(), queue.Name("stoat"), "j1", egressEnv(t)))
	br := breakers.Get("stoat_api")
	waitFor(t, func() bool { return br.State() == breaker.Open })

	// The breaker is open: further jobs are rejected without touching the
	// adapter, and the queue keeps retrying them.
	before := calls.Load()
	require.NoError(t, q.Enqueue(context.Background(), queue.Name("stoat"), "j2", egressEnv(t)))
	waitFor(t, func() bool { return br.Snapshot().Rejected >= 1 })
	assert.Equal(t, before, calls.Load())
}

func TestAttach_InvalidEnvelopeNeverReachesAdapter(t *testing.T) {
	q := NewTestQueueManager(t)
	breakers := breaker.NewRegistry(breaker.DefaultConfig(), nil, nil)

	var calls atomic.Int64
	a := &fakeAdapter{name: "signal", egress: func(context.Context, *envelope.Envelope) error {
		calls.Add(1)
		return nil
	}}
	require.NoError(t, Attach(q, breakers, nil, a))

	require.NoError(t, q.Enqueue(context.Background(), queue.Name("signal"), "j1", &envelope.Envelope{}))
	waitFor(t, func() bool { return q.Stats(queue.Name("signal")).Failed == 1 })
	assert.Equal(t, int64(0), calls.Load())
}

func TestRegistry(t *testing.T) {
	Register("testplat", func() Adapter { return &fakeAdapter{name: "testplat"} })

	f, err := Lookup("testplat")
	require.NoError(t, err)
	assert.Equal(t, "testplat", f().Name())
	assert.Contains(t, Platforms(), "testplat")

	_, err = Lookup("nonexistent")
	assert.Error(t, err)
}
