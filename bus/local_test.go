package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/tracectx"
)

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

func TestLocal_EmitReachesHandler(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	var mu sync.Mutex
	var got []string
	_, err := b.On("message.ingress", func(_ context.Context, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), "message.ingress", []byte("a")))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 1 })
	assert.Equal(t, "a", got[0])
}

func TestLocal_PerEventOrdering(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	var mu sync.Mutex
	var got []string
	_, err := b.On("e", func(_ context.Context, data []byte) {
		mu.Lock()
		got = append(got, string(data))
		mu.Unlock()
	})
	require.NoError(t, err)

	for _, s := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, b.Emit(context.Background(), "e", []byte(s)))
	}
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(got) == 5 })
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
}

func TestLocal_EmitIsAsynchronous(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	release := make(chan struct{})
	done := make(chan struct{})
	_, err := b.On("e", func(_ context.Context, _ []byte) {
		<-release
		close(done)
	})
	require.NoError(t, err)

	// Emit returns before the handler runs.
	require.NoError(t, b.Emit(context.Background(), "e", []byte("x")))
	close(release)
	<-done
}

func TestLocal_OnceFiresOnce(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	var mu sync.Mutex
	count := 0
	require.NoError(t, b.Once("e", func(_ context.Context, _ []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	}))

	require.NoError(t, b.Emit(context.Background(), "e", []byte("1")))
	require.NoError(t, b.Emit(context.Background(), "e", []byte("2")))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return count >= 1 })
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestLocal_Unsubscribe(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	var mu sync.Mutex
	count := 0
	off, err := b.On("e", func(_ context.Context, _ []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), "e", []byte("1")))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 1 })

	off()
	require.NoError(t, b.Emit(context.Background(), "e", []byte("2")))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestLocal_HandlerLimit(t *testing.T) {
	b := NewLocal(WithMaxHandlers(2))
	defer b.Close(context.Background())

	noop := func(context.Context, []byte) {}
	_, err := b.On("e", noop)
	require.NoError(t, err)
	_, err = b.On("e", noop)
	require.NoError(t, err)
	_, err = b.On("e", noop)
	assert.True(t, errors.Is(err, errors.ErrTooManyHandlers))
}

func TestLocal_EmitAfterClose(t *testing.T) {
	b := NewLocal()
	require.NoError(t, b.Close(context.Background()))
	err := b.Emit(context.Background(), "e", []byte("x"))
	assert.True(t, errors.Is(err, errors.ErrBusClosed))
}

func TestLocal_HandlerPanicDoesNotKillDispatch(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	var mu sync.Mutex
	count := 0
	_, err := b.On("e", func(_ context.Context, _ []byte) { panic("boom") })
	require.NoError(t, err)
	_, err = b.On("e", func(_ context.Context, _ []byte) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), "e", []byte("1")))
	require.NoError(t, b.Emit(context.Background(), "e", []byte("2")))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return count == 2 })
}

func TestEmitEnvelope_RejectsInvalid(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	bad := &envelope.Envelope{}
	err := EmitEnvelope(context.Background(), b, EventMessageIngress, bad)
	assert.True(t, errors.Is(err, errors.ErrInvalidEnvelope))
}

func TestOnEnvelope_DecodesAndCarriesFrame(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	env, err := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "discord", ChannelID: "c1", UserID: "u1"},
		Text:   "hi",
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var gotCorr, gotSource, gotText string
	_, err = OnEnvelope(b, EventMessageIngress, func(ctx context.Context, got *envelope.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		gotText = got.Body.Text
		f, _ := tracectx.From(ctx)
		gotCorr = f.CorrelationID
		gotSource = f.Source
	})
	require.NoError(t, err)

	require.NoError(t, EmitEnvelope(context.Background(), b, EventMessageIngress, env))
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return gotText != "" })

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hi", gotText)
	assert.Equal(t, env.Head.CorrelationID, gotCorr)
	assert.Equal(t, "discord:c1", gotSource)
}

func TestOnEnvelope_DropsGarbage(t *testing.T) {
	b := NewLocal()
	defer b.Close(context.Background())

	var mu sync.Mutex
	called := false
	_, err := OnEnvelope(b, EventMessageIngress, func(context.Context, *envelope.Envelope) {
		mu.Lock()
		called = true
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Emit(context.Background(), EventMessageIngress, []byte("not json")))
	require.NoError(t, b.Emit(context.Background(), EventMessageIngress, []byte(`{"head":{}}`)))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.False(t, called)
	mu.Unlock()
}
