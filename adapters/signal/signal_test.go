package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SrDicov/Discoat/adapter"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
)

func newTestAdapter(t *testing.T, apiURL string) (*Adapter, bus.Bus) {
	t.Helper()
	b := bus.NewLocal()
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	a := &Adapter{}
	require.NoError(t, a.Init(&adapter.Context{
		Name:   "signal",
		Config: map[string]string{"phone": "+4912345", "api_url": apiURL},
		Bus:    b,
		Logger: slog.Default(),
	}))
	return a, b
}

func TestReceiveOnce_EmitsIngress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/receive/+4912345", r.URL.Path)
		_, _ = w.Write([]byte(`[
			{"envelope":{"source":"+4955555","sourceName":"Ana","timestamp":1700000000000,
			 "dataMessage":{"message":"hola"}}},
			{"envelope":{"source":"+4955555","sourceName":"Ana","timestamp":1700000000001,
			 "dataMessage":{"message":"grupo","groupInfo":{"groupId":"g-1"}}}},
			{"envelope":{"source":"+4966666","timestamp":1700000000002}}
		]`))
	}))
	defer srv.Close()

	a, b := newTestAdapter(t, srv.URL)

	var mu sync.Mutex
	var got []*envelope.Envelope
	_, err := bus.OnEnvelope(b, bus.EventMessageIngress, func(_ context.Context, env *envelope.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})
	require.NoError(t, err)

	a.receiveOnce(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2, "the receipt without a data message is skipped")
	assert.Equal(t, "+4955555", got[0].Head.Source.ChannelID)
	assert.Equal(t, "hola", got[0].Body.Text)
	assert.Equal(t, "g-1", got[1].Head.Source.ChannelID, "group messages bridge under the group id")
}

func TestProcessEgress_PostsSend(t *testing.T) {
	var mu sync.Mutex
	var gotBody sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/send", r.URL.Path)
		mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	a, _ := newTestAdapter(t, srv.URL)

	env, err := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "discord", ChannelID: "c1", UserID: "u1", Username: "alice"},
		Text:   "hi signal",
	})
	require.NoError(t, err)
	out := env.CloneFor(envelope.Dest{Platform: "signal", ChannelID: "+4955555"})

	require.NoError(t, a.ProcessEgress(context.Background(), out))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "+4912345", gotBody.Number)
	assert.Equal(t, []string{"+4955555"}, gotBody.Recipients)
	assert.Contains(t, gotBody.Message, "alice (discord)")
	assert.Contains(t, gotBody.Message, "hi signal")
}

func TestProcessEgress_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	a, _ := newTestAdapter(t, srv.URL)
	env, _ := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "discord", ChannelID: "c1"},
		Text:   "x",
	})
	err := a.ProcessEgress(context.Background(), env.CloneFor(envelope.Dest{Platform: "signal", ChannelID: "+1"}))
	require.Error(t, err)

	after, ok := errors.RetryAfterHint(err)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, after)
}

func TestProcessEgress_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	a, _ := newTestAdapter(t, srv.URL)
	env, _ := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "discord", ChannelID: "c1"},
		Text:   "x",
	})
	err := a.ProcessEgress(context.Background(), env.CloneFor(envelope.Dest{Platform: "signal", ChannelID: "+1"}))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestProcessEgress_MissingDest(t *testing.T) {
	a, _ := newTestAdapter(t, "http://127.0.0.1:1")
	env, _ := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "discord", ChannelID: "c1"},
		Text:   "x",
	})
	err := a.ProcessEgress(context.Background(), env)
	assert.True(t, errors.IsInvalid(err))
}

func TestStop_BeforeStart(t *testing.T) {
	a, _ := newTestAdapter(t, "http://127.0.0.1:1")
	assert.NoError(t, a.Stop(time.Second))
}
