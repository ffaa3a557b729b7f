package whatsapp

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SrDicov/Discoat/adapter"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
)

// bridgeServer fakes the WhatsApp bridge process.
type bridgeServer struct {
	srv    *httptest.Server
	mu     sync.Mutex
	sent   []frame
	script []frame
}

func newBridgeServer(t *testing.T, script []frame) *bridgeServer {
	t.Helper()
	bs := &bridgeServer{script: script}
	upgrader := websocket.Upgrader{}
	bs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for _, f := range script {
			require.NoError(t, conn.WriteJSON(f))
		}
		for {
			var in frame
			if err := conn.ReadJSON(&in); err != nil {
				return
			}
			bs.mu.Lock()
			bs.sent = append(bs.sent, in)
			bs.mu.Unlock()
		}
	}))
	t.Cleanup(bs.srv.Close)
	return bs
}

func (bs *bridgeServer) frames() []frame {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	out := make([]frame, len(bs.sent))
	copy(out, bs.sent)
	return out
}

func (bs *bridgeServer) url() string {
	return "ws" + strings.TrimPrefix(bs.srv.URL, "http")
}

func newTestAdapter(t *testing.T, url string) (*Adapter, bus.Bus) {
	t.Helper()
	b := bus.NewLocal()
	t.Cleanup(func() { _ = b.Close(context.Background()) })

	a := &Adapter{}
	require.NoError(t, a.Init(&adapter.Context{
		Name:   "whatsapp",
		Config: map[string]string{"bridge_url": url},
		Bus:    b,
		Logger: slog.Default(),
	}))
	return a, b
}

func TestStart_IngestsBridgeFrames(t *testing.T) {
	server := newBridgeServer(t, []frame{
		{Type: "message", ChatID: "w-1", SenderID: "49111", SenderName: "Ana", Text: "hola"},
		{Type: "status"}, // non-message frames are skipped
	})
	a, b := newTestAdapter(t, server.url())

	var mu sync.Mutex
	var got []*envelope.Envelope
	_, err := bus.OnEnvelope(b, bus.EventMessageIngress, func(_ context.Context, env *envelope.Envelope) {
		mu.Lock()
		got = append(got, env)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "whatsapp", got[0].Head.Source.Platform)
	assert.Equal(t, "w-1", got[0].Head.Source.ChannelID)
	assert.Equal(t, "Ana", got[0].Head.Source.Username)
}

func TestProcessEgress_WritesSendFrame(t *testing.T) {
	server := newBridgeServer(t, nil)
	a, _ := newTestAdapter(t, server.url())
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop(time.Second)

	env, err := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "telegram", ChannelID: "t1", Username: "bob"},
		Text:   "to whatsapp",
	})
	require.NoError(t, err)
	require.NoError(t, a.ProcessEgress(context.Background(), env.CloneFor(envelope.Dest{Platform: "whatsapp", ChannelID: "w-2"})))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(server.frames()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	frames := server.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "send", frames[0].Type)
	assert.Equal(t, "w-2", frames[0].ChatID)
	assert.Contains(t, frames[0].Text, "bob (telegram)")
	assert.Contains(t, frames[0].Text, "to whatsapp")
}

func TestProcessEgress_Offline(t *testing.T) {
	a, _ := newTestAdapter(t, "ws://127.0.0.1:1")
	env, _ := envelope.New(envelope.Params{
		Source: envelope.Source{Platform: "telegram", ChannelID: "t1"},
		Text:   "x",
	})
	err := a.ProcessEgress(context.Background(), env.CloneFor(envelope.Dest{Platform: "whatsapp", ChannelID: "w"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNoConnection))
}

func TestHealth(t *testing.T) {
	a, _ := newTestAdapter(t, "ws://127.0.0.1:1")
	assert.False(t, a.Health().Healthy)
}
