// Package whatsapp bridges WhatsApp chats through an external bridge process
// speaking a small JSON protocol over a websocket. WhatsApp has no masquerade
// mechanism either, so identities degrade to a name prefix.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SrDicov/Discoat/adapter"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/health"
	"github.com/SrDicov/Discoat/pkg/retry"
	"github.com/SrDicov/Discoat/queue"
)

func init() {
	adapter.Register("whatsapp", func() adapter.Adapter { return &Adapter{} })
}

// frame is the bridge wire format, both directions.
type frame struct {
	Type       string `json:"type"` // "message" inbound, "send" outbound
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text"`
}

// Adapter is the WhatsApp bridge adapter.
type Adapter struct {
	deps *adapter.Context
	url  string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return "whatsapp" }

// Init implements adapter.Adapter.
func (a *Adapter) Init(deps *adapter.Context) error {
	a.deps = deps
	a.url = deps.Config["bridge_url"]
	a.stopped = make(chan struct{})
	return nil
}

// EgressOptions keeps WhatsApp egress slow; the unofficial surface bans fast
// senders.
func (a *Adapter) EgressOptions() queue.Options {
	return queue.Options{
		Concurrency: 1,
		RateLimit:   &queue.RateLimit{Max: 5, Duration: 2 * time.Second},
	}
}

// Start dials the bridge and begins the read loop.
func (a *Adapter) Start(_ context.Context) error {
	if err := a.dial(); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running = true
	go a.readLoop(loopCtx)
	a.deps.Logger.Info("bridge connected", "url", a.url)
	return nil
}

func (a *Adapter) dial() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(a.url, nil)
	if err != nil {
		return errors.WrapTransient(err, "whatsapp", "dial", "connect bridge")
	}
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()
	return nil
}

// readLoop consumes bridge frames, reconnecting with backoff on failure.
func (a *Adapter) readLoop(ctx context.Context) {
	defer close(a.stopped)
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			a.mu.Lock()
			a.connected = false
			a.mu.Unlock()
			a.deps.Logger.Warn("bridge read failed, reconnecting", "error", err)
			if rerr := retry.Do(ctx, retry.Quick(), a.dial); rerr != nil {
				a.deps.Logger.Error("bridge reconnect failed", "error", rerr)
				return
			}
			continue
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil || f.Type != "message" {
			continue
		}
		a.ingest(ctx, f)
	}
}

func (a *Adapter) ingest(ctx context.Context, f frame) {
	env, err := envelope.New(envelope.Params{
		Source: envelope.Source{
			Platform:  "whatsapp",
			ChannelID: f.ChatID,
			UserID:    f.SenderID,
			Username:  f.SenderName,
		},
		Text: f.Text,
	})
	if err != nil {
		a.deps.Logger.Warn("dropping native message", "error", err)
		return
	}
	if err := bus.EmitEnvelope(ctx, a.deps.Bus, bus.EventMessageIngress, env); err != nil {
		a.deps.Logger.Error("ingress emit failed", "error", err)
	}
}

// ProcessEgress writes a send frame for the destination chat.
func (a *Adapter) ProcessEgress(_ context.Context, env *envelope.Envelope) error {
	if env.Head.Dest == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "whatsapp", "ProcessEgress", "missing dest")
	}

	name := env.Head.Source.Username
	if name == "" {
		name = env.Head.Source.UserID
	}
	out := frame{
		Type:   "send",
		ChatID: env.Head.Dest.ChannelID,
		Text:   fmt.Sprintf("*%s (%s)*: %s", name, env.Head.Source.Platform, env.DegradeToText()),
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return errors.WrapInvalid(err, "whatsapp", "ProcessEgress", "encode frame")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "whatsapp", "ProcessEgress", "bridge offline")
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		a.connected = false
		return errors.WrapTransient(err, "whatsapp", "ProcessEgress", "write frame")
	}
	return nil
}

// Stop closes the bridge connection.
func (a *Adapter) Stop(timeout time.Duration) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Lock()
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.mu.Unlock()
	if !a.running {
		return nil
	}
	select {
	case <-a.stopped:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrTimeout, "whatsapp", "Stop", "drain read loop")
	}
}

// Health implements adapter.Adapter.
func (a *Adapter) Health() health.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return health.Unhealthy("whatsapp", "bridge offline")
	}
	return health.Healthy("whatsapp", "connected")
}
