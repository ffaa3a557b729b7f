// Package stoat bridges Stoat channels over the platform's websocket event
// stream. Stoat supports masquerade payloads natively, so relayed messages
// carry the original name and avatar without webhooks.
package stoat

import (
	"context"
	"encoding/json"
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
	adapter.Register("stoat", func() adapter.Adapter { return &Adapter{} })
}

const defaultEventsURL = "wss://ws.stoat.chat"

// event is the websocket wire format, both directions.
type event struct {
	Type       string      `json:"type"`
	Token      string      `json:"token,omitempty"`
	Channel    string      `json:"channel,omitempty"`
	Author     string      `json:"author,omitempty"`
	AuthorName string      `json:"author_name,omitempty"`
	Avatar     string      `json:"avatar,omitempty"`
	Content    string      `json:"content,omitempty"`
	Masquerade *masquerade `json:"masquerade,omitempty"`
}

type masquerade struct {
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Adapter is the Stoat platform adapter.
type Adapter struct {
	deps  *adapter.Context
	url   string
	token string

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	cancel  context.CancelFunc
	stopped chan struct{}
	running bool
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return "stoat" }

// Init implements adapter.Adapter.
func (a *Adapter) Init(deps *adapter.Context) error {
	a.deps = deps
	a.token = deps.Config["token"]
	a.url = deps.Config["url"]
	if a.url == "" {
		a.url = defaultEventsURL
	}
	a.stopped = make(chan struct{})
	return nil
}

// EgressOptions tunes the egress queue.
func (a *Adapter) EgressOptions() queue.Options {
	return queue.Options{
		Concurrency: 5,
		RateLimit:   &queue.RateLimit{Max: 10, Duration: time.Second},
	}
}

// Start connects and authenticates against the event stream.
func (a *Adapter) Start(_ context.Context) error {
	if err := a.dial(); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running = true
	go a.readLoop(loopCtx)
	a.deps.Logger.Info("event stream connected", "url", a.url)
	return nil
}

func (a *Adapter) dial() error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, _, err := dialer.Dial(a.url, nil)
	if err != nil {
		return errors.WrapTransient(err, "stoat", "dial", "connect event stream")
	}

	auth := event{Type: "Authenticate", Token: a.token}
	payload, err := json.Marshal(auth)
	if err != nil {
		conn.Close()
		return errors.WrapInvalid(err, "stoat", "dial", "encode auth")
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		conn.Close()
		return errors.WrapTransient(err, "stoat", "dial", "authenticate")
	}

	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.mu.Unlock()
	return nil
}

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
			a.deps.Logger.Warn("event stream read failed, reconnecting", "error", err)
			if rerr := retry.Do(ctx, retry.Quick(), a.dial); rerr != nil {
				a.deps.Logger.Error("event stream reconnect failed", "error", rerr)
				return
			}
			continue
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type != "Message" {
			continue
		}
		// Masqueraded messages are our own relays echoed back.
		if ev.Masquerade != nil {
			continue
		}
		a.ingest(ctx, ev)
	}
}

func (a *Adapter) ingest(ctx context.Context, ev event) {
	env, err := envelope.New(envelope.Params{
		Source: envelope.Source{
			Platform:  "stoat",
			ChannelID: ev.Channel,
			UserID:    ev.Author,
			Username:  ev.AuthorName,
			Avatar:    ev.Avatar,
		},
		Text: ev.Content,
	})
	if err != nil {
		a.deps.Logger.Warn("dropping native message", "error", err)
		return
	}
	if err := bus.EmitEnvelope(ctx, a.deps.Bus, bus.EventMessageIngress, env); err != nil {
		a.deps.Logger.Error("ingress emit failed", "error", err)
	}
}

// ProcessEgress sends an envelope to its destination channel with a
// masquerade payload.
func (a *Adapter) ProcessEgress(_ context.Context, env *envelope.Envelope) error {
	if env.Head.Dest == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "stoat", "ProcessEgress", "missing dest")
	}

	name := env.Head.Source.Username
	if name == "" {
		name = env.Head.Source.UserID
	}
	out := event{
		Type:    "SendMessage",
		Channel: env.Head.Dest.ChannelID,
		Content: env.DegradeToText(),
		Masquerade: &masquerade{
			Name:   name + " (" + env.Head.Source.Platform + ")",
			Avatar: env.Head.Source.Avatar,
		},
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return errors.WrapInvalid(err, "stoat", "ProcessEgress", "encode event")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "stoat", "ProcessEgress", "stream offline")
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		a.connected = false
		return errors.WrapTransient(err, "stoat", "ProcessEgress", "write event")
	}
	return nil
}

// Stop closes the event stream.
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
		return errors.WrapTransient(errors.ErrTimeout, "stoat", "Stop", "drain read loop")
	}
}

// Health implements adapter.Adapter.
func (a *Adapter) Health() health.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return health.Unhealthy("stoat", "stream offline")
	}
	return health.Healthy("stoat", "connected")
}
