// Package signal bridges Signal conversations through a signal-cli REST
// daemon: receive polling for ingress, the v2 send endpoint for egress.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/SrDicov/Discoat/adapter"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/health"
	"github.com/SrDicov/Discoat/queue"
)

func init() {
	adapter.Register("signal", func() adapter.Adapter { return &Adapter{} })
}

const pollInterval = 2 * time.Second

// receiveItem mirrors the signal-cli REST receive payload, reduced to the
// fields the bridge consumes.
type receiveItem struct {
	Envelope struct {
		Source      string `json:"source"`
		SourceName  string `json:"sourceName"`
		Timestamp   int64  `json:"timestamp"`
		DataMessage *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

type sendRequest struct {
	Message    string   `json:"message"`
	Number     string   `json:"number"`
	Recipients []string `json:"recipients"`
}

// Adapter is the Signal platform adapter.
type Adapter struct {
	deps   *adapter.Context
	phone  string
	apiURL string
	client *http.Client

	cancel  context.CancelFunc
	stopped chan struct{}
	running bool

	mu      sync.Mutex
	lastErr error
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return "signal" }

// Init implements adapter.Adapter.
func (a *Adapter) Init(deps *adapter.Context) error {
	a.deps = deps
	a.phone = deps.Config["phone"]
	a.apiURL = deps.Config["api_url"]
	a.client = &http.Client{Timeout: 30 * time.Second}
	a.stopped = make(chan struct{})
	return nil
}

// EgressOptions keeps Signal sequential; signal-cli serializes sends anyway.
func (a *Adapter) EgressOptions() queue.Options {
	return queue.Options{Concurrency: 1}
}

// Start begins the receive poll loop.
func (a *Adapter) Start(_ context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.running = true
	go a.poll(loopCtx)
	a.deps.Logger.Info("receive polling started", "api", a.apiURL)
	return nil
}

func (a *Adapter) poll(ctx context.Context) {
	defer close(a.stopped)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.receiveOnce(ctx)
		}
	}
}

func (a *Adapter) receiveOnce(ctx context.Context) {
	url := fmt.Sprintf("%s/v1/receive/%s", a.apiURL, a.phone)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.setErr(err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		a.setErr(fmt.Errorf("receive status %d", resp.StatusCode))
		return
	}

	var items []receiveItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		a.setErr(err)
		return
	}
	a.setErr(nil)

	for _, item := range items {
		dm := item.Envelope.DataMessage
		if dm == nil || dm.Message == "" {
			continue
		}
		// Direct messages bridge under the sender's number; group messages
		// under the group id.
		chatID := item.Envelope.Source
		if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
			chatID = dm.GroupInfo.GroupID
		}

		env, err := envelope.New(envelope.Params{
			Source: envelope.Source{
				Platform:  "signal",
				ChannelID: chatID,
				UserID:    item.Envelope.Source,
				Username:  item.Envelope.SourceName,
			},
			Text: dm.Message,
		}, envelope.WithTimestamp(time.UnixMilli(item.Envelope.Timestamp)))
		if err != nil {
			a.deps.Logger.Warn("dropping native message", "error", err)
			continue
		}
		if err := bus.EmitEnvelope(ctx, a.deps.Bus, bus.EventMessageIngress, env); err != nil {
			a.deps.Logger.Error("ingress emit failed", "error", err)
		}
	}
}

// ProcessEgress posts a send request for the destination conversation.
func (a *Adapter) ProcessEgress(ctx context.Context, env *envelope.Envelope) error {
	if env.Head.Dest == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "signal", "ProcessEgress", "missing dest")
	}

	name := env.Head.Source.Username
	if name == "" {
		name = env.Head.Source.UserID
	}
	body, err := json.Marshal(sendRequest{
		Message:    fmt.Sprintf("%s (%s): %s", name, env.Head.Source.Platform, env.DegradeToText()),
		Number:     a.phone,
		Recipients: []string{env.Head.Dest.ChannelID},
	})
	if err != nil {
		return errors.WrapInvalid(err, "signal", "ProcessEgress", "encode request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL+"/v2/send", bytes.NewReader(body))
	if err != nil {
		return errors.WrapInvalid(err, "signal", "ProcessEgress", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		a.setErr(err)
		return errors.WrapTransient(err, "signal", "ProcessEgress", "post send")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		after := 5 * time.Second
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				after = time.Duration(secs) * time.Second
			}
		}
		return &errors.RateLimitError{RetryAfter: after}
	}
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("send status %d: %s", resp.StatusCode, detail)
		a.setErr(err)
		return errors.WrapTransient(err, "signal", "ProcessEgress", "send")
	}
	a.setErr(nil)
	return nil
}

// Stop ends the poll loop.
func (a *Adapter) Stop(timeout time.Duration) error {
	if a.cancel != nil {
		a.cancel()
	}
	if !a.running {
		return nil
	}
	select {
	case <-a.stopped:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrTimeout, "signal", "Stop", "drain poll loop")
	}
}

// Health implements adapter.Adapter.
func (a *Adapter) Health() health.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return health.Unhealthy("signal", "not polling")
	}
	if a.lastErr != nil {
		return health.Degraded("signal", a.lastErr.Error())
	}
	return health.Healthy("signal", "polling")
}

func (a *Adapter) setErr(err error) {
	a.mu.Lock()
	a.lastErr = err
	a.mu.Unlock()
}
