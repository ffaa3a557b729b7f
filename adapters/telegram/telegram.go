// Package telegram bridges Telegram chats. Telegram offers no webhook-style
// masquerade, so foreign identities degrade to a bold name prefix on the
// message text.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/SrDicov/Discoat/adapter"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/health"
	"github.com/SrDicov/Discoat/queue"
)

func init() {
	adapter.Register("telegram", func() adapter.Adapter { return &Adapter{} })
}

// Adapter is the Telegram platform adapter.
type Adapter struct {
	deps *adapter.Context
	bot  *telego.Bot

	cancel  context.CancelFunc
	stopped chan struct{}
	running bool

	mu      sync.Mutex
	lastErr error
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return "telegram" }

// Init implements adapter.Adapter.
func (a *Adapter) Init(deps *adapter.Context) error {
	a.deps = deps
	a.stopped = make(chan struct{})
	return nil
}

// EgressOptions tunes the egress queue for the Bot API's 30 msg/s ceiling.
func (a *Adapter) EgressOptions() queue.Options {
	return queue.Options{
		Concurrency: 5,
		RateLimit:   &queue.RateLimit{Max: 30, Duration: time.Second},
	}
}

// Start begins long polling.
func (a *Adapter) Start(ctx context.Context) error {
	bot, err := telego.NewBot(a.deps.Config["token"])
	if err != nil {
		return errors.WrapFatal(err, "telegram", "Start", "create bot")
	}
	a.bot = bot

	pollCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	updates, err := bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "telegram", "Start", "begin long polling")
	}

	a.running = true
	go a.consume(pollCtx, updates)
	a.deps.Logger.Info("long polling started")
	return nil
}

func (a *Adapter) consume(ctx context.Context, updates <-chan telego.Update) {
	defer close(a.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message != nil {
				a.ingest(ctx, update.Message)
			}
		}
	}
}

func (a *Adapter) ingest(ctx context.Context, msg *telego.Message) {
	if msg.From == nil || msg.From.IsBot {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}

	env, err := envelope.New(envelope.Params{
		Source: envelope.Source{
			Platform:  "telegram",
			ChannelID: strconv.FormatInt(msg.Chat.ID, 10),
			UserID:    strconv.FormatInt(msg.From.ID, 10),
			Username:  displayName(msg.From),
		},
		Text: text,
	})
	if err != nil {
		a.deps.Logger.Warn("dropping native message", "error", err)
		return
	}
	if reply := msg.ReplyToMessage; reply != nil {
		env.Head.ReplyTo = &envelope.ReplyRef{
			ParentID:   strconv.Itoa(reply.MessageID),
			ParentText: reply.Text,
		}
	}

	if err := bus.EmitEnvelope(ctx, a.deps.Bus, bus.EventMessageIngress, env); err != nil {
		a.deps.Logger.Error("ingress emit failed", "error", err)
	}
}

func displayName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// ProcessEgress sends an envelope into its destination chat with the
// name-prefix masquerade.
func (a *Adapter) ProcessEgress(ctx context.Context, env *envelope.Envelope) error {
	if env.Head.Dest == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "telegram", "ProcessEgress", "missing dest")
	}
	chatID, err := strconv.ParseInt(env.Head.Dest.ChannelID, 10, 64)
	if err != nil {
		return errors.WrapInvalid(err, "telegram", "ProcessEgress", "parse chat id")
	}

	name := env.Head.Source.Username
	if name == "" {
		name = env.Head.Source.UserID
	}
	text := fmt.Sprintf("*%s (%s)*:\n%s", name, env.Head.Source.Platform, env.DegradeToText())

	_, err = a.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:    tu.ID(chatID),
		Text:      text,
		ParseMode: telego.ModeMarkdown,
	})
	if err != nil {
		// The Bot API reports throttling as a 429 with a retry hint; telego
		// surfaces it in the error text.
		if strings.Contains(err.Error(), "Too Many Requests") {
			return &errors.RateLimitError{RetryAfter: 3 * time.Second}
		}
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		return errors.WrapTransient(err, "telegram", "ProcessEgress", "send message")
	}
	a.mu.Lock()
	a.lastErr = nil
	a.mu.Unlock()
	return nil
}

// Stop ends long polling.
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
		return errors.WrapTransient(errors.ErrTimeout, "telegram", "Stop", "drain updates")
	}
}

// Health implements adapter.Adapter.
func (a *Adapter) Health() health.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot == nil {
		return health.Unhealthy("telegram", "bot not started")
	}
	if a.lastErr != nil {
		return health.Degraded("telegram", a.lastErr.Error())
	}
	return health.Healthy("telegram", "polling")
}
