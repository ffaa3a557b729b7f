// Package discord bridges Discord channels. Ingress comes from the gateway
// MessageCreate stream; egress goes through per-channel webhooks so relayed
// messages render under the original author's name and avatar.
package discord

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/SrDicov/Discoat/adapter"
	"github.com/SrDicov/Discoat/bus"
	"github.com/SrDicov/Discoat/envelope"
	"github.com/SrDicov/Discoat/errors"
	"github.com/SrDicov/Discoat/health"
	"github.com/SrDicov/Discoat/queue"
	"github.com/SrDicov/Discoat/storage"
)

func init() {
	adapter.Register("discord", func() adapter.Adapter { return &Adapter{} })
}

const webhookName = "discoat-bridge"

// webhookRef is the cached credential for one channel's webhook, persisted in
// the repository KV area so restarts reuse webhooks instead of piling up new
// ones.
type webhookRef struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// Adapter is the Discord platform adapter.
type Adapter struct {
	deps    *adapter.Context
	session *discordgo.Session

	mu       sync.Mutex
	webhooks map[string]webhookRef
	lastErr  error
}

// Name implements adapter.Adapter.
func (a *Adapter) Name() string { return "discord" }

// Init implements adapter.Adapter.
func (a *Adapter) Init(deps *adapter.Context) error {
	a.deps = deps
	a.webhooks = make(map[string]webhookRef)
	return nil
}

// EgressOptions tunes the egress queue for Discord webhook limits.
func (a *Adapter) EgressOptions() queue.Options {
	return queue.Options{
		Concurrency: 5,
		RateLimit:   &queue.RateLimit{Max: 5, Duration: 2 * time.Second},
	}
}

// Start opens the gateway session.
func (a *Adapter) Start(_ context.Context) error {
	session, err := discordgo.New("Bot " + a.deps.Config["token"])
	if err != nil {
		return errors.WrapFatal(err, "discord", "Start", "create session")
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	session.AddHandler(a.onMessageCreate)

	if err := session.Open(); err != nil {
		return errors.WrapTransient(err, "discord", "Start", "open gateway")
	}
	a.session = session
	a.deps.Logger.Info("gateway connected")
	return nil
}

// Stop closes the gateway session.
func (a *Adapter) Stop(time.Duration) error {
	if a.session == nil {
		return nil
	}
	if err := a.session.Close(); err != nil {
		return errors.WrapTransient(err, "discord", "Stop", "close gateway")
	}
	return nil
}

// Health implements adapter.Adapter.
func (a *Adapter) Health() health.Status {
	a.mu.Lock()
	lastErr := a.lastErr
	a.mu.Unlock()
	if a.session == nil {
		return health.Unhealthy("discord", "gateway not connected")
	}
	if lastErr != nil {
		return health.Degraded("discord", lastErr.Error())
	}
	return health.Healthy("discord", "connected")
}

// onMessageCreate turns a native Discord message into an ingress envelope.
// Own messages and webhook echoes (our masqueraded relays included) are
// skipped, which is the first loop guard before the router's trace path.
func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.WebhookID != "" {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	var attachments []envelope.Attachment
	for _, att := range m.Attachments {
		attachments = append(attachments, envelope.Attachment{
			ID:       att.ID,
			URL:      att.URL,
			Type:     "file",
			MimeType: att.ContentType,
			Size:     int64(att.Size),
			Name:     att.Filename,
		})
	}
	msgType := envelope.TypeText
	if len(attachments) > 0 {
		msgType = envelope.TypeFile
	}

	env, err := envelope.New(envelope.Params{
		Type: msgType,
		Source: envelope.Source{
			Platform:  "discord",
			ChannelID: m.ChannelID,
			UserID:    m.Author.ID,
			Username:  m.Author.Username,
			Avatar:    m.Author.AvatarURL(""),
		},
		Text:        m.Content,
		Attachments: attachments,
	})
	if err != nil {
		a.deps.Logger.Warn("dropping native message", "error", err)
		return
	}
	if m.ReferencedMessage != nil {
		env.Head.ReplyTo = &envelope.ReplyRef{
			ParentID:   m.ReferencedMessage.ID,
			ParentText: m.ReferencedMessage.Content,
		}
	}

	if err := bus.EmitEnvelope(context.Background(), a.deps.Bus, bus.EventMessageIngress, env); err != nil {
		a.deps.Logger.Error("ingress emit failed", "error", err)
	}
}

// ProcessEgress delivers an envelope to its destination channel through a
// masquerading webhook.
func (a *Adapter) ProcessEgress(ctx context.Context, env *envelope.Envelope) error {
	if env.Head.Dest == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "discord", "ProcessEgress", "missing dest")
	}
	ref, err := a.webhookFor(ctx, env.Head.Dest.ChannelID)
	if err != nil {
		return err
	}

	username := env.Head.Source.Username
	if username == "" {
		username = env.Head.Source.UserID
	}
	content := env.DegradeToText()
	// Foreign attachment URLs may not be fetchable by Discord's CDN proxy;
	// route them through the media service.
	if a.deps.Storage != nil {
		for _, att := range env.Body.Attachments {
			media, err := a.deps.Storage.FetchAndProcessMedia(ctx, att.URL, storage.Options{MimeType: att.MimeType})
			if err != nil || media.URL == att.URL {
				continue
			}
			content = strings.ReplaceAll(content, att.URL, media.URL)
		}
	}
	params := &discordgo.WebhookParams{
		Content:   content,
		Username:  fmt.Sprintf("%s (%s)", username, env.Head.Source.Platform),
		AvatarURL: env.Head.Source.Avatar,
	}

	_, err = a.session.WebhookExecute(ref.ID, ref.Token, true, params)
	if err != nil {
		var rle *discordgo.RateLimitError
		if stderrors.As(err, &rle) {
			return &errors.RateLimitError{RetryAfter: rle.RetryAfter}
		}
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		return errors.WrapTransient(err, "discord", "ProcessEgress", "execute webhook")
	}
	a.mu.Lock()
	a.lastErr = nil
	a.mu.Unlock()
	return nil
}

// webhookFor returns the channel's bridge webhook, consulting the in-memory
// cache, then the repository KV area, then creating one.
func (a *Adapter) webhookFor(ctx context.Context, channelID string) (webhookRef, error) {
	a.mu.Lock()
	if ref, ok := a.webhooks[channelID]; ok {
		a.mu.Unlock()
		return ref, nil
	}
	a.mu.Unlock()

	key := "discord.webhook." + channelID
	if raw, err := a.deps.Repo.GetKV(ctx, key); err == nil {
		var ref webhookRef
		if err := json.Unmarshal([]byte(raw), &ref); err == nil && ref.ID != "" {
			a.cache(channelID, ref)
			return ref, nil
		}
	}

	hook, err := a.session.WebhookCreate(channelID, webhookName, "")
	if err != nil {
		return webhookRef{}, errors.WrapTransient(err, "discord", "webhookFor", "create webhook")
	}
	ref := webhookRef{ID: hook.ID, Token: hook.Token}
	raw, _ := json.Marshal(ref)
	if err := a.deps.Repo.SetKV(ctx, key, string(raw)); err != nil {
		a.deps.Logger.Warn("webhook credential not persisted", "channel", channelID, "error", err)
	}
	a.cache(channelID, ref)
	return ref, nil
}

func (a *Adapter) cache(channelID string, ref webhookRef) {
	a.mu.Lock()
	a.webhooks[channelID] = ref
	a.mu.Unlock()
}
