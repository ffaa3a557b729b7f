// Package envelope defines the unified message format (UMF) carried on the
// bus between adapters and the routing core.
//
// Design principles:
//   - Neutral: no platform-specific fields outside Source/Dest identifiers
//   - Immutable after emission: the router clones before touching TracePath
//   - Defensive defaults: attachments always carry usable zero values so
//     downstream code never dereferences nil
package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SrDicov/Discoat/errors"
)

// Type classifies the payload of an envelope.
type Type string

const (
	TypeText    Type = "text"
	TypeImage   Type = "image"
	TypeVideo   Type = "video"
	TypeAudio   Type = "audio"
	TypeFile    Type = "file"
	TypeSticker Type = "sticker"
	TypeSystem  Type = "system"
)

// Valid reports whether t is one of the known envelope types.
func (t Type) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeVideo, TypeAudio, TypeFile, TypeSticker, TypeSystem:
		return true
	}
	return false
}

// Source identifies where an envelope entered the system.
type Source struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId,omitempty"`
	Username  string `json:"username,omitempty"`
	Avatar    string `json:"avatar,omitempty"`
}

// ID returns the canonical "platform:channelId" token used in trace paths.
func (s Source) ID() string {
	return s.Platform + ":" + s.ChannelID
}

// Dest identifies the destination of one outbound clone. It is populated by
// the router and absent on ingress.
type Dest struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channelId"`
}

// ID returns the canonical "platform:channelId" token for the destination.
func (d Dest) ID() string {
	return d.Platform + ":" + d.ChannelID
}

// ReplyRef links an envelope to the message it replies to.
type ReplyRef struct {
	ParentID   string `json:"parentId"`
	ParentText string `json:"parentText,omitempty"`
}

// Head carries envelope identity and routing state.
type Head struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     int64     `json:"timestamp"` // ms since epoch
	Type          Type      `json:"type"`
	Source        Source    `json:"source"`
	Dest          *Dest     `json:"dest,omitempty"`
	ReplyTo       *ReplyRef `json:"replyTo,omitempty"`
	TracePath     []string  `json:"trace_path"`
}

// Rich is an optional structured content block.
type Rich struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// Attachment describes one media item carried by an envelope.
type Attachment struct {
	ID        string `json:"id"`
	URL       string `json:"url"`
	Type      string `json:"type"`
	MimeType  string `json:"mimeType"`
	Size      int64  `json:"size"`
	Name      string `json:"name"`
	LocalPath string `json:"localPath,omitempty"`
}

// Body carries the textual and media content of an envelope.
type Body struct {
	Text        string       `json:"text"`
	Raw         string       `json:"raw"`
	Rich        *Rich        `json:"rich,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// Envelope is the unified message format. Once emitted onto the bus the only
// mutable portion is Head.TracePath and Head.Dest, and only on clones produced
// by CloneFor.
type Envelope struct {
	Head Head `json:"head"`
	Body Body `json:"body"`
}

// Params carries the caller-supplied fields for New.
type Params struct {
	Type        Type
	Source      Source
	Text        string
	Raw         string
	Rich        *Rich
	Attachments []Attachment
	ReplyTo     *ReplyRef
}

// Option is a functional option for New.
type Option func(*Envelope)

// WithCorrelationID sets an upstream correlation id instead of defaulting to
// the envelope id.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		if strings.TrimSpace(id) != "" {
			e.Head.CorrelationID = id
		}
	}
}

// WithTimestamp sets a specific creation time. Useful for replayed history.
func WithTimestamp(t time.Time) Option {
	return func(e *Envelope) {
		e.Head.Timestamp = t.UnixMilli()
	}
}

// New constructs a validated envelope. The source platform and channel are
// lowercased and trimmed, the trace path starts at the source token, and every
// attachment gets stable defaults.
func New(p Params, opts ...Option) (*Envelope, error) {
	platform := strings.ToLower(strings.TrimSpace(p.Source.Platform))
	channelID := strings.ToLower(strings.TrimSpace(p.Source.ChannelID))
	if platform == "" || channelID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope,
			"envelope", "New", "source platform and channelId are required")
	}

	typ := p.Type
	if typ == "" {
		typ = TypeText
	}
	if !typ.Valid() {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope,
			"envelope", "New", fmt.Sprintf("unknown envelope type %q", p.Type))
	}

	src := p.Source
	src.Platform = platform
	src.ChannelID = channelID

	raw := p.Raw
	if raw == "" {
		raw = p.Text
	}

	e := &Envelope{
		Head: Head{
			ID:        uuid.New().String(),
			Timestamp: time.Now().UnixMilli(),
			Type:      typ,
			Source:    src,
			ReplyTo:   p.ReplyTo,
			TracePath: []string{src.ID()},
		},
		Body: Body{
			Text:        p.Text,
			Raw:         raw,
			Rich:        p.Rich,
			Attachments: sanitizeAttachments(p.Attachments),
		},
	}
	e.Head.CorrelationID = e.Head.ID

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// sanitizeAttachments fills defaults so no field is ever a surprise downstream.
func sanitizeAttachments(in []Attachment) []Attachment {
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if a.ID == "" {
			a.ID = uuid.New().String()
		}
		if a.Type == "" {
			a.Type = "file"
		}
		if a.MimeType == "" {
			a.MimeType = "application/octet-stream"
		}
		if a.Name == "" {
			a.Name = "attachment"
		}
		out = append(out, a)
	}
	return out
}

// Validate checks the envelope satisfies the bus schema: non-empty id,
// non-empty source, known type, and an initialized trace path.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "envelope", "Validate", "nil envelope")
	}
	if strings.TrimSpace(e.Head.ID) == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "envelope", "Validate", "missing head.id")
	}
	if e.Head.Source.Platform == "" || e.Head.Source.ChannelID == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "envelope", "Validate", "missing source")
	}
	if !e.Head.Type.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "envelope", "Validate", "unknown type")
	}
	if e.Head.TracePath == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "envelope", "Validate", "nil trace_path")
	}
	return nil
}

// CloneFor produces the outbound copy for one destination. Only the mutable
// portion is copied: TracePath gets its own backing array with the target
// token appended and Dest is set. Body and the remaining head fields are
// shared with the original, which is immutable after emission.
func (e *Envelope) CloneFor(dest Dest) *Envelope {
	clone := *e
	tp := make([]string, len(e.Head.TracePath), len(e.Head.TracePath)+1)
	copy(tp, e.Head.TracePath)
	clone.Head.TracePath = append(tp, dest.ID())
	d := dest
	clone.Head.Dest = &d
	return &clone
}

// Traced reports whether token already appears in the trace path.
func (e *Envelope) Traced(token string) bool {
	for _, t := range e.Head.TracePath {
		if t == token {
			return true
		}
	}
	return false
}

// DegradeToText flattens the envelope to plain text for platforms without
// rich rendering. Rules applied in order: rich title, description and link,
// then one line per attachment.
func (e *Envelope) DegradeToText() string {
	var b strings.Builder
	b.WriteString(e.Body.Text)
	if r := e.Body.Rich; r != nil {
		if r.Title != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("*" + r.Title + "*\n")
		}
		if r.Description != "" {
			b.WriteString(r.Description)
		}
		if r.URL != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString("Enlace: " + r.URL)
		}
	}
	for _, a := range e.Body.Attachments {
		b.WriteString("\n\n[Adjunto]: " + a.Name + ": " + a.URL)
	}
	return b.String()
}
