// Copyright 2024-2026 Aiku AI

// Package signal defines the boundary to the Signal network: the closed
// set of inbound event variants, the opaque Session interface that the
// protocol implementation satisfies, and the Manager façade that owns the
// session lifecycle. The engine never sees protocol internals, only these
// types.
package signal

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

// EventKind enumerates the closed set of inbound event variants. Every
// Event is exactly one of these; portal dispatch switches exhaustively.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventEdit       EventKind = "edit"
	EventDelete     EventKind = "delete"
	EventReaction   EventKind = "reaction"
	EventReceipt    EventKind = "receipt"
	EventTyping     EventKind = "typing"
	EventMembership EventKind = "membership"
	EventProfile    EventKind = "profile"
)

// Event is one inbound Signal event. Implementations are the variant
// structs in this package and nothing else.
type Event interface {
	Kind() EventKind
	Conversation() signalid.ConversationID
	SenderUUID() uuid.UUID
	Time() time.Time
	// LogContext adds event-specific fields to a log context.
	LogContext(c zerolog.Context) zerolog.Context
}

// EventMeta carries the fields shared by all variants.
type EventMeta struct {
	Conv   signalid.ConversationID `json:"conversation"`
	Sender uuid.UUID               `json:"sender"`
	// SentAt is the sender-assigned timestamp in milliseconds. For
	// messages it doubles as the message key component.
	SentAt uint64 `json:"sent_at"`
}

func (m EventMeta) Conversation() signalid.ConversationID { return m.Conv }
func (m EventMeta) SenderUUID() uuid.UUID                 { return m.Sender }
func (m EventMeta) Time() time.Time                       { return time.UnixMilli(int64(m.SentAt)) }

func (m EventMeta) LogContext(c zerolog.Context) zerolog.Context {
	return c.Str("conversation", string(m.Conv)).Str("sender", m.Sender.String()).Uint64("sent_at", m.SentAt)
}

// TextStyle is one Signal body style.
type TextStyle string

const (
	StyleBold          TextStyle = "BOLD"
	StyleItalic        TextStyle = "ITALIC"
	StyleStrikethrough TextStyle = "STRIKETHROUGH"
	StyleMonospace     TextStyle = "MONOSPACE"
	StyleSpoiler       TextStyle = "SPOILER"
)

// StyleRange marks a styled span of the message body, in runes.
type StyleRange struct {
	Start  int       `json:"start"`
	Length int       `json:"length"`
	Style  TextStyle `json:"style"`
}

// Mention marks a span of the body that mentions a Signal account.
type Mention struct {
	Start  int       `json:"start"`
	Length int       `json:"length"`
	UUID   uuid.UUID `json:"uuid"`
}

// Quote references the message this one replies to.
type Quote struct {
	Sender uuid.UUID `json:"sender"`
	SentAt uint64    `json:"sent_at"`
}

// Message is a new incoming message.
type Message struct {
	EventMeta
	Body     string       `json:"body"`
	Styles   []StyleRange `json:"styles,omitempty"`
	Mentions []Mention    `json:"mentions,omitempty"`
	Quote    *Quote       `json:"quote,omitempty"`
}

func (*Message) Kind() EventKind { return EventMessage }

// ID returns the opaque message key for this message.
func (m *Message) ID() signalid.MessageID {
	return signalid.MakeMessageID(m.Sender, m.SentAt)
}

// Edit replaces the body of an earlier message. The target is addressed
// by the original sender and sent timestamp.
type Edit struct {
	EventMeta
	TargetSentAt uint64       `json:"target_sent_at"`
	Body         string       `json:"body"`
	Styles       []StyleRange `json:"styles,omitempty"`
	Mentions     []Mention    `json:"mentions,omitempty"`
}

func (*Edit) Kind() EventKind { return EventEdit }

// TargetID returns the message key of the message being edited. Signal
// only lets a sender edit their own messages, so the target sender is the
// event sender.
func (e *Edit) TargetID() signalid.MessageID {
	return signalid.MakeMessageID(e.Sender, e.TargetSentAt)
}

func (e *Edit) LogContext(c zerolog.Context) zerolog.Context {
	return e.EventMeta.LogContext(c).Uint64("target_sent_at", e.TargetSentAt)
}

// Delete is a remote deletion of an earlier message.
type Delete struct {
	EventMeta
	TargetSentAt uint64 `json:"target_sent_at"`
}

func (*Delete) Kind() EventKind { return EventDelete }

func (d *Delete) TargetID() signalid.MessageID {
	return signalid.MakeMessageID(d.Sender, d.TargetSentAt)
}

func (d *Delete) LogContext(c zerolog.Context) zerolog.Context {
	return d.EventMeta.LogContext(c).Uint64("target_sent_at", d.TargetSentAt)
}

// Reaction adds or removes an emoji reaction on an earlier message.
type Reaction struct {
	EventMeta
	TargetSender uuid.UUID `json:"target_sender"`
	TargetSentAt uint64    `json:"target_sent_at"`
	Emoji        string    `json:"emoji"`
	Remove       bool      `json:"remove,omitempty"`
}

func (*Reaction) Kind() EventKind { return EventReaction }

func (r *Reaction) TargetID() signalid.MessageID {
	return signalid.MakeMessageID(r.TargetSender, r.TargetSentAt)
}

func (r *Reaction) LogContext(c zerolog.Context) zerolog.Context {
	return r.EventMeta.LogContext(c).Uint64("target_sent_at", r.TargetSentAt).Str("emoji", r.Emoji)
}

// Receipt is a read receipt covering every own message up to and
// including the referenced sent timestamp.
type Receipt struct {
	EventMeta
	TargetSender uuid.UUID `json:"target_sender"`
	TargetSentAt uint64    `json:"target_sent_at"`
}

func (*Receipt) Kind() EventKind { return EventReceipt }

func (r *Receipt) TargetID() signalid.MessageID {
	return signalid.MakeMessageID(r.TargetSender, r.TargetSentAt)
}

// Typing signals the sender started or stopped typing.
type Typing struct {
	EventMeta
	Stopped bool `json:"stopped,omitempty"`
}

func (*Typing) Kind() EventKind { return EventTyping }

// MembershipChange enumerates roster changes in a group.
type MembershipChange string

const (
	MembershipJoin   MembershipChange = "join"
	MembershipLeave  MembershipChange = "leave"
	MembershipInvite MembershipChange = "invite"
	MembershipBan    MembershipChange = "ban"
)

// Membership is a group roster change. Target is the affected account,
// Sender the account performing the change.
type Membership struct {
	EventMeta
	Target uuid.UUID        `json:"target"`
	Change MembershipChange `json:"change"`
}

func (*Membership) Kind() EventKind { return EventMembership }

func (m *Membership) LogContext(c zerolog.Context) zerolog.Context {
	return m.EventMeta.LogContext(c).Str("target", m.Target.String()).Str("change", string(m.Change))
}

// Profile is a contact profile update observed in a conversation.
type Profile struct {
	EventMeta
	Name       string `json:"name"`
	AvatarHash string `json:"avatar_hash"`
	Number     string `json:"number,omitempty"`
}

func (*Profile) Kind() EventKind { return EventProfile }

// eventEnvelope wraps a serialized variant with its kind tag so pending
// retries can be persisted and re-dispatched after a restart.
type eventEnvelope struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalEvent serializes an event with its kind tag.
func MarshalEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&eventEnvelope{Kind: ev.Kind(), Data: data})
}

// UnmarshalEvent deserializes an event envelope produced by MarshalEvent.
func UnmarshalEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	var ev Event
	switch env.Kind {
	case EventMessage:
		ev = &Message{}
	case EventEdit:
		ev = &Edit{}
	case EventDelete:
		ev = &Delete{}
	case EventReaction:
		ev = &Reaction{}
	case EventReceipt:
		ev = &Receipt{}
	case EventTyping:
		ev = &Typing{}
	case EventMembership:
		ev = &Membership{}
	case EventProfile:
		ev = &Profile{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", env.Kind)
	}
	if err := json.Unmarshal(env.Data, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
