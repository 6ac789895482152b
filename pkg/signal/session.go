// Copyright 2024-2026 Aiku AI

package signal

import (
	"context"

	"github.com/google/uuid"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

// OutgoingMessage is the payload for Send and SendEdit.
type OutgoingMessage struct {
	Body     string
	Styles   []StyleRange
	Mentions []Mention
	Quote    *Quote
}

// Contact is the profile of a Signal account as known to the session.
type Contact struct {
	UUID       uuid.UUID
	Number     string
	Name       string
	AvatarHash string
}

// GroupInfo is the metadata of a Signal group.
type GroupInfo struct {
	Conversation signalid.ConversationID
	Name         string
	Topic        string
	AvatarHash   string
	Members      []uuid.UUID
}

// ConnectionState describes the session link to the Signal network.
type ConnectionState string

const (
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionUnlinked     ConnectionState = "unlinked"
)

// Session is the opaque handle to the Signal protocol implementation.
// Encryption, device state and transport live behind it; the engine only
// consumes this contract and is tested against a fake.
type Session interface {
	Connect(ctx context.Context) error
	Disconnect() error

	// Send delivers a message and returns the sent timestamp that forms
	// the remote message key.
	Send(ctx context.Context, conv signalid.ConversationID, msg OutgoingMessage) (sentTS uint64, err error)
	SendEdit(ctx context.Context, conv signalid.ConversationID, targetSentTS uint64, msg OutgoingMessage) (sentTS uint64, err error)
	SendDelete(ctx context.Context, conv signalid.ConversationID, targetSentTS uint64) error
	SendReaction(ctx context.Context, conv signalid.ConversationID, targetSender uuid.UUID, targetSentTS uint64, emoji string, remove bool) error
	SendReceipt(ctx context.Context, conv signalid.ConversationID, sentTimestamps []uint64) error
	SendTyping(ctx context.Context, conv signalid.ConversationID, stopped bool) error

	// FetchHistory returns up to limit messages sent strictly after the
	// given timestamp, oldest first. An empty slice means caught up.
	FetchHistory(ctx context.Context, conv signalid.ConversationID, afterTS uint64, limit int) ([]*Message, error)

	GetContact(ctx context.Context, acct uuid.UUID) (*Contact, error)
	GetGroupInfo(ctx context.Context, conv signalid.ConversationID) (*GroupInfo, error)

	Link(ctx context.Context, deviceName string) (uuid.UUID, error)
	Relink(ctx context.Context) error
	Unlink(ctx context.Context) error

	// OnEvent registers the inbound event callback. Must be set before
	// Connect.
	OnEvent(fn func(Event))
	// OnConnectionState registers the lifecycle callback.
	OnConnectionState(fn func(ConnectionState))
}
