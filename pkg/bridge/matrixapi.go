// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// RoomCreateRequest carries what the engine knows about a conversation
// when it needs a room for it.
type RoomCreateRequest struct {
	Name     string
	Topic    string
	IsDirect bool
	// Invite lists the initial members: the bridge user plus the ghosts
	// of the conversation roster.
	Invite []id.UserID
	// Creator is the ghost the room creation is attributed to.
	Creator id.UserID
}

// MatrixAPI is the outbound homeserver boundary. The production
// implementation drives appservice intents over the client-server API;
// tests use a recording fake. The sender on each call is the acting ghost
// MXID, or a real user's MXID when double puppeting applies. A zero ts
// means now; a nonzero ts backdates the event for historical imports.
type MatrixAPI interface {
	CreateRoom(ctx context.Context, req *RoomCreateRequest) (id.RoomID, error)

	SendMessage(ctx context.Context, sender id.UserID, room id.RoomID, content *event.MessageEventContent, ts time.Time) (id.EventID, error)
	SendRedaction(ctx context.Context, sender id.UserID, room id.RoomID, target id.EventID) (id.EventID, error)
	SendReaction(ctx context.Context, sender id.UserID, room id.RoomID, target id.EventID, emoji string, ts time.Time) (id.EventID, error)
	// SendNotice posts a bridge bot notice into the room.
	SendNotice(ctx context.Context, room id.RoomID, text string) (id.EventID, error)

	SetRoomName(ctx context.Context, room id.RoomID, name string) error
	SetRoomTopic(ctx context.Context, room id.RoomID, topic string) error

	EnsureRegistered(ctx context.Context, ghost id.UserID) error
	EnsureJoined(ctx context.Context, ghost id.UserID, room id.RoomID) error
	LeaveRoom(ctx context.Context, ghost id.UserID, room id.RoomID) error
	SetMembership(ctx context.Context, sender id.UserID, room id.RoomID, target id.UserID, membership event.Membership) error
	SetDisplayName(ctx context.Context, ghost id.UserID, name string) error

	SetTyping(ctx context.Context, ghost id.UserID, room id.RoomID, timeout time.Duration) error
	MarkRead(ctx context.Context, sender id.UserID, room id.RoomID, target id.EventID) error
}
