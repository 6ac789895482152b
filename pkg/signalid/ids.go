// Copyright 2024-2026 Aiku AI

// Package signalid defines the typed identifiers used to correlate Signal
// and Matrix entities. Remote keys are opaque to the rest of the engine:
// they are built here once and compared as strings afterwards.
package signalid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// UserID identifies a Signal account. Signal accounts are keyed by their
// ACI UUID; the phone number is display metadata only.
type UserID string

// ConversationID identifies one Signal conversation: the peer UUID for a
// direct chat, or a group master-key token for a group.
type ConversationID string

// MessageID identifies one Signal message. Signal addresses messages by
// (sender, sent timestamp); the rendered token is treated as opaque.
type MessageID string

// EmojiID identifies a reaction emoji.
type EmojiID string

const groupPrefix = "group:"

// MakeUserID creates a UserID from a Signal account UUID.
func MakeUserID(acct uuid.UUID) UserID {
	return UserID(acct.String())
}

// ParseUserID extracts the account UUID from a UserID.
func ParseUserID(userID UserID) (uuid.UUID, error) {
	return uuid.Parse(string(userID))
}

// MakeDMConversationID creates the ConversationID for a direct chat with
// the given account.
func MakeDMConversationID(peer uuid.UUID) ConversationID {
	return ConversationID(peer.String())
}

// MakeGroupConversationID creates the ConversationID for a group from its
// identifier token as assigned by Signal.
func MakeGroupConversationID(groupID string) ConversationID {
	return ConversationID(groupPrefix + groupID)
}

// IsGroup reports whether the conversation is a group chat.
func IsGroup(conv ConversationID) bool {
	return strings.HasPrefix(string(conv), groupPrefix)
}

// ParseGroupConversationID extracts the group token from a group
// ConversationID.
func ParseGroupConversationID(conv ConversationID) (string, error) {
	if !IsGroup(conv) {
		return "", fmt.Errorf("conversation %q is not a group", conv)
	}
	return string(conv[len(groupPrefix):]), nil
}

// DMPeer extracts the peer UUID from a direct-chat ConversationID.
func DMPeer(conv ConversationID) (uuid.UUID, error) {
	if IsGroup(conv) {
		return uuid.Nil, fmt.Errorf("conversation %q is not a direct chat", conv)
	}
	return uuid.Parse(string(conv))
}

// MakeMessageID creates a MessageID from the sender account and the sent
// timestamp in milliseconds.
func MakeMessageID(sender uuid.UUID, sentTS uint64) MessageID {
	return MessageID(fmt.Sprintf("%s:%d", sender, sentTS))
}

// ParseMessageID splits a MessageID back into sender and timestamp. Only
// diagnostics and historical timestamp backdating need this; correlation
// always goes through the mapping store.
func ParseMessageID(messageID MessageID) (sender uuid.UUID, sentTS uint64, err error) {
	idx := strings.LastIndexByte(string(messageID), ':')
	if idx < 0 {
		return uuid.Nil, 0, fmt.Errorf("invalid message ID %q", messageID)
	}
	sender, err = uuid.Parse(string(messageID[:idx]))
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid sender in message ID %q: %w", messageID, err)
	}
	sentTS, err = strconv.ParseUint(string(messageID[idx+1:]), 10, 64)
	if err != nil {
		return uuid.Nil, 0, fmt.Errorf("invalid timestamp in message ID %q: %w", messageID, err)
	}
	return sender, sentTS, nil
}

// MakeEmojiID creates an EmojiID from a reaction emoji.
func MakeEmojiID(emoji string) EmojiID {
	return EmojiID(emoji)
}

// ParseEmojiID extracts the emoji from an EmojiID.
func ParseEmojiID(emojiID EmojiID) string {
	return string(emojiID)
}

// GhostLocalpart renders the Matrix localpart for the ghost impersonating
// the given Signal account, e.g. "signal_<uuid>".
func GhostLocalpart(prefix string, acct uuid.UUID) string {
	return prefix + acct.String()
}
