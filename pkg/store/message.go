// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

// Direction records which network a mapping's message originated on.
type Direction string

const (
	DirectionToMatrix Direction = "to_matrix"
	DirectionToSignal Direction = "to_signal"
)

// Message is one message mapping: the correlation between a Signal
// message key and the Matrix event it was bridged to (or from).
type Message struct {
	ConvID    signalid.ConversationID
	SignalID  signalid.MessageID
	MXID      id.EventID
	Sender    signalid.UserID
	Direction Direction
	Timestamp uint64
	EditMXID  id.EventID
}

type MessageQuery struct {
	*dbutil.QueryHelper[*Message]
}

func newMessage(_ *dbutil.QueryHelper[*Message]) *Message {
	return &Message{}
}

const (
	messageColumns = "conv_id, signal_id, mxid, sender, direction, timestamp, edit_mxid"

	getMessageBySignalIDQuery = "SELECT " + messageColumns + " FROM message WHERE conv_id=$1 AND signal_id=$2"
	getMessageByMXIDQuery     = "SELECT " + messageColumns + " FROM message WHERE conv_id=$1 AND mxid=$2"
	getLastMessageBeforeQuery = `
		SELECT ` + messageColumns + ` FROM message
		WHERE conv_id=$1 AND timestamp<=$2
		ORDER BY timestamp DESC LIMIT 1
	`

	insertMessageQuery = `
		INSERT INTO message (conv_id, signal_id, mxid, sender, direction, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (conv_id, signal_id) DO NOTHING
	`
	setMessageEditQuery    = "UPDATE message SET edit_mxid=$3 WHERE conv_id=$1 AND signal_id=$2"
	deleteAllMessagesQuery = "DELETE FROM message WHERE conv_id=$1"
)

func (m *Message) Scan(row dbutil.Scannable) (*Message, error) {
	var editMXID sql.NullString
	var ts int64
	err := row.Scan(&m.ConvID, &m.SignalID, &m.MXID, &m.Sender, &m.Direction, &ts, &editMXID)
	if err != nil {
		return nil, err
	}
	m.Timestamp = uint64(ts)
	m.EditMXID = id.EventID(editMXID.String)
	return m, nil
}

func (m *Message) sqlVariables() []any {
	return []any{m.ConvID, m.SignalID, m.MXID, m.Sender, m.Direction, int64(m.Timestamp)}
}

// Put records a delivery. The write is idempotent at the remote-key
// level: when a mapping for the same (conversation, signal ID) already
// exists (an echoed self-sent message, a backfill re-run, a concurrent
// duplicate), the existing mapping is returned with inserted=false and
// no second row is created.
func (mq *MessageQuery) Put(ctx context.Context, msg *Message) (surviving *Message, inserted bool, err error) {
	if err = mq.Exec(ctx, insertMessageQuery, msg.sqlVariables()...); err != nil {
		return nil, false, fmt.Errorf("failed to insert message mapping: %w", err)
	}
	surviving, err = mq.GetBySignalID(ctx, msg.ConvID, msg.SignalID)
	if err != nil {
		return nil, false, err
	}
	if surviving == nil {
		return nil, false, fmt.Errorf("message mapping vanished after insert")
	}
	return surviving, surviving.MXID == msg.MXID, nil
}

// GetBySignalID looks up a mapping by its remote message key.
func (mq *MessageQuery) GetBySignalID(ctx context.Context, convID signalid.ConversationID, signalID signalid.MessageID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageBySignalIDQuery, convID, signalID)
}

// GetByMXID looks up a mapping by its Matrix event ID.
func (mq *MessageQuery) GetByMXID(ctx context.Context, convID signalid.ConversationID, mxid id.EventID) (*Message, error) {
	return mq.QueryOne(ctx, getMessageByMXIDQuery, convID, mxid)
}

// GetLastBefore returns the newest mapping at or before the given remote
// timestamp, used to resolve read receipts to a concrete event.
func (mq *MessageQuery) GetLastBefore(ctx context.Context, convID signalid.ConversationID, ts uint64) (*Message, error) {
	return mq.QueryOne(ctx, getLastMessageBeforeQuery, convID, int64(ts))
}

// SetEdit attaches the latest edit event to an existing mapping.
func (mq *MessageQuery) SetEdit(ctx context.Context, convID signalid.ConversationID, signalID signalid.MessageID, editMXID id.EventID) error {
	return mq.Exec(ctx, setMessageEditQuery, convID, signalID, editMXID)
}

// DeleteAllInPortal removes every message mapping of a retired portal.
func (mq *MessageQuery) DeleteAllInPortal(ctx context.Context, convID signalid.ConversationID) error {
	return mq.Exec(ctx, deleteAllMessagesQuery, convID)
}
