// Copyright 2024-2026 Aiku AI

package store

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

// Reaction is one mirrored reaction, keyed by (portal, target message,
// author): Signal allows one reaction per author per message, so a new
// reaction from the same author replaces the previous one.
type Reaction struct {
	ConvID      signalid.ConversationID
	MsgSignalID signalid.MessageID
	Author      signalid.UserID
	MXID        id.EventID
	Emoji       string
}

type ReactionQuery struct {
	*dbutil.QueryHelper[*Reaction]
}

func newReaction(_ *dbutil.QueryHelper[*Reaction]) *Reaction {
	return &Reaction{}
}

const (
	reactionColumns = "conv_id, msg_signal_id, author, mxid, emoji"

	getReactionQuery       = "SELECT " + reactionColumns + " FROM reaction WHERE conv_id=$1 AND msg_signal_id=$2 AND author=$3"
	getReactionByMXIDQuery = "SELECT " + reactionColumns + " FROM reaction WHERE conv_id=$1 AND mxid=$2"

	upsertReactionQuery = `
		INSERT INTO reaction (conv_id, msg_signal_id, author, mxid, emoji)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conv_id, msg_signal_id, author) DO UPDATE SET mxid=excluded.mxid, emoji=excluded.emoji
	`
	deleteReactionQuery     = "DELETE FROM reaction WHERE conv_id=$1 AND msg_signal_id=$2 AND author=$3"
	deleteAllReactionsQuery = "DELETE FROM reaction WHERE conv_id=$1"
)

func (r *Reaction) Scan(row dbutil.Scannable) (*Reaction, error) {
	err := row.Scan(&r.ConvID, &r.MsgSignalID, &r.Author, &r.MXID, &r.Emoji)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reaction) sqlVariables() []any {
	return []any{r.ConvID, r.MsgSignalID, r.Author, r.MXID, r.Emoji}
}

func (rq *ReactionQuery) Get(ctx context.Context, convID signalid.ConversationID, msgID signalid.MessageID, author signalid.UserID) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionQuery, convID, msgID, author)
}

func (rq *ReactionQuery) GetByMXID(ctx context.Context, convID signalid.ConversationID, mxid id.EventID) (*Reaction, error) {
	return rq.QueryOne(ctx, getReactionByMXIDQuery, convID, mxid)
}

func (rq *ReactionQuery) Upsert(ctx context.Context, reaction *Reaction) error {
	return rq.Exec(ctx, upsertReactionQuery, reaction.sqlVariables()...)
}

func (rq *ReactionQuery) Delete(ctx context.Context, convID signalid.ConversationID, msgID signalid.MessageID, author signalid.UserID) error {
	return rq.Exec(ctx, deleteReactionQuery, convID, msgID, author)
}

// DeleteAllInPortal removes every reaction mapping of a retired portal.
func (rq *ReactionQuery) DeleteAllInPortal(ctx context.Context, convID signalid.ConversationID) error {
	return rq.Exec(ctx, deleteAllReactionsQuery, convID)
}
