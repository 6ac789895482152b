// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

// PortalState is the state tag of a bridged room pair.
type PortalState string

const (
	PortalUninitialized PortalState = "uninitialized"
	PortalSyncing       PortalState = "syncing"
	PortalActive        PortalState = "active"
	PortalBackfilling   PortalState = "backfilling"
	PortalError         PortalState = "error"
	PortalRetired       PortalState = "retired"
)

// PortalKind distinguishes direct chats from groups.
type PortalKind string

const (
	PortalDM    PortalKind = "dm"
	PortalGroup PortalKind = "group"
)

// Portal is one bridged conversation pair.
type Portal struct {
	ConvID       signalid.ConversationID
	MXID         id.RoomID
	Kind         PortalKind
	State        PortalState
	Name         string
	Topic        string
	AvatarHash   string
	Roster       []signalid.UserID
	LastRemoteTS uint64
}

type PortalQuery struct {
	*dbutil.QueryHelper[*Portal]
}

func newPortal(_ *dbutil.QueryHelper[*Portal]) *Portal {
	return &Portal{}
}

const (
	portalColumns = "conv_id, mxid, kind, state, name, topic, avatar_hash, roster, last_remote_ts"

	getPortalByConvQuery = "SELECT " + portalColumns + " FROM portal WHERE conv_id=$1"
	getPortalByMXIDQuery = "SELECT " + portalColumns + " FROM portal WHERE mxid=$1"
	getAllPortalsQuery   = "SELECT " + portalColumns + " FROM portal WHERE state<>'retired'"

	insertPortalQuery = `
		INSERT INTO portal (conv_id, mxid, kind, state, name, topic, avatar_hash, roster, last_remote_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	updatePortalQuery = `
		UPDATE portal
		SET mxid=$2, kind=$3, state=$4, name=$5, topic=$6, avatar_hash=$7, roster=$8, last_remote_ts=$9
		WHERE conv_id=$1
	`
	deletePortalQuery = "DELETE FROM portal WHERE conv_id=$1"
)

func (p *Portal) Scan(row dbutil.Scannable) (*Portal, error) {
	var mxid sql.NullString
	var roster string
	var lastRemoteTS int64
	err := row.Scan(&p.ConvID, &mxid, &p.Kind, &p.State, &p.Name, &p.Topic, &p.AvatarHash, &roster, &lastRemoteTS)
	if err != nil {
		return nil, err
	}
	p.MXID = id.RoomID(mxid.String)
	p.LastRemoteTS = uint64(lastRemoteTS)
	if err = json.Unmarshal([]byte(roster), &p.Roster); err != nil {
		return nil, fmt.Errorf("failed to parse portal roster: %w", err)
	}
	return p, nil
}

func (p *Portal) sqlVariables() []any {
	roster, _ := json.Marshal(p.Roster)
	if p.Roster == nil {
		roster = []byte("[]")
	}
	return []any{
		p.ConvID, dbutil.StrPtr(string(p.MXID)), p.Kind, p.State,
		p.Name, p.Topic, p.AvatarHash, string(roster), int64(p.LastRemoteTS),
	}
}

func (pq *PortalQuery) GetByConvID(ctx context.Context, convID signalid.ConversationID) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByConvQuery, convID)
}

func (pq *PortalQuery) GetByMXID(ctx context.Context, mxid id.RoomID) (*Portal, error) {
	return pq.QueryOne(ctx, getPortalByMXIDQuery, mxid)
}

func (pq *PortalQuery) GetAll(ctx context.Context) ([]*Portal, error) {
	return pq.QueryMany(ctx, getAllPortalsQuery)
}

func (pq *PortalQuery) Insert(ctx context.Context, portal *Portal) error {
	return pq.Exec(ctx, insertPortalQuery, portal.sqlVariables()...)
}

func (pq *PortalQuery) Update(ctx context.Context, portal *Portal) error {
	return pq.Exec(ctx, updatePortalQuery, portal.sqlVariables()...)
}

// Delete removes the portal row. Mappings, reactions and pending retries
// cascade with it.
func (pq *PortalQuery) Delete(ctx context.Context, convID signalid.ConversationID) error {
	return pq.Exec(ctx, deletePortalQuery, convID)
}
