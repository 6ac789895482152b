// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

// User is a real Matrix account that linked a Signal identity to the
// bridge. Distinct from a Puppet: a User owns a device session, a Puppet
// impersonates a third party.
type User struct {
	MXID              id.UserID
	SignalUUID        uuid.UUID
	SignalNumber      string
	DoublePuppetToken string
	ManagementRoom    id.RoomID
}

// DoublePuppeting reports whether the user's own messages should be sent
// with their native account instead of a ghost.
func (u *User) DoublePuppeting() bool {
	return u.DoublePuppetToken != ""
}

type UserQuery struct {
	*dbutil.QueryHelper[*User]
}

func newUser(_ *dbutil.QueryHelper[*User]) *User {
	return &User{}
}

const (
	userColumns = "mxid, signal_uuid, signal_number, double_puppet_token, management_room"

	getUserByMXIDQuery = `SELECT ` + userColumns + ` FROM "user" WHERE mxid=$1`
	getUserByUUIDQuery = `SELECT ` + userColumns + ` FROM "user" WHERE signal_uuid=$1`
	getAllUsersQuery   = `SELECT ` + userColumns + ` FROM "user"`

	upsertUserQuery = `
		INSERT INTO "user" (mxid, signal_uuid, signal_number, double_puppet_token, management_room)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (mxid) DO UPDATE SET
			signal_uuid=excluded.signal_uuid, signal_number=excluded.signal_number,
			double_puppet_token=excluded.double_puppet_token, management_room=excluded.management_room
	`
	deleteUserQuery = `DELETE FROM "user" WHERE mxid=$1`
)

func (u *User) Scan(row dbutil.Scannable) (*User, error) {
	var signalUUID, signalNumber, token, managementRoom sql.NullString
	err := row.Scan(&u.MXID, &signalUUID, &signalNumber, &token, &managementRoom)
	if err != nil {
		return nil, err
	}
	if signalUUID.Valid {
		u.SignalUUID, err = uuid.Parse(signalUUID.String)
		if err != nil {
			return nil, err
		}
	}
	u.SignalNumber = signalNumber.String
	u.DoublePuppetToken = token.String
	u.ManagementRoom = id.RoomID(managementRoom.String)
	return u, nil
}

func (u *User) sqlVariables() []any {
	var signalUUID *string
	if u.SignalUUID != uuid.Nil {
		signalUUID = dbutil.StrPtr(u.SignalUUID.String())
	}
	return []any{
		u.MXID, signalUUID, dbutil.StrPtr(u.SignalNumber),
		dbutil.StrPtr(u.DoublePuppetToken), dbutil.StrPtr(string(u.ManagementRoom)),
	}
}

func (uq *UserQuery) GetByMXID(ctx context.Context, mxid id.UserID) (*User, error) {
	return uq.QueryOne(ctx, getUserByMXIDQuery, mxid)
}

func (uq *UserQuery) GetBySignalUUID(ctx context.Context, acct uuid.UUID) (*User, error) {
	return uq.QueryOne(ctx, getUserByUUIDQuery, acct.String())
}

func (uq *UserQuery) GetAll(ctx context.Context) ([]*User, error) {
	return uq.QueryMany(ctx, getAllUsersQuery)
}

func (uq *UserQuery) Upsert(ctx context.Context, user *User) error {
	return uq.Exec(ctx, upsertUserQuery, user.sqlVariables()...)
}

// Delete removes the user link. Portals and mappings the user
// participated in are intentionally left untouched.
func (uq *UserQuery) Delete(ctx context.Context, mxid id.UserID) error {
	return uq.Exec(ctx, deleteUserQuery, mxid)
}
