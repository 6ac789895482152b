// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"
)

// Puppet is the durable half of a ghost: one Signal account mirrored as
// a Matrix user, with cached profile metadata. The UUID is the key; the
// phone number is a display fallback that may arrive later.
type Puppet struct {
	UUID             uuid.UUID
	Number           string
	Name             string
	NameSet          bool
	AvatarHash       string
	AvatarSet        bool
	ProfileFetchedAt int64
}

type PuppetQuery struct {
	*dbutil.QueryHelper[*Puppet]
}

func newPuppet(_ *dbutil.QueryHelper[*Puppet]) *Puppet {
	return &Puppet{}
}

const (
	puppetColumns = "uuid, number, name, name_set, avatar_hash, avatar_set, profile_fetched_at"

	getPuppetQuery = "SELECT " + puppetColumns + " FROM puppet WHERE uuid=$1"

	upsertPuppetQuery = `
		INSERT INTO puppet (uuid, number, name, name_set, avatar_hash, avatar_set, profile_fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (uuid) DO UPDATE SET
			number=excluded.number, name=excluded.name, name_set=excluded.name_set,
			avatar_hash=excluded.avatar_hash, avatar_set=excluded.avatar_set,
			profile_fetched_at=excluded.profile_fetched_at
	`
)

func (p *Puppet) Scan(row dbutil.Scannable) (*Puppet, error) {
	var rawUUID string
	var number sql.NullString
	err := row.Scan(&rawUUID, &number, &p.Name, &p.NameSet, &p.AvatarHash, &p.AvatarSet, &p.ProfileFetchedAt)
	if err != nil {
		return nil, err
	}
	p.UUID, err = uuid.Parse(rawUUID)
	if err != nil {
		return nil, err
	}
	p.Number = number.String
	return p, nil
}

func (p *Puppet) sqlVariables() []any {
	return []any{
		p.UUID.String(), dbutil.StrPtr(p.Number), p.Name, p.NameSet,
		p.AvatarHash, p.AvatarSet, p.ProfileFetchedAt,
	}
}

func (pq *PuppetQuery) Get(ctx context.Context, acct uuid.UUID) (*Puppet, error) {
	return pq.QueryOne(ctx, getPuppetQuery, acct.String())
}

func (pq *PuppetQuery) Upsert(ctx context.Context, puppet *Puppet) error {
	return pq.Exec(ctx, upsertPuppetQuery, puppet.sqlVariables()...)
}
