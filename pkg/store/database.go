// Copyright 2024-2026 Aiku AI

// Package store is the durable state layer: portal table, puppet
// registry rows, linked users, message and reaction mappings, pending
// retries and handled transactions. All correlation guarantees the
// engine depends on are enforced here with database constraints rather
// than application checks.
package store

import (
	"context"
	"embed"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
)

//go:embed upgrades/*.sql
var rawUpgrades embed.FS

var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.RegisterFSPath(rawUpgrades, "upgrades")
}

// Database bundles the query helpers for all tables.
type Database struct {
	*dbutil.Database

	Portal      *PortalQuery
	Puppet      *PuppetQuery
	User        *UserQuery
	Message     *MessageQuery
	Reaction    *ReactionQuery
	Retry       *RetryQuery
	Transaction *TransactionQuery
}

// New wraps an open dbutil database with the bridge schema and helpers.
func New(db *dbutil.Database) *Database {
	db.UpgradeTable = UpgradeTable
	return &Database{
		Database:    db,
		Portal:      &PortalQuery{dbutil.MakeQueryHelper(db, newPortal)},
		Puppet:      &PuppetQuery{dbutil.MakeQueryHelper(db, newPuppet)},
		User:        &UserQuery{dbutil.MakeQueryHelper(db, newUser)},
		Message:     &MessageQuery{dbutil.MakeQueryHelper(db, newMessage)},
		Reaction:    &ReactionQuery{dbutil.MakeQueryHelper(db, newReaction)},
		Retry:       &RetryQuery{dbutil.MakeQueryHelper(db, newPendingRetry)},
		Transaction: &TransactionQuery{dbutil.MakeQueryHelper(db, newTransaction)},
	}
}

// Open connects to the configured database and runs schema upgrades.
func Open(ctx context.Context, cfg dbutil.Config, log zerolog.Logger) (*Database, error) {
	rawDB, err := dbutil.NewFromConfig("mautrix-signal", cfg, dbutil.ZeroLogger(log))
	if err != nil {
		return nil, err
	}
	db := New(rawDB)
	if err = db.Upgrade(ctx); err != nil {
		return nil, err
	}
	return db, nil
}
