// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/store"
)

// Puppet is the in-memory handle for one ghost identity. It is shared by
// every portal that references the account; mu serializes profile work
// for this identity only, so updates for different identities never
// contend.
type Puppet struct {
	mu      sync.Mutex
	row     *store.Puppet
	mxid    id.UserID
	limiter *rate.Limiter

	registered bool
}

// MXID returns the ghost Matrix user ID.
func (puppet *Puppet) MXID() id.UserID {
	return puppet.mxid
}

// Name returns the cached display name.
func (puppet *Puppet) Name() string {
	puppet.mu.Lock()
	defer puppet.mu.Unlock()
	return puppet.row.Name
}

// PuppetRegistry maps Signal accounts to ghost identities, creating them
// on first use and keeping their profile metadata fresh without flooding
// the homeserver.
type PuppetRegistry struct {
	br  *Bridge
	log zerolog.Logger

	mu      sync.Mutex
	puppets map[uuid.UUID]*Puppet
}

func NewPuppetRegistry(br *Bridge) *PuppetRegistry {
	return &PuppetRegistry{
		br:      br,
		log:     br.Log.With().Str("component", "puppet_registry").Logger(),
		puppets: make(map[uuid.UUID]*Puppet),
	}
}

// Resolve returns the puppet for a Signal account, creating and
// registering the ghost on first use.
func (pr *PuppetRegistry) Resolve(ctx context.Context, acct uuid.UUID) (*Puppet, error) {
	pr.mu.Lock()
	puppet, ok := pr.puppets[acct]
	if !ok {
		puppet = &Puppet{
			mxid: pr.br.Config.GhostMXID(acct),
			// One token per refresh window, so at most one profile
			// update per identity per window regardless of traffic.
			limiter: rate.NewLimiter(rate.Every(pr.br.Config.ProfileRefreshWindow), 1),
		}
		pr.puppets[acct] = puppet
	}
	pr.mu.Unlock()

	puppet.mu.Lock()
	defer puppet.mu.Unlock()
	if puppet.row == nil {
		row, err := pr.br.DB.Puppet.Get(ctx, acct)
		if err != nil {
			return nil, fmt.Errorf("failed to get puppet %s: %w", acct, err)
		}
		if row == nil {
			row = &store.Puppet{UUID: acct}
			if err = pr.br.DB.Puppet.Upsert(ctx, row); err != nil {
				return nil, fmt.Errorf("failed to insert puppet %s: %w", acct, err)
			}
			pr.log.Debug().Str("account", acct.String()).Msg("Created puppet")
		}
		puppet.row = row
		// Seed the limiter so an identity refreshed recently in a past
		// run stays quiet for the rest of its window.
		if row.ProfileFetchedAt > 0 {
			elapsed := time.Since(time.UnixMilli(row.ProfileFetchedAt))
			if elapsed < pr.br.Config.ProfileRefreshWindow {
				puppet.limiter.ReserveN(time.Now(), 1)
			}
		}
	}
	if !puppet.registered {
		if err := pr.br.Matrix.EnsureRegistered(ctx, puppet.mxid); err != nil {
			return nil, fmt.Errorf("failed to register ghost %s: %w", puppet.mxid, err)
		}
		puppet.registered = true
	}
	if !puppet.row.NameSet {
		if err := pr.applyNameLocked(ctx, puppet); err != nil {
			pr.log.Warn().Err(err).Str("account", acct.String()).Msg("Failed to set initial ghost name")
		}
	}
	return puppet, nil
}

// SenderMXID returns the Matrix identity an event from the given account
// should be sent with: the account owner's own MXID when double
// puppeting is enabled, the ghost otherwise.
func (pr *PuppetRegistry) SenderMXID(ctx context.Context, acct uuid.UUID) (id.UserID, error) {
	user, err := pr.br.DB.User.GetBySignalUUID(ctx, acct)
	if err != nil {
		return "", fmt.Errorf("failed to look up user for %s: %w", acct, err)
	}
	if user != nil && user.DoublePuppeting() {
		return user.MXID, nil
	}
	puppet, err := pr.Resolve(ctx, acct)
	if err != nil {
		return "", err
	}
	return puppet.MXID(), nil
}

// Refresh updates the cached profile of an identity. Redundant updates
// are suppressed: an unchanged avatar hash and name short-circuit, and
// the per-identity limiter drops refreshes inside the freshness window.
func (pr *PuppetRegistry) Refresh(ctx context.Context, acct uuid.UUID, name, avatarHash, number string) error {
	puppet, err := pr.Resolve(ctx, acct)
	if err != nil {
		return err
	}
	puppet.mu.Lock()
	defer puppet.mu.Unlock()

	changed := (name != "" && name != puppet.row.Name) ||
		(avatarHash != "" && avatarHash != puppet.row.AvatarHash) ||
		(number != "" && number != puppet.row.Number)
	if !changed {
		return nil
	}
	if !puppet.limiter.Allow() {
		pr.log.Debug().Str("account", acct.String()).Msg("Suppressed profile refresh inside freshness window")
		return nil
	}

	if number != "" {
		puppet.row.Number = number
	}
	if name != "" && name != puppet.row.Name {
		puppet.row.Name = name
		puppet.row.NameSet = false
	}
	if avatarHash != "" && avatarHash != puppet.row.AvatarHash {
		puppet.row.AvatarHash = avatarHash
		puppet.row.AvatarSet = false
	}
	if !puppet.row.NameSet {
		if err = pr.applyNameLocked(ctx, puppet); err != nil {
			return err
		}
	}
	puppet.row.ProfileFetchedAt = time.Now().UnixMilli()
	if err = pr.br.DB.Puppet.Upsert(ctx, puppet.row); err != nil {
		return fmt.Errorf("failed to save puppet %s: %w", acct, err)
	}
	pr.log.Debug().
		Str("account", acct.String()).
		Str("name", puppet.row.Name).
		Msg("Refreshed puppet profile")
	return nil
}

// FetchProfile pulls the contact from the session and applies it. Used by
// portal metadata sync and the admin resync command.
func (pr *PuppetRegistry) FetchProfile(ctx context.Context, acct uuid.UUID) error {
	contact, err := pr.br.Signal.Session().GetContact(ctx, acct)
	if err != nil {
		return fmt.Errorf("failed to fetch contact %s: %w", acct, err)
	}
	return pr.Refresh(ctx, acct, contact.Name, contact.AvatarHash, contact.Number)
}

func (pr *PuppetRegistry) applyNameLocked(ctx context.Context, puppet *Puppet) error {
	name := pr.br.Config.FormatDisplayname(DisplaynameParams{
		Name:   puppet.row.Name,
		Number: puppet.row.Number,
		UUID:   puppet.row.UUID.String(),
	})
	if err := pr.br.Matrix.SetDisplayName(ctx, puppet.mxid, name); err != nil {
		return fmt.Errorf("failed to set ghost displayname: %w", err)
	}
	puppet.row.NameSet = true
	if err := pr.br.DB.Puppet.Upsert(ctx, puppet.row); err != nil {
		return fmt.Errorf("failed to save puppet: %w", err)
	}
	return nil
}
