// Copyright 2024-2026 Aiku AI

package signal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Manager wraps a Session and surfaces its lifecycle to the engine. The
// event sink is the dispatcher's routing entrypoint; the state sink turns
// connect/disconnect/relink into user state transitions.
type Manager struct {
	session Session
	log     zerolog.Logger

	eventSink func(Event)
	stateSink func(ConnectionState)

	mu      sync.Mutex
	state   ConnectionState
	account uuid.UUID

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewManager creates a manager around an existing session.
func NewManager(session Session, log zerolog.Logger) *Manager {
	return &Manager{
		session:  session,
		log:      log.With().Str("component", "signal_manager").Logger(),
		state:    ConnectionDisconnected,
		stopChan: make(chan struct{}),
	}
}

// OnEvent sets the inbound event sink. Must be called before Start.
func (m *Manager) OnEvent(fn func(Event)) {
	m.eventSink = fn
}

// OnConnectionState sets the lifecycle sink.
func (m *Manager) OnConnectionState(fn func(ConnectionState)) {
	m.stateSink = fn
}

// Start hooks the session callbacks and connects.
func (m *Manager) Start(ctx context.Context) error {
	if m.eventSink == nil {
		return fmt.Errorf("event sink not set")
	}
	m.session.OnEvent(m.handleEvent)
	m.session.OnConnectionState(m.handleConnectionState)
	if err := m.session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect session: %w", err)
	}
	return nil
}

// Stop disconnects the session. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		if err := m.session.Disconnect(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to disconnect session")
		}
	})
}

// Session returns the underlying session for outbound calls.
func (m *Manager) Session() Session {
	return m.session
}

// State returns the last observed connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Account returns the linked account UUID, or uuid.Nil before linking.
func (m *Manager) Account() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account
}

// Link performs first-time device linking and records the account.
func (m *Manager) Link(ctx context.Context, deviceName string) (uuid.UUID, error) {
	acct, err := m.session.Link(ctx, deviceName)
	if err != nil {
		return uuid.Nil, fmt.Errorf("link failed: %w", err)
	}
	m.mu.Lock()
	m.account = acct
	m.mu.Unlock()
	m.log.Info().Str("account", acct.String()).Msg("Device linked")
	return acct, nil
}

// Relink re-establishes an expired device link.
func (m *Manager) Relink(ctx context.Context) error {
	if err := m.session.Relink(ctx); err != nil {
		return fmt.Errorf("relink failed: %w", err)
	}
	m.log.Info().Msg("Device relinked")
	return nil
}

// Unlink removes the device link.
func (m *Manager) Unlink(ctx context.Context) error {
	if err := m.session.Unlink(ctx); err != nil {
		return fmt.Errorf("unlink failed: %w", err)
	}
	m.handleConnectionState(ConnectionUnlinked)
	return nil
}

func (m *Manager) handleEvent(ev Event) {
	select {
	case <-m.stopChan:
		return
	default:
	}
	m.eventSink(ev)
}

func (m *Manager) handleConnectionState(state ConnectionState) {
	m.mu.Lock()
	prev := m.state
	m.state = state
	m.mu.Unlock()
	if prev != state {
		m.log.Info().Str("prev", string(prev)).Str("state", string(state)).Msg("Connection state changed")
		if m.stateSink != nil {
			m.stateSink(state)
		}
	}
}
