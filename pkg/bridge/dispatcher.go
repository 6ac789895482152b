// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/signal"
	"github.com/aiku/mautrix-signal/pkg/signalid"
	"github.com/aiku/mautrix-signal/pkg/store"
)

// Dispatcher routes every inbound event to the owning portal's queue,
// creating the portal on first contact. It guarantees at most one Portal
// object per conversation pair.
type Dispatcher struct {
	br  *Bridge
	log zerolog.Logger

	mu     sync.Mutex
	byConv map[signalid.ConversationID]*Portal
	byRoom map[id.RoomID]*Portal
	// seenTxns fronts the durable handled_transaction table so replayed
	// transactions in steady state never hit the database.
	seenTxns map[string]struct{}

	wg sync.WaitGroup
}

func NewDispatcher(br *Bridge) *Dispatcher {
	return &Dispatcher{
		br:       br,
		log:      br.Log.With().Str("component", "dispatcher").Logger(),
		byConv:   make(map[signalid.ConversationID]*Portal),
		byRoom:   make(map[id.RoomID]*Portal),
		seenTxns: make(map[string]struct{}),
	}
}

// LoadPortals restores every non-retired portal from the store and starts
// its pipeline, so pending retries and deferred work have a home after a
// restart.
func (d *Dispatcher) LoadPortals(ctx context.Context) error {
	rows, err := d.br.DB.Portal.GetAll(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		portal := newPortal(d.br, row)
		d.mu.Lock()
		d.byConv[row.ConvID] = portal
		if row.MXID != "" {
			d.byRoom[row.MXID] = portal
		}
		d.mu.Unlock()
		d.startPortal(portal)
	}
	d.log.Info().Int("count", len(rows)).Msg("Loaded portals")
	return nil
}

func (d *Dispatcher) startPortal(portal *Portal) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		portal.run()
	}()
}

// RouteRemote is the session manager's event sink. An event for an
// unknown conversation only creates a portal when it is a message;
// anything else referencing no portal is background noise.
func (d *Dispatcher) RouteRemote(ev signal.Event) {
	ctx := d.log.WithContext(context.Background())
	creatable := ev.Kind() == signal.EventMessage
	portal, err := d.portal(ctx, ev.Conversation(), creatable)
	if err != nil {
		d.log.Err(err).Str("conversation", string(ev.Conversation())).Msg("Failed to resolve portal")
		return
	}
	if portal == nil {
		d.log.Debug().
			Str("conversation", string(ev.Conversation())).
			Str("kind", string(ev.Kind())).
			Msg("Dropping event for unknown conversation")
		d.br.Metrics.RecordEventDropped("no_portal")
		return
	}
	portal.enqueue(&queuedEvent{remote: ev})
}

// RouteMatrix routes one homeserver event. Unknown rooms and unlinked
// senders are noise, not errors.
func (d *Dispatcher) RouteMatrix(ctx context.Context, evt *event.Event) {
	portal := d.portalByRoom(ctx, evt.RoomID)
	if portal == nil {
		d.log.Debug().Str("room_id", evt.RoomID.String()).Msg("Dropping event for unknown room")
		d.br.Metrics.RecordEventDropped("no_portal")
		return
	}
	if d.isBridgeGhost(evt.Sender) {
		// Our own appservice traffic echoed back through the
		// transaction stream.
		return
	}
	user, err := d.br.DB.User.GetByMXID(ctx, evt.Sender)
	if err != nil {
		d.log.Err(err).Str("sender", evt.Sender.String()).Msg("Failed to look up user")
		return
	}
	if user == nil {
		d.log.Debug().Str("sender", evt.Sender.String()).Msg("Dropping event from unlinked sender")
		d.br.Metrics.RecordEventDropped("unlinked_sender")
		return
	}
	portal.enqueue(&queuedEvent{matrix: &matrixEvent{evt: evt, user: user}})
}

// HandleTransaction ingests one homeserver transaction. Replaying a
// transaction ID is a no-op.
func (d *Dispatcher) HandleTransaction(ctx context.Context, txnID string, events []*event.Event) error {
	d.mu.Lock()
	_, seen := d.seenTxns[txnID]
	d.mu.Unlock()
	if !seen {
		handled, err := d.br.DB.Transaction.IsHandled(ctx, txnID)
		if err != nil {
			return fmt.Errorf("failed to check transaction %s: %w", txnID, err)
		}
		seen = handled
	}
	if seen {
		d.log.Debug().Str("txn_id", txnID).Msg("Ignoring replayed transaction")
		return nil
	}

	for _, evt := range events {
		d.RouteMatrix(ctx, evt)
	}

	if err := d.br.DB.Transaction.MarkHandled(ctx, txnID); err != nil {
		return fmt.Errorf("failed to record transaction %s: %w", txnID, err)
	}
	d.mu.Lock()
	d.seenTxns[txnID] = struct{}{}
	d.mu.Unlock()
	return nil
}

// HandleMatrixTyping forwards a typing EDU for a room.
func (d *Dispatcher) HandleMatrixTyping(ctx context.Context, roomID id.RoomID, typingUsers []id.UserID) {
	portal := d.portalByRoom(ctx, roomID)
	if portal == nil {
		return
	}
	for _, userID := range typingUsers {
		if d.isBridgeGhost(userID) {
			continue
		}
		user, err := d.br.DB.User.GetByMXID(ctx, userID)
		if err != nil || user == nil {
			continue
		}
		portal.enqueue(&queuedEvent{typing: &typingUpdate{stopped: false}})
		return
	}
	portal.enqueue(&queuedEvent{typing: &typingUpdate{stopped: true}})
}

// HandleMatrixReceipt forwards a read receipt EDU.
func (d *Dispatcher) HandleMatrixReceipt(ctx context.Context, roomID id.RoomID, userID id.UserID, eventID id.EventID) {
	portal := d.portalByRoom(ctx, roomID)
	if portal == nil || d.isBridgeGhost(userID) {
		return
	}
	user, err := d.br.DB.User.GetByMXID(ctx, userID)
	if err != nil || user == nil {
		return
	}
	portal.enqueue(&queuedEvent{receipt: &receiptUpdate{user: user, eventID: eventID}})
}

// PortalByConvID returns the running portal for a conversation, if any.
// Used by the admin API and the retry manager.
func (d *Dispatcher) PortalByConvID(ctx context.Context, convID signalid.ConversationID) *Portal {
	portal, err := d.portal(ctx, convID, false)
	if err != nil {
		d.log.Err(err).Str("conversation", string(convID)).Msg("Failed to resolve portal")
		return nil
	}
	return portal
}

// NotifyAll posts a bridge notice into every portal room.
func (d *Dispatcher) NotifyAll(ctx context.Context, text string) {
	d.mu.Lock()
	portals := make([]*Portal, 0, len(d.byRoom))
	for _, portal := range d.byRoom {
		portals = append(portals, portal)
	}
	d.mu.Unlock()
	for _, portal := range portals {
		if _, err := d.br.Matrix.SendNotice(ctx, portal.MXID(), text); err != nil {
			d.log.Warn().Err(err).Str("room_id", portal.MXID().String()).Msg("Failed to send notice")
		}
	}
}

// Stop closes every portal queue and waits for the pipelines to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	for _, portal := range d.byConv {
		portal.closeQueue()
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// portal resolves (or creates) the portal owning a conversation. Creation
// is a test-and-set on the conversation key: the losing goroutine
// discards its candidate and returns the winner.
func (d *Dispatcher) portal(ctx context.Context, convID signalid.ConversationID, creatable bool) (*Portal, error) {
	d.mu.Lock()
	if portal, ok := d.byConv[convID]; ok {
		d.mu.Unlock()
		return portal, nil
	}
	d.mu.Unlock()

	row, err := d.br.DB.Portal.GetByConvID(ctx, convID)
	if err != nil {
		return nil, fmt.Errorf("failed to get portal %s: %w", convID, err)
	}
	created := false
	if row == nil {
		if !creatable {
			return nil, nil
		}
		kind := store.PortalDM
		if signalid.IsGroup(convID) {
			kind = store.PortalGroup
		}
		row = &store.Portal{ConvID: convID, Kind: kind, State: store.PortalUninitialized}
		created = true
	}
	if row.State == store.PortalRetired {
		return nil, nil
	}

	candidate := newPortal(d.br, row)
	d.mu.Lock()
	if winner, ok := d.byConv[convID]; ok {
		d.mu.Unlock()
		return winner, nil
	}
	d.byConv[convID] = candidate
	if row.MXID != "" {
		d.byRoom[row.MXID] = candidate
	}
	d.mu.Unlock()

	if created {
		if err = d.br.DB.Portal.Insert(ctx, row); err != nil {
			d.mu.Lock()
			delete(d.byConv, convID)
			d.mu.Unlock()
			return nil, fmt.Errorf("failed to insert portal %s: %w", convID, err)
		}
		d.log.Info().Str("conversation", string(convID)).Msg("Created portal")
	}
	d.startPortal(candidate)
	return candidate, nil
}

func (d *Dispatcher) portalByRoom(ctx context.Context, roomID id.RoomID) *Portal {
	d.mu.Lock()
	portal, ok := d.byRoom[roomID]
	d.mu.Unlock()
	if ok {
		return portal
	}
	row, err := d.br.DB.Portal.GetByMXID(ctx, roomID)
	if err != nil {
		d.log.Err(err).Str("room_id", roomID.String()).Msg("Failed to get portal by room")
		return nil
	}
	if row == nil {
		return nil
	}
	resolved, err := d.portal(ctx, row.ConvID, false)
	if err != nil {
		return nil
	}
	return resolved
}

// registerRoom records a freshly created room for room-keyed routing.
func (d *Dispatcher) registerRoom(portal *Portal) {
	d.mu.Lock()
	d.byRoom[portal.MXID()] = portal
	d.mu.Unlock()
}

// isBridgeGhost reports whether an MXID belongs to this bridge's ghost
// namespace.
func (d *Dispatcher) isBridgeGhost(userID id.UserID) bool {
	localpart, domain, err := userID.Parse()
	if err != nil || domain != d.br.Config.Domain {
		return false
	}
	return strings.HasPrefix(localpart, d.br.Config.UserPrefix+"_")
}
