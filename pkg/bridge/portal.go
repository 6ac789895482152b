// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/bridge/signalfmt"
	"github.com/aiku/mautrix-signal/pkg/signal"
	"github.com/aiku/mautrix-signal/pkg/signalid"
	"github.com/aiku/mautrix-signal/pkg/store"
)

// command is an out-of-band pipeline instruction that shares the queue
// with events so it observes the same total order.
type command int

const (
	cmdNone command = iota
	cmdResync
	cmdRetire
	cmdBackfillStart
	cmdBackfillDone
)

// matrixEvent pairs a homeserver event with the resolved bridge user who
// sent it.
type matrixEvent struct {
	evt  *event.Event
	user *store.User
}

type typingUpdate struct {
	stopped bool
}

type receiptUpdate struct {
	user    *store.User
	eventID id.EventID
}

// queuedEvent is one unit of pipeline work. Exactly one payload field is
// set.
type queuedEvent struct {
	remote     signal.Event
	historical bool
	matrix     *matrixEvent
	typing     *typingUpdate
	receipt    *receiptUpdate
	cmd        command
	// flush is a barrier: closed when every earlier queue entry has been
	// handled.
	flush chan struct{}
	// retry is set when the retry manager re-dispatches a persisted
	// action; it carries the attempt count.
	retry *store.PendingRetry
}

type deferredAction struct {
	qe      *queuedEvent
	expires time.Time
}

// Portal owns one bridged conversation pair: its durable row, its state
// machine and its serialized pipeline. All row mutations happen on the
// pipeline goroutine; rowMu only protects the occasional cross-goroutine
// read.
type Portal struct {
	br  *Bridge
	log zerolog.Logger

	rowMu sync.Mutex
	row   *store.Portal

	queue     chan *queuedEvent
	closeMu   sync.RWMutex
	closed    bool
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	// deferredRemote holds edits, deletions and reactions from Signal
	// whose target mapping has not been written yet, keyed by the target
	// message key. deferredLocal is the same for Matrix-side events,
	// keyed by the target event ID. Both are flushed on mapping writes
	// and expired after the deferral window.
	deferredRemote map[signalid.MessageID][]deferredAction
	deferredLocal  map[id.EventID][]deferredAction

	backfillMu      sync.Mutex
	backfillRunning bool
}

func newPortal(br *Bridge, row *store.Portal) *Portal {
	return &Portal{
		br: br,
		log: br.Log.With().
			Str("component", "portal").
			Str("conversation", string(row.ConvID)).
			Logger(),
		row:            row,
		queue:          make(chan *queuedEvent, br.Config.PortalQueueSize),
		closing:        make(chan struct{}),
		done:           make(chan struct{}),
		deferredRemote: make(map[signalid.MessageID][]deferredAction),
		deferredLocal:  make(map[id.EventID][]deferredAction),
	}
}

// ConvID returns the Signal conversation key. Immutable.
func (portal *Portal) ConvID() signalid.ConversationID {
	return portal.row.ConvID
}

// MXID returns the Matrix room, or empty before pairing completes.
func (portal *Portal) MXID() id.RoomID {
	portal.rowMu.Lock()
	defer portal.rowMu.Unlock()
	return portal.row.MXID
}

// State returns the current state tag.
func (portal *Portal) State() store.PortalState {
	portal.rowMu.Lock()
	defer portal.rowMu.Unlock()
	return portal.row.State
}

func (portal *Portal) lastRemoteTS() uint64 {
	portal.rowMu.Lock()
	defer portal.rowMu.Unlock()
	return portal.row.LastRemoteTS
}

// enqueue blocks while the queue is full: backpressure reaches the
// dispatcher rather than dropping events. Returns false once the portal
// stopped accepting work.
func (portal *Portal) enqueue(qe *queuedEvent) bool {
	portal.closeMu.RLock()
	defer portal.closeMu.RUnlock()
	if portal.closed {
		return false
	}
	// closing unblocks senders stuck on a full queue so a retiring
	// pipeline is never waiting on its own producers for the write lock.
	select {
	case portal.queue <- qe:
		return true
	case <-portal.closing:
		return false
	}
}

// closeQueue stops accepting new work. The pipeline drains what is
// already queued and then exits. Safe to call from the pipeline itself.
func (portal *Portal) closeQueue() {
	portal.closeOnce.Do(func() {
		close(portal.closing)
		portal.closeMu.Lock()
		portal.closed = true
		close(portal.queue)
		portal.closeMu.Unlock()
	})
}

// Flush waits until every event queued before the call has been handled.
func (portal *Portal) Flush() {
	barrier := make(chan struct{})
	if !portal.enqueue(&queuedEvent{flush: barrier}) {
		return
	}
	<-barrier
}

func (portal *Portal) run() {
	portal.br.Metrics.PortalStarted()
	defer portal.br.Metrics.PortalStopped()
	for qe := range portal.queue {
		if qe.flush != nil {
			close(qe.flush)
			continue
		}
		// The shared semaphore bounds handler concurrency across all
		// portals; within this portal everything stays strictly serial.
		portal.br.workers <- struct{}{}
		portal.handle(context.Background(), qe)
		<-portal.br.workers
	}
	close(portal.done)
}

func (portal *Portal) handle(ctx context.Context, qe *queuedEvent) {
	start := time.Now()
	var err error
	var direction, kind string
	switch {
	case qe.cmd != cmdNone:
		portal.handleCommand(ctx, qe.cmd)
	case qe.remote != nil:
		direction, kind = "to_matrix", string(qe.remote.Kind())
		if portal.acceptsTraffic() {
			err = portal.handleRemote(ctx, qe)
		} else {
			portal.dropDiagnostic(qe, "portal not accepting traffic")
		}
	case qe.matrix != nil:
		direction, kind = "to_signal", qe.matrix.evt.Type.Type
		if portal.acceptsTraffic() {
			err = portal.handleMatrix(ctx, qe)
		} else {
			portal.dropDiagnostic(qe, "portal not accepting traffic")
		}
	case qe.typing != nil:
		if portal.acceptsTraffic() {
			err = portal.br.Signal.Session().SendTyping(ctx, portal.row.ConvID, qe.typing.stopped)
		}
	case qe.receipt != nil:
		if portal.acceptsTraffic() {
			err = portal.handleMatrixReceipt(ctx, qe.receipt)
		}
	}
	if err != nil {
		portal.handleError(ctx, qe, err)
	} else if qe.retry != nil {
		portal.br.Retry.Complete(ctx, qe.retry)
	}
	if direction != "" {
		portal.br.Metrics.RecordEventHandled(direction, kind, time.Since(start))
	}
	portal.expireDeferred()
}

// acceptsTraffic reports whether normal events may be processed in the
// current state. error and retired portals only react to commands.
func (portal *Portal) acceptsTraffic() bool {
	switch portal.row.State {
	case store.PortalError, store.PortalRetired:
		return false
	default:
		return true
	}
}

func (portal *Portal) handleCommand(ctx context.Context, cmd command) {
	switch cmd {
	case cmdResync:
		if portal.row.State == store.PortalRetired {
			return
		}
		portal.setState(ctx, store.PortalSyncing)
		if err := portal.syncMetadata(ctx); err != nil {
			portal.log.Err(err).Msg("Resync failed")
			if _, ok := errStructural(err); ok {
				portal.setState(ctx, store.PortalError)
			}
			return
		}
		portal.setState(ctx, store.PortalActive)
		portal.log.Info().Msg("Portal resynced")
	case cmdRetire:
		portal.retireLocked(ctx)
	case cmdBackfillStart:
		if portal.row.State == store.PortalActive {
			portal.setState(ctx, store.PortalBackfilling)
		}
	case cmdBackfillDone:
		if portal.row.State == store.PortalBackfilling {
			portal.setState(ctx, store.PortalActive)
		}
	}
}

func (portal *Portal) setState(ctx context.Context, state store.PortalState) {
	portal.rowMu.Lock()
	prev := portal.row.State
	portal.row.State = state
	portal.rowMu.Unlock()
	if prev != state {
		portal.log.Debug().
			Str("prev", string(prev)).
			Str("state", string(state)).
			Msg("Portal state changed")
	}
	if err := portal.br.DB.Portal.Update(ctx, portal.row); err != nil {
		portal.log.Err(err).Msg("Failed to save portal state")
	}
}

func (portal *Portal) save(ctx context.Context) {
	if err := portal.br.DB.Portal.Update(ctx, portal.row); err != nil {
		portal.log.Err(err).Msg("Failed to save portal")
	}
}

func (portal *Portal) dropDiagnostic(qe *queuedEvent, reason string) {
	logEvt := portal.log.Debug().Str("reason", reason)
	if qe.remote != nil {
		logEvt = logEvt.Str("kind", string(qe.remote.Kind()))
	} else if qe.matrix != nil {
		logEvt = logEvt.Str("event_id", qe.matrix.evt.ID.String())
	}
	logEvt.Msg("Dropped event")
	portal.br.Metrics.RecordEventDropped(reason)
}

func (portal *Portal) handleError(ctx context.Context, qe *queuedEvent, err error) {
	if se, ok := errStructural(err); ok {
		portal.log.Err(err).Msg("Structural fault, moving portal to error state")
		portal.setState(ctx, store.PortalError)
		if portal.row.MXID != "" {
			if _, nerr := portal.br.Matrix.SendNotice(ctx, portal.row.MXID, "⚠ "+se.Notice); nerr != nil {
				portal.log.Warn().Err(nerr).Msg("Failed to send fault notice")
			}
		}
		if qe.retry != nil {
			portal.br.Retry.Complete(ctx, qe.retry)
		}
		return
	}
	if isTransient(err) && retryable(qe) {
		portal.log.Warn().Err(err).Msg("Transient failure, scheduling retry")
		portal.br.Retry.Schedule(ctx, portal, qe)
		return
	}
	portal.log.Err(err).Msg("Dropping event after permanent failure")
	portal.br.Metrics.RecordEventDropped("permanent_error")
	if qe.retry != nil {
		portal.br.Retry.Complete(ctx, qe.retry)
	}
}

// retryable reports whether the event is worth persisting for a backoff
// retry. Ephemeral signals (typing, receipts) are not.
func retryable(qe *queuedEvent) bool {
	switch {
	case qe.remote != nil:
		switch qe.remote.Kind() {
		case signal.EventMessage, signal.EventEdit, signal.EventDelete, signal.EventReaction:
			return true
		}
		return false
	case qe.matrix != nil:
		return true
	default:
		return false
	}
}

// ensurePaired walks uninitialized→syncing→active before the first real
// event is relayed.
func (portal *Portal) ensurePaired(ctx context.Context) error {
	switch portal.row.State {
	case store.PortalUninitialized:
		portal.setState(ctx, store.PortalSyncing)
	case store.PortalSyncing:
	default:
		return nil
	}
	if err := portal.syncMetadata(ctx); err != nil {
		return err
	}
	portal.setState(ctx, store.PortalActive)
	if portal.br.Config.BackfillEnabled {
		portal.triggerBackfill()
	}
	return nil
}

// syncMetadata resolves conversation metadata from Signal, creates the
// Matrix room if it does not exist yet, and reconciles name, topic and
// ghost membership.
func (portal *Portal) syncMetadata(ctx context.Context) error {
	var name, topic string
	var members []signalid.UserID
	if signalid.IsGroup(portal.row.ConvID) {
		info, err := portal.br.Signal.Session().GetGroupInfo(ctx, portal.row.ConvID)
		if err != nil {
			if isTransient(err) {
				return fmt.Errorf("failed to fetch group info: %w", err)
			}
			return &StructuralError{Notice: "Signal group is no longer accessible", Err: err}
		}
		name, topic = info.Name, info.Topic
		for _, member := range info.Members {
			members = append(members, signalid.MakeUserID(member))
		}
	} else {
		peer, err := signalid.DMPeer(portal.row.ConvID)
		if err != nil {
			return &StructuralError{Notice: "Conversation identifier is malformed", Err: err}
		}
		contact, err := portal.br.Signal.Session().GetContact(ctx, peer)
		if err != nil {
			if isTransient(err) {
				return fmt.Errorf("failed to fetch contact: %w", err)
			}
			return &StructuralError{Notice: "Signal contact is no longer reachable", Err: err}
		}
		name = portal.br.Config.FormatDisplayname(DisplaynameParams{
			Name:   contact.Name,
			Number: contact.Number,
			UUID:   peer.String(),
		})
		members = []signalid.UserID{signalid.MakeUserID(peer)}
		if err = portal.br.Puppets.Refresh(ctx, peer, contact.Name, contact.AvatarHash, contact.Number); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to refresh DM peer puppet")
		}
	}

	if portal.row.MXID == "" {
		if err := portal.createRoom(ctx, name, topic, members); err != nil {
			return err
		}
	} else {
		if name != "" && name != portal.row.Name {
			if err := portal.br.Matrix.SetRoomName(ctx, portal.row.MXID, name); err != nil {
				portal.log.Warn().Err(err).Msg("Failed to update room name")
			}
		}
		if topic != portal.row.Topic {
			if err := portal.br.Matrix.SetRoomTopic(ctx, portal.row.MXID, topic); err != nil {
				portal.log.Warn().Err(err).Msg("Failed to update room topic")
			}
		}
	}

	if err := portal.syncGhosts(ctx, members); err != nil {
		return err
	}

	portal.rowMu.Lock()
	portal.row.Name = name
	portal.row.Topic = topic
	portal.row.Roster = members
	portal.rowMu.Unlock()
	portal.save(ctx)
	return nil
}

func (portal *Portal) createRoom(ctx context.Context, name, topic string, members []signalid.UserID) error {
	req := &RoomCreateRequest{
		Name:     name,
		Topic:    topic,
		IsDirect: portal.row.Kind == store.PortalDM,
	}
	for _, member := range members {
		acct, err := signalid.ParseUserID(member)
		if err != nil {
			continue
		}
		puppet, err := portal.br.Puppets.Resolve(ctx, acct)
		if err != nil {
			return fmt.Errorf("failed to resolve ghost for room creation: %w", err)
		}
		req.Invite = append(req.Invite, puppet.MXID())
		if req.Creator == "" {
			req.Creator = puppet.MXID()
		}
	}
	users, err := portal.br.DB.User.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to list bridge users: %w", err)
	}
	for _, user := range users {
		req.Invite = append(req.Invite, user.MXID)
	}
	roomID, err := portal.br.Matrix.CreateRoom(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to create room: %w", err)
	}
	portal.rowMu.Lock()
	portal.row.MXID = roomID
	portal.rowMu.Unlock()
	portal.save(ctx)
	portal.br.Dispatcher.registerRoom(portal)
	portal.log.Info().Str("room_id", roomID.String()).Msg("Created Matrix room")
	return nil
}

func (portal *Portal) syncGhosts(ctx context.Context, members []signalid.UserID) error {
	for _, member := range members {
		acct, err := signalid.ParseUserID(member)
		if err != nil {
			continue
		}
		puppet, err := portal.br.Puppets.Resolve(ctx, acct)
		if err != nil {
			return fmt.Errorf("failed to resolve ghost %s: %w", member, err)
		}
		if err = portal.br.Matrix.EnsureJoined(ctx, puppet.MXID(), portal.row.MXID); err != nil {
			portal.log.Warn().Err(err).Str("ghost", puppet.MXID().String()).Msg("Failed to join ghost")
		}
	}
	return nil
}

func (portal *Portal) handleRemote(ctx context.Context, qe *queuedEvent) error {
	ev := qe.remote
	log := ev.LogContext(portal.log.With()).Logger()
	ctx = log.WithContext(ctx)
	if err := portal.ensurePaired(ctx); err != nil {
		return err
	}
	switch ev := ev.(type) {
	case *signal.Message:
		return portal.handleRemoteMessage(ctx, ev, qe.historical)
	case *signal.Edit:
		return portal.handleRemoteEdit(ctx, qe, ev)
	case *signal.Delete:
		return portal.handleRemoteDelete(ctx, qe, ev)
	case *signal.Reaction:
		return portal.handleRemoteReaction(ctx, qe, ev)
	case *signal.Receipt:
		return portal.handleRemoteReceipt(ctx, ev)
	case *signal.Typing:
		return portal.handleRemoteTyping(ctx, ev)
	case *signal.Membership:
		return portal.handleRemoteMembership(ctx, ev)
	case *signal.Profile:
		return portal.br.Puppets.Refresh(ctx, ev.Sender, ev.Name, ev.AvatarHash, ev.Number)
	default:
		portal.dropDiagnostic(qe, "unknown event kind")
		return nil
	}
}

func (portal *Portal) handleRemoteMessage(ctx context.Context, msg *signal.Message, historical bool) error {
	key := msg.ID()
	existing, err := portal.br.DB.Message.GetBySignalID(ctx, portal.row.ConvID, key)
	if err != nil {
		return fmt.Errorf("failed to check for existing mapping: %w", err)
	}
	if existing != nil {
		// Duplicate delivery or the echo of a message this bridge just
		// sent. Absorbed silently.
		portal.br.Metrics.RecordEventDropped("duplicate")
		zerolog.Ctx(ctx).Debug().Str("mxid", existing.MXID.String()).Msg("Ignoring already-bridged message")
		return nil
	}

	sender, err := portal.br.Puppets.SenderMXID(ctx, msg.Sender)
	if err != nil {
		return err
	}
	parsed := signalfmt.Parse(msg.Body, msg.Styles, msg.Mentions, portal.mentionResolver(ctx))
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          parsed.Body,
		Format:        parsed.Format,
		FormattedBody: parsed.FormattedBody,
	}
	if msg.Quote != nil {
		quoted, qerr := portal.br.DB.Message.GetBySignalID(ctx, portal.row.ConvID,
			signalid.MakeMessageID(msg.Quote.Sender, msg.Quote.SentAt))
		if qerr == nil && quoted != nil {
			content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: quoted.MXID}}
		}
	}
	var ts time.Time
	if historical {
		ts = time.UnixMilli(int64(msg.SentAt))
	}
	evtID, err := portal.br.Matrix.SendMessage(ctx, sender, portal.row.MXID, content, ts)
	if err != nil {
		return fmt.Errorf("failed to send message to Matrix: %w", err)
	}

	surviving, inserted, err := portal.br.DB.Message.Put(ctx, &store.Message{
		ConvID:    portal.row.ConvID,
		SignalID:  key,
		MXID:      evtID,
		Sender:    signalid.MakeUserID(msg.Sender),
		Direction: store.DirectionToMatrix,
		Timestamp: msg.SentAt,
	})
	if err != nil {
		return err
	}
	if !inserted {
		zerolog.Ctx(ctx).Warn().
			Str("surviving_mxid", surviving.MXID.String()).
			Str("duplicate_mxid", evtID.String()).
			Msg("Lost mapping race, keeping first delivery")
	} else {
		portal.br.Metrics.RecordMappingCreated()
	}
	if historical {
		portal.br.Metrics.RecordBackfilledMessage()
	}

	portal.rowMu.Lock()
	if msg.SentAt > portal.row.LastRemoteTS {
		portal.row.LastRemoteTS = msg.SentAt
	}
	portal.rowMu.Unlock()
	portal.save(ctx)

	portal.flushDeferredRemote(ctx, key)
	return nil
}

func (portal *Portal) handleRemoteEdit(ctx context.Context, qe *queuedEvent, ev *signal.Edit) error {
	editKey := signalid.MakeMessageID(ev.Sender, ev.SentAt)
	already, err := portal.br.DB.Message.GetBySignalID(ctx, portal.row.ConvID, editKey)
	if err != nil {
		return err
	}
	if already != nil {
		portal.br.Metrics.RecordEventDropped("duplicate")
		return nil
	}
	target, err := portal.br.DB.Message.GetBySignalID(ctx, portal.row.ConvID, ev.TargetID())
	if err != nil {
		return err
	}
	if target == nil {
		portal.deferRemote(ctx, qe, ev.TargetID())
		return nil
	}

	sender, err := portal.br.Puppets.SenderMXID(ctx, ev.Sender)
	if err != nil {
		return err
	}
	parsed := signalfmt.Parse(ev.Body, ev.Styles, ev.Mentions, portal.mentionResolver(ctx))
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          parsed.Body,
		Format:        parsed.Format,
		FormattedBody: parsed.FormattedBody,
	}
	content.SetEdit(target.MXID)
	evtID, err := portal.br.Matrix.SendMessage(ctx, sender, portal.row.MXID, content, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to send edit to Matrix: %w", err)
	}

	if _, _, err = portal.br.DB.Message.Put(ctx, &store.Message{
		ConvID:    portal.row.ConvID,
		SignalID:  editKey,
		MXID:      evtID,
		Sender:    signalid.MakeUserID(ev.Sender),
		Direction: store.DirectionToMatrix,
		Timestamp: ev.SentAt,
	}); err != nil {
		return err
	}
	if err = portal.br.DB.Message.SetEdit(ctx, portal.row.ConvID, ev.TargetID(), evtID); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Debug().Str("target_mxid", target.MXID.String()).Msg("Bridged edit")
	return nil
}

func (portal *Portal) handleRemoteDelete(ctx context.Context, qe *queuedEvent, ev *signal.Delete) error {
	target, err := portal.br.DB.Message.GetBySignalID(ctx, portal.row.ConvID, ev.TargetID())
	if err != nil {
		return err
	}
	if target == nil {
		portal.deferRemote(ctx, qe, ev.TargetID())
		return nil
	}
	sender, err := portal.br.Puppets.SenderMXID(ctx, ev.Sender)
	if err != nil {
		return err
	}
	if _, err = portal.br.Matrix.SendRedaction(ctx, sender, portal.row.MXID, target.MXID); err != nil {
		return fmt.Errorf("failed to redact message: %w", err)
	}
	return nil
}

func (portal *Portal) handleRemoteReaction(ctx context.Context, qe *queuedEvent, ev *signal.Reaction) error {
	target, err := portal.br.DB.Message.GetBySignalID(ctx, portal.row.ConvID, ev.TargetID())
	if err != nil {
		return err
	}
	if target == nil {
		portal.deferRemote(ctx, qe, ev.TargetID())
		return nil
	}
	author := signalid.MakeUserID(ev.Sender)
	existing, err := portal.br.DB.Reaction.Get(ctx, portal.row.ConvID, ev.TargetID(), author)
	if err != nil {
		return err
	}
	sender, err := portal.br.Puppets.SenderMXID(ctx, ev.Sender)
	if err != nil {
		return err
	}

	if ev.Remove {
		if existing == nil {
			portal.br.Metrics.RecordEventDropped("duplicate")
			return nil
		}
		if _, err = portal.br.Matrix.SendRedaction(ctx, sender, portal.row.MXID, existing.MXID); err != nil {
			return fmt.Errorf("failed to redact reaction: %w", err)
		}
		return portal.br.DB.Reaction.Delete(ctx, portal.row.ConvID, ev.TargetID(), author)
	}

	if existing != nil {
		if existing.Emoji == ev.Emoji {
			portal.br.Metrics.RecordEventDropped("duplicate")
			return nil
		}
		// One reaction per author per message on Signal: replace.
		if _, err = portal.br.Matrix.SendRedaction(ctx, sender, portal.row.MXID, existing.MXID); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to redact replaced reaction")
		}
	}
	evtID, err := portal.br.Matrix.SendReaction(ctx, sender, portal.row.MXID, target.MXID, ev.Emoji, time.Time{})
	if err != nil {
		return fmt.Errorf("failed to send reaction: %w", err)
	}
	return portal.br.DB.Reaction.Upsert(ctx, &store.Reaction{
		ConvID:      portal.row.ConvID,
		MsgSignalID: ev.TargetID(),
		Author:      author,
		MXID:        evtID,
		Emoji:       ev.Emoji,
	})
}

func (portal *Portal) handleRemoteReceipt(ctx context.Context, ev *signal.Receipt) error {
	target, err := portal.br.DB.Message.GetBySignalID(ctx, portal.row.ConvID, ev.TargetID())
	if err != nil {
		return err
	}
	if target == nil {
		target, err = portal.br.DB.Message.GetLastBefore(ctx, portal.row.ConvID, ev.TargetSentAt)
		if err != nil || target == nil {
			return err
		}
	}
	puppet, err := portal.br.Puppets.Resolve(ctx, ev.Sender)
	if err != nil {
		return err
	}
	return portal.br.Matrix.MarkRead(ctx, puppet.MXID(), portal.row.MXID, target.MXID)
}

func (portal *Portal) handleRemoteTyping(ctx context.Context, ev *signal.Typing) error {
	puppet, err := portal.br.Puppets.Resolve(ctx, ev.Sender)
	if err != nil {
		return err
	}
	timeout := portal.br.Config.TypingTimeout
	if ev.Stopped {
		timeout = 0
	}
	return portal.br.Matrix.SetTyping(ctx, puppet.MXID(), portal.row.MXID, timeout)
}

func (portal *Portal) handleRemoteMembership(ctx context.Context, ev *signal.Membership) error {
	puppet, err := portal.br.Puppets.Resolve(ctx, ev.Target)
	if err != nil {
		return err
	}
	target := signalid.MakeUserID(ev.Target)
	switch ev.Change {
	case signal.MembershipJoin, signal.MembershipInvite:
		if err = portal.br.Matrix.EnsureJoined(ctx, puppet.MXID(), portal.row.MXID); err != nil {
			return fmt.Errorf("failed to join ghost: %w", err)
		}
		portal.rowMu.Lock()
		portal.row.Roster = addToRoster(portal.row.Roster, target)
		portal.rowMu.Unlock()
	case signal.MembershipLeave:
		if err = portal.br.Matrix.LeaveRoom(ctx, puppet.MXID(), portal.row.MXID); err != nil {
			return fmt.Errorf("failed to remove ghost: %w", err)
		}
		portal.rowMu.Lock()
		portal.row.Roster = removeFromRoster(portal.row.Roster, target)
		portal.rowMu.Unlock()
	case signal.MembershipBan:
		sender, serr := portal.br.Puppets.SenderMXID(ctx, ev.Sender)
		if serr != nil {
			return serr
		}
		if err = portal.br.Matrix.SetMembership(ctx, sender, portal.row.MXID, puppet.MXID(), event.MembershipBan); err != nil {
			return fmt.Errorf("failed to ban ghost: %w", err)
		}
		portal.rowMu.Lock()
		portal.row.Roster = removeFromRoster(portal.row.Roster, target)
		portal.rowMu.Unlock()
	default:
		portal.log.Debug().Str("change", string(ev.Change)).Msg("Ignoring unknown membership change")
		return nil
	}
	portal.save(ctx)
	return nil
}

func addToRoster(roster []signalid.UserID, member signalid.UserID) []signalid.UserID {
	for _, existing := range roster {
		if existing == member {
			return roster
		}
	}
	return append(roster, member)
}

func removeFromRoster(roster []signalid.UserID, member signalid.UserID) []signalid.UserID {
	kept := roster[:0]
	for _, existing := range roster {
		if existing != member {
			kept = append(kept, existing)
		}
	}
	return kept
}

// mentionResolver resolves mentioned Signal accounts to their ghost MXID
// and cached display name for pill rendering.
func (portal *Portal) mentionResolver(ctx context.Context) signalfmt.MentionResolver {
	return func(acct uuid.UUID) (id.UserID, string) {
		puppet, err := portal.br.Puppets.Resolve(ctx, acct)
		if err != nil {
			return "", ""
		}
		return puppet.MXID(), puppet.Name()
	}
}

// deferRemote parks an event whose target mapping is missing. The origin
// message may simply not have been written yet; the entry is replayed by
// flushDeferredRemote and dropped after the deferral window.
func (portal *Portal) deferRemote(ctx context.Context, qe *queuedEvent, target signalid.MessageID) {
	portal.deferredRemote[target] = append(portal.deferredRemote[target], deferredAction{
		qe:      qe,
		expires: time.Now().Add(portal.br.Config.DeferralWindow),
	})
	portal.br.Metrics.AddDeferredPending(1)
	zerolog.Ctx(ctx).Debug().Str("target", string(target)).Msg("Deferred event until target mapping appears")
}

func (portal *Portal) deferLocal(ctx context.Context, qe *queuedEvent, target id.EventID) {
	portal.deferredLocal[target] = append(portal.deferredLocal[target], deferredAction{
		qe:      qe,
		expires: time.Now().Add(portal.br.Config.DeferralWindow),
	})
	portal.br.Metrics.AddDeferredPending(1)
	zerolog.Ctx(ctx).Debug().Str("target", target.String()).Msg("Deferred event until target mapping appears")
}

// flushDeferredRemote replays actions that were waiting for the given
// mapping. Runs on the pipeline goroutine, so replay keeps ordering.
func (portal *Portal) flushDeferredRemote(ctx context.Context, key signalid.MessageID) {
	entries := portal.deferredRemote[key]
	if len(entries) == 0 {
		return
	}
	delete(portal.deferredRemote, key)
	portal.br.Metrics.AddDeferredPending(-len(entries))
	now := time.Now()
	for _, entry := range entries {
		if now.After(entry.expires) {
			portal.log.Warn().Str("target", string(key)).Msg("Dropping expired deferred event, target mapping arrived too late")
			portal.br.Metrics.RecordEventDropped("deferral_expired")
			continue
		}
		portal.handle(ctx, entry.qe)
	}
}

func (portal *Portal) flushDeferredLocal(ctx context.Context, key id.EventID) {
	entries := portal.deferredLocal[key]
	if len(entries) == 0 {
		return
	}
	delete(portal.deferredLocal, key)
	portal.br.Metrics.AddDeferredPending(-len(entries))
	now := time.Now()
	for _, entry := range entries {
		if now.After(entry.expires) {
			portal.log.Warn().Str("target", key.String()).Msg("Dropping expired deferred event, target mapping arrived too late")
			portal.br.Metrics.RecordEventDropped("deferral_expired")
			continue
		}
		portal.handle(ctx, entry.qe)
	}
}

func (portal *Portal) expireDeferred() {
	now := time.Now()
	for key, entries := range portal.deferredRemote {
		kept := entries[:0]
		for _, entry := range entries {
			if now.After(entry.expires) {
				portal.log.Warn().Str("target", string(key)).Msg("Dropping deferred event, target mapping never appeared")
				portal.br.Metrics.RecordEventDropped("deferral_expired")
				portal.br.Metrics.AddDeferredPending(-1)
			} else {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(portal.deferredRemote, key)
		} else {
			portal.deferredRemote[key] = kept
		}
	}
	for key, entries := range portal.deferredLocal {
		kept := entries[:0]
		for _, entry := range entries {
			if now.After(entry.expires) {
				portal.log.Warn().Str("target", key.String()).Msg("Dropping deferred event, target mapping never appeared")
				portal.br.Metrics.RecordEventDropped("deferral_expired")
				portal.br.Metrics.AddDeferredPending(-1)
			} else {
				kept = append(kept, entry)
			}
		}
		if len(kept) == 0 {
			delete(portal.deferredLocal, key)
		} else {
			portal.deferredLocal[key] = kept
		}
	}
}

// Resync asks the pipeline to re-fetch metadata. The only way out of the
// error state.
func (portal *Portal) Resync() bool {
	return portal.enqueue(&queuedEvent{cmd: cmdResync})
}

// Retire drains the pipeline, archives the portal and deletes its
// mappings. The portal accepts no further traffic afterwards.
func (portal *Portal) Retire() {
	if portal.enqueue(&queuedEvent{cmd: cmdRetire}) {
		<-portal.done
	}
}

func (portal *Portal) retireLocked(ctx context.Context) {
	portal.setState(ctx, store.PortalRetired)
	if err := portal.br.DB.Reaction.DeleteAllInPortal(ctx, portal.row.ConvID); err != nil {
		portal.log.Err(err).Msg("Failed to delete reaction mappings")
	}
	if err := portal.br.DB.Message.DeleteAllInPortal(ctx, portal.row.ConvID); err != nil {
		portal.log.Err(err).Msg("Failed to delete message mappings")
	}
	if portal.row.MXID != "" {
		if _, err := portal.br.Matrix.SendNotice(ctx, portal.row.MXID, "This conversation has been unlinked from Signal"); err != nil {
			portal.log.Warn().Err(err).Msg("Failed to send retire notice")
		}
	}
	portal.closeQueue()
	portal.log.Info().Msg("Portal retired")
}
