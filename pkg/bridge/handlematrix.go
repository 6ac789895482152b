// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/mautrix-signal/pkg/bridge/matrixfmt"
	"github.com/aiku/mautrix-signal/pkg/signal"
	"github.com/aiku/mautrix-signal/pkg/signalid"
	"github.com/aiku/mautrix-signal/pkg/store"
)

func (portal *Portal) handleMatrix(ctx context.Context, qe *queuedEvent) error {
	evt := qe.matrix.evt
	log := portal.log.With().
		Str("event_id", evt.ID.String()).
		Str("sender", evt.Sender.String()).
		Logger()
	ctx = log.WithContext(ctx)
	switch evt.Type {
	case event.EventMessage:
		content := evt.Content.AsMessage()
		if content == nil {
			portal.dropDiagnostic(qe, "malformed message content")
			return nil
		}
		if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
			return portal.handleMatrixEdit(ctx, qe, content)
		}
		return portal.handleMatrixMessage(ctx, qe, content)
	case event.EventReaction:
		return portal.handleMatrixReaction(ctx, qe)
	case event.EventRedaction:
		return portal.handleMatrixRedaction(ctx, qe)
	case event.StateMember:
		// Signal group management is not exposed by the session, so
		// Matrix-side membership changes cannot be mirrored.
		portal.dropDiagnostic(qe, "matrix membership changes not bridged")
		return nil
	default:
		portal.dropDiagnostic(qe, "unhandled matrix event type")
		return nil
	}
}

func (portal *Portal) handleMatrixMessage(ctx context.Context, qe *queuedEvent, content *event.MessageEventContent) error {
	evt, user := qe.matrix.evt, qe.matrix.user
	existing, err := portal.br.DB.Message.GetByMXID(ctx, portal.row.ConvID, evt.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		portal.br.Metrics.RecordEventDropped("duplicate")
		return nil
	}

	body, styles := matrixfmt.Parse(content)
	out := signal.OutgoingMessage{Body: body, Styles: styles}
	if content.RelatesTo != nil && content.RelatesTo.InReplyTo != nil {
		quoted, qerr := portal.br.DB.Message.GetByMXID(ctx, portal.row.ConvID, content.RelatesTo.InReplyTo.EventID)
		if qerr == nil && quoted != nil {
			if qSender, qTS, perr := signalid.ParseMessageID(quoted.SignalID); perr == nil {
				out.Quote = &signal.Quote{Sender: qSender, SentAt: qTS}
			}
		}
	}

	sentTS, err := portal.br.Signal.Session().Send(ctx, portal.row.ConvID, out)
	if err != nil {
		return fmt.Errorf("failed to send message to Signal: %w", err)
	}

	key := signalid.MakeMessageID(user.SignalUUID, sentTS)
	surviving, inserted, err := portal.br.DB.Message.Put(ctx, &store.Message{
		ConvID:    portal.row.ConvID,
		SignalID:  key,
		MXID:      evt.ID,
		Sender:    signalid.MakeUserID(user.SignalUUID),
		Direction: store.DirectionToSignal,
		Timestamp: sentTS,
	})
	if err != nil {
		return err
	}
	if !inserted {
		zerolog.Ctx(ctx).Warn().
			Str("surviving_mxid", surviving.MXID.String()).
			Msg("Lost mapping race on outbound message")
	} else {
		portal.br.Metrics.RecordMappingCreated()
	}
	portal.flushDeferredLocal(ctx, evt.ID)
	return nil
}

func (portal *Portal) handleMatrixEdit(ctx context.Context, qe *queuedEvent, content *event.MessageEventContent) error {
	evt, user := qe.matrix.evt, qe.matrix.user
	target, err := portal.br.DB.Message.GetByMXID(ctx, portal.row.ConvID, content.RelatesTo.EventID)
	if err != nil {
		return err
	}
	if target == nil {
		portal.deferLocal(ctx, qe, content.RelatesTo.EventID)
		return nil
	}
	if target.EditMXID == evt.ID {
		portal.br.Metrics.RecordEventDropped("duplicate")
		return nil
	}
	_, targetTS, err := signalid.ParseMessageID(target.SignalID)
	if err != nil {
		return fmt.Errorf("stored mapping has malformed key: %w", err)
	}

	edited := content.NewContent
	if edited == nil {
		edited = content
	}
	body, styles := matrixfmt.Parse(edited)
	sentTS, err := portal.br.Signal.Session().SendEdit(ctx, portal.row.ConvID, targetTS, signal.OutgoingMessage{
		Body:   body,
		Styles: styles,
	})
	if err != nil {
		return fmt.Errorf("failed to send edit to Signal: %w", err)
	}

	if _, _, err = portal.br.DB.Message.Put(ctx, &store.Message{
		ConvID:    portal.row.ConvID,
		SignalID:  signalid.MakeMessageID(user.SignalUUID, sentTS),
		MXID:      evt.ID,
		Sender:    signalid.MakeUserID(user.SignalUUID),
		Direction: store.DirectionToSignal,
		Timestamp: sentTS,
	}); err != nil {
		return err
	}
	return portal.br.DB.Message.SetEdit(ctx, portal.row.ConvID, target.SignalID, evt.ID)
}

func (portal *Portal) handleMatrixReaction(ctx context.Context, qe *queuedEvent) error {
	evt, user := qe.matrix.evt, qe.matrix.user
	content := evt.Content.AsReaction()
	if content == nil || content.RelatesTo.EventID == "" {
		portal.dropDiagnostic(qe, "malformed reaction content")
		return nil
	}
	target, err := portal.br.DB.Message.GetByMXID(ctx, portal.row.ConvID, content.RelatesTo.EventID)
	if err != nil {
		return err
	}
	if target == nil {
		portal.deferLocal(ctx, qe, content.RelatesTo.EventID)
		return nil
	}
	targetSender, targetTS, err := signalid.ParseMessageID(target.SignalID)
	if err != nil {
		return fmt.Errorf("stored mapping has malformed key: %w", err)
	}
	emoji := content.RelatesTo.Key
	if err = portal.br.Signal.Session().SendReaction(ctx, portal.row.ConvID, targetSender, targetTS, emoji, false); err != nil {
		return fmt.Errorf("failed to send reaction to Signal: %w", err)
	}
	return portal.br.DB.Reaction.Upsert(ctx, &store.Reaction{
		ConvID:      portal.row.ConvID,
		MsgSignalID: target.SignalID,
		Author:      signalid.MakeUserID(user.SignalUUID),
		MXID:        evt.ID,
		Emoji:       emoji,
	})
}

func (portal *Portal) handleMatrixRedaction(ctx context.Context, qe *queuedEvent) error {
	evt := qe.matrix.evt
	target := evt.Redacts
	if target == "" {
		if content, ok := evt.Content.Parsed.(*event.RedactionEventContent); ok {
			target = content.Redacts
		}
	}
	if target == "" {
		portal.dropDiagnostic(qe, "redaction without target")
		return nil
	}

	msg, err := portal.br.DB.Message.GetByMXID(ctx, portal.row.ConvID, target)
	if err != nil {
		return err
	}
	if msg != nil {
		_, targetTS, perr := signalid.ParseMessageID(msg.SignalID)
		if perr != nil {
			return fmt.Errorf("stored mapping has malformed key: %w", perr)
		}
		if err = portal.br.Signal.Session().SendDelete(ctx, portal.row.ConvID, targetTS); err != nil {
			return fmt.Errorf("failed to send deletion to Signal: %w", err)
		}
		return nil
	}

	reaction, err := portal.br.DB.Reaction.GetByMXID(ctx, portal.row.ConvID, target)
	if err != nil {
		return err
	}
	if reaction != nil {
		targetSender, targetTS, perr := signalid.ParseMessageID(reaction.MsgSignalID)
		if perr != nil {
			return fmt.Errorf("stored mapping has malformed key: %w", perr)
		}
		if err = portal.br.Signal.Session().SendReaction(ctx, portal.row.ConvID, targetSender, targetTS, reaction.Emoji, true); err != nil {
			return fmt.Errorf("failed to send reaction removal to Signal: %w", err)
		}
		return portal.br.DB.Reaction.Delete(ctx, portal.row.ConvID, reaction.MsgSignalID, reaction.Author)
	}

	portal.deferLocal(ctx, qe, target)
	return nil
}

func (portal *Portal) handleMatrixReceipt(ctx context.Context, receipt *receiptUpdate) error {
	msg, err := portal.br.DB.Message.GetByMXID(ctx, portal.row.ConvID, receipt.eventID)
	if err != nil || msg == nil {
		return err
	}
	portal.log.Debug().
		Str("user_mxid", receipt.user.MXID.String()).
		Uint64("timestamp", msg.Timestamp).
		Msg("Forwarding read receipt")
	return portal.br.Signal.Session().SendReceipt(ctx, portal.row.ConvID, []uint64{msg.Timestamp})
}
