// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mautrix-signal/pkg/signal"
	"github.com/aiku/mautrix-signal/pkg/store"
)

// matrixRetryPayload is the persisted form of a Matrix-side action
// awaiting retry.
type matrixRetryPayload struct {
	Event    *event.Event `json:"event"`
	UserMXID id.UserID    `json:"user_mxid"`
}

// RetryManager persists transiently failed outbound actions and re-feeds
// them into the owning portal's pipeline with exponential backoff. Rows
// survive restarts; Resume reloads them.
type RetryManager struct {
	br  *Bridge
	log zerolog.Logger

	mu      sync.Mutex
	pending map[int64]*store.PendingRetry
}

func NewRetryManager(br *Bridge) *RetryManager {
	return &RetryManager{
		br:      br,
		log:     br.Log.With().Str("component", "retry_manager").Logger(),
		pending: make(map[int64]*store.PendingRetry),
	}
}

// Resume reloads persisted retries after a restart.
func (rm *RetryManager) Resume(ctx context.Context) error {
	rows, err := rm.br.DB.Retry.GetAll(ctx)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	for _, row := range rows {
		rm.pending[row.RetryID] = row
	}
	rm.mu.Unlock()
	rm.br.Metrics.AddRetriesPending(len(rows))
	if len(rows) > 0 {
		rm.log.Info().Int("count", len(rows)).Msg("Resumed pending retries")
	}
	return nil
}

// Run dispatches due retries until the context is cancelled.
func (rm *RetryManager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rm.dispatchDue(ctx)
		}
	}
}

// Schedule records a failed action for a later attempt. Exhausted actions
// are dropped with a diagnostic.
func (rm *RetryManager) Schedule(ctx context.Context, portal *Portal, qe *queuedEvent) {
	attempts := 1
	if qe.retry != nil {
		attempts = qe.retry.Attempts + 1
	}
	if attempts > rm.br.Config.RetryMaxAttempts {
		rm.log.Warn().
			Str("conversation", string(portal.ConvID())).
			Int("attempts", attempts-1).
			Msg("Dropping action, retries exhausted")
		rm.br.Metrics.RecordEventDropped("retries_exhausted")
		if qe.retry != nil {
			rm.Complete(ctx, qe.retry)
		}
		return
	}

	backoff := rm.br.Config.RetryBackoffBase * (1 << (attempts - 1))
	if backoff > rm.br.Config.RetryBackoffCap {
		backoff = rm.br.Config.RetryBackoffCap
	}
	nextAttempt := time.Now().Add(backoff).UnixMilli()

	if qe.retry != nil {
		qe.retry.Attempts = attempts
		qe.retry.NextAttemptAt = nextAttempt
		if err := rm.br.DB.Retry.Update(ctx, qe.retry); err != nil {
			rm.log.Err(err).Msg("Failed to update pending retry")
			return
		}
		rm.mu.Lock()
		rm.pending[qe.retry.RetryID] = qe.retry
		rm.mu.Unlock()
		return
	}

	payload, direction, err := encodeRetry(qe)
	if err != nil {
		rm.log.Err(err).Msg("Failed to serialize action for retry")
		return
	}
	row := &store.PendingRetry{
		ConvID:        portal.ConvID(),
		Direction:     direction,
		Payload:       payload,
		Attempts:      attempts,
		NextAttemptAt: nextAttempt,
	}
	if err = rm.br.DB.Retry.Insert(ctx, row); err != nil {
		rm.log.Err(err).Msg("Failed to persist pending retry")
		return
	}
	rm.mu.Lock()
	rm.pending[row.RetryID] = row
	rm.mu.Unlock()
	rm.br.Metrics.AddRetriesPending(1)
	rm.log.Debug().
		Int64("retry_id", row.RetryID).
		Dur("backoff", backoff).
		Msg("Scheduled retry")
}

// Complete removes a retry whose action finally succeeded or was given
// up on.
func (rm *RetryManager) Complete(ctx context.Context, row *store.PendingRetry) {
	if err := rm.br.DB.Retry.Delete(ctx, row.RetryID); err != nil {
		rm.log.Err(err).Int64("retry_id", row.RetryID).Msg("Failed to delete pending retry")
	}
	rm.mu.Lock()
	_, tracked := rm.pending[row.RetryID]
	delete(rm.pending, row.RetryID)
	rm.mu.Unlock()
	if tracked {
		rm.br.Metrics.AddRetriesPending(-1)
	}
}

func (rm *RetryManager) dispatchDue(ctx context.Context) {
	now := time.Now().UnixMilli()
	rm.mu.Lock()
	var due []*store.PendingRetry
	for id, row := range rm.pending {
		if row.NextAttemptAt <= now {
			due = append(due, row)
			// Removed while in flight; Schedule re-adds on failure.
			delete(rm.pending, id)
		}
	}
	rm.mu.Unlock()

	for _, row := range due {
		qe, err := decodeRetry(ctx, rm.br, row)
		if err != nil {
			rm.log.Err(err).Int64("retry_id", row.RetryID).Msg("Dropping undecodable retry")
			rm.Complete(ctx, row)
			continue
		}
		portal := rm.br.Dispatcher.PortalByConvID(ctx, row.ConvID)
		if portal == nil {
			rm.log.Warn().Int64("retry_id", row.RetryID).Msg("Dropping retry for vanished portal")
			rm.Complete(ctx, row)
			continue
		}
		if !portal.enqueue(qe) {
			rm.Complete(ctx, row)
		}
	}
}

func encodeRetry(qe *queuedEvent) ([]byte, store.Direction, error) {
	if qe.remote != nil {
		payload, err := signal.MarshalEvent(qe.remote)
		return payload, store.DirectionToMatrix, err
	}
	payload, err := json.Marshal(&matrixRetryPayload{
		Event:    qe.matrix.evt,
		UserMXID: qe.matrix.user.MXID,
	})
	return payload, store.DirectionToSignal, err
}

func decodeRetry(ctx context.Context, br *Bridge, row *store.PendingRetry) (*queuedEvent, error) {
	switch row.Direction {
	case store.DirectionToMatrix:
		ev, err := signal.UnmarshalEvent(row.Payload)
		if err != nil {
			return nil, err
		}
		return &queuedEvent{remote: ev, retry: row}, nil
	case store.DirectionToSignal:
		var payload matrixRetryPayload
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return nil, err
		}
		user, err := br.DB.User.GetByMXID(ctx, payload.UserMXID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, fmt.Errorf("user %s no longer linked", payload.UserMXID)
		}
		// Content comes back raw from the JSON round trip.
		if err = payload.Event.Content.ParseRaw(payload.Event.Type); err != nil {
			return nil, fmt.Errorf("failed to parse retried event content: %w", err)
		}
		return &queuedEvent{matrix: &matrixEvent{evt: payload.Event, user: user}, retry: row}, nil
	default:
		return nil, fmt.Errorf("unknown retry direction %q", row.Direction)
	}
}
