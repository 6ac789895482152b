// Copyright 2024-2026 Aiku AI

package store

import (
	"context"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

// PendingRetry is a persisted outbound action awaiting another delivery
// attempt, so a process restart resumes retries instead of dropping the
// action. The payload is a serialized event envelope that re-enters the
// normal dispatch path.
type PendingRetry struct {
	RetryID       int64
	ConvID        signalid.ConversationID
	Direction     Direction
	Payload       []byte
	Attempts      int
	NextAttemptAt int64
}

type RetryQuery struct {
	*dbutil.QueryHelper[*PendingRetry]
}

func newPendingRetry(_ *dbutil.QueryHelper[*PendingRetry]) *PendingRetry {
	return &PendingRetry{}
}

const (
	retryColumns = "retry_id, conv_id, direction, payload, attempts, next_attempt_at"

	getAllRetriesQuery = "SELECT " + retryColumns + " FROM pending_retry ORDER BY next_attempt_at"

	insertRetryQuery = `
		INSERT INTO pending_retry (conv_id, direction, payload, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING retry_id
	`
	updateRetryQuery = "UPDATE pending_retry SET attempts=$2, next_attempt_at=$3 WHERE retry_id=$1"
	deleteRetryQuery = "DELETE FROM pending_retry WHERE retry_id=$1"
)

func (r *PendingRetry) Scan(row dbutil.Scannable) (*PendingRetry, error) {
	var payload string
	err := row.Scan(&r.RetryID, &r.ConvID, &r.Direction, &payload, &r.Attempts, &r.NextAttemptAt)
	if err != nil {
		return nil, err
	}
	r.Payload = []byte(payload)
	return r, nil
}

func (rq *RetryQuery) GetAll(ctx context.Context) ([]*PendingRetry, error) {
	return rq.QueryMany(ctx, getAllRetriesQuery)
}

// Insert stores a new pending retry and fills in its row ID.
func (rq *RetryQuery) Insert(ctx context.Context, retry *PendingRetry) error {
	return rq.GetDB().QueryRow(ctx, insertRetryQuery,
		retry.ConvID, retry.Direction, string(retry.Payload), retry.Attempts, retry.NextAttemptAt,
	).Scan(&retry.RetryID)
}

func (rq *RetryQuery) Update(ctx context.Context, retry *PendingRetry) error {
	return rq.Exec(ctx, updateRetryQuery, retry.RetryID, retry.Attempts, retry.NextAttemptAt)
}

func (rq *RetryQuery) Delete(ctx context.Context, retryID int64) error {
	return rq.Exec(ctx, deleteRetryQuery, retryID)
}
