// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"time"

	"go.mau.fi/util/dbutil"
)

// Transaction records an appservice transaction ID that has already been
// dispatched, making replays of the same transaction a no-op.
type Transaction struct {
	TxnID     string
	HandledAt int64
}

type TransactionQuery struct {
	*dbutil.QueryHelper[*Transaction]
}

func newTransaction(_ *dbutil.QueryHelper[*Transaction]) *Transaction {
	return &Transaction{}
}

const (
	getTransactionQuery    = "SELECT txn_id, handled_at FROM handled_transaction WHERE txn_id=$1"
	insertTransactionQuery = "INSERT INTO handled_transaction (txn_id, handled_at) VALUES ($1, $2) ON CONFLICT (txn_id) DO NOTHING"
	pruneTransactionsQuery = "DELETE FROM handled_transaction WHERE handled_at<$1"
)

func (t *Transaction) Scan(row dbutil.Scannable) (*Transaction, error) {
	err := row.Scan(&t.TxnID, &t.HandledAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// IsHandled reports whether the transaction was dispatched before.
func (tq *TransactionQuery) IsHandled(ctx context.Context, txnID string) (bool, error) {
	txn, err := tq.QueryOne(ctx, getTransactionQuery, txnID)
	return txn != nil, err
}

// MarkHandled records the transaction. Idempotent.
func (tq *TransactionQuery) MarkHandled(ctx context.Context, txnID string) error {
	return tq.Exec(ctx, insertTransactionQuery, txnID, time.Now().UnixMilli())
}

// Prune drops records older than the given cutoff.
func (tq *TransactionQuery) Prune(ctx context.Context, olderThan time.Time) error {
	return tq.Exec(ctx, pruneTransactionsQuery, olderThan.UnixMilli())
}
