// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
)

// triggerBackfill starts a history import for this portal unless one is
// already running.
func (portal *Portal) triggerBackfill() {
	portal.backfillMu.Lock()
	if portal.backfillRunning {
		portal.backfillMu.Unlock()
		return
	}
	portal.backfillRunning = true
	portal.backfillMu.Unlock()

	go func() {
		defer func() {
			portal.backfillMu.Lock()
			portal.backfillRunning = false
			portal.backfillMu.Unlock()
		}()
		if err := portal.backfill(context.Background()); err != nil {
			portal.log.Err(err).Msg("Backfill aborted")
		}
	}()
}

// backfill pages history through the live pipeline. The checkpoint is the
// portal's last imported remote timestamp, advanced by the message
// handler itself, so a crashed run resumes where it stopped and re-runs
// are deduplicated by mapping uniqueness. Each page is flushed through
// the queue before the next fetch, so live events interleave between
// pages instead of piling up behind the whole import.
func (portal *Portal) backfill(ctx context.Context) error {
	cfg := portal.br.Config
	if !portal.enqueue(&queuedEvent{cmd: cmdBackfillStart}) {
		return nil
	}
	defer portal.enqueue(&queuedEvent{cmd: cmdBackfillDone})

	after := portal.lastRemoteTS()
	total := 0
	for total < cfg.BackfillMaxCount {
		limit := cfg.BackfillPageSize
		if remaining := cfg.BackfillMaxCount - total; remaining < limit {
			limit = remaining
		}
		page, err := portal.br.Signal.Session().FetchHistory(ctx, portal.row.ConvID, after, limit)
		if err != nil {
			return fmt.Errorf("failed to fetch history after %d: %w", after, err)
		}
		if len(page) == 0 {
			break
		}
		for _, msg := range page {
			if !portal.enqueue(&queuedEvent{remote: msg, historical: true}) {
				return nil
			}
		}
		portal.Flush()
		after = page[len(page)-1].SentAt
		total += len(page)
	}
	portal.log.Info().Int("messages", total).Msg("Backfill finished")
	return nil
}
