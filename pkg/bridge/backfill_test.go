// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/aiku/mautrix-signal/pkg/signalid"
	"github.com/aiku/mautrix-signal/pkg/store"
)

func seedHistory(fake *fakeSession, conv signalid.ConversationID, sender uuid.UUID, count int) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	for i := 0; i < count; i++ {
		fake.history[conv] = append(fake.history[conv],
			remoteMessage(conv, sender, uint64(1000+i), fmt.Sprintf("history %d", i)))
	}
}

func TestBackfillImportsHistoryInPages(t *testing.T) {
	t.Parallel()
	br, mock, fake := newTestBridge(t)
	br.Config.BackfillPageSize = 4
	br.Config.BackfillMaxCount = 100
	ctx := context.Background()
	peer := uuid.New()
	conv := signalid.MakeDMConversationID(peer)
	portal := newTestPortal(t, br, conv)
	br.Dispatcher.startPortal(portal)
	seedHistory(fake, conv, peer, 10)

	if err := portal.backfill(ctx); err != nil {
		t.Fatal(err)
	}
	portal.Flush()

	sends := mock.Calls("SendMessage")
	if len(sends) != 10 {
		t.Fatalf("SendMessage calls: got %d, want 10", len(sends))
	}
	// Historical sends are backdated to the original timestamps.
	if sends[0].TS.UnixMilli() != 1000 {
		t.Errorf("first backfilled ts: got %d, want 1000", sends[0].TS.UnixMilli())
	}
	if got := portal.lastRemoteTS(); got != 1009 {
		t.Errorf("checkpoint: got %d, want 1009", got)
	}
	if got := portal.State(); got != store.PortalActive {
		t.Errorf("state after backfill: got %s, want %s", got, store.PortalActive)
	}
	portal.closeQueue()
}

func TestBackfillRerunIsIdempotent(t *testing.T) {
	t.Parallel()
	br, mock, fake := newTestBridge(t)
	br.Config.BackfillPageSize = 4
	br.Config.BackfillMaxCount = 100
	ctx := context.Background()
	peer := uuid.New()
	conv := signalid.MakeDMConversationID(peer)
	portal := newTestPortal(t, br, conv)
	br.Dispatcher.startPortal(portal)
	seedHistory(fake, conv, peer, 6)

	if err := portal.backfill(ctx); err != nil {
		t.Fatal(err)
	}
	portal.Flush()
	first := len(mock.Calls("SendMessage"))
	if first != 6 {
		t.Fatalf("first run sends: got %d, want 6", first)
	}

	// Re-run from an earlier checkpoint: every message is already
	// mapped, so nothing is re-delivered.
	portal.rowMu.Lock()
	portal.row.LastRemoteTS = 0
	portal.rowMu.Unlock()
	if err := portal.backfill(ctx); err != nil {
		t.Fatal(err)
	}
	portal.Flush()
	if got := len(mock.Calls("SendMessage")); got != first {
		t.Errorf("sends after re-run: got %d, want %d", got, first)
	}
	portal.closeQueue()
}

func TestBackfillHonorsMaxCount(t *testing.T) {
	t.Parallel()
	br, mock, fake := newTestBridge(t)
	br.Config.BackfillPageSize = 4
	br.Config.BackfillMaxCount = 5
	ctx := context.Background()
	peer := uuid.New()
	conv := signalid.MakeDMConversationID(peer)
	portal := newTestPortal(t, br, conv)
	br.Dispatcher.startPortal(portal)
	seedHistory(fake, conv, peer, 20)

	if err := portal.backfill(ctx); err != nil {
		t.Fatal(err)
	}
	portal.Flush()

	if got := len(mock.Calls("SendMessage")); got != 5 {
		t.Errorf("SendMessage calls: got %d, want 5", got)
	}
	portal.closeQueue()
}

func TestBackfillResumesFromCheckpoint(t *testing.T) {
	t.Parallel()
	br, mock, fake := newTestBridge(t)
	br.Config.BackfillPageSize = 10
	br.Config.BackfillMaxCount = 100
	ctx := context.Background()
	peer := uuid.New()
	conv := signalid.MakeDMConversationID(peer)
	portal := newTestPortal(t, br, conv)
	br.Dispatcher.startPortal(portal)
	seedHistory(fake, conv, peer, 8)

	// A previous run already imported through ts 1004.
	portal.rowMu.Lock()
	portal.row.LastRemoteTS = 1004
	portal.rowMu.Unlock()

	if err := portal.backfill(ctx); err != nil {
		t.Fatal(err)
	}
	portal.Flush()

	sends := mock.Calls("SendMessage")
	if len(sends) != 3 {
		t.Fatalf("SendMessage calls: got %d, want 3", len(sends))
	}
	if sends[0].Text != "history 5" {
		t.Errorf("first resumed message: got %q", sends[0].Text)
	}
	portal.closeQueue()
}
