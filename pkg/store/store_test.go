// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	_ "go.mau.fi/util/dbutil/litestream"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	rawDB, err := dbutil.NewFromConfig("mautrix-signal-test", dbutil.Config{
		PoolConfig: dbutil.PoolConfig{
			Type:         "sqlite3-fk-wal",
			URI:          filepath.Join(t.TempDir(), "test.db"),
			MaxOpenConns: 1,
			MaxIdleConns: 1,
		},
	}, dbutil.ZeroLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() {
		_ = rawDB.Close()
	})
	db := New(rawDB)
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade test database: %v", err)
	}
	return db
}

func insertTestPortal(t *testing.T, db *Database, convID signalid.ConversationID) *Portal {
	t.Helper()
	portal := &Portal{
		ConvID: convID,
		MXID:   id.RoomID("!room-" + string(convID) + ":example.com"),
		Kind:   PortalDM,
		State:  PortalActive,
	}
	if err := db.Portal.Insert(context.Background(), portal); err != nil {
		t.Fatalf("failed to insert portal: %v", err)
	}
	return portal
}

func TestSchemaUpgradesRegistered(t *testing.T) {
	t.Parallel()
	if len(UpgradeTable) == 0 {
		t.Fatal("no schema upgrades registered from embedded migrations")
	}
	db := newTestDB(t)
	var tables int
	err := db.QueryRow(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='portal'",
	).Scan(&tables)
	if err != nil {
		t.Fatalf("failed to inspect schema: %v", err)
	}
	if tables != 1 {
		t.Errorf("portal table count = %d, want 1", tables)
	}
}

func TestMessagePutRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	portal := insertTestPortal(t, db, "conv-1")

	sender := uuid.New()
	msg := &Message{
		ConvID:    portal.ConvID,
		SignalID:  signalid.MakeMessageID(sender, 100),
		MXID:      id.EventID("$abc"),
		Sender:    signalid.MakeUserID(sender),
		Direction: DirectionToMatrix,
		Timestamp: 100,
	}
	surviving, inserted, err := db.Message.Put(ctx, msg)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !inserted {
		t.Error("Put: first write not reported as inserted")
	}
	if surviving.MXID != "$abc" {
		t.Errorf("Put: surviving mxid %q, want $abc", surviving.MXID)
	}

	bySignal, err := db.Message.GetBySignalID(ctx, portal.ConvID, msg.SignalID)
	if err != nil {
		t.Fatalf("GetBySignalID: %v", err)
	}
	if bySignal == nil || bySignal.MXID != "$abc" {
		t.Fatalf("GetBySignalID: got %+v", bySignal)
	}
	byMXID, err := db.Message.GetByMXID(ctx, portal.ConvID, "$abc")
	if err != nil {
		t.Fatalf("GetByMXID: %v", err)
	}
	if byMXID == nil || byMXID.SignalID != msg.SignalID {
		t.Fatalf("GetByMXID: correlation is not a bijection, got %+v", byMXID)
	}
}

func TestMessagePutDuplicateReturnsSurvivor(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	portal := insertTestPortal(t, db, "conv-dup")

	sender := uuid.New()
	signalID := signalid.MakeMessageID(sender, 200)
	first := &Message{
		ConvID: portal.ConvID, SignalID: signalID, MXID: "$first",
		Sender: signalid.MakeUserID(sender), Direction: DirectionToMatrix, Timestamp: 200,
	}
	second := &Message{
		ConvID: portal.ConvID, SignalID: signalID, MXID: "$second",
		Sender: signalid.MakeUserID(sender), Direction: DirectionToMatrix, Timestamp: 200,
	}
	if _, _, err := db.Message.Put(ctx, first); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	surviving, inserted, err := db.Message.Put(ctx, second)
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if inserted {
		t.Error("second Put reported inserted for a duplicate remote key")
	}
	if surviving.MXID != "$first" {
		t.Errorf("second Put: surviving mxid %q, want $first", surviving.MXID)
	}

	var count int
	err = db.QueryRow(ctx, "SELECT COUNT(*) FROM message WHERE conv_id=$1", portal.ConvID).Scan(&count)
	if err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Errorf("message count after duplicate Put: got %d, want 1", count)
	}
}

func TestMessageSetEdit(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	portal := insertTestPortal(t, db, "conv-edit")

	sender := uuid.New()
	signalID := signalid.MakeMessageID(sender, 300)
	msg := &Message{
		ConvID: portal.ConvID, SignalID: signalID, MXID: "$orig",
		Sender: signalid.MakeUserID(sender), Direction: DirectionToMatrix, Timestamp: 300,
	}
	if _, _, err := db.Message.Put(ctx, msg); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Message.SetEdit(ctx, portal.ConvID, signalID, "$edit"); err != nil {
		t.Fatalf("SetEdit: %v", err)
	}
	got, err := db.Message.GetBySignalID(ctx, portal.ConvID, signalID)
	if err != nil {
		t.Fatalf("GetBySignalID: %v", err)
	}
	if got.EditMXID != "$edit" {
		t.Errorf("EditMXID: got %q, want $edit", got.EditMXID)
	}
}

func TestPortalDeleteCascades(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	portal := insertTestPortal(t, db, "conv-retire")

	sender := uuid.New()
	msg := &Message{
		ConvID: portal.ConvID, SignalID: signalid.MakeMessageID(sender, 400), MXID: "$m",
		Sender: signalid.MakeUserID(sender), Direction: DirectionToSignal, Timestamp: 400,
	}
	if _, _, err := db.Message.Put(ctx, msg); err != nil {
		t.Fatalf("Put: %v", err)
	}
	err := db.Reaction.Upsert(ctx, &Reaction{
		ConvID: portal.ConvID, MsgSignalID: msg.SignalID,
		Author: signalid.MakeUserID(sender), MXID: "$r", Emoji: "👍",
	})
	if err != nil {
		t.Fatalf("Reaction.Upsert: %v", err)
	}

	if err = db.Portal.Delete(ctx, portal.ConvID); err != nil {
		t.Fatalf("Portal.Delete: %v", err)
	}
	gone, err := db.Message.GetBySignalID(ctx, portal.ConvID, msg.SignalID)
	if err != nil {
		t.Fatalf("GetBySignalID after delete: %v", err)
	}
	if gone != nil {
		t.Error("message mapping survived portal deletion")
	}
	var count int
	err = db.QueryRow(ctx, "SELECT COUNT(*) FROM reaction WHERE conv_id=$1", portal.ConvID).Scan(&count)
	if err != nil {
		t.Fatalf("reaction count: %v", err)
	}
	if count != 0 {
		t.Errorf("reaction rows survived portal deletion: %d", count)
	}
}

func TestPortalRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	roster := []signalid.UserID{"a", "b"}
	portal := &Portal{
		ConvID:       "conv-rt",
		MXID:         "!rt:example.com",
		Kind:         PortalGroup,
		State:        PortalSyncing,
		Name:         "Test group",
		Topic:        "topic",
		AvatarHash:   "hash",
		Roster:       roster,
		LastRemoteTS: 12345,
	}
	if err := db.Portal.Insert(ctx, portal); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, err := db.Portal.GetByMXID(ctx, portal.MXID)
	if err != nil {
		t.Fatalf("GetByMXID: %v", err)
	}
	if got == nil || got.ConvID != portal.ConvID || got.State != PortalSyncing ||
		got.LastRemoteTS != 12345 || len(got.Roster) != 2 {
		t.Errorf("portal round trip mismatch: %+v", got)
	}

	got.State = PortalActive
	got.LastRemoteTS = 99999
	if err = db.Portal.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	again, err := db.Portal.GetByConvID(ctx, portal.ConvID)
	if err != nil {
		t.Fatalf("GetByConvID: %v", err)
	}
	if again.State != PortalActive || again.LastRemoteTS != 99999 {
		t.Errorf("portal update not persisted: %+v", again)
	}
}

func TestReactionUpsertReplaces(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	portal := insertTestPortal(t, db, "conv-react")
	author := signalid.MakeUserID(uuid.New())
	msgID := signalid.MakeMessageID(uuid.New(), 500)

	put := func(mxid id.EventID, emoji string) {
		t.Helper()
		err := db.Reaction.Upsert(ctx, &Reaction{
			ConvID: portal.ConvID, MsgSignalID: msgID, Author: author, MXID: mxid, Emoji: emoji,
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}
	put("$r1", "👍")
	put("$r2", "❤️")

	got, err := db.Reaction.Get(ctx, portal.ConvID, msgID, author)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.MXID != "$r2" || got.Emoji != "❤️" {
		t.Errorf("reaction upsert did not replace: %+v", got)
	}
	var count int
	err = db.QueryRow(ctx, "SELECT COUNT(*) FROM reaction WHERE conv_id=$1", portal.ConvID).Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Errorf("reaction count: got %d, want 1", count)
	}
}

func TestTransactionDedup(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	handled, err := db.Transaction.IsHandled(ctx, "txn-1")
	if err != nil {
		t.Fatalf("IsHandled: %v", err)
	}
	if handled {
		t.Error("unknown transaction reported as handled")
	}
	if err = db.Transaction.MarkHandled(ctx, "txn-1"); err != nil {
		t.Fatalf("MarkHandled: %v", err)
	}
	// Marking again must be a no-op, not an error.
	if err = db.Transaction.MarkHandled(ctx, "txn-1"); err != nil {
		t.Fatalf("repeated MarkHandled: %v", err)
	}
	handled, err = db.Transaction.IsHandled(ctx, "txn-1")
	if err != nil {
		t.Fatalf("IsHandled: %v", err)
	}
	if !handled {
		t.Error("handled transaction not reported as handled")
	}

	if err = db.Transaction.Prune(ctx, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	handled, err = db.Transaction.IsHandled(ctx, "txn-1")
	if err != nil {
		t.Fatalf("IsHandled after prune: %v", err)
	}
	if handled {
		t.Error("pruned transaction still reported as handled")
	}
}

func TestRetryRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()
	portal := insertTestPortal(t, db, "conv-retry")

	retry := &PendingRetry{
		ConvID:        portal.ConvID,
		Direction:     DirectionToSignal,
		Payload:       []byte(`{"kind":"message"}`),
		Attempts:      1,
		NextAttemptAt: 1000,
	}
	if err := db.Retry.Insert(ctx, retry); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if retry.RetryID == 0 {
		t.Error("Insert did not assign a retry ID")
	}

	retry.Attempts = 2
	retry.NextAttemptAt = 2000
	if err := db.Retry.Update(ctx, retry); err != nil {
		t.Fatalf("Update: %v", err)
	}

	all, err := db.Retry.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll: %v", err)
	}
	if len(all) != 1 || all[0].Attempts != 2 || string(all[0].Payload) != `{"kind":"message"}` {
		t.Errorf("retry round trip mismatch: %+v", all)
	}

	if err = db.Retry.Delete(ctx, retry.RetryID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, err = db.Retry.GetAll(ctx)
	if err != nil {
		t.Fatalf("GetAll after delete: %v", err)
	}
	if len(all) != 0 {
		t.Errorf("retry rows after delete: %d", len(all))
	}
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	acct := uuid.New()
	user := &User{
		MXID:              "@alice:example.com",
		SignalUUID:        acct,
		SignalNumber:      "+15550001111",
		DoublePuppetToken: "syt_token",
		ManagementRoom:    "!mgmt:example.com",
	}
	if err := db.User.Upsert(ctx, user); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := db.User.GetBySignalUUID(ctx, acct)
	if err != nil {
		t.Fatalf("GetBySignalUUID: %v", err)
	}
	if got == nil || got.MXID != user.MXID || !got.DoublePuppeting() {
		t.Errorf("user round trip mismatch: %+v", got)
	}

	if err = db.User.Delete(ctx, user.MXID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	gone, err := db.User.GetByMXID(ctx, user.MXID)
	if err != nil {
		t.Fatalf("GetByMXID after delete: %v", err)
	}
	if gone != nil {
		t.Error("user survived unlink")
	}
}

func TestPuppetUpsert(t *testing.T) {
	t.Parallel()
	db := newTestDB(t)
	ctx := context.Background()

	acct := uuid.New()
	puppet := &Puppet{UUID: acct, Name: "Alice", NameSet: true, AvatarHash: "h1", ProfileFetchedAt: 10}
	if err := db.Puppet.Upsert(ctx, puppet); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	puppet.Number = "+15550002222"
	puppet.AvatarHash = "h2"
	if err := db.Puppet.Upsert(ctx, puppet); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	got, err := db.Puppet.Get(ctx, acct)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Number != "+15550002222" || got.AvatarHash != "h2" || !got.NameSet {
		t.Errorf("puppet upsert mismatch: %+v", got)
	}
}
