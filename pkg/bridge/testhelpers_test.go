// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	_ "go.mau.fi/util/dbutil/litestream"

	"github.com/aiku/mautrix-signal/pkg/signal"
	"github.com/aiku/mautrix-signal/pkg/signalid"
	"github.com/aiku/mautrix-signal/pkg/store"
)

// matrixCall records one outbound homeserver call for assertions.
type matrixCall struct {
	Method  string
	Sender  id.UserID
	Room    id.RoomID
	Target  id.EventID
	EventID id.EventID
	Text    string
	Emoji   string
	TS      time.Time
	Content *event.MessageEventContent
}

// mockMatrixAPI implements MatrixAPI, recording every call and handing
// out sequential event and room IDs.
type mockMatrixAPI struct {
	mu      sync.Mutex
	calls   []matrixCall
	counter int
	// failWith makes every event-producing call fail until cleared.
	failWith error
	// blockSend makes SendMessage park until the channel is closed.
	blockSend chan struct{}
}

func (m *mockMatrixAPI) record(call matrixCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockMatrixAPI) nextEventID() id.EventID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter++
	return id.EventID(fmt.Sprintf("$evt-%d", m.counter))
}

func (m *mockMatrixAPI) Calls(method string) []matrixCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []matrixCall
	for _, call := range m.calls {
		if call.Method == method {
			out = append(out, call)
		}
	}
	return out
}

func (m *mockMatrixAPI) SetFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *mockMatrixAPI) fail() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failWith
}

func (m *mockMatrixAPI) CreateRoom(_ context.Context, req *RoomCreateRequest) (id.RoomID, error) {
	if err := m.fail(); err != nil {
		return "", err
	}
	m.mu.Lock()
	m.counter++
	roomID := id.RoomID(fmt.Sprintf("!room-%d:example.com", m.counter))
	m.mu.Unlock()
	m.record(matrixCall{Method: "CreateRoom", Room: roomID, Text: req.Name})
	return roomID, nil
}

func (m *mockMatrixAPI) SetBlockSend(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockSend = ch
}

func (m *mockMatrixAPI) SendMessage(_ context.Context, sender id.UserID, room id.RoomID, content *event.MessageEventContent, ts time.Time) (id.EventID, error) {
	if err := m.fail(); err != nil {
		return "", err
	}
	m.mu.Lock()
	block := m.blockSend
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	evtID := m.nextEventID()
	m.record(matrixCall{Method: "SendMessage", Sender: sender, Room: room, Target: evtID, Text: content.Body, TS: ts, Content: content})
	return evtID, nil
}

func (m *mockMatrixAPI) SendRedaction(_ context.Context, sender id.UserID, room id.RoomID, target id.EventID) (id.EventID, error) {
	if err := m.fail(); err != nil {
		return "", err
	}
	evtID := m.nextEventID()
	m.record(matrixCall{Method: "SendRedaction", Sender: sender, Room: room, Target: target})
	return evtID, nil
}

func (m *mockMatrixAPI) SendReaction(_ context.Context, sender id.UserID, room id.RoomID, target id.EventID, emoji string, ts time.Time) (id.EventID, error) {
	if err := m.fail(); err != nil {
		return "", err
	}
	evtID := m.nextEventID()
	m.record(matrixCall{Method: "SendReaction", Sender: sender, Room: room, Target: target, EventID: evtID, Emoji: emoji, TS: ts})
	return evtID, nil
}

func (m *mockMatrixAPI) SendNotice(_ context.Context, room id.RoomID, text string) (id.EventID, error) {
	evtID := m.nextEventID()
	m.record(matrixCall{Method: "SendNotice", Room: room, Text: text})
	return evtID, nil
}

func (m *mockMatrixAPI) SetRoomName(_ context.Context, room id.RoomID, name string) error {
	m.record(matrixCall{Method: "SetRoomName", Room: room, Text: name})
	return nil
}

func (m *mockMatrixAPI) SetRoomTopic(_ context.Context, room id.RoomID, topic string) error {
	m.record(matrixCall{Method: "SetRoomTopic", Room: room, Text: topic})
	return nil
}

func (m *mockMatrixAPI) EnsureRegistered(_ context.Context, ghost id.UserID) error {
	m.record(matrixCall{Method: "EnsureRegistered", Sender: ghost})
	return nil
}

func (m *mockMatrixAPI) EnsureJoined(_ context.Context, ghost id.UserID, room id.RoomID) error {
	m.record(matrixCall{Method: "EnsureJoined", Sender: ghost, Room: room})
	return nil
}

func (m *mockMatrixAPI) LeaveRoom(_ context.Context, ghost id.UserID, room id.RoomID) error {
	m.record(matrixCall{Method: "LeaveRoom", Sender: ghost, Room: room})
	return nil
}

func (m *mockMatrixAPI) SetMembership(_ context.Context, sender id.UserID, room id.RoomID, target id.UserID, membership event.Membership) error {
	m.record(matrixCall{Method: "SetMembership", Sender: sender, Room: room, Text: string(membership)})
	return nil
}

func (m *mockMatrixAPI) SetDisplayName(_ context.Context, ghost id.UserID, name string) error {
	m.record(matrixCall{Method: "SetDisplayName", Sender: ghost, Text: name})
	return nil
}

func (m *mockMatrixAPI) SetTyping(_ context.Context, ghost id.UserID, room id.RoomID, timeout time.Duration) error {
	m.record(matrixCall{Method: "SetTyping", Sender: ghost, Room: room})
	return nil
}

func (m *mockMatrixAPI) MarkRead(_ context.Context, sender id.UserID, room id.RoomID, target id.EventID) error {
	m.record(matrixCall{Method: "MarkRead", Sender: sender, Room: room, Target: target})
	return nil
}

// fakeSession implements signal.Session in memory.
type fakeSession struct {
	mu        sync.Mutex
	nextTS    uint64
	sends     []signal.OutgoingMessage
	edits     []uint64
	deletes   []uint64
	reactions []fakeReaction
	receipts  [][]uint64
	history   map[signalid.ConversationID][]*signal.Message
	contacts  map[uuid.UUID]*signal.Contact
	groups    map[signalid.ConversationID]*signal.GroupInfo

	failSend      error
	failGroupInfo error

	eventFn func(signal.Event)
	stateFn func(signal.ConnectionState)
}

type fakeReaction struct {
	TargetTS uint64
	Emoji    string
	Remove   bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		nextTS:   5000,
		history:  make(map[signalid.ConversationID][]*signal.Message),
		contacts: make(map[uuid.UUID]*signal.Contact),
		groups:   make(map[signalid.ConversationID]*signal.GroupInfo),
	}
}

func (f *fakeSession) Connect(context.Context) error { return nil }
func (f *fakeSession) Disconnect() error             { return nil }

func (f *fakeSession) Send(_ context.Context, _ signalid.ConversationID, msg signal.OutgoingMessage) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return 0, f.failSend
	}
	f.nextTS++
	f.sends = append(f.sends, msg)
	return f.nextTS, nil
}

func (f *fakeSession) SendEdit(_ context.Context, _ signalid.ConversationID, targetTS uint64, msg signal.OutgoingMessage) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend != nil {
		return 0, f.failSend
	}
	f.nextTS++
	f.edits = append(f.edits, targetTS)
	return f.nextTS, nil
}

func (f *fakeSession) SendDelete(_ context.Context, _ signalid.ConversationID, targetTS uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, targetTS)
	return nil
}

func (f *fakeSession) SendReaction(_ context.Context, _ signalid.ConversationID, _ uuid.UUID, targetTS uint64, emoji string, remove bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, fakeReaction{TargetTS: targetTS, Emoji: emoji, Remove: remove})
	return nil
}

func (f *fakeSession) SendReceipt(_ context.Context, _ signalid.ConversationID, sentTimestamps []uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, sentTimestamps)
	return nil
}

func (f *fakeSession) SendTyping(context.Context, signalid.ConversationID, bool) error { return nil }

func (f *fakeSession) FetchHistory(_ context.Context, conv signalid.ConversationID, afterTS uint64, limit int) ([]*signal.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var page []*signal.Message
	for _, msg := range f.history[conv] {
		if msg.SentAt > afterTS {
			page = append(page, msg)
			if len(page) == limit {
				break
			}
		}
	}
	return page, nil
}

func (f *fakeSession) GetContact(_ context.Context, acct uuid.UUID) (*signal.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if contact, ok := f.contacts[acct]; ok {
		return contact, nil
	}
	return &signal.Contact{UUID: acct}, nil
}

func (f *fakeSession) GetGroupInfo(_ context.Context, conv signalid.ConversationID) (*signal.GroupInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGroupInfo != nil {
		return nil, f.failGroupInfo
	}
	if info, ok := f.groups[conv]; ok {
		return info, nil
	}
	return &signal.GroupInfo{Conversation: conv, Name: "Test Group"}, nil
}

func (f *fakeSession) Link(context.Context, string) (uuid.UUID, error) { return uuid.New(), nil }
func (f *fakeSession) Relink(context.Context) error                    { return nil }
func (f *fakeSession) Unlink(context.Context) error                    { return nil }

func (f *fakeSession) OnEvent(fn func(signal.Event)) { f.eventFn = fn }
func (f *fakeSession) OnConnectionState(fn func(signal.ConnectionState)) {
	f.stateFn = fn
}

func (f *fakeSession) SentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

func (f *fakeSession) SetFailSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSend = err
}

func newTestDatabase(t *testing.T) *store.Database {
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
	db := store.New(rawDB)
	if err = db.Upgrade(context.Background()); err != nil {
		t.Fatalf("failed to upgrade test database: %v", err)
	}
	return db
}

func newTestBridge(t *testing.T) (*Bridge, *mockMatrixAPI, *fakeSession) {
	t.Helper()
	cfg := &Config{
		Domain:          "example.com",
		BackfillEnabled: false,
		Workers:         4,
	}
	if err := cfg.PostProcess(); err != nil {
		t.Fatalf("failed to post-process config: %v", err)
	}
	mock := &mockMatrixAPI{}
	fake := newFakeSession()
	br := New(zerolog.Nop(), cfg, newTestDatabase(t), mock, signal.NewManager(fake, zerolog.Nop()), nil)
	return br, mock, fake
}

// newTestPortal inserts an uninitialized portal row and returns a portal
// whose handlers the test drives synchronously.
func newTestPortal(t *testing.T, br *Bridge, convID signalid.ConversationID) *Portal {
	t.Helper()
	kind := store.PortalDM
	if signalid.IsGroup(convID) {
		kind = store.PortalGroup
	}
	row := &store.Portal{ConvID: convID, Kind: kind, State: store.PortalUninitialized}
	if err := br.DB.Portal.Insert(context.Background(), row); err != nil {
		t.Fatalf("failed to insert portal: %v", err)
	}
	portal := newPortal(br, row)
	br.Dispatcher.mu.Lock()
	br.Dispatcher.byConv[convID] = portal
	br.Dispatcher.mu.Unlock()
	return portal
}

func insertTestUser(t *testing.T, br *Bridge, mxid id.UserID, acct uuid.UUID) *store.User {
	t.Helper()
	user := &store.User{MXID: mxid, SignalUUID: acct}
	if err := br.DB.User.Upsert(context.Background(), user); err != nil {
		t.Fatalf("failed to insert user: %v", err)
	}
	return user
}

func remoteMessage(conv signalid.ConversationID, sender uuid.UUID, sentAt uint64, body string) *signal.Message {
	return &signal.Message{
		EventMeta: signal.EventMeta{Conv: conv, Sender: sender, SentAt: sentAt},
		Body:      body,
	}
}

func matrixMessageEvent(room id.RoomID, sender id.UserID, evtID id.EventID, body string) *event.Event {
	return &event.Event{
		ID:     evtID,
		Type:   event.EventMessage,
		RoomID: room,
		Sender: sender,
		Content: event.Content{Parsed: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		}},
	}
}
