// Copyright 2024-2026 Aiku AI

package signal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

// SocketSession implements Session over the JSON-line socket protocol of
// an external signald-compatible daemon. The daemon owns all protocol
// state (keys, device link, encryption); this client only exchanges
// envelopes with it.
type SocketSession struct {
	socketPath string
	account    string
	log        zerolog.Logger

	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder

	reqID   atomic.Uint64
	pending sync.Map // request id -> chan *socketFrame

	eventFn func(Event)
	stateFn func(ConnectionState)

	stopOnce sync.Once
	stopChan chan struct{}
}

// socketFrame is one JSON line in either direction.
type socketFrame struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Account string          `json:"account,omitempty"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewSocketSession creates a session speaking to the daemon listening on
// socketPath for the given account (empty before first link).
func NewSocketSession(socketPath, account string, log zerolog.Logger) *SocketSession {
	return &SocketSession{
		socketPath: socketPath,
		account:    account,
		log:        log.With().Str("component", "signald").Logger(),
		stopChan:   make(chan struct{}),
	}
}

var _ Session = (*SocketSession)(nil)

func (s *SocketSession) OnEvent(fn func(Event))                     { s.eventFn = fn }
func (s *SocketSession) OnConnectionState(fn func(ConnectionState)) { s.stateFn = fn }

func (s *SocketSession) Connect(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", s.socketPath)
	if err != nil {
		return &TransportError{Err: fmt.Errorf("failed to dial daemon socket: %w", err)}
	}
	s.mu.Lock()
	s.conn = conn
	s.enc = json.NewEncoder(conn)
	s.mu.Unlock()

	go s.readLoop(conn)

	if s.account != "" {
		if _, err = s.request(ctx, "subscribe", nil); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}
	if s.stateFn != nil {
		s.stateFn(ConnectionConnected)
	}
	return nil
}

func (s *SocketSession) Disconnect() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.mu.Lock()
		if s.conn != nil {
			err = s.conn.Close()
		}
		s.mu.Unlock()
	})
	return err
}

func (s *SocketSession) readLoop(conn net.Conn) {
	scanner := bufio.NewScanner(bufio.NewReader(conn))
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var frame socketFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			s.log.Warn().Err(err).Msg("Failed to decode frame from daemon")
			continue
		}
		if frame.ID != "" {
			if ch, ok := s.pending.LoadAndDelete(frame.ID); ok {
				ch.(chan *socketFrame) <- &frame
			}
			continue
		}
		if frame.Type == "event" {
			s.handleInbound(frame.Data)
		}
	}
	select {
	case <-s.stopChan:
	default:
		s.log.Warn().Err(scanner.Err()).Msg("Daemon socket closed unexpectedly")
		if s.stateFn != nil {
			s.stateFn(ConnectionDisconnected)
		}
	}
}

func (s *SocketSession) handleInbound(raw json.RawMessage) {
	ev, err := UnmarshalEvent(raw)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to decode inbound event")
		return
	}
	if s.eventFn != nil {
		s.eventFn(ev)
	}
}

// request sends one frame and waits for the matching response.
func (s *SocketSession) request(ctx context.Context, typ string, data any) (json.RawMessage, error) {
	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = encoded
	}
	id := strconv.FormatUint(s.reqID.Add(1), 10)
	ch := make(chan *socketFrame, 1)
	s.pending.Store(id, ch)
	defer s.pending.Delete(id)

	s.mu.Lock()
	if s.enc == nil {
		s.mu.Unlock()
		return nil, &TransportError{Err: fmt.Errorf("not connected")}
	}
	err := s.enc.Encode(&socketFrame{ID: id, Type: typ, Account: s.account, Data: raw})
	s.mu.Unlock()
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to send %s request: %w", typ, err)}
	}

	select {
	case <-ctx.Done():
		return nil, &TransportError{Err: ctx.Err()}
	case <-s.stopChan:
		return nil, &TransportError{Err: fmt.Errorf("session stopped")}
	case resp := <-ch:
		if resp.Error != "" {
			return nil, daemonError(typ, resp.Error)
		}
		return resp.Data, nil
	}
}

type sendRequest struct {
	Conversation signalid.ConversationID `json:"conversation"`
	Target       uint64                  `json:"target,omitempty"`
	TargetSender string                  `json:"target_sender,omitempty"`
	Body         string                  `json:"body,omitempty"`
	Styles       []StyleRange            `json:"styles,omitempty"`
	Mentions     []Mention               `json:"mentions,omitempty"`
	Quote        *Quote                  `json:"quote,omitempty"`
	Emoji        string                  `json:"emoji,omitempty"`
	Remove       bool                    `json:"remove,omitempty"`
	Timestamps   []uint64                `json:"timestamps,omitempty"`
	Stopped      bool                    `json:"stopped,omitempty"`
	AfterTS      uint64                  `json:"after_ts,omitempty"`
	Limit        int                     `json:"limit,omitempty"`
}

type sendResponse struct {
	SentAt uint64 `json:"sent_at"`
}

func (s *SocketSession) Send(ctx context.Context, conv signalid.ConversationID, msg OutgoingMessage) (uint64, error) {
	raw, err := s.request(ctx, "send", &sendRequest{
		Conversation: conv,
		Body:         msg.Body,
		Styles:       msg.Styles,
		Mentions:     msg.Mentions,
		Quote:        msg.Quote,
	})
	if err != nil {
		return 0, err
	}
	var resp sendResponse
	if err = json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode send response: %w", err)
	}
	return resp.SentAt, nil
}

func (s *SocketSession) SendEdit(ctx context.Context, conv signalid.ConversationID, targetSentTS uint64, msg OutgoingMessage) (uint64, error) {
	raw, err := s.request(ctx, "edit", &sendRequest{
		Conversation: conv,
		Target:       targetSentTS,
		Body:         msg.Body,
		Styles:       msg.Styles,
		Mentions:     msg.Mentions,
	})
	if err != nil {
		return 0, err
	}
	var resp sendResponse
	if err = json.Unmarshal(raw, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode edit response: %w", err)
	}
	return resp.SentAt, nil
}

func (s *SocketSession) SendDelete(ctx context.Context, conv signalid.ConversationID, targetSentTS uint64) error {
	_, err := s.request(ctx, "remote_delete", &sendRequest{Conversation: conv, Target: targetSentTS})
	return err
}

func (s *SocketSession) SendReaction(ctx context.Context, conv signalid.ConversationID, targetSender uuid.UUID, targetSentTS uint64, emoji string, remove bool) error {
	_, err := s.request(ctx, "react", &sendRequest{
		Conversation: conv,
		Target:       targetSentTS,
		TargetSender: targetSender.String(),
		Emoji:        emoji,
		Remove:       remove,
	})
	return err
}

func (s *SocketSession) SendReceipt(ctx context.Context, conv signalid.ConversationID, sentTimestamps []uint64) error {
	_, err := s.request(ctx, "mark_read", &sendRequest{Conversation: conv, Timestamps: sentTimestamps})
	return err
}

func (s *SocketSession) SendTyping(ctx context.Context, conv signalid.ConversationID, stopped bool) error {
	_, err := s.request(ctx, "typing", &sendRequest{Conversation: conv, Stopped: stopped})
	return err
}

func (s *SocketSession) FetchHistory(ctx context.Context, conv signalid.ConversationID, afterTS uint64, limit int) ([]*Message, error) {
	raw, err := s.request(ctx, "fetch_history", &sendRequest{Conversation: conv, AfterTS: afterTS, Limit: limit})
	if err != nil {
		return nil, err
	}
	var msgs []*Message
	if err = json.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}
	return msgs, nil
}

func (s *SocketSession) GetContact(ctx context.Context, acct uuid.UUID) (*Contact, error) {
	raw, err := s.request(ctx, "get_contact", map[string]string{"uuid": acct.String()})
	if err != nil {
		return nil, err
	}
	var contact Contact
	if err = json.Unmarshal(raw, &contact); err != nil {
		return nil, fmt.Errorf("failed to decode contact: %w", err)
	}
	return &contact, nil
}

func (s *SocketSession) GetGroupInfo(ctx context.Context, conv signalid.ConversationID) (*GroupInfo, error) {
	raw, err := s.request(ctx, "get_group", &sendRequest{Conversation: conv})
	if err != nil {
		return nil, err
	}
	var info GroupInfo
	if err = json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("failed to decode group info: %w", err)
	}
	return &info, nil
}

// linkTimeout bounds how long the daemon may show the QR code.
const linkTimeout = 3 * time.Minute

func (s *SocketSession) Link(ctx context.Context, deviceName string) (uuid.UUID, error) {
	ctx, cancel := context.WithTimeout(ctx, linkTimeout)
	defer cancel()
	raw, err := s.request(ctx, "link", map[string]string{"device_name": deviceName})
	if err != nil {
		return uuid.Nil, err
	}
	var resp struct {
		Account string `json:"account"`
	}
	if err = json.Unmarshal(raw, &resp); err != nil {
		return uuid.Nil, fmt.Errorf("failed to decode link response: %w", err)
	}
	acct, err := uuid.Parse(resp.Account)
	if err != nil {
		return uuid.Nil, fmt.Errorf("daemon returned invalid account: %w", err)
	}
	s.account = resp.Account
	return acct, nil
}

func (s *SocketSession) Relink(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, linkTimeout)
	defer cancel()
	_, err := s.request(ctx, "relink", nil)
	return err
}

func (s *SocketSession) Unlink(ctx context.Context) error {
	_, err := s.request(ctx, "unlink", nil)
	if err == nil && s.stateFn != nil {
		s.stateFn(ConnectionUnlinked)
	}
	return err
}
