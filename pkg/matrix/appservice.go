// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// TransactionHandler consumes one homeserver transaction. Implemented by
// the engine dispatcher.
type TransactionHandler interface {
	HandleTransaction(ctx context.Context, txnID string, events []*event.Event) error
	HandleMatrixTyping(ctx context.Context, roomID id.RoomID, typingUsers []id.UserID)
	HandleMatrixReceipt(ctx context.Context, roomID id.RoomID, userID id.UserID, eventID id.EventID)
}

// Appservice is the inbound half of the appservice registration: the
// endpoint the homeserver pushes transactions to.
type Appservice struct {
	log     zerolog.Logger
	hsToken string
	handler TransactionHandler
	server  *http.Server
}

func NewAppservice(log zerolog.Logger, addr, hsToken string, handler TransactionHandler) *Appservice {
	as := &Appservice{
		log:     log.With().Str("component", "appservice").Logger(),
		hsToken: hsToken,
		handler: handler,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/_matrix/app/v1/transactions/", as.handleTransaction)
	// Legacy path some homeservers still use.
	mux.HandleFunc("/transactions/", as.handleTransaction)
	as.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return as
}

// Start begins serving in the background.
func (as *Appservice) Start() {
	go func() {
		as.log.Info().Str("addr", as.server.Addr).Msg("Starting appservice listener")
		if err := as.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			as.log.Error().Err(err).Msg("Appservice listener error")
		}
	}()
}

// Stop shuts the listener down gracefully.
func (as *Appservice) Stop(ctx context.Context) {
	if err := as.server.Shutdown(ctx); err != nil {
		as.log.Warn().Err(err).Msg("Appservice shutdown error")
	}
}

// transaction is the wire format of a pushed transaction: PDUs plus
// ephemeral EDUs when the homeserver supports them.
type transaction struct {
	Events    []*event.Event `json:"events"`
	Ephemeral []*event.Event `json:"ephemeral,omitempty"`
}

func (as *Appservice) authorized(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == as.hsToken
	}
	// Legacy query parameter auth.
	return r.URL.Query().Get("access_token") == as.hsToken
}

func (as *Appservice) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, `{"errcode":"M_UNRECOGNIZED"}`, http.StatusMethodNotAllowed)
		return
	}
	if !as.authorized(r) {
		http.Error(w, `{"errcode":"M_FORBIDDEN"}`, http.StatusForbidden)
		return
	}
	txnID := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
	if txnID == "" {
		http.Error(w, `{"errcode":"M_NOT_FOUND"}`, http.StatusNotFound)
		return
	}

	var txn transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		as.log.Warn().Err(err).Str("txn_id", txnID).Msg("Failed to decode transaction")
		http.Error(w, `{"errcode":"M_BAD_JSON"}`, http.StatusBadRequest)
		return
	}
	for _, evt := range txn.Events {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			as.log.Debug().Err(err).
				Str("event_id", evt.ID.String()).
				Msg("Failed to parse event content")
		}
	}
	if err := as.handler.HandleTransaction(r.Context(), txnID, txn.Events); err != nil {
		as.log.Err(err).Str("txn_id", txnID).Msg("Failed to handle transaction")
		http.Error(w, `{"errcode":"M_UNKNOWN"}`, http.StatusInternalServerError)
		return
	}
	as.routeEphemeral(r.Context(), txn.Ephemeral)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}"))
}

func (as *Appservice) routeEphemeral(ctx context.Context, edus []*event.Event) {
	for _, edu := range edus {
		switch edu.Type {
		case event.EphemeralEventTyping:
			if err := edu.Content.ParseRaw(edu.Type); err != nil {
				continue
			}
			typing, ok := edu.Content.Parsed.(*event.TypingEventContent)
			if !ok {
				continue
			}
			as.handler.HandleMatrixTyping(ctx, edu.RoomID, typing.UserIDs)
		case event.EphemeralEventReceipt:
			as.routeReceipts(ctx, edu)
		}
	}
}

func (as *Appservice) routeReceipts(ctx context.Context, edu *event.Event) {
	// Receipt EDUs are keyed by event ID, then receipt type, then user.
	var receipts map[id.EventID]map[string]map[id.UserID]json.RawMessage
	if err := json.Unmarshal(edu.Content.VeryRaw, &receipts); err != nil {
		as.log.Debug().Err(err).Msg("Failed to decode receipt EDU")
		return
	}
	for eventID, byType := range receipts {
		for userID := range byType["m.read"] {
			as.handler.HandleMatrixReceipt(ctx, edu.RoomID, userID, eventID)
		}
	}
}
