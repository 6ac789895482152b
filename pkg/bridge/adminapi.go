// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aiku/mautrix-signal/pkg/signalid"
)

// AdminAPI is the bridge operator surface: portal resync, session relink
// and Prometheus metrics.
type AdminAPI struct {
	br     *Bridge
	server *http.Server
}

// NewAdminAPI builds the admin server. Pass the registry the metrics
// Collector was registered on.
func NewAdminAPI(br *Bridge, addr string, registry *prometheus.Registry) *AdminAPI {
	if addr == "" {
		addr = ":29328"
	}
	api := &AdminAPI{br: br}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/resync", api.HandleResync)
	mux.HandleFunc("/api/retire", api.HandleRetire)
	mux.HandleFunc("/api/relink", api.HandleRelink)
	mux.HandleFunc("/api/status", api.HandleStatus)
	if registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}
	api.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return api
}

// Start begins serving in the background.
func (api *AdminAPI) Start() {
	go func() {
		api.br.Log.Info().Str("addr", api.server.Addr).Msg("Starting bridge admin API")
		if err := api.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			api.br.Log.Error().Err(err).Msg("Bridge admin API error")
		}
	}()
}

// Stop shuts the server down gracefully.
func (api *AdminAPI) Stop(ctx context.Context) {
	if err := api.server.Shutdown(ctx); err != nil {
		api.br.Log.Warn().Err(err).Msg("Admin API shutdown error")
	}
}

// HandleResync is an HTTP handler for POST /api/resync?conversation=<id>.
// It re-runs metadata sync on the portal, which is also the way out of
// the error state, and optionally restarts backfill with backfill=1.
func (api *AdminAPI) HandleResync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	convID := signalid.ConversationID(r.URL.Query().Get("conversation"))
	if convID == "" {
		http.Error(w, "missing conversation parameter", http.StatusBadRequest)
		return
	}
	portal := api.br.Dispatcher.PortalByConvID(r.Context(), convID)
	if portal == nil {
		http.Error(w, "no such portal", http.StatusNotFound)
		return
	}
	api.br.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("conversation", string(convID)).
		Msg("Portal resync requested")
	if !portal.Resync() {
		http.Error(w, "portal not accepting commands", http.StatusConflict)
		return
	}
	if r.URL.Query().Get("backfill") == "1" {
		portal.triggerBackfill()
	}
	writeJSON(w, map[string]string{"status": "resync queued"})
}

// HandleRetire is an HTTP handler for POST /api/retire?conversation=<id>.
// It drains and archives the portal.
func (api *AdminAPI) HandleRetire(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	convID := signalid.ConversationID(r.URL.Query().Get("conversation"))
	if convID == "" {
		http.Error(w, "missing conversation parameter", http.StatusBadRequest)
		return
	}
	portal := api.br.Dispatcher.PortalByConvID(r.Context(), convID)
	if portal == nil {
		http.Error(w, "no such portal", http.StatusNotFound)
		return
	}
	api.br.Log.Info().
		Str("remote_addr", r.RemoteAddr).
		Str("conversation", string(convID)).
		Msg("Portal retire requested")
	portal.Retire()
	writeJSON(w, map[string]string{"status": "retired"})
}

// HandleRelink is an HTTP handler for POST /api/relink. It re-establishes
// the Signal device link.
func (api *AdminAPI) HandleRelink(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	api.br.Log.Info().Str("remote_addr", r.RemoteAddr).Msg("Relink requested")
	if err := api.br.Signal.Relink(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "relinked"})
}

// HandleStatus is an HTTP handler for GET /api/status.
func (api *AdminAPI) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, map[string]string{
		"connection": string(api.br.Signal.State()),
		"account":    api.br.Signal.Account().String(),
	})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}
