// Package testinfra runs end-to-end integration tests against a real
// Synapse + signald + mautrix-signal bridge stack.
//
// The tests are black-box: they only talk to the bridge's public
// surfaces (the appservice transaction endpoint and the admin API) and
// to the homeserver. Covers: admin API endpoints, appservice auth and
// transaction idempotency, portal room discovery, ghost membership and
// Prometheus metrics exposure.
//
// Requires a running stack; set BRIDGE_ADMIN_URL, BRIDGE_AS_URL,
// BRIDGE_HS_TOKEN and optionally SYNAPSE_URL. Skips otherwise.
package testinfra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// ────────────────────────────────────────────────────────────────────
// Constants & shared state
// ────────────────────────────────────────────────────────────────────

const domain = "localhost"

var (
	bridgeAdminURL string // Bridge admin API (port 29328)
	bridgeASURL    string // Bridge appservice listener (port 29329)
	bridgeHSToken  string // hs_token from the appservice registration
	bridgeASToken  string // as_token, for asserting ghosts on Synapse
	synapseURL     string // optional, enables homeserver-side checks

	synapseAdminToken string
)

func TestMain(m *testing.M) {
	bridgeAdminURL = envOr("BRIDGE_ADMIN_URL", "http://localhost:29328")
	bridgeASURL = envOr("BRIDGE_AS_URL", "http://localhost:29329")
	bridgeHSToken = os.Getenv("BRIDGE_HS_TOKEN")
	bridgeASToken = os.Getenv("BRIDGE_AS_TOKEN")
	synapseURL = os.Getenv("SYNAPSE_URL")
	synapseAdminToken = os.Getenv("SYNAPSE_ADMIN_TOKEN")

	if bridgeHSToken == "" {
		fmt.Println("SKIP: BRIDGE_HS_TOKEN required (run against a deployed stack)")
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// ────────────────────────────────────────────────────────────────────
// HTTP helpers
// ────────────────────────────────────────────────────────────────────

func doJSON(t testing.TB, method, url string, body any, token string) (int, map[string]any) {
	t.Helper()
	code, resp, err := doJSONRaw(method, url, body, token)
	if err != nil {
		t.Fatalf("HTTP %s %s: %v", method, url, err)
	}
	return code, resp
}

func doJSONRaw(method, url string, body any, token string) (int, map[string]any, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, err
		}
		bodyReader = bytes.NewReader(data)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result) //nolint:errcheck
	return resp.StatusCode, result, nil
}

func getText(t testing.TB, url string) (int, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

// pushTransaction delivers one transaction the way the homeserver does.
func pushTransaction(t *testing.T, txnID string, events []map[string]any) int {
	t.Helper()
	url := fmt.Sprintf("%s/_matrix/app/v1/transactions/%s", bridgeASURL, txnID)
	code, _, err := doJSONRaw(http.MethodPut, url, map[string]any{"events": events}, bridgeHSToken)
	if err != nil {
		t.Fatalf("push transaction %s: %v", txnID, err)
	}
	return code
}

func matrixMessage(roomID, sender, eventID, body string) map[string]any {
	return map[string]any{
		"type":     "m.room.message",
		"event_id": eventID,
		"room_id":  roomID,
		"sender":   sender,
		"content":  map[string]any{"msgtype": "m.text", "body": body},
	}
}

// ────────────────────────────────────────────────────────────────────
// Admin API
// ────────────────────────────────────────────────────────────────────

func TestAdminAPIStatus(t *testing.T) {
	code, resp := doJSON(t, http.MethodGet, bridgeAdminURL+"/api/status", nil, "")
	if code != http.StatusOK {
		t.Fatalf("status endpoint: %d %v", code, resp)
	}
	if _, ok := resp["connection"]; !ok {
		t.Errorf("status response missing connection: %v", resp)
	}
}

func TestAdminAPIResyncRequiresConversation(t *testing.T) {
	code, _, err := doJSONRaw(http.MethodPost, bridgeAdminURL+"/api/resync", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusBadRequest {
		t.Errorf("resync without conversation: %d, want %d", code, http.StatusBadRequest)
	}
}

func TestAdminAPIResyncMethodNotAllowed(t *testing.T) {
	code, _, err := doJSONRaw(http.MethodGet, bridgeAdminURL+"/api/resync?conversation=x", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusMethodNotAllowed {
		t.Errorf("GET resync: %d, want %d", code, http.StatusMethodNotAllowed)
	}
}

func TestAdminAPIRetireUnknownConversation(t *testing.T) {
	code, _, err := doJSONRaw(http.MethodPost, bridgeAdminURL+"/api/retire?conversation=group:does-not-exist", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusNotFound {
		t.Errorf("retire unknown conversation: %d, want %d", code, http.StatusNotFound)
	}
}

func TestMetricsExposed(t *testing.T) {
	code, body := getText(t, bridgeAdminURL+"/metrics")
	if code != http.StatusOK {
		t.Fatalf("metrics endpoint: %d", code)
	}
	for _, metric := range []string{"bridge_events_handled_total", "bridge_portals_active"} {
		if !strings.Contains(body, metric) {
			t.Errorf("metrics output missing %s", metric)
		}
	}
}

// ────────────────────────────────────────────────────────────────────
// Appservice endpoint
// ────────────────────────────────────────────────────────────────────

func TestAppserviceRejectsBadToken(t *testing.T) {
	url := fmt.Sprintf("%s/_matrix/app/v1/transactions/auth-check", bridgeASURL)
	code, _, err := doJSONRaw(http.MethodPut, url, map[string]any{"events": []any{}}, "wrong-token")
	if err != nil {
		t.Fatal(err)
	}
	if code != http.StatusForbidden {
		t.Errorf("bad token: %d, want %d", code, http.StatusForbidden)
	}
}

func TestAppserviceAcceptsEmptyTransaction(t *testing.T) {
	if code := pushTransaction(t, fmt.Sprintf("empty-%d", time.Now().UnixNano()), nil); code != http.StatusOK {
		t.Errorf("empty transaction: %d, want %d", code, http.StatusOK)
	}
}

func TestAppserviceTransactionReplay(t *testing.T) {
	txnID := fmt.Sprintf("replay-%d", time.Now().UnixNano())
	evt := matrixMessage("!nonexistent:"+domain, "@nobody:"+domain,
		fmt.Sprintf("$replay-%d", time.Now().UnixNano()), "replay probe")

	// Both deliveries must be accepted; the second is a recorded no-op.
	if code := pushTransaction(t, txnID, []map[string]any{evt}); code != http.StatusOK {
		t.Fatalf("first delivery: %d", code)
	}
	if code := pushTransaction(t, txnID, []map[string]any{evt}); code != http.StatusOK {
		t.Errorf("replayed delivery: %d, want %d", code, http.StatusOK)
	}
}

func TestAppserviceIgnoresUnknownRoomTraffic(t *testing.T) {
	// Events for rooms the bridge does not own must not error the
	// transaction; the homeserver would retry forever otherwise.
	txnID := fmt.Sprintf("noise-%d", time.Now().UnixNano())
	events := []map[string]any{
		matrixMessage("!unknown-1:"+domain, "@someone:"+domain, "$noise-1", "x"),
		matrixMessage("!unknown-2:"+domain, "@someone:"+domain, "$noise-2", "y"),
	}
	if code := pushTransaction(t, txnID, events); code != http.StatusOK {
		t.Errorf("noise transaction: %d, want %d", code, http.StatusOK)
	}
}

// ────────────────────────────────────────────────────────────────────
// Homeserver-side checks (need SYNAPSE_URL)
// ────────────────────────────────────────────────────────────────────

func requireSynapse(t *testing.T) {
	t.Helper()
	if synapseURL == "" || synapseAdminToken == "" {
		t.Skip("SYNAPSE_URL and SYNAPSE_ADMIN_TOKEN required")
	}
}

func TestSynapseHealthy(t *testing.T) {
	requireSynapse(t)
	code, _, err := doJSONRaw(http.MethodGet, synapseURL+"/_matrix/client/versions", nil, "")
	if err != nil || code != http.StatusOK {
		t.Fatalf("synapse not healthy: %d %v", code, err)
	}
}

func TestPortalRoomsHaveGhostMembers(t *testing.T) {
	requireSynapse(t)
	rooms := listSynapseRooms(t)
	if len(rooms) == 0 {
		t.Skip("no portal rooms created yet")
	}
	found := false
	for _, roomID := range rooms {
		for _, member := range getRoomMembers(t, roomID) {
			if strings.HasPrefix(member, "@signal_") {
				found = true
			}
		}
	}
	if !found {
		t.Error("no ghost members found in any portal room")
	}
}

func TestPortalRoomNoDuplicates(t *testing.T) {
	requireSynapse(t)
	rooms := listSynapseRooms(t)
	seen := make(map[string]string)
	for roomID, name := range roomNames(t, rooms) {
		if name == "" {
			continue
		}
		if prev, dup := seen[name]; dup {
			t.Errorf("duplicate portal room %q: %s and %s", name, prev, roomID)
		}
		seen[name] = roomID
	}
}

func listSynapseRooms(t *testing.T) []string {
	t.Helper()
	code, resp := doJSON(t, http.MethodGet, synapseURL+"/_synapse/admin/v1/rooms?limit=100", nil, synapseAdminToken)
	if code != http.StatusOK {
		t.Fatalf("list rooms: %d %v", code, resp)
	}
	rawRooms, _ := resp["rooms"].([]any)
	var rooms []string
	for _, r := range rawRooms {
		if rm, ok := r.(map[string]any); ok {
			if roomID, _ := rm["room_id"].(string); roomID != "" {
				rooms = append(rooms, roomID)
			}
		}
	}
	return rooms
}

func roomNames(t *testing.T, rooms []string) map[string]string {
	t.Helper()
	names := make(map[string]string, len(rooms))
	code, resp := doJSON(t, http.MethodGet, synapseURL+"/_synapse/admin/v1/rooms?limit=100", nil, synapseAdminToken)
	if code != http.StatusOK {
		t.Fatalf("list rooms: %d %v", code, resp)
	}
	rawRooms, _ := resp["rooms"].([]any)
	for _, r := range rawRooms {
		rm, ok := r.(map[string]any)
		if !ok {
			continue
		}
		roomID, _ := rm["room_id"].(string)
		name, _ := rm["name"].(string)
		names[roomID] = name
	}
	return names
}

func getRoomMembers(t *testing.T, roomID string) []string {
	t.Helper()
	code, resp := doJSON(t, http.MethodGet,
		fmt.Sprintf("%s/_synapse/admin/v1/rooms/%s/members", synapseURL, roomID),
		nil, synapseAdminToken)
	if code != http.StatusOK {
		t.Fatalf("members %s: %d %v", roomID, code, resp)
	}
	membersRaw, _ := resp["members"].([]any)
	members := make([]string, 0, len(membersRaw))
	for _, m := range membersRaw {
		if s, ok := m.(string); ok {
			members = append(members, s)
		}
	}
	return members
}
