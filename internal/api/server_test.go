// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/pentora/conclave/internal/dataplane"
	"github.com/pentora/conclave/internal/events"
	"github.com/pentora/conclave/internal/models"
	"github.com/pentora/conclave/internal/presence"
	"github.com/pentora/conclave/internal/protocol"
	"github.com/pentora/conclave/internal/session"
	"github.com/pentora/conclave/internal/ws"
)

func newTestServer(t *testing.T) (*Server, *dataplane.Memory) {
	t.Helper()

	db, err := session.OpenDB(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	sessions := session.NewManager(session.NewStore(db), session.Config{MaxParticipants: 3})

	mem := dataplane.NewMemory()
	pm := presence.NewManager(mem, sessions, presence.Config{
		RecordTTL:        time.Minute,
		HeartbeatTimeout: 30 * time.Second,
		AwayThreshold:    20 * time.Second,
	})
	t.Cleanup(pm.Shutdown)

	store := events.NewStore(mem, events.Config{MaxEventsPerOperation: 100, RetentionHours: 1})
	t.Cleanup(store.Close)

	hub := ws.NewHub()
	relay := ws.NewRelay(hub, pm, 0)
	t.Cleanup(relay.Close)

	srv := NewServer(Config{Host: "127.0.0.1", Port: 0, Timeout: 5 * time.Second},
		sessions, pm, store, mem, hub, relay)
	return srv, mem
}

func doJSON(t *testing.T, h http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func createSession(t *testing.T, h http.Handler, owner string) *models.Session {
	t.Helper()

	rec := doJSON(t, h, "POST", "/api/v1/sessions", owner,
		protocol.SessionCreate{OperationID: "op-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create session: status %d body %s", rec.Code, rec.Body.String())
	}
	var resp protocol.SessionCreated
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode created: %v", err)
	}
	return resp.Session
}

func TestCreateAndGetSession(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	sess := createSession(t, h, "owner-1")
	if sess.OwnerID != "owner-1" || sess.OperationID != "op-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}

	rec := doJSON(t, h, "GET", "/api/v1/sessions/"+sess.SessionID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get session: status %d", rec.Code)
	}
	var got models.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("got session %q, want %q", got.ID, sess.ID)
	}
}

func TestCreateSessionRequiresIdentity(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv.Handler(), "POST", "/api/v1/sessions", "",
		protocol.SessionCreate{OperationID: "op-1"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestErrorEnvelopeStatuses(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "GET", "/api/v1/sessions/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing session: status %d, want 404", rec.Code)
	}
	var msg protocol.ErrorMessage
	if err := json.Unmarshal(rec.Body.Bytes(), &msg); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if msg.Type != protocol.TypeError || msg.Code != 4404 {
		t.Fatalf("envelope = %+v, want type error code 4404", msg)
	}
}

func TestJoinLeaveFlow(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	sess := createSession(t, h, "owner-1")
	base := "/api/v1/sessions/" + sess.SessionID + "/participants"

	rec := doJSON(t, h, "POST", base, "u1", protocol.SessionJoin{SessionID: sess.SessionID, Role: models.RoleCommenter})
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: status %d body %s", rec.Code, rec.Body.String())
	}
	var p models.Participant
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatalf("decode participant: %v", err)
	}
	if p.Role != models.RoleCommenter {
		t.Fatalf("role = %q, want commenter", p.Role)
	}

	// Capacity is 3: owner, u1, u2 fill it; u3 is rejected.
	if rec := doJSON(t, h, "POST", base, "u2", nil); rec.Code != http.StatusCreated {
		t.Fatalf("second join: status %d", rec.Code)
	}
	if rec := doJSON(t, h, "POST", base, "u3", nil); rec.Code != http.StatusConflict {
		t.Fatalf("over-capacity join: status %d, want 409", rec.Code)
	}

	if rec := doJSON(t, h, "DELETE", base+"/u1", "u1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("leave: status %d", rec.Code)
	}

	// A stranger cannot remove another participant.
	if rec := doJSON(t, h, "DELETE", base+"/u2", "u3", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("foreign removal: status %d, want 403", rec.Code)
	}
	// The owner can.
	if rec := doJSON(t, h, "DELETE", base+"/u2", "owner-1", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("owner removal: status %d", rec.Code)
	}
}

func TestUpdateStatusPermissions(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	sess := createSession(t, h, "owner-1")
	path := "/api/v1/sessions/" + sess.SessionID + "/status"

	body := map[string]string{"status": "completed"}
	if rec := doJSON(t, h, "POST", path, "intruder", body); rec.Code != http.StatusForbidden {
		t.Fatalf("non-owner status change: %d, want 403", rec.Code)
	}
	if rec := doJSON(t, h, "POST", path, "owner-1", body); rec.Code != http.StatusNoContent {
		t.Fatalf("owner status change: %d, want 204", rec.Code)
	}
	// Terminal sessions take no further transitions.
	if rec := doJSON(t, h, "POST", path, "owner-1", body); rec.Code != http.StatusForbidden {
		t.Fatalf("terminal transition: %d, want 403", rec.Code)
	}
}

func TestGetPresence(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()
	sess := createSession(t, h, "owner-1")

	if err := srv.presence.SetPresence(t.Context(), sess.SessionID, "owner-1", models.PresenceOnline, nil); err != nil {
		t.Fatalf("set presence: %v", err)
	}

	rec := doJSON(t, h, "GET", "/api/v1/sessions/"+sess.SessionID+"/presence", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("presence: status %d", rec.Code)
	}
	var upd protocol.PresenceUpdate
	if err := json.Unmarshal(rec.Body.Bytes(), &upd); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if len(upd.Users) != 1 || upd.Users[0].UserID != "owner-1" {
		t.Fatalf("users = %+v, want single owner-1", upd.Users)
	}
}

func TestEventQueryEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	now := time.Now()
	for i, typ := range []models.EventType{models.EventStdout, models.EventStderr, models.EventStdout} {
		srv.events.StoreEvent(models.OperationEvent{
			ID:          "evt-" + string(rune('a'+i)),
			Type:        typ,
			Content:     "line",
			Timestamp:   now.Add(time.Duration(i) * time.Second),
			OperationID: "op-1",
		})
	}

	rec := doJSON(t, h, "GET", "/api/v1/operations/op-1/events?types=stdout", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("events: status %d", rec.Code)
	}
	var evts []models.OperationEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &evts); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(evts) != 2 {
		t.Fatalf("stdout events = %d, want 2", len(evts))
	}

	if rec := doJSON(t, h, "GET", "/api/v1/operations/op-1/events?types=bogus", "", nil); rec.Code != http.StatusInternalServerError {
		t.Fatalf("bad type filter: status %d, want 500", rec.Code)
	}

	rec = doJSON(t, h, "GET", "/api/v1/operations/op-1/replay", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replay: status %d", rec.Code)
	}
	evts = nil
	if err := json.Unmarshal(rec.Body.Bytes(), &evts); err != nil {
		t.Fatalf("decode replay: %v", err)
	}
	if len(evts) != 3 || evts[0].ID != "evt-a" {
		t.Fatalf("replay order = %+v, want ascending from evt-a", evts)
	}
}

func TestHealthReflectsDataPlane(t *testing.T) {
	srv, mem := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("healthy: status %d", rec.Code)
	}

	if err := mem.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	rec = doJSON(t, h, "GET", "/healthz", "", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded: status %d, want 503", rec.Code)
	}
}

func TestRateLimit(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.RateLimitReqs = 2
	srv.cfg.RateLimitWindow = time.Minute
	h := srv.routes()

	var last int
	for i := 0; i < 3; i++ {
		rec := doJSON(t, h, "GET", "/api/v1/events/recent", "", nil)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("third request: status %d, want 429", last)
	}
}
