// Conclave - Real-Time Collaboration for Security Assessments
// Copyright 2026 Pentora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pentora/conclave

package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"github.com/pentora/conclave/internal/events"
	"github.com/pentora/conclave/internal/logging"
	"github.com/pentora/conclave/internal/models"
	"github.com/pentora/conclave/internal/protocol"
)

// userID reads the caller identity. Authentication happens upstream at the
// gateway; this service trusts the forwarded header.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	owner := userID(r)
	if owner == "" {
		writeError(w, models.NewError(models.CodePermissionDenied, "missing user identity"))
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, models.NewError(models.CodeInternalError, "read request body"))
		return
	}
	req, err := protocol.Decode[protocol.SessionCreate](body)
	if err != nil {
		writeError(w, models.WrapError(models.CodePermissionDenied, "invalid session create request", err))
		return
	}

	sess, err := s.sessions.CreateSession(r.Context(), owner, req.OperationID, req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, protocol.SessionCreated{Session: sess})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req struct {
		Status models.SessionStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.WrapError(models.CodePermissionDenied, "invalid status request", err))
		return
	}

	ok, err := s.sessions.HasPermission(r.Context(), sessionID, userID(r), models.ActionManage)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, models.NewError(models.CodePermissionDenied, "only the session owner may change status"))
		return
	}

	if err := s.sessions.UpdateSessionStatus(r.Context(), sessionID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	uid := userID(r)
	if uid == "" {
		writeError(w, models.NewError(models.CodePermissionDenied, "missing user identity"))
		return
	}

	role := models.RoleViewer
	if body, err := io.ReadAll(r.Body); err == nil && len(body) > 0 {
		var req protocol.SessionJoin
		if err := json.Unmarshal(body, &req); err == nil && req.Role != "" {
			role = req.Role
		}
	}

	p, err := s.sessions.AddParticipant(r.Context(), sessionID, uid, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	target := chi.URLParam(r, "userID")
	actor := userID(r)

	if target != actor {
		ok, err := s.sessions.HasPermission(r.Context(), sessionID, actor, models.ActionManage)
		if err != nil {
			writeError(w, err)
			return
		}
		if !ok {
			writeError(w, models.NewError(models.CodePermissionDenied, "cannot remove another participant"))
			return
		}
	}

	if err := s.sessions.RemoveParticipant(r.Context(), sessionID, target); err != nil {
		writeError(w, err)
		return
	}
	if err := s.presence.RemovePresence(r.Context(), sessionID, target); err != nil {
		logging.Warn().Err(err).
			Str("session_id", sessionID).
			Str("user_id", target).
			Msg("presence removal on leave failed")
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := s.sessions.GetParticipants(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, participants)
}

func (s *Server) handleGetPresence(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	users := s.presence.GetOnlineUsers(r.Context(), sessionID)
	writeJSON(w, http.StatusOK, protocol.PresenceUpdate{
		SessionID: sessionID,
		Users:     users,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	q, err := eventQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	evts, err := s.events.GetEvents(r.Context(), chi.URLParam(r, "operationID"), q)
	if err != nil {
		writeError(w, models.WrapError(models.CodeDataPlaneError, "event query failed", err))
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	q, err := eventQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	evts, err := s.events.ReplayEvents(r.Context(), chi.URLParam(r, "operationID"), q)
	if err != nil {
		writeError(w, models.WrapError(models.CodeDataPlaneError, "event replay failed", err))
		return
	}
	writeJSON(w, http.StatusOK, evts)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	writeJSON(w, http.StatusOK, s.events.GetRecentEvents(limit))
}

func eventQuery(r *http.Request) (events.Query, error) {
	var q events.Query
	params := r.URL.Query()

	if raw := params.Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			et := models.EventType(strings.TrimSpace(t))
			if !models.ValidEventType(et) {
				return q, models.NewError(models.CodeInternalError, "unknown event type: "+string(et))
			}
			q.Types = append(q.Types, et)
		}
	}
	if v := params.Get("limit"); v != "" {
		q.Limit, _ = strconv.Atoi(v)
	}
	if v := params.Get("offset"); v != "" {
		q.Offset, _ = strconv.Atoi(v)
	}
	if v := params.Get("order"); v == string(events.OrderAsc) {
		q.Order = events.OrderAsc
	}

	var err error
	if q.StartTime, err = parseTime(params.Get("startTime")); err != nil {
		return q, err
	}
	if q.EndTime, err = parseTime(params.Get("endTime")); err != nil {
		return q, err
	}
	return q, nil
}

// parseTime accepts epoch milliseconds or RFC 3339.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, models.NewError(models.CodeInternalError, "invalid time: "+v)
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	msg := protocol.NewErrorMessage(err)
	writeJSON(w, httpStatus(models.CodeOf(err)), msg)
}

func httpStatus(code models.ErrorCode) int {
	switch code {
	case models.CodeSessionNotFound:
		return http.StatusNotFound
	case models.CodeSessionFull:
		return http.StatusConflict
	case models.CodePermissionDenied:
		return http.StatusForbidden
	case models.CodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case models.CodeDataPlaneError, models.CodeDatabaseError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
