package server

import (
	"net/http"
	"time"

	"github.com/wolfeidau/sqlbot/internal/auth"
	"github.com/wolfeidau/sqlbot/internal/models"
)

type rootResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
	Backend        string `json:"backend"`
}

type sessionResponse struct {
	User           models.UserData `json:"user"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	ActiveSessions int             `json:"active_sessions"`
}

type logoutResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{Message: "sqlbot API is running"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:         "healthy",
		ActiveSessions: s.sessions.ActiveSessionCount(r.Context()),
		Backend:        s.sessions.BackendName(),
	})
}

// handleUser serves the denormalized profile from the cached session.
func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())

	data := s.sessions.UserSessionData(r.Context(), identity.Subject)
	if data == nil {
		writeError(w, http.StatusNotFound, "no session")
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// handleSession serves the profile plus access-token expiry and the global
// active-session count.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())

	sess, err := s.sessions.GetSession(r.Context(), identity.Subject)
	if err != nil || !sess.Active {
		writeError(w, http.StatusNotFound, "no session")
		return
	}

	resp := sessionResponse{
		User:           sess.UserData,
		ActiveSessions: s.sessions.ActiveSessionCount(r.Context()),
	}
	if !sess.ExpiresAt.IsZero() {
		expiresAt := sess.ExpiresAt
		resp.ExpiresAt = &expiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSessionDelete terminates the caller's session (logout).
func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	identity := auth.IdentityFromContext(r.Context())

	if !s.sessions.DeleteSession(r.Context(), identity.Subject) {
		writeError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	writeJSON(w, http.StatusOK, logoutResponse{Status: "logged out"})
}
