package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		webLog.Warn("write_json_failed", slog.String("error", err.Error()))
	}
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}

type sessionState struct {
	SessionID             string `json:"session_id"`
	Title                 string `json:"title"`
	Status                string `json:"status"`
	LoadState             string `json:"load_state"`
	WaitingForFirstOutput bool   `json:"waiting_for_first_output"`
	LastError             string `json:"last_error,omitempty"`
}

type stateResponse struct {
	Sessions []sessionState `json:"sessions"`
	Time     time.Time      `json:"time"`
}

// handleState reports the per-session synchronization state: what the
// engine knows about each session the daemon lists.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sessions, err := s.lister.ListSessions(ctx)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, "daemon_unreachable", err.Error())
		return
	}

	resp := stateResponse{
		Sessions: make([]sessionState, 0, len(sessions)),
		Time:     time.Now().UTC(),
	}
	for _, sess := range sessions {
		st := sessionState{
			SessionID:             sess.ID,
			Title:                 sess.Title,
			Status:                string(sess.Status),
			LoadState:             string(s.eng.LoadState(sess.ID)),
			WaitingForFirstOutput: s.eng.IsWaitingForFirstOutput(sess.ID),
		}
		if lastErr := s.eng.LastError(sess.ID); lastErr != nil {
			st.LastError = lastErr.Error()
		}
		resp.Sessions = append(resp.Sessions, st)
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid token")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	sessions, err := s.lister.ListSessions(ctx)
	if err != nil {
		writeAPIError(w, http.StatusBadGateway, "daemon_unreachable", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}
