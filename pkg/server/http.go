package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
)

// publicRouter serves the endpoints that are safe to expose: the WebSocket
// transport and a liveness probe.
func (s *Server) publicRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.HandleWebSocket)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	return r
}

// internalRouter serves operational endpoints. It exposes presence and audit
// data and must never be reachable from outside.
func (s *Server) internalRouter() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/presence", s.PresenceHandler).Methods(http.MethodGet)
	r.HandleFunc("/audit/{username}", s.AuditHandler).Methods(http.MethodGet)
	return r
}

type healthResponse struct {
	Status      string `json:"status"`
	Uptime      string `json:"uptime"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
	Pending     int    `json:"pending"`
}

// HealthHandler reports liveness plus a few counters
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Uptime:      time.Since(s.startTime).Round(time.Second).String(),
		Connections: s.sessions.CountSessions(),
		Online:      len(s.dir.Online()),
		Pending:     s.dir.PendingCount(),
	})
}

// PresenceHandler dumps every user's state
func (s *Server) PresenceHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dir.Snapshot())
}

// AuditHandler returns the most recent journal entries for a user.
// ?limit=N caps the result.
func (s *Server) AuditHandler(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "audit journal disabled"})
		return
	}

	username := mux.Vars(r)["username"]
	if _, ok := s.dir.User(username); !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown user"})
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	// Read-your-writes for operators: flush what is buffered first
	if err := s.audit.WriteBuffer.Flush(); err != nil {
		errorLog.Printf("audit flush: %v", err)
	}

	events, err := s.audit.RecentEvents(username, limit)
	if err != nil {
		errorLog.Printf("audit query for %s: %v", username, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "database error"})
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		debugLog.Printf("write response: %v", err)
	}
}
