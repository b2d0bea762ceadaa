package server

import (
	"encoding/json"
	"net/http"
)

// WebSocketHandler upgrades the request and hands the client to the hub.
// Admission runs on the client's read pump.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	client := newClient(conn, s, r)
	if !s.hub.Register(client) {
		_ = conn.Close()
	}
}

type health struct {
	Status      string `json:"status"`
	Worker      string `json:"worker"`
	Connections int    `json:"connections"`
}

// HealthHandler reports that the worker is up.
func (s *Server) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health{
		Status:      "ok",
		Worker:      s.workerID,
		Connections: s.hub.Count(),
	}); err != nil {
		s.log.Warn("Error writing health response", "error", err)
	}
}
