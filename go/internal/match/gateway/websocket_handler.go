package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchclock/go/internal/match/registry"
)

// WebSocketHandler handles WebSocket upgrade requests for match viewers
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleMatchConnection upgrades a viewer connection. When away_team_id and
// home_team_id are both present the viewer is subscribed to that match straight away.
func (h *WebSocketHandler) HandleMatchConnection(w http.ResponseWriter, r *http.Request) {
	away := r.URL.Query().Get("away_team_id")
	home := r.URL.Query().Get("home_team_id")
	if (away == "") != (home == "") {
		http.Error(w, "away_team_id and home_team_id must be given together", http.StatusBadRequest)
		return
	}

	conn, err := h.connectionManager.UpgradeConnection(w, r)
	if err != nil {
		// The upgrader has already replied to the client
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	if away != "" {
		key := registry.NewMatchKey(away, home)
		if err := h.connectionManager.Subscribe(conn, key); err == nil {
			conn.sendEvent(EventSubscribed, SubscriptionPayload{MatchKey: key})
		}
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.connectionManager.GetConnectionStats()); err != nil {
		log.Error().Err(err).Msg("failed to encode connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleMatchConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
