package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/matchclock/go/internal/match/reconcile"
	"github.com/mcdev12/matchclock/go/internal/match/registry"
)

// maxRequestBody bounds POST /start-timer bodies.
const maxRequestBody = 64 << 10

// TimerResponse is returned by StartOrUpdateTimer.
type TimerResponse struct {
	Timer string `json:"timer"`
}

// ErrorResponse is returned for rejected requests.
type ErrorResponse struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields,omitempty"`
}

// MatchTimer is the REST view of one anchored match.
type MatchTimer struct {
	MatchKey      registry.MatchKey `json:"matchKey"`
	Timer         string            `json:"timer"`
	AnchorSeconds int               `json:"anchorSeconds"`
	AnchoredAt    time.Time         `json:"anchoredAt"`
	LastActiveAt  time.Time         `json:"lastActiveAt"`
	Viewers       int               `json:"viewers"`
}

// Reconciler is what the timer handler needs from the reconcile package.
type Reconciler interface {
	Reconcile(ctx context.Context, req reconcile.StartTimerRequest) (reconcile.TimerUpdate, error)
	Format(seconds int) string
}

// TimerHandler serves the reconcile endpoint and the REST read path
type TimerHandler struct {
	reconciler Reconciler
	registry   *registry.Registry
	viewers    *ConnectionManager
	clock      clockwork.Clock
}

// NewTimerHandler creates a new timer handler
func NewTimerHandler(reconciler Reconciler, reg *registry.Registry, viewers *ConnectionManager, clock clockwork.Clock) *TimerHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TimerHandler{
		reconciler: reconciler,
		registry:   reg,
		viewers:    viewers,
		clock:      clock,
	}
}

// HandleStartTimer handles POST /start-timer
func (h *TimerHandler) HandleStartTimer(w http.ResponseWriter, r *http.Request) {
	var req reconcile.StartTimerRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	update, err := h.reconciler.Reconcile(r.Context(), req)
	if err != nil {
		var ve *reconcile.ValidationError
		if errors.As(err, &ve) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Fields: ve.Fields})
			return
		}
		log.Error().Err(err).Str("match_key", req.MatchKey().String()).Msg("failed to reconcile match clock")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to update timer"})
		return
	}

	writeJSON(w, http.StatusOK, TimerResponse{Timer: update.Timer})
}

// HandleGetMatchTimer handles GET /api/matches/{away}/{home}/timer
func (h *TimerHandler) HandleGetMatchTimer(w http.ResponseWriter, r *http.Request) {
	key := registry.NewMatchKey(r.PathValue("away"), r.PathValue("home"))

	seconds, ok := h.registry.LiveSeconds(key, h.clock.Now())
	if !ok {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Match timer not started"})
		return
	}
	writeJSON(w, http.StatusOK, reconcile.TimerUpdate{MatchKey: key, Timer: h.reconciler.Format(seconds)})
}

// HandleListMatches handles GET /api/matches
func (h *TimerHandler) HandleListMatches(w http.ResponseWriter, r *http.Request) {
	now := h.clock.Now()
	viewers := h.viewers.GetConnectionStats().MatchConnections

	entries := h.registry.Snapshot()
	matches := make([]MatchTimer, 0, len(entries))
	for _, e := range entries {
		matches = append(matches, MatchTimer{
			MatchKey:      e.Key,
			Timer:         h.reconciler.Format(e.Anchor.LiveSeconds(now)),
			AnchorSeconds: e.Anchor.Seconds,
			AnchoredAt:    e.Anchor.Instant,
			LastActiveAt:  e.LastActive,
			Viewers:       viewers[e.Key.String()],
		})
	}
	writeJSON(w, http.StatusOK, matches)
}

// RegisterRoutes registers timer routes with an HTTP mux
func (h *TimerHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /start-timer", h.HandleStartTimer)
	mux.HandleFunc("GET /api/matches", h.HandleListMatches)
	mux.HandleFunc("GET /api/matches/{away}/{home}/timer", h.HandleGetMatchTimer)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}
