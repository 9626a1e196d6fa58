package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"vitals-ingest/internal/utils"
)

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	db   Pinger
	mqtt func() bool
}

// NewHealthchecker reports database reachability and, when mqttConnected is
// non-nil, the broker connection state.
func NewHealthchecker(db Pinger, mqttConnected func() bool) healthchecker {
	return &healthcheckerImpl{db: db, mqtt: mqttConnected}
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		slog.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}

	mqtt := "disabled"
	if h.mqtt != nil {
		mqtt = "disconnected"
		if h.mqtt() {
			mqtt = "connected"
		}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
		"mqtt":     mqtt,
	})
}

func registerHealthcheck(mux *http.ServeMux, db Pinger, mqttConnected func() bool) {
	healthchecker := NewHealthchecker(db, mqttConnected)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
