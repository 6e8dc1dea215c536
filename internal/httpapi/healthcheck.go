package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
	"github.com/ljn0099/picoWeatherCollector/internal/utils"
)

const healthPingTimeout = 2 * time.Second

// Pool hands out database connections.
type Pool interface {
	Acquire() db.Conn
	Release(db.Conn)
}

// Pinger is an optional dependency checked by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthchecker interface {
	handleHealthz(w http.ResponseWriter, r *http.Request)
}

type healthcheckerImpl struct {
	pool   Pool
	live   Pinger
	logger *slog.Logger
}

// NewHealthchecker checks the database and, when live is non-nil, the
// live state store.
func NewHealthchecker(pool Pool, live Pinger, logger *slog.Logger) healthchecker {
	return &healthcheckerImpl{pool: pool, live: live, logger: logger}
}

func (h *healthcheckerImpl) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
	defer cancel()

	if err := h.pingDatabase(ctx); err != nil {
		h.logger.Error("failed to check database connectivity", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
		return
	}

	body := map[string]string{"status": "ok", "database": "ok"}
	if h.live != nil {
		body["liveState"] = "ok"
		if err := h.live.Ping(ctx); err != nil {
			// Ingestion still works without Redis, so this is degraded,
			// not down.
			h.logger.Warn("live state store unreachable", "error", err)
			body["status"] = "degraded"
			body["liveState"] = "unavailable"
			utils.WriteJSON(w, http.StatusServiceUnavailable, body)
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, body)
}

func (h *healthcheckerImpl) pingDatabase(ctx context.Context) error {
	conn := h.pool.Acquire()
	defer h.pool.Release(conn)
	return conn.Ping(ctx)
}

func registerHealthcheck(mux *http.ServeMux, pool Pool, live Pinger, logger *slog.Logger) {
	healthchecker := NewHealthchecker(pool, live, logger)
	mux.HandleFunc("GET /healthz", healthchecker.handleHealthz)
}
