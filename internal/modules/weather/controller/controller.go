package controller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ljn0099/picoWeatherCollector/internal/livestate"
	"github.com/ljn0099/picoWeatherCollector/internal/modules/weather/repository"
	"github.com/ljn0099/picoWeatherCollector/internal/modules/weather/types"
	"github.com/ljn0099/picoWeatherCollector/internal/utils"
)

// LiveReader serves the live state mirrored into Redis.
type LiveReader interface {
	Latest(ctx context.Context, stationID string) (map[string]any, error)
	Watch(ctx context.Context, stationID string) (<-chan []byte, func() error, error)
}

const streamWriteTimeout = 5 * time.Second

type WeatherController interface {
	RegisterRoutes(mux *http.ServeMux)
}

type weatherControllerImpl struct {
	repository repository.WeatherRepository
	live       LiveReader
	logger     *slog.Logger
	upgrader   websocket.Upgrader
}

// NewWeatherController builds the read API. live may be nil, in which case
// the live route is not registered.
func NewWeatherController(repository repository.WeatherRepository, live LiveReader, logger *slog.Logger) WeatherController {
	return &weatherControllerImpl{repository: repository, live: live, logger: logger}
}

func (c *weatherControllerImpl) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stations", c.handleStations)
	mux.HandleFunc("GET /api/stations/{id}/latest", c.handleLatest)
	mux.HandleFunc("GET /api/stations/{id}/readings", c.handleReadings)
	if c.live != nil {
		mux.HandleFunc("GET /api/stations/{id}/live", c.handleLive)
		mux.HandleFunc("GET /api/stations/{id}/stream", c.handleStream)
	}
}

func stationID(r *http.Request) (string, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func (c *weatherControllerImpl) handleStations(w http.ResponseWriter, r *http.Request) {
	stations, err := c.repository.GetStations(r.Context())
	if err != nil {
		c.logger.Error("failed to list stations", "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to list stations")
		return
	}
	utils.WriteJSON(w, http.StatusOK, stations)
}

func (c *weatherControllerImpl) handleLatest(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(r)
	if !ok {
		utils.WriteError(w, http.StatusBadRequest, "invalid station id")
		return
	}

	m, err := c.repository.GetLatest(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, "no measurement for station")
		return
	}
	if err != nil {
		c.logger.Error("failed to load latest measurement", "station_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load latest measurement")
		return
	}
	utils.WriteJSON(w, http.StatusOK, m)
}

func (c *weatherControllerImpl) handleReadings(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(r)
	if !ok {
		utils.WriteError(w, http.StatusBadRequest, "invalid station id")
		return
	}

	from, to, limit, offset, err := parseReadingsQuery(r)
	if err != nil {
		utils.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	readings, err := c.repository.GetReadings(r.Context(), id, from, to, limit, offset)
	if err != nil {
		c.logger.Error("failed to load readings", "station_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	total, err := c.repository.GetReadingsCount(r.Context(), id, from, to)
	if err != nil {
		c.logger.Error("failed to count readings", "station_id", id, "error", err)
		utils.WriteError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}

	utils.WriteJSON(w, http.StatusOK, types.ReadingsPage{
		StationID: id,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
		Readings:  readings,
	})
}

func (c *weatherControllerImpl) handleLive(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(r)
	if !ok {
		utils.WriteError(w, http.StatusBadRequest, "invalid station id")
		return
	}

	state, err := c.live.Latest(r.Context(), id)
	if errors.Is(err, livestate.ErrNotFound) {
		utils.WriteError(w, http.StatusNotFound, "no live state for station")
		return
	}
	if err != nil {
		c.logger.Error("failed to load live state", "station_id", id, "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "live state unavailable")
		return
	}
	utils.WriteJSON(w, http.StatusOK, state)
}

// handleStream relays a station's measurements to a WebSocket client as
// they are persisted. Messages are the JSON documents published by
// livestate.
func (c *weatherControllerImpl) handleStream(w http.ResponseWriter, r *http.Request) {
	id, ok := stationID(r)
	if !ok {
		utils.WriteError(w, http.StatusBadRequest, "invalid station id")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgs, stop, err := c.live.Watch(ctx, id)
	if err != nil {
		c.logger.Error("failed to watch live state", "station_id", id, "error", err)
		utils.WriteError(w, http.StatusServiceUnavailable, "live state unavailable")
		return
	}
	defer func() { _ = stop() }()

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		c.logger.Debug("websocket upgrade failed", "station_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Reading is how close frames and dead peers are noticed.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	c.logger.Debug("stream opened", "station_id", id)
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("stream closed", "station_id", id)
			return
		case payload, ok := <-msgs:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("stream write failed", "station_id", id, "error", err)
				return
			}
		}
	}
}
