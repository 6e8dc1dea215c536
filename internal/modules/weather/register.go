package weather

import (
	"log/slog"
	"net/http"

	"github.com/ljn0099/picoWeatherCollector/internal/db"
	"github.com/ljn0099/picoWeatherCollector/internal/modules/weather/controller"
	"github.com/ljn0099/picoWeatherCollector/internal/modules/weather/repository"
)

func RegisterFeature(mux *http.ServeMux, pool repository.Pool, dialect db.Dialect, live controller.LiveReader, logger *slog.Logger) {
	weatherRepository := repository.NewRepository(pool, dialect)
	weatherController := controller.NewWeatherController(weatherRepository, live, logger)
	weatherController.RegisterRoutes(mux)
}
