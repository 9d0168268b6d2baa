package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/service"
)

const fetchFailedMessage = "Could not fetch weather data"

// WeatherProvider returns the current weather envelope. Implemented by service.WeatherCache.
type WeatherProvider interface {
	GetWeather(ctx context.Context) (models.Response, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather WeatherProvider
}

// NewHandler returns a new Handler.
func NewHandler(weather WeatherProvider) *Handler {
	return &Handler{weather: weather}
}

// GetWeather handles GET /api/weather.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	resp, err := h.weather.GetWeather(r.Context())
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("weather request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, models.ErrorResponse{
			Service: models.ServiceName,
			Error:   failureCause(err),
			Message: fetchFailedMessage,
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHealth handles GET /health. Liveness only; cache and upstream state are not consulted.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// failureCause strips the ErrUpstreamUnavailable marker so the body carries the fetch failure itself.
func failureCause(err error) string {
	if !errors.Is(err, service.ErrUpstreamUnavailable) {
		return err.Error()
	}
	if multi, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range multi.Unwrap() {
			if e != service.ErrUpstreamUnavailable {
				return e.Error()
			}
		}
	}
	return err.Error()
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
