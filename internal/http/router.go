package http

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Routes served by NewRouter.
const (
	WeatherPath = "/api/weather"
	HealthPath  = "/health"
	MetricsPath = "/metrics"
)

// NewRouter wires handlers and middleware. limiter may be nil; it only guards the weather route.
func NewRouter(h *Handler, metrics http.Handler, logger *zap.Logger, limiter *rate.Limiter, tracker *InFlightTracker) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(tracker))
	router.HandleFunc(HealthPath, h.GetHealth).Methods(http.MethodGet)
	router.Handle(MetricsPath, metrics).Methods(http.MethodGet)

	router.Handle(WeatherPath, RateLimitMiddleware(limiter)(http.HandlerFunc(h.GetWeather))).Methods(http.MethodGet)
	return router
}
