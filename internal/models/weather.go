package models

import (
	"encoding/json"
	"fmt"
)

// ServiceName is reported in every weather and error payload.
const ServiceName = "weather-service"

// Unavailable is the wire value of a Field that carries no data.
const Unavailable = "N/A"

// Field is a single upstream reading that is either present or explicitly unavailable.
// The zero value is unavailable.
type Field struct {
	value string
	ok    bool
}

// Value returns an available Field. An empty string is treated as unavailable.
func Value(s string) Field {
	if s == "" {
		return Field{}
	}
	return Field{value: s, ok: true}
}

// Missing returns an unavailable Field.
func Missing() Field {
	return Field{}
}

// Get returns the reading and whether it is available.
func (f Field) Get() (string, bool) {
	return f.value, f.ok
}

// Available reports whether the field carries a reading.
func (f Field) Available() bool {
	return f.ok
}

// String returns the reading, or Unavailable.
func (f Field) String() string {
	if !f.ok {
		return Unavailable
	}
	return f.value
}

func (f Field) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.String())
}

func (f *Field) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("field: %w", err)
	}
	if s == Unavailable {
		*f = Missing()
		return nil
	}
	*f = Value(s)
	return nil
}

// Location identifies the fixed deployment location.
type Location struct {
	City      string  `json:"city"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Conditions holds the current-condition readings of a snapshot.
type Conditions struct {
	TemperatureC  Field `json:"temperature_c"`
	TemperatureF  Field `json:"temperature_f"`
	Condition     Field `json:"condition"`
	Humidity      Field `json:"humidity"`
	WindSpeedKmph Field `json:"wind_speed_kmph"`
	FeelsLikeC    Field `json:"feels_like_c"`
}

// Snapshot is one normalized upstream result. Treat as immutable once built.
type Snapshot struct {
	Location Location   `json:"location"`
	Weather  Conditions `json:"weather"`
}

// Response is the payload returned by GET /api/weather.
// CacheAgeSeconds is set only when Cached is true; Error only when Stale is true.
type Response struct {
	Service         string     `json:"service"`
	Cached          bool       `json:"cached"`
	CacheAgeSeconds *int64     `json:"cache_age_seconds,omitempty"`
	Stale           bool       `json:"stale,omitempty"`
	Error           string     `json:"error,omitempty"`
	Location        Location   `json:"location"`
	Weather         Conditions `json:"weather"`
}

// NewResponse wraps a snapshot in an uncached envelope.
func NewResponse(s Snapshot) Response {
	return Response{
		Service:  ServiceName,
		Location: s.Location,
		Weather:  s.Weather,
	}
}

// ErrorResponse is returned when no weather data can be served at all.
type ErrorResponse struct {
	Service string `json:"service"`
	Error   string `json:"error"`
	Message string `json:"message"`
}
