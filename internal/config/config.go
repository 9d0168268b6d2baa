package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// Defaults applied when the YAML file leaves a value empty or unparseable.
const (
	DefaultPort            = "5003"
	DefaultUpstreamURL     = "https://wttr.in/Haifa,Israel?format=j1"
	DefaultFetchTimeout    = 5 * time.Second
	DefaultCacheDuration   = 10 * time.Minute
	DefaultShutdownTimeout = 10 * time.Second
)

// envPrefix scopes the environment overrides, e.g. WEATHER_PORT.
const envPrefix = "WEATHER"

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort      string
	ShutdownTimeout time.Duration

	UpstreamURL  string
	FetchTimeout time.Duration

	CacheDuration time.Duration
	Coalesce      bool
	WarmOnStart   bool
	WarmInterval  time.Duration // zero disables periodic warming

	Location models.Location

	RateLimitRPS   int // zero disables rate limiting
	RateLimitBurst int

	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig configures the optional upstream circuit breaker.
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
}

type fileConfig struct {
	Server struct {
		Port            string `yaml:"port"`
		ShutdownTimeout string `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Upstream struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"upstream"`

	Cache struct {
		Duration     string `yaml:"duration"`
		Coalesce     bool   `yaml:"coalesce"`
		WarmOnStart  bool   `yaml:"warm_on_start"`
		WarmInterval string `yaml:"warm_interval"`
	} `yaml:"cache"`

	Location struct {
		City      string   `yaml:"city"`
		Country   string   `yaml:"country"`
		Latitude  *float64 `yaml:"latitude"`
		Longitude *float64 `yaml:"longitude"`
	} `yaml:"location"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`
}

// envOverrides are read with envconfig under envPrefix. Nil fields are unset.
type envOverrides struct {
	Port          *string        `envconfig:"PORT"`
	UpstreamURL   *string        `envconfig:"UPSTREAM_URL"`
	CacheDuration *time.Duration `envconfig:"CACHE_DURATION"`
	FetchTimeout  *time.Duration `envconfig:"FETCH_TIMEOUT"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), then applies
// variables from an optional .env file and the WEATHER_* environment. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}

	if err := godotenv.Load(filepath.Join(cwd, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env file: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(fc)

	var ov envOverrides
	if err := envconfig.Process(envPrefix, &ov); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}
	applyOverrides(cfg, ov)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc fileConfig) *Config {
	cfg := &Config{}

	cfg.ServerPort = strings.TrimSpace(fc.Server.Port)
	if cfg.ServerPort == "" {
		cfg.ServerPort = DefaultPort
	}
	cfg.ShutdownTimeout = parseDuration(fc.Server.ShutdownTimeout, DefaultShutdownTimeout)

	cfg.UpstreamURL = strings.TrimSpace(fc.Upstream.URL)
	if cfg.UpstreamURL == "" {
		cfg.UpstreamURL = DefaultUpstreamURL
	}
	cfg.FetchTimeout = parseDurationOrZero(fc.Upstream.Timeout, DefaultFetchTimeout)

	cfg.CacheDuration = parseDurationOrZero(fc.Cache.Duration, DefaultCacheDuration)
	cfg.Coalesce = fc.Cache.Coalesce
	cfg.WarmOnStart = fc.Cache.WarmOnStart
	cfg.WarmInterval = parseDurationOrZero(fc.Cache.WarmInterval, 0)

	cfg.Location = models.Location{
		City:      strings.TrimSpace(fc.Location.City),
		Country:   strings.TrimSpace(fc.Location.Country),
		Latitude:  32.7940,
		Longitude: 34.9896,
	}
	if cfg.Location.City == "" {
		cfg.Location.City = "Haifa"
	}
	if cfg.Location.Country == "" {
		cfg.Location.Country = "Israel"
	}
	if fc.Location.Latitude != nil {
		cfg.Location.Latitude = *fc.Location.Latitude
	}
	if fc.Location.Longitude != nil {
		cfg.Location.Longitude = *fc.Location.Longitude
	}

	cfg.RateLimitRPS = fc.Reliability.RateLimitRPS
	if cfg.RateLimitRPS < 0 {
		cfg.RateLimitRPS = 0
	}
	cfg.RateLimitBurst = fc.Reliability.RateLimitBurst
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = cfg.RateLimitRPS
	}

	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreaker = CircuitBreakerConfig{
		Enabled:          cb.Enabled,
		FailureThreshold: cb.FailureThreshold,
		SuccessThreshold: cb.SuccessThreshold,
		Timeout:          parseDuration(cb.Timeout, 30*time.Second),
	}
	if cfg.CircuitBreaker.FailureThreshold <= 0 {
		cfg.CircuitBreaker.FailureThreshold = 5
	}
	if cfg.CircuitBreaker.SuccessThreshold <= 0 {
		cfg.CircuitBreaker.SuccessThreshold = 2
	}
	return cfg
}

func applyOverrides(cfg *Config, ov envOverrides) {
	if ov.Port != nil && strings.TrimSpace(*ov.Port) != "" {
		cfg.ServerPort = strings.TrimSpace(*ov.Port)
	}
	if ov.UpstreamURL != nil && strings.TrimSpace(*ov.UpstreamURL) != "" {
		cfg.UpstreamURL = strings.TrimSpace(*ov.UpstreamURL)
	}
	if ov.CacheDuration != nil {
		cfg.CacheDuration = *ov.CacheDuration
	}
	if ov.FetchTimeout != nil {
		cfg.FetchTimeout = *ov.FetchTimeout
	}
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is for validate to reject.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation of configuration values.
func validate(cfg *Config) error {
	if cfg.FetchTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive, got %s", cfg.FetchTimeout)
	}
	if cfg.CacheDuration <= 0 {
		return fmt.Errorf("cache.duration must be positive, got %s", cfg.CacheDuration)
	}
	if cfg.WarmInterval < 0 {
		return fmt.Errorf("cache.warm_interval must not be negative, got %s", cfg.WarmInterval)
	}
	if cfg.Location.City == "" {
		return fmt.Errorf("location.city must not be empty")
	}
	if cfg.Location.Latitude < -90 || cfg.Location.Latitude > 90 {
		return fmt.Errorf("location.latitude must be within [-90, 90], got %v", cfg.Location.Latitude)
	}
	if cfg.Location.Longitude < -180 || cfg.Location.Longitude > 180 {
		return fmt.Errorf("location.longitude must be within [-180, 180], got %v", cfg.Location.Longitude)
	}
	return nil
}
