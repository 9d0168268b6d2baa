package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// WeatherGetter is implemented by the service layer. Declared here to avoid a
// circular dependency on the service package.
type WeatherGetter interface {
	GetWeather(ctx context.Context) (models.Response, error)
}

// CacheWarmer fills the cache through the normal read path, so a warm run only reaches
// upstream when the cached entry is missing or expired.
type CacheWarmer struct {
	getter    WeatherGetter
	logger    *zap.Logger
	scheduler *gocron.Scheduler
}

// NewCacheWarmer creates a CacheWarmer that uses the given getter and logger.
func NewCacheWarmer(getter WeatherGetter, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{getter: getter, logger: logger}
}

// Warm requests current weather once. A stale response counts as a failed warm.
func (w *CacheWarmer) Warm(ctx context.Context) error {
	start := time.Now()
	resp, err := w.getter.GetWeather(ctx)
	if err == nil && resp.Stale {
		err = fmt.Errorf("refresh failed, serving stale: %s", resp.Error)
	}
	if err != nil {
		observability.CacheWarmTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("cache warming: %w", err)
	}
	observability.CacheWarmTotal.WithLabelValues("success").Inc()
	w.logger.Info("cache warming complete", zap.Bool("cached", resp.Cached), zap.Duration("duration", time.Since(start)))
	return nil
}

// StartPeriodic runs Warm every interval until Stop is called. The first run happens
// one interval after start; overlapping runs are skipped.
func (w *CacheWarmer) StartPeriodic(interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("warm interval must be positive, got %s", interval)
	}
	s := gocron.NewScheduler(time.UTC)
	s.SingletonModeAll()
	_, err := s.Every(interval).WaitForSchedule().Do(func() {
		if err := w.Warm(context.Background()); err != nil {
			w.logger.Warn("periodic cache warm failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule cache warming: %w", err)
	}
	w.scheduler = s
	s.StartAsync()
	w.logger.Info("periodic cache warming started", zap.Duration("interval", interval))
	return nil
}

// Stop halts periodic warming. Safe to call when StartPeriodic was never called.
func (w *CacheWarmer) Stop() {
	if w.scheduler != nil {
		w.scheduler.Stop()
	}
}
