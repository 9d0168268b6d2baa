package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// ErrUpstreamUnavailable is returned when a fetch fails and nothing has ever been cached.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// staleErrorPrefix precedes the fetch failure in the error field of a stale response.
const staleErrorPrefix = "Using stale cache due to error: "

const coalesceKey = "current"

// WeatherCache decides whether the cached snapshot can be served or a fresh fetch is
// needed, and falls back to the expired snapshot when the fetch fails. It owns the
// single cache slot for the lifetime of the process.
type WeatherCache struct {
	fetcher   client.WeatherFetcher
	slot      cache.Slot
	ttl       time.Duration
	now       func() time.Time
	stampede  stampedeTracker
	coalescer *singleflight.Group // nil unless coalescing is enabled
}

// Option configures a WeatherCache.
type Option func(*WeatherCache)

// WithClock replaces time.Now. The clock should carry monotonic readings in production.
func WithClock(now func() time.Time) Option {
	return func(c *WeatherCache) {
		c.now = now
	}
}

// WithCoalescing makes concurrent misses share one upstream fetch instead of each
// calling upstream.
func WithCoalescing() Option {
	return func(c *WeatherCache) {
		c.coalescer = &singleflight.Group{}
	}
}

// NewWeatherCache creates a WeatherCache that keeps fetched snapshots for ttl.
func NewWeatherCache(fetcher client.WeatherFetcher, ttl time.Duration, opts ...Option) *WeatherCache {
	c := &WeatherCache{
		fetcher: fetcher,
		ttl:     ttl,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetWeather returns the current weather envelope.
//
// A cached entry younger than the TTL is served without contacting upstream. Otherwise
// one fetch is attempted: on success the slot is replaced and the fresh snapshot returned;
// on failure the previous entry, however old, is returned marked stale. Only when no entry
// exists is the failure returned, wrapped in ErrUpstreamUnavailable.
//
// The fetch is detached from ctx cancellation and is bounded by the fetcher's own timeout.
func (c *WeatherCache) GetWeather(ctx context.Context) (models.Response, error) {
	logger := observability.LoggerFromContext(ctx)

	if entry, ok := c.slot.Load(); ok {
		now := c.now()
		if entry.Fresh(now, c.ttl) {
			observability.CacheHitsTotal.Inc()
			resp := cachedResponse(entry, now)
			logger.Debug("cache hit", zap.Int64("cache_age_seconds", *resp.CacheAgeSeconds))
			return resp, nil
		}
	}

	observability.CacheMissesTotal.Inc()
	concurrent := c.stampede.RecordMiss()
	defer c.stampede.Done()
	observability.CacheStampedeConcurrency.Observe(float64(concurrent))
	logger.Debug("cache miss, fetching upstream", zap.Int64("concurrent_misses", concurrent))

	snap, err := c.fetch(context.WithoutCancel(ctx))
	if err != nil {
		entry, ok := c.slot.Load()
		if !ok {
			logger.Warn("upstream fetch failed with empty cache", zap.Error(err))
			return models.Response{}, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
		}
		resp := cachedResponse(entry, c.now())
		resp.Stale = true
		resp.Error = staleErrorPrefix + err.Error()
		observability.StaleServesTotal.Inc()
		observability.StaleCacheAgeSeconds.Observe(float64(*resp.CacheAgeSeconds))
		logger.Info("serving stale cache", zap.Int64("cache_age_seconds", *resp.CacheAgeSeconds), zap.Error(err))
		return resp, nil
	}

	c.slot.Store(snap, c.now())
	logger.Debug("cache refreshed")
	return models.NewResponse(snap), nil
}

func (c *WeatherCache) fetch(ctx context.Context) (models.Snapshot, error) {
	if c.coalescer == nil {
		return c.fetcher.Fetch(ctx)
	}
	v, err, shared := c.coalescer.Do(coalesceKey, func() (interface{}, error) {
		return c.fetcher.Fetch(ctx)
	})
	if shared {
		observability.RequestCoalescingHitsTotal.Inc()
	}
	if err != nil {
		return models.Snapshot{}, err
	}
	return v.(models.Snapshot), nil
}

// cachedResponse builds a cached envelope. Age is whole seconds, floored.
func cachedResponse(entry cache.Entry, now time.Time) models.Response {
	age := int64(entry.Age(now) / time.Second)
	resp := models.NewResponse(entry.Snapshot)
	resp.Cached = true
	resp.CacheAgeSeconds = &age
	return resp
}
