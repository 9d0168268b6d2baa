package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

const cacheDuration = 10 * time.Minute

// mockFetcher returns results in order; the last result repeats once the script runs out.
type mockFetcher struct {
	mu      sync.Mutex
	results []fetchResult
	calls   atomic.Int32
	ctxErrs []error
}

type fetchResult struct {
	snap models.Snapshot
	err  error
}

func (m *mockFetcher) Fetch(ctx context.Context) (models.Snapshot, error) {
	n := int(m.calls.Add(1)) - 1
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ctxErrs = append(m.ctxErrs, ctx.Err())
	if n >= len(m.results) {
		n = len(m.results) - 1
	}
	return m.results[n].snap, m.results[n].err
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func clearSnapshot() models.Snapshot {
	return models.Snapshot{
		Location: models.Location{City: "Haifa", Country: "Israel", Latitude: 32.7940, Longitude: 34.9896},
		Weather: models.Conditions{
			TemperatureC:  models.Value("18"),
			TemperatureF:  models.Value("64"),
			Condition:     models.Value("Clear"),
			Humidity:      models.Value("72"),
			WindSpeedKmph: models.Value("11"),
			FeelsLikeC:    models.Value("17"),
		},
	}
}

func ok(s models.Snapshot) fetchResult { return fetchResult{snap: s} }
func fail(msg string) fetchResult     { return fetchResult{err: errors.New(msg)} }

func newCache(f *mockFetcher, clock *fakeClock, opts ...Option) *WeatherCache {
	return NewWeatherCache(f, cacheDuration, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func mustGet(t *testing.T, c *WeatherCache) models.Response {
	t.Helper()
	resp, err := c.GetWeather(context.Background())
	if err != nil {
		t.Fatalf("GetWeather() error = %v, want nil", err)
	}
	return resp
}

func age(t *testing.T, resp models.Response) int64 {
	t.Helper()
	if resp.CacheAgeSeconds == nil {
		t.Fatal("CacheAgeSeconds = nil, want value")
	}
	return *resp.CacheAgeSeconds
}

// TestWeatherCache_Scenarios walks the fresh fetch, cache hit, stale fallback sequence
// from a single successful fetch through an upstream outage.
func TestWeatherCache_Scenarios(t *testing.T) {
	fetcher := &mockFetcher{results: []fetchResult{ok(clearSnapshot()), fail("connect: connection refused")}}
	clock := newFakeClock()
	c := newCache(fetcher, clock)

	// First request: fresh fetch.
	a := mustGet(t, c)
	if a.Cached {
		t.Error("first response Cached = true, want false")
	}
	if a.CacheAgeSeconds != nil {
		t.Errorf("first response CacheAgeSeconds = %d, want absent", *a.CacheAgeSeconds)
	}
	if a.Weather.TemperatureC.String() != "18" || a.Weather.Condition.String() != "Clear" {
		t.Errorf("first response weather = %+v, want 18/Clear", a.Weather)
	}
	if a.Service != models.ServiceName {
		t.Errorf("Service = %q, want %q", a.Service, models.ServiceName)
	}

	// Two minutes later: cache hit without upstream call.
	clock.Advance(2 * time.Minute)
	b := mustGet(t, c)
	if !b.Cached || b.Stale {
		t.Errorf("second response Cached=%v Stale=%v, want cached and not stale", b.Cached, b.Stale)
	}
	if got := age(t, b); got != 120 {
		t.Errorf("CacheAgeSeconds = %d, want 120", got)
	}
	if b.Weather != a.Weather || b.Location != a.Location {
		t.Errorf("cached weather = %+v, want %+v", b.Weather, a.Weather)
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls after hit = %d, want 1", got)
	}

	// Eleven minutes: expired, upstream fails, stale served.
	clock.Advance(9 * time.Minute)
	s := mustGet(t, c)
	if !s.Cached || !s.Stale {
		t.Errorf("stale response Cached=%v Stale=%v, want both true", s.Cached, s.Stale)
	}
	if s.Weather != a.Weather {
		t.Errorf("stale weather = %+v, want %+v", s.Weather, a.Weather)
	}
	if !strings.HasPrefix(s.Error, staleErrorPrefix) || !strings.Contains(s.Error, "connection refused") {
		t.Errorf("stale Error = %q, want prefixed upstream cause", s.Error)
	}
	if got := age(t, s); got != 660 {
		t.Errorf("stale CacheAgeSeconds = %d, want 660", got)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Errorf("fetch calls after expiry = %d, want 2", got)
	}
}

// TestWeatherCache_ColdStartFailure verifies that a failure with nothing cached is
// surfaced as ErrUpstreamUnavailable wrapping the cause, with no envelope.
func TestWeatherCache_ColdStartFailure(t *testing.T) {
	cause := errors.New("upstream down")
	fetcher := &mockFetcher{results: []fetchResult{{err: cause}}}
	c := newCache(fetcher, newFakeClock())

	resp, err := c.GetWeather(context.Background())
	if err == nil {
		t.Fatal("GetWeather() error = nil, want error")
	}
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Errorf("GetWeather() error = %v, want ErrUpstreamUnavailable", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("GetWeather() error = %v, want wrapped cause", err)
	}
	if resp.Service != "" || resp.Cached || resp.Weather != (models.Conditions{}) {
		t.Errorf("GetWeather() response = %+v, want zero value", resp)
	}
}

// TestWeatherCache_ColdStartRecovers verifies that the service keeps trying after a
// cold-start failure and caches the first success.
func TestWeatherCache_ColdStartRecovers(t *testing.T) {
	fetcher := &mockFetcher{results: []fetchResult{fail("down"), ok(clearSnapshot())}}
	c := newCache(fetcher, newFakeClock())

	if _, err := c.GetWeather(context.Background()); err == nil {
		t.Fatal("first GetWeather() error = nil, want error")
	}
	resp := mustGet(t, c)
	if resp.Cached {
		t.Error("Cached = true after recovery fetch, want false")
	}
	if resp = mustGet(t, c); !resp.Cached {
		t.Error("Cached = false on following request, want true")
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}
}

// TestWeatherCache_Freshness verifies that no upstream call happens for any request
// strictly within the cache duration of a successful fetch.
func TestWeatherCache_Freshness(t *testing.T) {
	fetcher := &mockFetcher{results: []fetchResult{ok(clearSnapshot())}}
	clock := newFakeClock()
	c := newCache(fetcher, clock)

	mustGet(t, c)
	for _, step := range []time.Duration{0, time.Second, 4 * time.Minute, 5*time.Minute + 58*time.Second, 999 * time.Millisecond} {
		clock.Advance(step)
		if resp := mustGet(t, c); !resp.Cached {
			t.Errorf("response after %v Cached = false, want true", step)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1", got)
	}
}

// TestWeatherCache_ExpiryBoundary verifies that a request exactly at the cache duration
// triggers a refresh attempt.
func TestWeatherCache_ExpiryBoundary(t *testing.T) {
	second := clearSnapshot()
	second.Weather.TemperatureC = models.Value("21")
	fetcher := &mockFetcher{results: []fetchResult{ok(clearSnapshot()), ok(second)}}
	clock := newFakeClock()
	c := newCache(fetcher, clock)

	mustGet(t, c)
	clock.Advance(cacheDuration - time.Nanosecond)
	if resp := mustGet(t, c); !resp.Cached {
		t.Error("response just before boundary Cached = false, want true")
	}
	clock.Advance(time.Nanosecond)
	resp := mustGet(t, c)
	if resp.Cached {
		t.Error("response at boundary Cached = true, want refresh")
	}
	if resp.Weather.TemperatureC.String() != "21" {
		t.Errorf("temperature_c = %s, want refreshed 21", resp.Weather.TemperatureC)
	}
	if got := fetcher.calls.Load(); got != 2 {
		t.Errorf("fetch calls = %d, want 2", got)
	}

	// The refreshed entry restarts the window.
	clock.Advance(time.Minute)
	if got := age(t, mustGet(t, c)); got != 60 {
		t.Errorf("CacheAgeSeconds after refresh = %d, want 60", got)
	}
}

// TestWeatherCache_StaleThenRecover verifies that stale serving does not touch the slot,
// so each later request retries upstream until one succeeds.
func TestWeatherCache_StaleThenRecover(t *testing.T) {
	second := clearSnapshot()
	second.Weather.Condition = models.Value("Rain")
	fetcher := &mockFetcher{results: []fetchResult{ok(clearSnapshot()), fail("timeout"), fail("timeout"), ok(second)}}
	clock := newFakeClock()
	c := newCache(fetcher, clock)

	mustGet(t, c)
	clock.Advance(11 * time.Minute)
	if resp := mustGet(t, c); !resp.Stale {
		t.Fatal("first failure not served stale")
	}
	clock.Advance(time.Minute)
	resp := mustGet(t, c)
	if !resp.Stale || age(t, resp) != 720 {
		t.Errorf("second failure Stale=%v age=%v, want stale with age 720", resp.Stale, resp.CacheAgeSeconds)
	}
	resp = mustGet(t, c)
	if resp.Cached || resp.Stale || resp.Error != "" {
		t.Errorf("recovered response = %+v, want fresh", resp)
	}
	if resp.Weather.Condition.String() != "Rain" {
		t.Errorf("condition = %s, want Rain", resp.Weather.Condition)
	}
}

// TestWeatherCache_AgeFloorAndClamp verifies that age is floored to whole seconds and
// never negative when the clock moves backwards.
func TestWeatherCache_AgeFloorAndClamp(t *testing.T) {
	fetcher := &mockFetcher{results: []fetchResult{ok(clearSnapshot())}}
	clock := newFakeClock()
	c := newCache(fetcher, clock)

	mustGet(t, c)
	clock.Advance(1999 * time.Millisecond)
	if got := age(t, mustGet(t, c)); got != 1 {
		t.Errorf("CacheAgeSeconds at 1.999s = %d, want 1", got)
	}
	clock.Advance(-time.Hour)
	resp := mustGet(t, c)
	if got := age(t, resp); got != 0 {
		t.Errorf("CacheAgeSeconds with clock behind = %d, want 0", got)
	}
	if !resp.Cached {
		t.Error("Cached = false with clock behind, want true")
	}
}

// TestWeatherCache_FetchIgnoresCallerCancellation verifies that an in-flight fetch is not
// aborted when the caller's context is canceled.
func TestWeatherCache_FetchIgnoresCallerCancellation(t *testing.T) {
	fetcher := &mockFetcher{results: []fetchResult{ok(clearSnapshot())}}
	c := newCache(fetcher, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	resp, err := c.GetWeather(ctx)
	if err != nil {
		t.Fatalf("GetWeather() error = %v, want nil", err)
	}
	if resp.Cached {
		t.Error("Cached = true, want fresh fetch")
	}
	fetcher.mu.Lock()
	defer fetcher.mu.Unlock()
	if len(fetcher.ctxErrs) != 1 || fetcher.ctxErrs[0] != nil {
		t.Errorf("fetch ctx errors = %v, want [nil]", fetcher.ctxErrs)
	}
}

// numberedFetcher returns a distinct snapshot per call whose fields all encode the call number.
type numberedFetcher struct {
	calls atomic.Int32
}

func (f *numberedFetcher) Fetch(ctx context.Context) (models.Snapshot, error) {
	n := strconv.Itoa(int(f.calls.Add(1)))
	time.Sleep(time.Millisecond)
	return models.Snapshot{Weather: models.Conditions{
		TemperatureC:  models.Value(n),
		TemperatureF:  models.Value(n),
		Condition:     models.Value("c" + n),
		Humidity:      models.Value(n),
		WindSpeedKmph: models.Value(n),
		FeelsLikeC:    models.Value(n),
	}}, nil
}

func consistent(w models.Conditions) bool {
	n := w.TemperatureC.String()
	return w.TemperatureF.String() == n && w.Condition.String() == "c"+n &&
		w.Humidity.String() == n && w.WindSpeedKmph.String() == n && w.FeelsLikeC.String() == n
}

// TestWeatherCache_ConcurrentFetchesStayConsistent verifies that racing misses never
// produce an envelope mixing fields from different fetches.
func TestWeatherCache_ConcurrentFetchesStayConsistent(t *testing.T) {
	fetcher := &numberedFetcher{}
	c := NewWeatherCache(fetcher, time.Nanosecond)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				resp, err := c.GetWeather(context.Background())
				if err != nil {
					errs <- err
					return
				}
				if !consistent(resp.Weather) {
					errs <- fmt.Errorf("mixed envelope: %+v", resp.Weather)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	entry, ok := c.slot.Load()
	if !ok || !consistent(entry.Snapshot.Weather) {
		t.Errorf("final entry = %+v, want one complete snapshot", entry)
	}
}

// blockingFetcher blocks every call until release is closed.
type blockingFetcher struct {
	release chan struct{}
	calls   atomic.Int32
}

func (f *blockingFetcher) Fetch(ctx context.Context) (models.Snapshot, error) {
	f.calls.Add(1)
	<-f.release
	return clearSnapshot(), nil
}

// TestWeatherCache_Coalescing verifies that with coalescing enabled concurrent misses
// share a single upstream fetch.
func TestWeatherCache_Coalescing(t *testing.T) {
	fetcher := &blockingFetcher{release: make(chan struct{})}
	c := NewWeatherCache(fetcher, cacheDuration, WithCoalescing())

	var wg sync.WaitGroup
	results := make([]models.Response, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = c.GetWeather(context.Background())
		}(i)
	}
	for fetcher.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(fetcher.release)
	wg.Wait()

	for i := range results {
		if errs[i] != nil {
			t.Errorf("request %d error = %v", i, errs[i])
		}
		if results[i].Weather.Condition.String() != "Clear" {
			t.Errorf("request %d condition = %s, want Clear", i, results[i].Weather.Condition)
		}
	}
	if got := fetcher.calls.Load(); got != 1 {
		t.Errorf("fetch calls = %d, want 1 (coalescing failed)", got)
	}
}

// TestWeatherCache_Metrics verifies that hits, misses and stale serves feed their counters.
func TestWeatherCache_Metrics(t *testing.T) {
	fetcher := &mockFetcher{results: []fetchResult{ok(clearSnapshot()), fail("down")}}
	clock := newFakeClock()
	c := newCache(fetcher, clock)

	hits := testutil.ToFloat64(observability.CacheHitsTotal)
	misses := testutil.ToFloat64(observability.CacheMissesTotal)
	stale := testutil.ToFloat64(observability.StaleServesTotal)

	mustGet(t, c)
	mustGet(t, c)
	clock.Advance(cacheDuration)
	mustGet(t, c)

	if got := testutil.ToFloat64(observability.CacheHitsTotal) - hits; got != 1 {
		t.Errorf("cache hits delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(observability.CacheMissesTotal) - misses; got != 2 {
		t.Errorf("cache misses delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(observability.StaleServesTotal) - stale; got != 1 {
		t.Errorf("stale serves delta = %v, want 1", got)
	}
}

// TestWeatherCache_LogsStaleServe verifies that a stale serve is logged at info with the cause.
func TestWeatherCache_LogsStaleServe(t *testing.T) {
	fetcher := &mockFetcher{results: []fetchResult{ok(clearSnapshot()), fail("boom")}}
	clock := newFakeClock()
	c := newCache(fetcher, clock)

	core, logs := observer.New(zapcore.InfoLevel)
	ctx := observability.WithLogger(context.Background(), zap.New(core))

	if _, err := c.GetWeather(ctx); err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}
	clock.Advance(cacheDuration + time.Second)
	if _, err := c.GetWeather(ctx); err != nil {
		t.Fatalf("GetWeather() error = %v", err)
	}

	entries := logs.FilterMessage("serving stale cache").All()
	if len(entries) != 1 {
		t.Fatalf("stale log entries = %d, want 1", len(entries))
	}
	if got := entries[0].ContextMap()["cache_age_seconds"]; got != int64(601) {
		t.Errorf("logged cache_age_seconds = %v, want 601", got)
	}
}
