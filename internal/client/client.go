package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// WeatherFetcher fetches one snapshot for the configured location.
type WeatherFetcher interface {
	Fetch(ctx context.Context) (models.Snapshot, error)
}

var (
	// ErrFetchFailed wraps every failed fetch: transport error, non-2xx status, timeout, open circuit.
	ErrFetchFailed = errors.New("fetch failed")

	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnexpectedStatus = errors.New("unexpected status")
)

// maxBodyBytes bounds how much of the upstream body is read.
const maxBodyBytes = 1 << 20

// WttrClient fetches current conditions from a wttr.in style JSON endpoint.
// Each Fetch is a single attempt; there is no retry.
type WttrClient struct {
	apiURL   string
	location models.Location
	timeout  time.Duration
	client   *http.Client
	breaker  *circuitbreaker.CircuitBreaker
}

// NewWttrClient returns a client for apiURL reporting the given fixed location.
// timeout bounds the whole request including reading the body.
func NewWttrClient(apiURL string, location models.Location, timeout time.Duration) (*WttrClient, error) {
	u, err := url.Parse(apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid upstream URL %q: scheme must be http or https", apiURL)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("upstream timeout must be positive, got %s", timeout)
	}
	return &WttrClient{
		apiURL:   apiURL,
		location: location,
		timeout:  timeout,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker routes every Fetch through cb. Pass nil to disable.
func (c *WttrClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// Fetch performs one upstream call. Errors always wrap ErrFetchFailed.
func (c *WttrClient) Fetch(ctx context.Context) (models.Snapshot, error) {
	if c.breaker == nil {
		return c.callAPI(ctx)
	}
	var snap models.Snapshot
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		snap, callErr = c.callAPI(ctx)
		return callErr
	})
	if err != nil {
		if !errors.Is(err, ErrFetchFailed) {
			err = fmt.Errorf("%w: %w", ErrFetchFailed, err)
		}
		if errors.Is(err, circuitbreaker.ErrOpen) {
			observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(err))).Inc()
		}
		return models.Snapshot{}, err
	}
	return snap, nil
}

func (c *WttrClient) callAPI(ctx context.Context) (models.Snapshot, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.apiURL, nil)
	if err != nil {
		return models.Snapshot{}, c.fail(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if corrID := observability.CorrelationIDFromContext(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues("error").Inc()
		observability.UpstreamDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.Snapshot{}, c.fail(fmt.Errorf("request timeout: %w", err))
		}
		return models.Snapshot{}, c.fail(fmt.Errorf("http request failed: %w", err))
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(status).Inc()
	observability.UpstreamDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := checkStatus(resp); err != nil {
		return models.Snapshot{}, c.fail(err)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return models.Snapshot{}, c.fail(fmt.Errorf("read response body: %w", err))
	}

	return c.mapResponse(ctx, body), nil
}

// fail records the failure category and wraps err in ErrFetchFailed.
func (c *WttrClient) fail(err error) error {
	wrapped := fmt.Errorf("%w: %w", ErrFetchFailed, err)
	observability.UpstreamErrorsTotal.WithLabelValues(string(CategorizeError(wrapped))).Inc()
	return wrapped
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: HTTP %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

type wttrResponse struct {
	CurrentCondition []map[string]json.RawMessage `json:"current_condition"`
}

type wttrDescription struct {
	Value json.RawMessage `json:"value"`
}

// mapResponse builds a snapshot from the first current_condition record. A body that
// does not match the expected structure yields a snapshot with every reading unavailable.
func (c *WttrClient) mapResponse(ctx context.Context, body []byte) models.Snapshot {
	snap := models.Snapshot{Location: c.location}

	var apiResp wttrResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		observability.LoggerFromContext(ctx).Debug("upstream payload not understood", zap.Error(err))
		return snap
	}
	if len(apiResp.CurrentCondition) == 0 {
		return snap
	}
	cur := apiResp.CurrentCondition[0]

	snap.Weather = models.Conditions{
		TemperatureC:  scalar(cur["temp_C"]),
		TemperatureF:  scalar(cur["temp_F"]),
		Condition:     description(cur["weatherDesc"]),
		Humidity:      scalar(cur["humidity"]),
		WindSpeedKmph: scalar(cur["windspeedKmph"]),
		FeelsLikeC:    scalar(cur["FeelsLikeC"]),
	}
	return snap
}

// scalar reads a JSON string or number. Anything else is unavailable.
func scalar(raw json.RawMessage) models.Field {
	if len(raw) == 0 {
		return models.Missing()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return models.Value(s)
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return models.Value(strconv.FormatFloat(n, 'f', -1, 64))
	}
	return models.Missing()
}

// description reads weatherDesc[0].value.
func description(raw json.RawMessage) models.Field {
	if len(raw) == 0 {
		return models.Missing()
	}
	var descs []wttrDescription
	if err := json.Unmarshal(raw, &descs); err != nil || len(descs) == 0 {
		return models.Missing()
	}
	return scalar(descs[0].Value)
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
