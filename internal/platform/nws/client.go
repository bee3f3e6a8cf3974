// Package nws is a REST client for the National Weather Service API
// (api.weather.gov). It resolves coordinates to observation stations and
// fetches raw station observations.
package nws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/observability"
)

var (
	errRateLimited = errors.New("nws: rate limited")
	errServerError = errors.New("nws: server error")
	errCircuitOpen = errors.New("nws: circuit breaker open")
)

// statusError is a non-retryable 4xx response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("nws: status %d: %s", e.Code, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	MaxRetries     int
	// InitialBackoff doubles on each retry up to MaxBackoff.
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Client implements domain.StationResolver and domain.ObservationSource.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	metrics    *observability.Metrics
}

var (
	_ domain.StationResolver   = (*Client)(nil)
	_ domain.ObservationSource = (*Client)(nil)
)

// New creates a weather.gov client. metrics may be nil.
func New(cfg Config, metrics *observability.Metrics) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	failures := cfg.BreakerFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "nws",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// A 404 for an unknown point is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			var se *statusError
			return err == nil || errors.As(err, &se)
		},
	})

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout + 5*time.Second},
		breaker:    cb,
		metrics:    metrics,
	}
}

// Resolve maps a coordinate to its nearest observation station and the
// station's IANA timezone. Returns domain.ErrNoStationFound when weather.gov
// has no grid point or station for the coordinate.
func (c *Client) Resolve(ctx context.Context, lat, lon float64) (domain.Station, error) {
	path := fmt.Sprintf("/points/%s,%s", formatCoord(lat), formatCoord(lon))

	body, err := c.doGet(ctx, "points", path)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return domain.Station{}, fmt.Errorf("nws: resolve %s: %w", path, domain.ErrNoStationFound)
		}
		return domain.Station{}, fmt.Errorf("nws: resolve %s: %w", path, err)
	}

	var points pointsResponse
	if err := json.Unmarshal(body, &points); err != nil {
		return domain.Station{}, fmt.Errorf("nws: decode points: %w", err)
	}
	if points.Properties.ObservationStations == "" {
		return domain.Station{}, fmt.Errorf("nws: resolve %s: %w", path, domain.ErrNoStationFound)
	}
	if _, err := time.LoadLocation(points.Properties.TimeZone); err != nil || points.Properties.TimeZone == "" {
		return domain.Station{}, fmt.Errorf("nws: resolve %s: bad timezone %q", path, points.Properties.TimeZone)
	}

	body, err = c.doGet(ctx, "stations", points.Properties.ObservationStations)
	if err != nil {
		return domain.Station{}, fmt.Errorf("nws: list stations: %w", err)
	}
	var stations stationsResponse
	if err := json.Unmarshal(body, &stations); err != nil {
		return domain.Station{}, fmt.Errorf("nws: decode stations: %w", err)
	}
	for _, f := range stations.Features {
		if id := f.Properties.StationIdentifier; id != "" {
			return domain.Station{ID: id, TimeZone: points.Properties.TimeZone}, nil
		}
	}
	return domain.Station{}, fmt.Errorf("nws: resolve %s: %w", path, domain.ErrNoStationFound)
}

// Observations returns every reading the station reported in [start, end).
func (c *Client) Observations(ctx context.Context, stationID string, start, end time.Time) ([]domain.RawReading, error) {
	params := url.Values{}
	params.Set("start", start.UTC().Format(time.RFC3339))
	params.Set("end", end.UTC().Format(time.RFC3339))
	path := fmt.Sprintf("/stations/%s/observations?%s", url.PathEscape(stationID), params.Encode())

	body, err := c.doGet(ctx, "observations", path)
	if err != nil {
		return nil, fmt.Errorf("nws: observations %s: %w", stationID, err)
	}

	var resp observationsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("nws: decode observations: %w", err)
	}

	readings := make([]domain.RawReading, 0, len(resp.Features))
	for _, f := range resp.Features {
		r := f.Properties.toDomain()
		// The API treats end as inclusive.
		if !r.Timestamp.IsZero() && !r.Timestamp.Before(end) {
			continue
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// doGet performs a GET with the per-call timeout, retries with exponential
// backoff, and the circuit breaker. target may be a path or an absolute URL.
func (c *Client) doGet(ctx context.Context, endpoint, target string) ([]byte, error) {
	u := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		u = c.cfg.BaseURL + target
	}

	var attempt int
	for {
		body, err := c.attempt(ctx, endpoint, u)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", errCircuitOpen, err)
		}
		var se *statusError
		if errors.As(err, &se) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= c.cfg.MaxRetries {
			return nil, err
		}

		delay := c.cfg.InitialBackoff * time.Duration(math.Pow(2, float64(attempt)))
		if delay > c.cfg.MaxBackoff {
			delay = c.cfg.MaxBackoff
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

func (c *Client) attempt(ctx context.Context, endpoint, u string) ([]byte, error) {
	if c.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.NWSDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}()

	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		req.Header.Set("Accept", "application/geo+json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return nil, errRateLimited
		case resp.StatusCode >= 500:
			return nil, fmt.Errorf("%w: %d", errServerError, resp.StatusCode)
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			return nil, &statusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// formatCoord rounds to 4 decimals; weather.gov redirects more precise points.
func formatCoord(v float64) string {
	s := strconv.FormatFloat(v, 'f', 4, 64)
	s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	if s == "-0" {
		s = "0"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
