package nws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/observability"
)

func newTestClient(srvURL string) *Client {
	return New(Config{
		BaseURL:         srvURL,
		UserAgent:       "wxwager-test",
		RequestTimeout:  2 * time.Second,
		MaxRetries:      2,
		InitialBackoff:  time.Millisecond,
		MaxBackoff:      5 * time.Millisecond,
		BreakerFailures: 10,
	}, observability.NewMetricsForTesting())
}

func TestResolve(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "wxwager-test", r.Header.Get("User-Agent"))
		switch r.URL.Path {
		case "/points/39.74,-104.99":
			fmt.Fprintf(w, `{"properties":{"observationStations":"%s/gridpoints/BOU/62,60/stations","timeZone":"America/Denver"}}`, srv.URL)
		case "/gridpoints/BOU/62,60/stations":
			fmt.Fprint(w, `{"features":[{"properties":{"stationIdentifier":"KBKF"}},{"properties":{"stationIdentifier":"KDEN"}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	st, err := newTestClient(srv.URL).Resolve(context.Background(), 39.74, -104.99)
	require.NoError(t, err)
	assert.Equal(t, domain.Station{ID: "KBKF", TimeZone: "America/Denver"}, st)
}

func TestResolveNotFound(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"title":"Data Unavailable For Requested Point"}`)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Resolve(context.Background(), 10, 10)
	assert.ErrorIs(t, err, domain.ErrNoStationFound)
	assert.Equal(t, int32(1), calls.Load(), "4xx responses are not retried")
}

func TestResolveEmptyStationList(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/stations" {
			fmt.Fprint(w, `{"features":[]}`)
			return
		}
		fmt.Fprintf(w, `{"properties":{"observationStations":"%s/stations","timeZone":"America/Chicago"}}`, srv.URL)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Resolve(context.Background(), 30, -97)
	assert.ErrorIs(t, err, domain.ErrNoStationFound)
}

func TestObservationsRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "/stations/KDEN/observations", r.URL.Path)
		assert.Equal(t, "2025-07-04T06:00:00Z", r.URL.Query().Get("start"))
		fmt.Fprint(w, `{"features":[
			{"properties":{"timestamp":"2025-07-04T12:00:00Z",
				"temperature":{"unitCode":"wmoUnit:degC","value":20},
				"precipitationLastHour":{"unitCode":"wmoUnit:mm","value":null},
				"windSpeed":{"unitCode":"wmoUnit:km_h-1","value":16.09344},
				"windGust":{"unitCode":"wmoUnit:km_h-1","value":null}}},
			{"properties":{"timestamp":"2025-07-04T13:00:00Z",
				"temperature":{"unitCode":"wmoUnit:degF","value":68},
				"precipitationLastHour":{"unitCode":"wmoUnit:m","value":0.002},
				"windSpeed":{"unitCode":"wmoUnit:m_s-1","value":10},
				"windGust":{"unitCode":"wmoUnit:km_h-1","value":40}}},
			{"properties":{"timestamp":"2025-07-05T06:00:00Z",
				"temperature":{"unitCode":"wmoUnit:degC","value":99}}}
		]}`)
	}))
	defer srv.Close()

	start := time.Date(2025, 7, 4, 6, 0, 0, 0, time.UTC)
	readings, err := newTestClient(srv.URL).Observations(context.Background(), "KDEN", start, start.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, readings, 2, "reading at the exclusive end is dropped")

	require.NotNil(t, readings[0].TemperatureC)
	assert.Equal(t, 20.0, *readings[0].TemperatureC)
	assert.Nil(t, readings[0].PrecipMM)
	assert.Nil(t, readings[0].WindGustKmh)

	assert.InDelta(t, 20.0, *readings[1].TemperatureC, 1e-9)
	assert.InDelta(t, 2.0, *readings[1].PrecipMM, 1e-9)
	assert.InDelta(t, 36.0, *readings[1].WindSpeedKmh, 1e-9)
}

func TestObservationsGivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Observations(context.Background(), "KDEN", time.Now(), time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, errServerError)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFormatCoord(t *testing.T) {
	assert.Equal(t, "39.7392", formatCoord(39.739236))
	assert.Equal(t, "40", formatCoord(40))
	assert.Equal(t, "-105.5", formatCoord(-105.50001))
	assert.Equal(t, "0", formatCoord(-0.00001))
}
