package observation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/observability"
)

type fakeSource struct {
	mu       sync.Mutex
	readings []domain.RawReading
	err      error
	calls    int
	start    time.Time
	end      time.Time
}

func (s *fakeSource) Observations(_ context.Context, _ string, start, end time.Time) ([]domain.RawReading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.start, s.end = start, end
	return s.readings, s.err
}

type memCache struct {
	mu   sync.Mutex
	data map[string]domain.DailyObservation
	err  error
}

func newMemCache() *memCache { return &memCache{data: map[string]domain.DailyObservation{}} }

func (c *memCache) Get(_ context.Context, station string, date domain.Date) (domain.DailyObservation, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return domain.DailyObservation{}, false, c.err
	}
	obs, ok := c.data[station+":"+string(date)]
	return obs, ok, nil
}

func (c *memCache) Set(_ context.Context, obs domain.DailyObservation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.data[obs.StationID+":"+string(obs.Date)] = obs
	return nil
}

func f64(v float64) *float64 { return &v }

func reading(tempC, precipMM, windKmh, gustKmh *float64) domain.RawReading {
	return domain.RawReading{TemperatureC: tempC, PrecipMM: precipMM, WindSpeedKmh: windKmh, WindGustKmh: gustKmh}
}

var denver = domain.WagerLocation{Name: "Denver", Lat: 39.74, Lon: -104.99, StationID: "KDEN", TimeZone: "America/Denver"}

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAggregate(t *testing.T) {
	readings := []domain.RawReading{
		reading(f64(10), f64(2.54), f64(16.09344), nil),
		reading(f64(30), nil, f64(32.18688), f64(48.28032)),
		reading(nil, f64(25.4), nil, nil),
		reading(f64(-5), f64(0), nil, f64(8.04672)),
	}
	obs, ok := Aggregate("KDEN", "2025-07-04", readings, 4, time.Unix(0, 0))
	require.True(t, ok)

	assert.Equal(t, 4, obs.ReadingCount)
	assert.InDelta(t, 86.0, *obs.HighTempF, 1e-9)
	assert.InDelta(t, 23.0, *obs.LowTempF, 1e-9)
	assert.InDelta(t, 1.1, *obs.PrecipIn, 1e-9)
	assert.InDelta(t, 20.0, *obs.MaxWindMph, 1e-9)
	assert.InDelta(t, 30.0, *obs.MaxGustMph, 1e-9)
}

func TestAggregateInsufficientReadings(t *testing.T) {
	readings := []domain.RawReading{reading(f64(1), nil, nil, nil), reading(f64(2), nil, nil, nil), reading(f64(3), nil, nil, nil)}
	_, ok := Aggregate("KDEN", "2025-07-04", readings, 4, time.Unix(0, 0))
	assert.False(t, ok)
}

func TestAggregateMissingFieldStaysNil(t *testing.T) {
	readings := make([]domain.RawReading, 4)
	for i := range readings {
		readings[i] = reading(f64(float64(i)), nil, nil, nil)
	}
	obs, ok := Aggregate("KDEN", "2025-07-04", readings, 4, time.Unix(0, 0))
	require.True(t, ok)
	assert.Nil(t, obs.PrecipIn)
	_, has := obs.Value(domain.MetricWindGust)
	assert.False(t, has)
}

func TestFetchCachesCompleteDay(t *testing.T) {
	// 2025-07-05 12:00 UTC is after the end of 2025-07-04 in Denver.
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 5, 12, 0, 0, 0, time.UTC))
	src := &fakeSource{readings: []domain.RawReading{
		reading(f64(20), nil, nil, nil), reading(f64(25), nil, nil, nil),
		reading(f64(30), nil, nil, nil), reading(f64(15), nil, nil, nil),
	}}
	cache := newMemCache()
	f := NewFetcher(src, cache, clock, 4, observability.NewMetricsForTesting(), testLogger())

	obs, ok, err := f.Fetch(context.Background(), denver, "2025-07-04")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 86.0, *obs.HighTempF, 1e-9)
	assert.Equal(t, "2025-07-04T06:00:00Z", src.start.UTC().Format(time.RFC3339))
	assert.Equal(t, "2025-07-05T06:00:00Z", src.end.UTC().Format(time.RFC3339))

	_, ok, err = f.Fetch(context.Background(), denver, "2025-07-04")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, src.calls, "second fetch served from cache")
}

func TestFetchIncompleteDayIsUnavailable(t *testing.T) {
	// 2025-07-05 03:00 UTC is still 2025-07-04 evening in Denver.
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 5, 3, 0, 0, 0, time.UTC))
	src := &fakeSource{}
	cache := newMemCache()
	f := NewFetcher(src, cache, clock, 4, nil, testLogger())

	_, ok, err := f.Fetch(context.Background(), denver, "2025-07-04")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, src.calls)
	assert.Empty(t, cache.data)
}

func TestFetchInsufficientNotCached(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 6, 0, 0, 0, 0, time.UTC))
	src := &fakeSource{readings: []domain.RawReading{reading(f64(20), nil, nil, nil)}}
	cache := newMemCache()
	f := NewFetcher(src, cache, clock, 4, nil, testLogger())

	_, ok, err := f.Fetch(context.Background(), denver, "2025-07-04")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, cache.data)
}

func TestFetchSourceError(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 6, 0, 0, 0, 0, time.UTC))
	boom := errors.New("boom")
	f := NewFetcher(&fakeSource{err: boom}, nil, clock, 4, nil, testLogger())

	_, ok, err := f.Fetch(context.Background(), denver, "2025-07-04")
	assert.False(t, ok)
	assert.ErrorIs(t, err, boom)
}

func TestFetchCacheFailureIsBypassed(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 6, 0, 0, 0, 0, time.UTC))
	src := &fakeSource{readings: []domain.RawReading{
		reading(f64(1), nil, nil, nil), reading(f64(2), nil, nil, nil),
		reading(f64(3), nil, nil, nil), reading(f64(4), nil, nil, nil),
	}}
	cache := newMemCache()
	cache.err = errors.New("redis down")
	f := NewFetcher(src, cache, clock, 4, nil, testLogger())

	_, ok, err := f.Fetch(context.Background(), denver, "2025-07-04")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFetchUnresolvedLocation(t *testing.T) {
	f := NewFetcher(&fakeSource{}, nil, clockwork.NewFakeClock(), 4, nil, testLogger())
	_, _, err := f.Fetch(context.Background(), domain.WagerLocation{Name: "nowhere"}, "2025-07-04")
	assert.Error(t, err)
}

func TestDayComplete(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2025, 7, 5, 5, 59, 0, 0, time.UTC))
	f := NewFetcher(&fakeSource{}, nil, clock, 4, nil, testLogger())

	done, err := f.DayComplete(denver, "2025-07-04")
	require.NoError(t, err)
	assert.False(t, done)

	clock.Advance(time.Minute)
	done, err = f.DayComplete(denver, "2025-07-04")
	require.NoError(t, err)
	assert.True(t, done)

	_, err = f.DayComplete(domain.WagerLocation{TimeZone: "Mars/Olympus"}, "2025-07-04")
	assert.Error(t, err)
}
