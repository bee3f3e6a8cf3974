package observation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alanyoungcy/wxwager/internal/domain"
	"github.com/alanyoungcy/wxwager/internal/observability"
)

// DefaultMinReadings is the fewest readings that make a usable day.
const DefaultMinReadings = 4

// Fetcher returns daily observations for a wager location, consulting the
// cache before the observation source. Only complete, sufficient days are
// cached.
type Fetcher struct {
	source      domain.ObservationSource
	cache       domain.ObservationCache
	clock       clockwork.Clock
	minReadings int
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher. cache and metrics may be nil.
func NewFetcher(
	source domain.ObservationSource,
	cache domain.ObservationCache,
	clock clockwork.Clock,
	minReadings int,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Fetcher {
	if minReadings < 1 {
		minReadings = DefaultMinReadings
	}
	return &Fetcher{
		source:      source,
		cache:       cache,
		clock:       clock,
		minReadings: minReadings,
		metrics:     metrics,
		logger:      logger.With(slog.String("component", "observation_fetcher")),
	}
}

// Fetch returns the aggregate for loc's station over the station-local civil
// day date. ok is false when the day has not ended yet or too few readings
// exist; neither case is an error.
func (f *Fetcher) Fetch(ctx context.Context, loc domain.WagerLocation, date domain.Date) (domain.DailyObservation, bool, error) {
	if !loc.Resolved() {
		return domain.DailyObservation{}, false, fmt.Errorf("observation: location %q has no resolved station", loc.Name)
	}

	if f.cache != nil {
		obs, hit, err := f.cache.Get(ctx, loc.StationID, date)
		switch {
		case err != nil:
			f.logger.WarnContext(ctx, "observation cache read failed",
				slog.String("station", loc.StationID),
				slog.String("date", date.String()),
				slog.String("error", err.Error()),
			)
		case hit:
			f.count("cache", "hit")
			return obs, true, nil
		}
		f.count("cache", "miss")
	}

	start, end, err := localDay(loc, date)
	if err != nil {
		return domain.DailyObservation{}, false, err
	}
	now := f.clock.Now()
	if now.Before(end) {
		f.count("fetch", "incomplete")
		return domain.DailyObservation{}, false, nil
	}

	readings, err := f.source.Observations(ctx, loc.StationID, start, end)
	if err != nil {
		f.count("fetch", "error")
		return domain.DailyObservation{}, false, fmt.Errorf("observation: fetch %s %s: %w", loc.StationID, date, err)
	}

	obs, ok := Aggregate(loc.StationID, date, readings, f.minReadings, now)
	if !ok {
		f.count("fetch", "unavailable")
		f.logger.DebugContext(ctx, "insufficient readings",
			slog.String("station", loc.StationID),
			slog.String("date", date.String()),
			slog.Int("readings", len(readings)),
		)
		return domain.DailyObservation{}, false, nil
	}
	f.count("fetch", "ok")

	if f.cache != nil {
		if err := f.cache.Set(ctx, obs); err != nil {
			f.logger.WarnContext(ctx, "observation cache write failed",
				slog.String("station", loc.StationID),
				slog.String("error", err.Error()),
			)
		}
	}
	return obs, true, nil
}

// DayComplete reports whether the station-local civil day date has ended for
// loc, i.e. whether Fetch can return data for it at all.
func (f *Fetcher) DayComplete(loc domain.WagerLocation, date domain.Date) (bool, error) {
	_, end, err := localDay(loc, date)
	if err != nil {
		return false, err
	}
	return !f.clock.Now().Before(end), nil
}

func localDay(loc domain.WagerLocation, date domain.Date) (time.Time, time.Time, error) {
	tz, err := time.LoadLocation(loc.TimeZone)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("observation: load timezone %q: %w", loc.TimeZone, err)
	}
	start, end, err := date.LocalDay(tz)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("observation: date %q: %w", date, err)
	}
	return start, end, nil
}

func (f *Fetcher) count(kind, label string) {
	if f.metrics == nil {
		return
	}
	switch kind {
	case "cache":
		f.metrics.ObservationCache.WithLabelValues(label).Inc()
	case "fetch":
		f.metrics.ObservationFetch.WithLabelValues(label).Inc()
	}
}
