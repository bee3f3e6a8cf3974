// Package observation turns raw station readings into cached daily aggregates
// used for grading.
package observation

import (
	"time"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

// Exact unit conversions.
const (
	mmPerInch = 25.4
	kmPerMile = 1.609344
)

// CToF converts degrees Celsius to Fahrenheit.
func CToF(c float64) float64 { return c*9/5 + 32 }

// MMToIn converts millimetres to inches.
func MMToIn(mm float64) float64 { return mm / mmPerInch }

// KmhToMph converts km/h to mph.
func KmhToMph(kmh float64) float64 { return kmh / kmPerMile }

// Aggregate folds readings into a daily observation. It returns false when
// fewer than minReadings readings are present. A reading missing a field is
// skipped for that field only. Values are not rounded.
func Aggregate(stationID string, date domain.Date, readings []domain.RawReading, minReadings int, fetchedAt time.Time) (domain.DailyObservation, bool) {
	if len(readings) < minReadings {
		return domain.DailyObservation{}, false
	}

	obs := domain.DailyObservation{
		StationID:    stationID,
		Date:         date,
		ReadingCount: len(readings),
		FetchedAt:    fetchedAt,
	}
	for _, r := range readings {
		if r.TemperatureC != nil {
			f := CToF(*r.TemperatureC)
			obs.HighTempF = maxOf(obs.HighTempF, f)
			obs.LowTempF = minOf(obs.LowTempF, f)
		}
		if r.PrecipMM != nil {
			obs.PrecipIn = sumOf(obs.PrecipIn, MMToIn(*r.PrecipMM))
		}
		if r.WindSpeedKmh != nil {
			obs.MaxWindMph = maxOf(obs.MaxWindMph, KmhToMph(*r.WindSpeedKmh))
		}
		if r.WindGustKmh != nil {
			obs.MaxGustMph = maxOf(obs.MaxGustMph, KmhToMph(*r.WindGustKmh))
		}
	}
	return obs, true
}

func maxOf(cur *float64, v float64) *float64 {
	if cur == nil || v > *cur {
		return &v
	}
	return cur
}

func minOf(cur *float64, v float64) *float64 {
	if cur == nil || v < *cur {
		return &v
	}
	return cur
}

func sumOf(cur *float64, v float64) *float64 {
	if cur == nil {
		return &v
	}
	s := *cur + v
	return &s
}
