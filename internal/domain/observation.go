package domain

import "time"

// Station is the result of resolving a coordinate to an observing station.
type Station struct {
	ID       string
	TimeZone string
}

// RawReading is a single station observation in source units. Any field may be
// missing.
type RawReading struct {
	Timestamp    time.Time
	TemperatureC *float64
	PrecipMM     *float64 // last hour, millimetres
	WindSpeedKmh *float64
	WindGustKmh  *float64
}

// DailyObservation is the aggregate of one station's readings over one local
// day, in display units.
type DailyObservation struct {
	StationID    string    `json:"stationId"`
	Date         Date      `json:"date"`
	HighTempF    *float64  `json:"highTempF,omitempty"`
	LowTempF     *float64  `json:"lowTempF,omitempty"`
	PrecipIn     *float64  `json:"precipIn,omitempty"`
	MaxWindMph   *float64  `json:"maxWindMph,omitempty"`
	MaxGustMph   *float64  `json:"maxGustMph,omitempty"`
	ReadingCount int       `json:"readingCount"`
	FetchedAt    time.Time `json:"fetchedAt"`
}

// Value returns the aggregate for metric, or false when no reading carried it.
func (o DailyObservation) Value(metric Metric) (float64, bool) {
	var p *float64
	switch metric {
	case MetricHighTemp:
		p = o.HighTempF
	case MetricLowTemp:
		p = o.LowTempF
	case MetricPrecip:
		p = o.PrecipIn
	case MetricWindSpeed:
		p = o.MaxWindMph
	case MetricWindGust:
		p = o.MaxGustMph
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}
