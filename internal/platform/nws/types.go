package nws

import (
	"time"

	"github.com/alanyoungcy/wxwager/internal/domain"
)

// pointsResponse is the subset of GET /points/{lat},{lon} we use.
type pointsResponse struct {
	Properties struct {
		ObservationStations string `json:"observationStations"`
		TimeZone            string `json:"timeZone"`
	} `json:"properties"`
}

// stationsResponse is a GeoJSON collection of observation stations, nearest
// first.
type stationsResponse struct {
	Features []struct {
		Properties struct {
			StationIdentifier string `json:"stationIdentifier"`
		} `json:"properties"`
	} `json:"features"`
}

// quantity is a WMO-unit-coded measurement. Value is null when the station did
// not report it.
type quantity struct {
	UnitCode string   `json:"unitCode"`
	Value    *float64 `json:"value"`
}

// observationsResponse is a GeoJSON collection of station observations.
type observationsResponse struct {
	Features []struct {
		Properties observationProperties `json:"properties"`
	} `json:"features"`
}

type observationProperties struct {
	Timestamp             time.Time `json:"timestamp"`
	Temperature           quantity  `json:"temperature"`
	PrecipitationLastHour quantity  `json:"precipitationLastHour"`
	WindSpeed             quantity  `json:"windSpeed"`
	WindGust              quantity  `json:"windGust"`
}

// toDomain converts to source units: degC, mm and km/h.
func (p observationProperties) toDomain() domain.RawReading {
	return domain.RawReading{
		Timestamp:    p.Timestamp,
		TemperatureC: celsius(p.Temperature),
		PrecipMM:     millimetres(p.PrecipitationLastHour),
		WindSpeedKmh: kmPerHour(p.WindSpeed),
		WindGustKmh:  kmPerHour(p.WindGust),
	}
}

func celsius(q quantity) *float64 {
	if q.Value == nil {
		return nil
	}
	v := *q.Value
	switch q.UnitCode {
	case "wmoUnit:degF":
		v = (v - 32) * 5 / 9
	case "wmoUnit:K":
		v -= 273.15
	}
	return &v
}

func millimetres(q quantity) *float64 {
	if q.Value == nil {
		return nil
	}
	v := *q.Value
	if q.UnitCode == "wmoUnit:m" {
		v *= 1000
	}
	return &v
}

func kmPerHour(q quantity) *float64 {
	if q.Value == nil {
		return nil
	}
	v := *q.Value
	if q.UnitCode == "wmoUnit:m_s-1" {
		v *= 3.6
	}
	return &v
}
